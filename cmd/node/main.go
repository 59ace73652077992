package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chomosuke/distributed-exchange/internal/config"
	"github.com/chomosuke/distributed-exchange/internal/coordinator"
	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/engine"
	"github.com/chomosuke/distributed-exchange/internal/ledger"
	"github.com/chomosuke/distributed-exchange/internal/metrics"
	"github.com/chomosuke/distributed-exchange/internal/peer"
	"github.com/chomosuke/distributed-exchange/internal/server"
	"github.com/chomosuke/distributed-exchange/internal/settlement"
	"github.com/chomosuke/distributed-exchange/internal/store"
)

// coordHandler reacts to coordinator pushes: account placements land on
// the local ledger. A new member dials us itself, so the joined push is
// only recorded.
type coordHandler struct {
	orch *settlement.Orchestrator
	log  *slog.Logger
}

func (h *coordHandler) NodeJoined(id domain.NodeID, addr string) {
	h.log.Info("member added", "node_id", id, "addr", addr)
}

func (h *coordHandler) CreateAccount() (domain.UserID, error) {
	return h.orch.CreateAccount()
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	st, err := store.OpenPebble(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	state, restored, err := ledger.RestoreState(st)
	if err != nil {
		logger.Error("failed to restore state", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", slog.String("addr", cfg.ListenAddr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = ln.Addr().String()
	}

	var rejoin *coordinator.JoinState
	if restored {
		rejoin = &coordinator.JoinState{ID: state.ID(), AccountNum: state.AccountCount()}
		logger.Info("state restored", slog.Int("node_id", int(state.ID())), slog.Int("accounts", state.AccountCount()))
	}
	coordClient, joinReply, err := coordinator.Join(cfg.CoordinatorAddr, advertise, rejoin, logger)
	if err != nil {
		logger.Error("failed to join coordinator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if !restored {
		state = ledger.NewState(joinReply.ID, st)
		if err := state.Persist(); err != nil {
			logger.Error("failed to persist state", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else if state.ID() != joinReply.ID {
		logger.Error("coordinator assigned a different id",
			slog.Int("restored", int(state.ID())), slog.Int("assigned", int(joinReply.ID)))
		os.Exit(1)
	}
	logger.Info("joined exchange",
		slog.Int("node_id", int(joinReply.ID)),
		slog.String("addr", advertise),
		slog.Int("peers", len(joinReply.Others)))

	m := metrics.New()
	matcher := engine.NewMatcher(joinReply.ID)
	peers := peer.NewTable(joinReply.ID, logger)
	orch := settlement.New(state, matcher, peers, m, logger)
	peers.SetHandler(orch)
	coordinator.DialPeers(peers, joinReply.Others, logger)
	srv := server.New(orch, peers, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := coordClient.Listen(&coordHandler{orch: orch, log: logger})
		logger.Error("coordinator connection closed", slog.String("error", err.Error()))
	}()

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	var ops *http.Server
	if cfg.OpsAddr != "" {
		ops = &http.Server{
			Addr:    cfg.OpsAddr,
			Handler: metrics.Router(m, func() any { return orch.MarketStats() }),
		}
		go func() {
			logger.Info("ops server starting", slog.String("addr", cfg.OpsAddr))
			if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ops server error", slog.String("error", err.Error()))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	if ops != nil {
		ops.Shutdown(context.Background())
	}
	peers.Close()
	logger.Info("node stopped")
}
