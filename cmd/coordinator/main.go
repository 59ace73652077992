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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chomosuke/distributed-exchange/internal/config"
	"github.com/chomosuke/distributed-exchange/internal/coordinator"
	"github.com/chomosuke/distributed-exchange/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
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

	srv, err := coordinator.NewServer(st, logger)
	if err != nil {
		logger.Error("failed to start coordinator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", slog.String("addr", cfg.ListenAddr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("coordinator starting", slog.String("addr", ln.Addr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("coordinator error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	var ops *http.Server
	if cfg.OpsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		ops = &http.Server{Addr: cfg.OpsAddr, Handler: mux}
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
	logger.Info("coordinator stopped")
}
