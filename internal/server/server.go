// Package server owns the node's TCP listener and sorts inbound
// connections by their first line: a UserID object starts a client
// session, a bare node id starts a peer session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/metrics"
	"github.com/chomosuke/distributed-exchange/internal/peer"
	"github.com/chomosuke/distributed-exchange/internal/settlement"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

type Server struct {
	orch    *settlement.Orchestrator
	peers   *peer.Table
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(orch *settlement.Orchestrator, peers *peer.Table, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		orch:    orch,
		peers:   peers,
		metrics: m,
		log:     log.With("component", "server"),
	}
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	rw := wire.NewReadWriter(conn)
	line, err := rw.ReadLine()
	if err != nil {
		s.log.Warn("connection dropped before first line", "addr", rw.PeerAddr(), "error", err)
		rw.Close()
		return
	}

	var userID domain.UserID
	if err := json.Unmarshal([]byte(line), &userID); err == nil {
		s.serveClient(rw, userID)
		return
	}
	var nodeID domain.NodeID
	if err := json.Unmarshal([]byte(line), &nodeID); err == nil {
		// The peer table owns the connection from here on.
		s.peers.Attach(nodeID, rw)
		return
	}

	s.log.Warn("unrecognized first line", "addr", rw.PeerAddr(), "line", line)
	rw.Close()
}

func (s *Server) serveClient(rw *wire.ReadWriter, userID domain.UserID) {
	defer rw.Close()
	log := s.log.With("session_id", uuid.NewString(), "account_id", userID.ID, "addr", rw.PeerAddr())

	// Authenticate: the account must live on this node.
	if _, err := s.orch.Balance(userID); err != nil {
		log.Warn("client rejected", "error", err)
		rw.WriteLine(errorStatus(err))
		return
	}
	s.metrics.ClientSessions.Inc()
	defer s.metrics.ClientSessions.Dec()
	log.Info("client session started")

	sess := &session{orch: s.orch, userID: userID, log: log}
	for {
		line, err := rw.ReadLine()
		if err != nil {
			log.Info("client session ended", "error", err)
			return
		}
		if line == wire.Bye {
			log.Info("client session ended")
			return
		}
		resp, err := sess.handle(line)
		if err != nil {
			// Malformed requests and invalid accounts are
			// connection-local; the session continues.
			log.Warn("request failed", "error", err)
			resp = errorStatus(err)
		}
		if err := rw.WriteLine(resp); err != nil {
			log.Warn("client write failed", "error", err)
			return
		}
	}
}

// errorStatus renders an error as the bare JSON string clients expect.
func errorStatus(err error) string {
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrMalformedRequest):
		msg = "malformed request"
	case errors.Is(err, domain.ErrInvalidAccount):
		msg = "invalid account"
	}
	b, _ := json.Marshal("error: " + msg)
	return string(b)
}
