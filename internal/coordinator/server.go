package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/chomosuke/distributed-exchange/internal/dlock"
	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/store"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

// createAccountTimeout bounds the wait for the chosen node to answer a
// relayed account creation. Variable so tests can shorten it.
var createAccountTimeout = 10 * time.Second

// cAccountLine is the first line a client sends to request an account.
const cAccountLine = `"C account"`

type pushMsg struct {
	line  string
	reply chan domain.UserID
}

type nodeRecord struct {
	addr string
	// push is non-nil while the node is connected. A single goroutine
	// drains it and owns the node's connection.
	push chan pushMsg
}

// Server is the coordinator. Node ids are indexes into records and are
// never reused; account counts drive the placement policy.
type Server struct {
	log   *slog.Logger
	store store.Store

	mu          dlock.Mutex
	records     []*nodeRecord
	accountNums []uint64
}

// persisted is the durable membership document.
type persisted struct {
	Addrs       []string `json:"addrs"`
	AccountNums []uint64 `json:"account_nums"`
}

func NewServer(st store.Store, log *slog.Logger) (*Server, error) {
	s := &Server{
		log:   log.With("component", "coordinator"),
		store: st,
	}
	doc, ok, err := st.GetState()
	if err != nil {
		return nil, err
	}
	if ok {
		var p persisted
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode coordinator state: %w", err)
		}
		for _, addr := range p.Addrs {
			s.records = append(s.records, &nodeRecord{addr: addr})
		}
		s.accountNums = p.AccountNums
		s.log.Info("membership restored", "nodes", len(s.records))
	}
	return s, nil
}

// persistLocked writes the membership document. Caller holds mu.
func (s *Server) persistLocked() error {
	p := persisted{AccountNums: s.accountNums}
	for _, r := range s.records {
		p.Addrs = append(p.Addrs, r.addr)
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode coordinator state: %w", err)
	}
	return s.store.PutState(doc)
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

// handleConn sorts a connection by its first line: the "C account"
// string starts an account-creation relay, a UserID object a node
// lookup, and a join request a long-lived node session.
func (s *Server) handleConn(conn net.Conn) {
	rw := wire.NewReadWriter(conn)
	line, err := rw.ReadLine()
	if err != nil {
		rw.Close()
		return
	}

	if line == cAccountLine {
		defer rw.Close()
		s.createAccount(rw)
		return
	}
	if userID, ok := decodeStrict[domain.UserID](line); ok {
		defer rw.Close()
		s.findNode(rw, userID)
		return
	}
	if join, ok := decodeStrict[joinRequest](line); ok && join.Addr != "" {
		defer rw.Close()
		s.serveNode(rw, join)
		return
	}

	s.log.Warn("unrecognized first line", "addr", rw.PeerAddr(), "line", line)
	rw.Close()
}

// decodeStrict separates the two object-shaped first lines by their
// keys, which do not overlap.
func decodeStrict[T any](line string) (T, bool) {
	var v T
	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, false
	}
	return v, true
}

// findNode resolves a UserID to its owning node's address.
func (s *Server) findNode(rw *wire.ReadWriter, userID domain.UserID) {
	s.mu.Lock("coordinator find node")
	var addr string
	if int(userID.NodeID) >= 0 && int(userID.NodeID) < len(s.records) {
		addr = s.records[userID.NodeID].addr
	}
	s.mu.Unlock()
	if addr == "" {
		rw.WriteJSON(fmt.Sprintf("error: unknown node %d", userID.NodeID))
		return
	}
	rw.WriteLine(addr)
}

// createAccount places a new account on the connected node with the
// fewest accounts, lowest id on ties, relays the creation, and returns
// the new UserID to the client.
func (s *Server) createAccount(rw *wire.ReadWriter) {
	s.mu.Lock("coordinator create account")
	chosen := -1
	for i, r := range s.records {
		if r.push == nil {
			continue
		}
		if chosen == -1 || s.accountNums[i] < s.accountNums[chosen] {
			chosen = i
		}
	}
	if chosen == -1 {
		s.mu.Unlock()
		rw.WriteJSON("error: no nodes available")
		return
	}
	// Counted before the relay so concurrent placements spread across
	// nodes; rolled back if the node never confirms.
	s.accountNums[chosen]++
	if err := s.persistLocked(); err != nil {
		s.log.Error("persist failed", "error", err)
	}
	reply := make(chan domain.UserID, 1)
	push := s.records[chosen].push
	s.mu.Unlock()

	select {
	case push <- pushMsg{line: fmt.Sprintf(`{"type":%q}`, pushCAccount), reply: reply}:
	case <-time.After(createAccountTimeout):
		s.rollbackPlacement(chosen)
		rw.WriteJSON("error: node unresponsive")
		return
	}
	select {
	case userID := <-reply:
		s.log.Info("account created", "account_id", userID.ID, "node_id", userID.NodeID)
		rw.WriteJSON(userID)
	case <-time.After(createAccountTimeout):
		s.rollbackPlacement(chosen)
		rw.WriteJSON("error: node unresponsive")
	}
}

// rollbackPlacement undoes the optimistic count bump after a relay the
// node never confirmed. If the node did create the account after the
// timeout, the count is short by one until its next rejoin, which
// reports the true total.
func (s *Server) rollbackPlacement(chosen int) {
	s.mu.Lock("coordinator placement rollback")
	s.accountNums[chosen]--
	if err := s.persistLocked(); err != nil {
		s.log.Error("persist failed", "error", err)
	}
	s.mu.Unlock()
}

// serveNode runs the join handshake and then relays pushes for the
// life of the node's connection.
func (s *Server) serveNode(rw *wire.ReadWriter, join joinRequest) {
	s.mu.Lock("coordinator node join")
	var id domain.NodeID
	if join.State != nil {
		id = join.State.ID
		if int(id) < 0 || int(id) >= len(s.records) {
			s.mu.Unlock()
			s.log.Warn("rejoin with unknown id", "node_id", id, "addr", join.Addr)
			return
		}
		s.records[id].addr = join.Addr
		s.accountNums[id] = uint64(join.State.AccountNum)
	} else {
		id = domain.NodeID(len(s.records))
		s.records = append(s.records, &nodeRecord{addr: join.Addr})
		s.accountNums = append(s.accountNums, 0)
	}
	var others []NodeRecord
	for i, r := range s.records {
		if domain.NodeID(i) != id {
			others = append(others, NodeRecord{ID: domain.NodeID(i), Addr: r.addr})
		}
	}
	if err := s.persistLocked(); err != nil {
		s.log.Error("persist failed", "error", err)
	}
	s.mu.Unlock()

	if err := rw.WriteJSON(JoinReply{ID: id, Others: others}); err != nil {
		s.log.Warn("join reply failed", "node_id", id, "error", err)
		return
	}
	ack, err := rw.ReadLine()
	if err != nil || ack != joinAck {
		s.log.Warn("join not acknowledged", "node_id", id, "ack", ack, "error", err)
		return
	}

	push := make(chan pushMsg, 16)
	s.mu.Lock("coordinator node connected")
	if old := s.records[id].push; old != nil {
		// A rejoin supersedes the stale session; closing its queue ends
		// its drain loop.
		close(old)
	}
	s.records[id].push = push
	// Tell every other connected node to dial the newcomer.
	joined, _ := json.Marshal(struct {
		Type string        `json:"type"`
		ID   domain.NodeID `json:"id"`
		Addr string        `json:"addr"`
	}{Type: pushJoined, ID: id, Addr: join.Addr})
	for i, r := range s.records {
		if domain.NodeID(i) == id || r.push == nil {
			continue
		}
		select {
		case r.push <- pushMsg{line: string(joined)}:
		default:
			s.log.Warn("push queue full", "node_id", i)
		}
	}
	s.mu.Unlock()
	s.log.Info("node joined", "node_id", id, "addr", join.Addr)

	defer func() {
		s.mu.Lock("coordinator node disconnect")
		if s.records[id].push == push {
			s.records[id].push = nil
		}
		s.mu.Unlock()
		s.log.Info("node disconnected", "node_id", id)
	}()

	for msg := range push {
		if err := rw.WriteLine(msg.line); err != nil {
			s.log.Warn("node push failed", "node_id", id, "error", err)
			return
		}
		if msg.reply == nil {
			continue
		}
		line, err := rw.ReadLine()
		if err != nil {
			s.log.Warn("node reply failed", "node_id", id, "error", err)
			return
		}
		var userID domain.UserID
		if err := json.Unmarshal([]byte(line), &userID); err != nil {
			s.log.Warn("bad node reply", "node_id", id, "line", line)
			return
		}
		msg.reply <- userID
	}
}
