package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/store"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

// fakeNode reacts to coordinator pushes during tests.
type fakeNode struct {
	joined   chan NodeRecord
	accounts chan domain.UserID
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		joined:   make(chan NodeRecord, 4),
		accounts: make(chan domain.UserID, 4),
	}
}

func (n *fakeNode) NodeJoined(id domain.NodeID, addr string) {
	n.joined <- NodeRecord{ID: id, Addr: addr}
}

func (n *fakeNode) CreateAccount() (domain.UserID, error) {
	userID := <-n.accounts
	return userID, nil
}

func startCoordinator(t *testing.T) string {
	t.Helper()
	srv, err := NewServer(store.NewMemoryStore(), slog.Default())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	return ln.Addr().String()
}

func joinNode(t *testing.T, coordAddr, nodeAddr string, node *fakeNode) (*Client, JoinReply) {
	t.Helper()
	client, reply, err := Join(coordAddr, nodeAddr, nil, slog.Default())
	require.NoError(t, err)
	go client.Listen(node)
	return client, reply
}

// fakeDialer records outgoing peer connections.
type fakeDialer struct {
	dialed []NodeRecord
	fail   map[domain.NodeID]bool
}

func (d *fakeDialer) Connect(id domain.NodeID, addr string) error {
	if d.fail[id] {
		return fmt.Errorf("node %d unreachable", id)
	}
	d.dialed = append(d.dialed, NodeRecord{ID: id, Addr: addr})
	return nil
}

func TestDialPeers_ConnectsEveryListedMember(t *testing.T) {
	others := []NodeRecord{
		{ID: 0, Addr: "127.0.0.1:7001"},
		{ID: 1, Addr: "127.0.0.1:7002"},
		{ID: 2, Addr: "127.0.0.1:7003"},
	}
	d := &fakeDialer{}
	DialPeers(d, others, slog.Default())
	require.Equal(t, others, d.dialed)
}

func TestDialPeers_SkipsUnreachableMember(t *testing.T) {
	others := []NodeRecord{
		{ID: 0, Addr: "127.0.0.1:7001"},
		{ID: 1, Addr: "127.0.0.1:7002"},
		{ID: 2, Addr: "127.0.0.1:7003"},
	}
	d := &fakeDialer{fail: map[domain.NodeID]bool{1: true}}
	DialPeers(d, others, slog.Default())
	require.Equal(t, []NodeRecord{others[0], others[2]}, d.dialed)
}

func TestJoin_AssignsSequentialIDsAndAnnounces(t *testing.T) {
	coordAddr := startCoordinator(t)

	first := newFakeNode()
	_, reply := joinNode(t, coordAddr, "127.0.0.1:7001", first)
	require.Equal(t, domain.NodeID(0), reply.ID)
	require.Empty(t, reply.Others)

	// The coordinator registers the first node's push queue after it
	// reads the ack; give it a moment before the second join.
	time.Sleep(100 * time.Millisecond)

	second := newFakeNode()
	_, reply = joinNode(t, coordAddr, "127.0.0.1:7002", second)
	require.Equal(t, domain.NodeID(1), reply.ID)
	require.Equal(t, []NodeRecord{{ID: 0, Addr: "127.0.0.1:7001"}}, reply.Others)

	// The first node is told to dial the newcomer.
	select {
	case rec := <-first.joined:
		require.Equal(t, NodeRecord{ID: 1, Addr: "127.0.0.1:7002"}, rec)
	case <-time.After(2 * time.Second):
		t.Fatal("first node never saw the join")
	}
}

func TestCreateAccount_RelayedToLeastLoadedNode(t *testing.T) {
	coordAddr := startCoordinator(t)
	node := newFakeNode()
	joinNode(t, coordAddr, "127.0.0.1:7001", node)
	node.accounts <- domain.UserID{ID: 0, NodeID: 0}
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", coordAddr)
	require.NoError(t, err)
	rw := wire.NewReadWriter(conn)
	defer rw.Close()
	require.NoError(t, rw.WriteJSON("C account"))

	line, err := rw.ReadLine()
	require.NoError(t, err)
	var userID domain.UserID
	require.NoError(t, json.Unmarshal([]byte(line), &userID))
	require.Equal(t, domain.UserID{ID: 0, NodeID: 0}, userID)
}

func requestAccount(t *testing.T, coordAddr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", coordAddr)
	require.NoError(t, err)
	rw := wire.NewReadWriter(conn)
	defer rw.Close()
	require.NoError(t, rw.WriteJSON("C account"))
	line, err := rw.ReadLine()
	require.NoError(t, err)
	return line
}

func TestCreateAccount_TimeoutRollsBackPlacement(t *testing.T) {
	saved := createAccountTimeout
	createAccountTimeout = 200 * time.Millisecond
	defer func() { createAccountTimeout = saved }()

	coordAddr := startCoordinator(t)
	slow := newFakeNode()
	joinNode(t, coordAddr, "127.0.0.1:7001", slow)
	time.Sleep(100 * time.Millisecond)
	spare := newFakeNode()
	joinNode(t, coordAddr, "127.0.0.1:7002", spare)
	time.Sleep(100 * time.Millisecond)

	// Both counts are zero, so the relay goes to node 0, which does not
	// answer in time.
	line := requestAccount(t, coordAddr)
	require.Contains(t, line, "error")

	// The late answer unblocks node 0's push loop; the stale reply is
	// discarded by the coordinator.
	slow.accounts <- domain.UserID{ID: 0, NodeID: 0}
	time.Sleep(100 * time.Millisecond)

	// With the count rolled back the tie stands, so the next account
	// still lands on node 0. A leaked bump would divert it to node 1.
	slow.accounts <- domain.UserID{ID: 1, NodeID: 0}
	line = requestAccount(t, coordAddr)
	var userID domain.UserID
	require.NoError(t, json.Unmarshal([]byte(line), &userID))
	require.Equal(t, domain.UserID{ID: 1, NodeID: 0}, userID)
}

func TestFindNode_ReturnsOwningAddress(t *testing.T) {
	coordAddr := startCoordinator(t)
	node := newFakeNode()
	joinNode(t, coordAddr, "127.0.0.1:7001", node)

	conn, err := net.Dial("tcp", coordAddr)
	require.NoError(t, err)
	rw := wire.NewReadWriter(conn)
	defer rw.Close()
	require.NoError(t, rw.WriteJSON(domain.UserID{ID: 5, NodeID: 0}))

	line, err := rw.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7001", line)
}

func TestRejoin_KeepsID(t *testing.T) {
	st := store.NewMemoryStore()
	srv, err := NewServer(st, slog.Default())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	coordAddr := ln.Addr().String()

	node := newFakeNode()
	client, reply := joinNode(t, coordAddr, "127.0.0.1:7001", node)
	require.Equal(t, domain.NodeID(0), reply.ID)
	client.rw.Close()

	// The node comes back with its persisted identity and a new address.
	rejoined, reply2, err := Join(coordAddr, "127.0.0.1:7009", &JoinState{ID: reply.ID, AccountNum: 3}, slog.Default())
	require.NoError(t, err)
	defer rejoined.rw.Close()
	require.Equal(t, domain.NodeID(0), reply2.ID)
}
