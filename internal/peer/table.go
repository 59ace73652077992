package peer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/chomosuke/distributed-exchange/internal/dlock"
	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

// outboxSize bounds the per-peer send queue. A peer that falls this far
// behind is treated as dead and its messages are dropped.
const outboxSize = 256

type conn struct {
	rw   *wire.ReadWriter
	out  chan string
	done chan struct{}
}

// Table tracks the other nodes of the exchange and one live connection
// per node. Sends are queued to a per-peer writer goroutine so callers
// never block on the network while holding ledger or matcher locks.
type Table struct {
	self    domain.NodeID
	handler Handler
	log     *slog.Logger

	mu    dlock.Mutex
	peers map[domain.NodeID]*conn
}

func NewTable(self domain.NodeID, log *slog.Logger) *Table {
	return &Table{
		self:  self,
		log:   log.With("component", "peer"),
		peers: make(map[domain.NodeID]*conn),
	}
}

// SetHandler wires the message consumer. Must be called before the
// first Attach or Connect; the table and its handler reference each
// other, so neither constructor can take the other.
func (t *Table) SetHandler(h Handler) {
	t.handler = h
}

// Connect dials a peer that joined before us and performs the outbound
// half of the handshake: our node id as the first line.
func (t *Table) Connect(id domain.NodeID, addr string) error {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial peer %d at %s: %w", id, addr, err)
	}
	rw := wire.NewReadWriter(nc)
	if err := rw.WriteJSON(t.self); err != nil {
		rw.Close()
		return fmt.Errorf("greet peer %d: %w", id, err)
	}
	t.Attach(id, rw)
	return nil
}

// Attach wires an identified peer connection into the table, replacing
// any previous connection for the same node, and starts its reader and
// writer goroutines. The reader dispatches serially to the handler.
func (t *Table) Attach(id domain.NodeID, rw *wire.ReadWriter) {
	c := &conn{
		rw:   rw,
		out:  make(chan string, outboxSize),
		done: make(chan struct{}),
	}

	t.mu.Lock("peer table attach")
	if old, ok := t.peers[id]; ok {
		close(old.done)
		old.rw.Close()
	}
	t.peers[id] = c
	t.mu.Unlock()

	t.log.Info("peer attached", "node_id", id, "addr", rw.PeerAddr())
	go t.writeLoop(id, c)
	go t.readLoop(id, c)
}

func (t *Table) writeLoop(id domain.NodeID, c *conn) {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.out:
			if err := c.rw.WriteLine(line); err != nil {
				t.log.Warn("peer write failed", "node_id", id, "error", err)
				t.detach(id, c)
				return
			}
		}
	}
}

func (t *Table) readLoop(id domain.NodeID, c *conn) {
	for {
		line, err := c.rw.ReadLine()
		if err != nil {
			select {
			case <-c.done:
			default:
				t.log.Warn("peer connection lost", "node_id", id, "error", err)
				t.detach(id, c)
			}
			return
		}
		if err := dispatch(t.handler, id, line); err != nil {
			panic(fmt.Sprintf("peer %d protocol violation: %v", id, err))
		}
	}
}

// detach removes a connection, but only if it is still the current one
// for its node id.
func (t *Table) detach(id domain.NodeID, c *conn) {
	t.mu.Lock("peer table detach")
	if t.peers[id] == c {
		delete(t.peers, id)
		close(c.done)
	}
	t.mu.Unlock()
	c.rw.Close()
}

// Send queues one message for a single peer. An unknown or disconnected
// node id is ErrUnknownNode.
func (t *Table) Send(id domain.NodeID, msg any) error {
	line, err := encode(msg)
	if err != nil {
		return err
	}
	t.mu.Lock("peer table send")
	c, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrUnknownNode, id)
	}
	t.enqueue(id, c, line)
	return nil
}

// Broadcast queues one message for every connected peer.
func (t *Table) Broadcast(msg any) {
	t.BroadcastExcept(t.self, msg)
}

// BroadcastExcept queues one message for every connected peer other
// than the named one.
func (t *Table) BroadcastExcept(except domain.NodeID, msg any) {
	line, err := encode(msg)
	if err != nil {
		panic(err)
	}
	t.mu.Lock("peer table broadcast")
	targets := make(map[domain.NodeID]*conn, len(t.peers))
	for id, c := range t.peers {
		if id != except {
			targets[id] = c
		}
	}
	t.mu.Unlock()
	for id, c := range targets {
		t.enqueue(id, c, line)
	}
}

func (t *Table) enqueue(id domain.NodeID, c *conn, line string) {
	select {
	case c.out <- line:
	default:
		t.log.Error("peer outbox full, dropping connection", "node_id", id)
		t.detach(id, c)
	}
}

// Nodes lists the currently connected peer ids.
func (t *Table) Nodes() []domain.NodeID {
	t.mu.Lock("peer table nodes")
	defer t.mu.Unlock()
	ids := make([]domain.NodeID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every connection.
func (t *Table) Close() {
	t.mu.Lock("peer table close")
	defer t.mu.Unlock()
	for id, c := range t.peers {
		close(c.done)
		c.rw.Close()
		delete(t.peers, id)
	}
}
