// Package coordinator implements the membership service and the node's
// client for it. The coordinator assigns node ids, tells existing nodes
// when a new one joins, places new accounts on the least-loaded node,
// and resolves a UserID to the address of its owning node.
package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

// NodeRecord is one peer as reported in a join reply.
type NodeRecord struct {
	ID   domain.NodeID `json:"id"`
	Addr string        `json:"addr"`
}

// JoinState identifies a restarting node so the coordinator reuses its
// id instead of allocating a fresh one.
type JoinState struct {
	ID         domain.NodeID `json:"id"`
	AccountNum int           `json:"account_num"`
}

type joinRequest struct {
	Addr  string     `json:"addr"`
	State *JoinState `json:"state,omitempty"`
}

// JoinReply carries the node's assigned id and every other member.
type JoinReply struct {
	ID     domain.NodeID `json:"id"`
	Others []NodeRecord  `json:"others"`
}

// joinAck is the bare (unquoted) acknowledgement line.
const joinAck = "ok"

type push struct {
	Type string        `json:"type"`
	ID   domain.NodeID `json:"id"`
	Addr string        `json:"addr"`
}

const (
	pushJoined   = "joined"
	pushCAccount = "C account"
)

// Client is a node's connection to the coordinator. One goroutine owns
// it via Listen after the join handshake.
type Client struct {
	rw  *wire.ReadWriter
	log *slog.Logger
}

// Join dials the coordinator and performs the handshake: announce our
// listen address (and prior identity when rejoining), learn our id and
// the other members, acknowledge.
func Join(coordAddr, selfAddr string, rejoin *JoinState, log *slog.Logger) (*Client, JoinReply, error) {
	conn, err := net.Dial("tcp", coordAddr)
	if err != nil {
		return nil, JoinReply{}, fmt.Errorf("dial coordinator %s: %w", coordAddr, err)
	}
	rw := wire.NewReadWriter(conn)
	if err := rw.WriteJSON(joinRequest{Addr: selfAddr, State: rejoin}); err != nil {
		rw.Close()
		return nil, JoinReply{}, fmt.Errorf("send join request: %w", err)
	}
	line, err := rw.ReadLine()
	if err != nil {
		rw.Close()
		return nil, JoinReply{}, fmt.Errorf("read join reply: %w", err)
	}
	var reply JoinReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		rw.Close()
		return nil, JoinReply{}, fmt.Errorf("decode join reply %q: %w", line, err)
	}
	if err := rw.WriteLine(joinAck); err != nil {
		rw.Close()
		return nil, JoinReply{}, fmt.Errorf("acknowledge join: %w", err)
	}
	return &Client{rw: rw, log: log.With("component", "coordinator-client")}, reply, nil
}

// Dialer establishes a link to one peer node.
type Dialer interface {
	Connect(id domain.NodeID, addr string) error
}

// DialPeers links the freshly joined node to every member the join
// reply listed. The joining side always dials, so two nodes never race
// to build duplicate links to each other. A failed dial is logged and
// skipped; the unreachable peer restores the link when it next rejoins.
func DialPeers(d Dialer, others []NodeRecord, log *slog.Logger) {
	for _, o := range others {
		if err := d.Connect(o.ID, o.Addr); err != nil {
			log.Error("failed to connect to peer", "node_id", o.ID, "addr", o.Addr, "error", err)
		}
	}
}

// Handler reacts to coordinator pushes.
type Handler interface {
	// NodeJoined is called when another node joins. The newcomer dials
	// every existing member itself, so the receiver only records the
	// membership change.
	NodeJoined(id domain.NodeID, addr string)
	// CreateAccount places a new account on this node and returns its id.
	CreateAccount() (domain.UserID, error)
}

// Listen serves coordinator pushes until the connection drops.
func (c *Client) Listen(h Handler) error {
	defer c.rw.Close()
	for {
		line, err := c.rw.ReadLine()
		if err != nil {
			return fmt.Errorf("coordinator connection lost: %w", err)
		}
		var p push
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return fmt.Errorf("decode coordinator push %q: %w", line, err)
		}
		switch p.Type {
		case pushJoined:
			c.log.Info("node joined", "node_id", p.ID, "addr", p.Addr)
			h.NodeJoined(p.ID, p.Addr)
		case pushCAccount:
			userID, err := h.CreateAccount()
			if err != nil {
				return fmt.Errorf("create account for coordinator: %w", err)
			}
			if err := c.rw.WriteJSON(userID); err != nil {
				return fmt.Errorf("reply to coordinator: %w", err)
			}
		default:
			return fmt.Errorf("unknown coordinator push type %q", p.Type)
		}
	}
}
