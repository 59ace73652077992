// Package peer carries node-to-node traffic: book updates for remote
// orders, cross-node trade offers, and their accept/reject replies.
// Each message travels as a typed JSON envelope on a line of its own.
package peer

import (
	"encoding/json"
	"fmt"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

const (
	typeOrder = "order"
	typeOffer = "offer"
	typeReply = "reply"
)

// OrderUpdate tells a peer to mirror a book change for an order owned
// here. Deduct false inserts the order into the peer's shadow book,
// true removes quantity from it.
type OrderUpdate struct {
	Deduct bool `json:"deduct"`
	domain.Order
}

// Offer proposes a cross-node trade. The TradeID is allocated by the
// initiating node and echoed back in the reply.
type Offer struct {
	ID domain.TradeID `json:"id"`
	domain.Trade
}

// OfferReply resolves an Offer.
type OfferReply struct {
	ID       domain.TradeID `json:"id"`
	Accepted bool           `json:"accepted"`
}

type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func encode(msg any) (string, error) {
	var kind string
	switch msg.(type) {
	case OrderUpdate:
		kind = typeOrder
	case Offer:
		kind = typeOffer
	case OfferReply:
		kind = typeReply
	default:
		panic(fmt.Sprintf("peer: cannot encode %T", msg))
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode peer %s: %w", kind, err)
	}
	b, err := json.Marshal(envelope{Type: kind, Value: value})
	if err != nil {
		return "", fmt.Errorf("encode peer envelope: %w", err)
	}
	return string(b), nil
}

// Handler receives decoded peer messages. Implementations must not
// block indefinitely; each peer connection dispatches serially.
type Handler interface {
	HandleOrderUpdate(from domain.NodeID, update OrderUpdate)
	HandleOffer(from domain.NodeID, offer Offer)
	HandleOfferReply(from domain.NodeID, reply OfferReply)
}

// dispatch decodes one envelope line and routes it. A line that is not
// a well-formed envelope of a known type is a protocol violation.
func dispatch(h Handler, from domain.NodeID, line string) error {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return fmt.Errorf("decode peer envelope: %w", err)
	}
	switch env.Type {
	case typeOrder:
		var update OrderUpdate
		if err := json.Unmarshal(env.Value, &update); err != nil {
			return fmt.Errorf("decode peer order update: %w", err)
		}
		h.HandleOrderUpdate(from, update)
	case typeOffer:
		var offer Offer
		if err := json.Unmarshal(env.Value, &offer); err != nil {
			return fmt.Errorf("decode peer offer: %w", err)
		}
		h.HandleOffer(from, offer)
	case typeReply:
		var reply OfferReply
		if err := json.Unmarshal(env.Value, &reply); err != nil {
			return fmt.Errorf("decode peer reply: %w", err)
		}
		h.HandleOfferReply(from, reply)
	default:
		return fmt.Errorf("unknown peer message type %q", env.Type)
	}
	return nil
}
