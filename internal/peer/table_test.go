package peer

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/wire"
)

// chanHandler feeds dispatched messages to channels for synchronization.
type chanHandler struct {
	updates chan OrderUpdate
	offers  chan Offer
	replies chan OfferReply
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		updates: make(chan OrderUpdate, 8),
		offers:  make(chan Offer, 8),
		replies: make(chan OfferReply, 8),
	}
}

func (h *chanHandler) HandleOrderUpdate(_ domain.NodeID, u OrderUpdate) { h.updates <- u }
func (h *chanHandler) HandleOffer(_ domain.NodeID, o Offer)             { h.offers <- o }
func (h *chanHandler) HandleOfferReply(_ domain.NodeID, r OfferReply)   { h.replies <- r }

// pairedTables wires two tables together over an in-memory connection.
func pairedTables(t *testing.T) (*Table, *Table, *chanHandler, *chanHandler) {
	t.Helper()
	handlerA, handlerB := newChanHandler(), newChanHandler()
	tableA := NewTable(0, slog.Default())
	tableA.SetHandler(handlerA)
	tableB := NewTable(1, slog.Default())
	tableB.SetHandler(handlerB)

	connA, connB := net.Pipe()
	tableA.Attach(1, wire.NewReadWriter(connA))
	tableB.Attach(0, wire.NewReadWriter(connB))
	t.Cleanup(tableA.Close)
	t.Cleanup(tableB.Close)
	return tableA, tableB, handlerA, handlerB
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

func TestTable_SendReachesPeer(t *testing.T) {
	tableA, _, _, handlerB := pairedTables(t)

	offer := Offer{
		ID: 3,
		Trade: domain.Trade{
			Quantity: 10, Ticker: "AMD",
			BuyerID:  domain.UserID{ID: 1, NodeID: 0},
			SellerID: domain.UserID{ID: 2, NodeID: 1},
			BuyPrice: 15, SellPrice: 12,
		},
	}
	require.NoError(t, tableA.Send(1, offer))
	require.Equal(t, offer, recv(t, handlerB.offers))
}

func TestTable_SendUnknownNode(t *testing.T) {
	tableA, _, _, _ := pairedTables(t)
	err := tableA.Send(7, OfferReply{ID: 1})
	require.ErrorIs(t, err, domain.ErrUnknownNode)
}

func TestTable_BidirectionalTraffic(t *testing.T) {
	tableA, tableB, handlerA, handlerB := pairedTables(t)

	update := OrderUpdate{Order: domain.Order{
		Type: domain.OrderTypeBuy, Ticker: "AMD",
		UserID: domain.UserID{ID: 1, NodeID: 0}, Quantity: 5, Price: 9,
	}}
	tableA.Broadcast(update)
	require.Equal(t, update, recv(t, handlerB.updates))

	reply := OfferReply{ID: 4, Accepted: true}
	require.NoError(t, tableB.Send(0, reply))
	require.Equal(t, reply, recv(t, handlerA.replies))
}

func TestTable_BroadcastExceptSkipsNode(t *testing.T) {
	tableA, _, _, handlerB := pairedTables(t)

	tableA.BroadcastExcept(1, OrderUpdate{Order: domain.Order{Ticker: "AMD"}})
	select {
	case <-handlerB.updates:
		t.Fatal("excepted node received the broadcast")
	case <-time.After(100 * time.Millisecond):
	}

	tableA.BroadcastExcept(2, OrderUpdate{Order: domain.Order{Ticker: "AMD"}})
	recv(t, handlerB.updates)
}

func TestTable_NodesListsConnections(t *testing.T) {
	tableA, _, _, _ := pairedTables(t)
	require.Equal(t, []domain.NodeID{1}, tableA.Nodes())
}
