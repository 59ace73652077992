package settlement

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/engine"
	"github.com/chomosuke/distributed-exchange/internal/ledger"
	"github.com/chomosuke/distributed-exchange/internal/metrics"
	"github.com/chomosuke/distributed-exchange/internal/peer"
	"github.com/chomosuke/distributed-exchange/internal/store"
)

// fakePeers records outbound traffic instead of sending it.
type fakePeers struct {
	sent       []sentMsg
	broadcasts []any
	excepts    []exceptSent
}

type sentMsg struct {
	to  domain.NodeID
	msg any
}

type exceptSent struct {
	except domain.NodeID
	msg    any
}

func (f *fakePeers) Send(id domain.NodeID, msg any) error {
	f.sent = append(f.sent, sentMsg{to: id, msg: msg})
	return nil
}

func (f *fakePeers) Broadcast(msg any) {
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakePeers) BroadcastExcept(except domain.NodeID, msg any) {
	f.excepts = append(f.excepts, exceptSent{except: except, msg: msg})
}

func (f *fakePeers) reset() {
	f.sent, f.broadcasts, f.excepts = nil, nil, nil
}

func newTestOrchestrator(t *testing.T, node domain.NodeID) (*Orchestrator, *fakePeers) {
	t.Helper()
	peers := &fakePeers{}
	state := ledger.NewState(node, store.NewMemoryStore())
	orch := New(state, engine.NewMatcher(node), peers, metrics.New(), slog.Default())
	return orch, peers
}

func fundAccount(t *testing.T, o *Orchestrator, balance uint64, ticker string, stock uint64) domain.UserID {
	t.Helper()
	id, err := o.CreateAccount()
	require.NoError(t, err)
	if balance > 0 {
		ok, err := o.SetBalance(id, domain.CentCount(balance))
		require.NoError(t, err)
		require.True(t, ok)
	}
	if stock > 0 {
		require.NoError(t, o.AddStock(id, domain.Ticker(ticker), domain.Quantity(stock)))
	}
	return id
}

func TestSubmitOrder_SingleNodeTrade(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 0)
	a := fundAccount(t, orch, 10000, "", 0)
	b := fundAccount(t, orch, 0, "Intel", 1000)

	admitted, err := orch.SubmitOrder(b, domain.OrderRequest{
		Type: domain.OrderTypeSell, Ticker: "Intel", Price: 12, Quantity: 100,
	})
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = orch.SubmitOrder(a, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "Intel", Price: 15, Quantity: 50,
	})
	require.NoError(t, err)
	require.True(t, admitted)

	balA, err := orch.Balance(a)
	require.NoError(t, err)
	require.Equal(t, domain.CentCount(10000-50*12), balA)
	balB, err := orch.Balance(b)
	require.NoError(t, err)
	require.Equal(t, domain.CentCount(50*12), balB)

	stockA, err := orch.Portfolio(a)
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(50), stockA["Intel"])
	stockB, err := orch.Portfolio(b)
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(950), stockB["Intel"])

	// The sell order rests reduced to 50.
	orders, err := orch.Orders(b)
	require.NoError(t, err)
	require.Len(t, orders["Intel"].Sell, 1)
	require.Equal(t, domain.Quantity(50), orders["Intel"].Sell[0].Quantity)
	depth := orch.MarketStats()
	require.Equal(t, domain.Quantity(50), depth["Intel"].Sell[0].Quantity)
}

func TestSubmitOrder_InsufficientBalance(t *testing.T) {
	orch, peers := newTestOrchestrator(t, 0)
	a := fundAccount(t, orch, 100, "", 0)

	admitted, err := orch.SubmitOrder(a, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "Intel", Price: 15, Quantity: 50,
	})
	require.NoError(t, err)
	require.False(t, admitted)
	require.Empty(t, peers.broadcasts, "rejected order must not reach peers")
}

func TestSubmitOrder_RestingOrderBroadcast(t *testing.T) {
	orch, peers := newTestOrchestrator(t, 0)
	a := fundAccount(t, orch, 1000, "", 0)

	_, err := orch.SubmitOrder(a, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "AMD", Price: 10, Quantity: 50,
	})
	require.NoError(t, err)

	require.Len(t, peers.broadcasts, 1)
	update, ok := peers.broadcasts[0].(peer.OrderUpdate)
	require.True(t, ok)
	require.False(t, update.Deduct)
	require.Equal(t, domain.Quantity(50), update.Quantity)
	require.Equal(t, a, update.UserID)
}

func TestCrossNodeOffer_AcceptedOnRemote(t *testing.T) {
	// Node 1 holds the seller and receives the offer.
	remote, remotePeers := newTestOrchestrator(t, 1)
	seller := fundAccount(t, remote, 0, "AMD", 100)
	admitted, err := remote.SubmitOrder(seller, domain.OrderRequest{
		Type: domain.OrderTypeSell, Ticker: "AMD", Price: 12, Quantity: 100,
	})
	require.NoError(t, err)
	require.True(t, admitted)
	remotePeers.reset()

	offer := peer.Offer{
		ID: 7,
		Trade: domain.Trade{
			Quantity: 50, Ticker: "AMD",
			BuyerID:  domain.UserID{ID: 0, NodeID: 0},
			SellerID: seller,
			BuyPrice: 15, SellPrice: 12,
		},
	}
	remote.HandleOffer(0, offer)

	// Accept reply to the initiator.
	require.Len(t, remotePeers.sent, 1)
	require.Equal(t, domain.NodeID(0), remotePeers.sent[0].to)
	reply, ok := remotePeers.sent[0].msg.(peer.OfferReply)
	require.True(t, ok)
	require.True(t, reply.Accepted)
	require.Equal(t, domain.TradeID(7), reply.ID)

	// The seller's transfer committed.
	bal, err := remote.Balance(seller)
	require.NoError(t, err)
	require.Equal(t, domain.CentCount(50*12), bal)

	// The consumed resting order was deducted and rebroadcast to
	// everyone but the initiator.
	require.Len(t, remotePeers.excepts, 1)
	require.Equal(t, domain.NodeID(0), remotePeers.excepts[0].except)
	update, ok := remotePeers.excepts[0].msg.(peer.OrderUpdate)
	require.True(t, ok)
	require.True(t, update.Deduct)
	require.Equal(t, domain.Quantity(50), update.Quantity)
	depth := remote.MarketStats()
	require.Equal(t, domain.Quantity(50), depth["AMD"].Sell[0].Quantity)
}

func TestCrossNodeOffer_RejectedOnRemote(t *testing.T) {
	remote, remotePeers := newTestOrchestrator(t, 1)
	seller := fundAccount(t, remote, 0, "AMD", 10)
	remotePeers.reset()

	// No reservation on the seller: the offer must be rejected.
	remote.HandleOffer(0, peer.Offer{
		ID: 3,
		Trade: domain.Trade{
			Quantity: 50, Ticker: "AMD",
			BuyerID:  domain.UserID{ID: 0, NodeID: 0},
			SellerID: seller,
			BuyPrice: 15, SellPrice: 12,
		},
	})

	require.Len(t, remotePeers.sent, 1)
	reply := remotePeers.sent[0].msg.(peer.OfferReply)
	require.False(t, reply.Accepted)
	require.Empty(t, remotePeers.excepts)

	stock, err := remote.Portfolio(seller)
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(10), stock["AMD"])
}

func TestCrossNodeTrade_InitiatorLifecycle(t *testing.T) {
	orch, peers := newTestOrchestrator(t, 0)
	buyer := fundAccount(t, orch, 1000, "", 0)

	// A shadow sell from node 1 rests in our book. Quantity matches the
	// buy exactly, so a rejected offer leaves no shadow to re-match.
	remoteSeller := domain.UserID{ID: 4, NodeID: 1}
	orch.HandleOrderUpdate(1, peer.OrderUpdate{Order: domain.Order{
		Type: domain.OrderTypeSell, Ticker: "AMD", UserID: remoteSeller, Quantity: 50, Price: 12,
	}})

	admitted, err := orch.SubmitOrder(buyer, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "AMD", Price: 15, Quantity: 50,
	})
	require.NoError(t, err)
	require.True(t, admitted)

	// The match became an offer to node 1, with optimistic debit.
	require.Len(t, peers.sent, 1)
	require.Equal(t, domain.NodeID(1), peers.sent[0].to)
	offer := peers.sent[0].msg.(peer.Offer)
	require.Equal(t, domain.Quantity(50), offer.Quantity)
	bal, err := orch.Balance(buyer)
	require.NoError(t, err)
	require.Equal(t, domain.CentCount(1000-50*12), bal)

	// Rejection restores everything and resubmits the restored order,
	// which rests and is broadcast.
	peers.reset()
	orch.HandleOfferReply(1, peer.OfferReply{ID: offer.ID, Accepted: false})

	bal, err = orch.Balance(buyer)
	require.NoError(t, err)
	require.Equal(t, domain.CentCount(1000), bal)
	orders, err := orch.Orders(buyer)
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(50), orders["AMD"].Buy[0].Quantity)
	require.Len(t, peers.broadcasts, 1)
	update := peers.broadcasts[0].(peer.OrderUpdate)
	require.False(t, update.Deduct)
	require.Equal(t, domain.Quantity(50), update.Quantity)
}

func TestCrossNodeTrade_CommitDeliversStock(t *testing.T) {
	orch, peers := newTestOrchestrator(t, 0)
	buyer := fundAccount(t, orch, 1000, "", 0)
	orch.HandleOrderUpdate(1, peer.OrderUpdate{Order: domain.Order{
		Type: domain.OrderTypeSell, Ticker: "AMD",
		UserID: domain.UserID{ID: 4, NodeID: 1}, Quantity: 100, Price: 12,
	}})
	_, err := orch.SubmitOrder(buyer, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "AMD", Price: 15, Quantity: 50,
	})
	require.NoError(t, err)
	offer := peers.sent[0].msg.(peer.Offer)

	orch.HandleOfferReply(1, peer.OfferReply{ID: offer.ID, Accepted: true})

	stock, err := orch.Portfolio(buyer)
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(50), stock["AMD"])
}

func TestCancelOrder_RemovesAndBroadcasts(t *testing.T) {
	orch, peers := newTestOrchestrator(t, 0)
	a := fundAccount(t, orch, 1000, "", 0)
	_, err := orch.SubmitOrder(a, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "AMD", Price: 10, Quantity: 50,
	})
	require.NoError(t, err)
	peers.reset()

	removed, err := orch.CancelOrder(a, domain.OrderRequest{
		Type: domain.OrderTypeBuy, Ticker: "AMD", Price: 10, Quantity: 30,
	})
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(30), removed)

	orders, err := orch.Orders(a)
	require.NoError(t, err)
	require.Equal(t, domain.Quantity(20), orders["AMD"].Buy[0].Quantity)
	depth := orch.MarketStats()
	require.Equal(t, domain.Quantity(20), depth["AMD"].Buy[0].Quantity)

	require.Len(t, peers.broadcasts, 1)
	update := peers.broadcasts[0].(peer.OrderUpdate)
	require.True(t, update.Deduct)
	require.Equal(t, domain.Quantity(30), update.Quantity)

	// Cancelled capacity is usable again.
	ok, err := orch.SetBalance(a, 200)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeleteAccount_NotEmpty(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 0)
	a := fundAccount(t, orch, 100, "", 0)
	require.ErrorIs(t, orch.DeleteAccount(a), domain.ErrAccountNotEmpty)

	ok, err := orch.SetBalance(a, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, orch.DeleteAccount(a))
	_, err = orch.Balance(a)
	require.ErrorIs(t, err, domain.ErrInvalidAccount)
}

func TestDeductStock_RespectsSellReservation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 0)
	a := fundAccount(t, orch, 0, "AMD", 100)
	admitted, err := orch.SubmitOrder(a, domain.OrderRequest{
		Type: domain.OrderTypeSell, Ticker: "AMD", Price: 10, Quantity: 80,
	})
	require.NoError(t, err)
	require.True(t, admitted)

	ok, err := orch.DeductStock(a, "AMD", 30)
	require.NoError(t, err)
	require.False(t, ok, "only 20 shares are free")

	ok, err = orch.DeductStock(a, "AMD", 20)
	require.NoError(t, err)
	require.True(t, ok)
}
