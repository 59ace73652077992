// Package settlement is the application context shared by every
// connection: the ledger, the matcher, and the peer table behind a
// fixed lock-acquire order. It drives order submission end to end and
// the cross-node offer lifecycle.
package settlement

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chomosuke/distributed-exchange/internal/dlock"
	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/engine"
	"github.com/chomosuke/distributed-exchange/internal/ledger"
	"github.com/chomosuke/distributed-exchange/internal/metrics"
	"github.com/chomosuke/distributed-exchange/internal/peer"
)

// Peers is the slice of the peer table the orchestrator sends through.
type Peers interface {
	Send(id domain.NodeID, msg any) error
	Broadcast(msg any)
	BroadcastExcept(except domain.NodeID, msg any)
}

// Orchestrator owns the node's shared state. Locks are always acquired
// in the order state, then matcher; peer sends happen after both are
// released (the peer table queues them to per-peer writers, so no
// network wait ever happens under a lock).
type Orchestrator struct {
	stateMu   dlock.Mutex
	state     *ledger.State
	matcherMu dlock.Mutex
	matcher   *engine.Matcher
	peers     Peers
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func New(state *ledger.State, matcher *engine.Matcher, peers Peers, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		state:   state,
		matcher: matcher,
		peers:   peers,
		metrics: m,
		log:     log.With("component", "settlement"),
	}
	o.metrics.Accounts.Set(float64(state.AccountCount()))
	return o
}

// outbox collects peer messages produced under locks, to be sent after
// the locks are released.
type outbox struct {
	broadcasts []any
	except     []exceptMsg
	offers     []ledger.OutboundOffer
}

type exceptMsg struct {
	except domain.NodeID
	msg    any
}

func (o *Orchestrator) flush(ob outbox) {
	for _, msg := range ob.broadcasts {
		o.peers.Broadcast(msg)
	}
	for _, em := range ob.except {
		o.peers.BroadcastExcept(em.except, em.msg)
	}
	for _, offer := range ob.offers {
		msg := peer.Offer{ID: offer.ID, Trade: offer.Trade}
		if err := o.peers.Send(offer.Node, msg); err != nil {
			// The pending trade stays open until the peer reconnects
			// and the offer can be decided. Capacity remains debited,
			// which is the safe side.
			o.log.Error("offer undeliverable", "trade_id", offer.ID, "node_id", offer.Node, "error", err)
			continue
		}
		o.metrics.OffersSent.Inc()
		o.metrics.PendingTrades.Inc()
	}
}

// SubmitOrder admits, matches, and settles one client order. The
// returned bool is the admission outcome; false means insufficient
// balance or stock and no state change.
func (o *Orchestrator) SubmitOrder(owner domain.UserID, req domain.OrderRequest) (bool, error) {
	o.stateMu.Lock("state submit order")
	account, err := o.state.Account(owner)
	if err != nil {
		o.stateMu.Unlock()
		return false, err
	}
	admitted, err := account.AddOrder(req)
	if err != nil || !admitted {
		o.stateMu.Unlock()
		if err == nil {
			o.metrics.OrdersRejected.WithLabelValues(string(req.Type)).Inc()
		}
		return false, err
	}
	ob, err := o.matchAndSettle(req.Order(owner))
	o.stateMu.Unlock()
	o.flush(ob)
	if err != nil {
		return true, err
	}
	o.metrics.OrdersAdmitted.WithLabelValues(string(req.Type)).Inc()
	return true, nil
}

// matchAndSettle runs an admitted order through the matcher and settles
// the proposed trades. Caller holds the state lock.
func (o *Orchestrator) matchAndSettle(order domain.Order) (outbox, error) {
	var ob outbox

	o.matcherMu.Lock("matcher add order")
	remaining, trades, locallyDeducted := o.matcher.AddOrder(order)
	o.matcherMu.Unlock()

	for _, d := range locallyDeducted {
		ob.broadcasts = append(ob.broadcasts, peer.OrderUpdate{Deduct: true, Order: d})
	}
	if remaining.Quantity > 0 {
		ob.broadcasts = append(ob.broadcasts, peer.OrderUpdate{Order: remaining})
	}

	offers, err := o.state.ProcessMatches(trades)
	ob.offers = offers
	if err != nil {
		return ob, err
	}
	for _, t := range trades {
		if t.BuyerID.NodeID == o.state.ID() && t.SellerID.NodeID == o.state.ID() {
			o.metrics.TradesSettled.Inc()
			o.log.Info("trade settled",
				"ticker", t.Ticker, "quantity", t.Quantity,
				"price", t.ExecutionPrice(), "buyer", t.BuyerID.ID, "seller", t.SellerID.ID)
		}
	}
	return ob, nil
}

// CancelOrder removes up to req.Quantity from the caller's resting
// order, releasing the reservation, updating the book, and telling
// peers to shrink their shadow copies. Returns the quantity removed.
func (o *Orchestrator) CancelOrder(owner domain.UserID, req domain.OrderRequest) (domain.Quantity, error) {
	o.stateMu.Lock("state cancel order")
	account, err := o.state.Account(owner)
	if err != nil {
		o.stateMu.Unlock()
		return 0, err
	}
	taken, err := account.DeductOrder(req)
	if err != nil || taken == 0 {
		o.stateMu.Unlock()
		return 0, err
	}
	deduction := req.Order(owner)
	deduction.Quantity = taken
	o.matcherMu.Lock("matcher cancel order")
	o.matcher.DeductOrder(deduction)
	o.matcherMu.Unlock()
	o.stateMu.Unlock()

	o.peers.Broadcast(peer.OrderUpdate{Deduct: true, Order: deduction})
	o.metrics.OrdersCancelled.Inc()
	return taken, nil
}

// Orders reports the caller's open reservations by ticker and side.
func (o *Orchestrator) Orders(owner domain.UserID) (domain.MarketStats, error) {
	o.stateMu.Lock("state read orders")
	defer o.stateMu.Unlock()
	account, err := o.state.Account(owner)
	if err != nil {
		return nil, err
	}
	return account.Orders(), nil
}

// MarketStats snapshots resting book depth across every ticker.
func (o *Orchestrator) MarketStats() domain.MarketStats {
	o.matcherMu.Lock("matcher stats")
	defer o.matcherMu.Unlock()
	return o.matcher.Stats()
}

// Balance reads the caller's cash balance.
func (o *Orchestrator) Balance(owner domain.UserID) (domain.CentCount, error) {
	o.stateMu.Lock("state read balance")
	defer o.stateMu.Unlock()
	account, err := o.state.Account(owner)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// SetBalance replaces the caller's cash balance. false means the new
// value would not cover the open buy exposure.
func (o *Orchestrator) SetBalance(owner domain.UserID, value domain.CentCount) (bool, error) {
	o.stateMu.Lock("state set balance")
	defer o.stateMu.Unlock()
	account, err := o.state.Account(owner)
	if err != nil {
		return false, err
	}
	if err := account.SetBalance(value); err != nil {
		if errors.Is(err, domain.ErrInsufficientCapacity) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Portfolio reads the caller's holdings.
func (o *Orchestrator) Portfolio(owner domain.UserID) (map[domain.Ticker]domain.Quantity, error) {
	o.stateMu.Lock("state read stock")
	defer o.stateMu.Unlock()
	account, err := o.state.Account(owner)
	if err != nil {
		return nil, err
	}
	holdings := make(map[domain.Ticker]domain.Quantity, len(account.Portfolio))
	for ticker, qty := range account.Portfolio {
		holdings[ticker] = qty
	}
	return holdings, nil
}

// AddStock deposits shares into the caller's portfolio.
func (o *Orchestrator) AddStock(owner domain.UserID, ticker domain.Ticker, qty domain.Quantity) error {
	o.stateMu.Lock("state add stock")
	defer o.stateMu.Unlock()
	account, err := o.state.Account(owner)
	if err != nil {
		return err
	}
	return account.AddStock(ticker, qty)
}

// DeductStock withdraws shares not locked by open sell orders. false
// means fewer free shares than requested and no state change.
func (o *Orchestrator) DeductStock(owner domain.UserID, ticker domain.Ticker, qty domain.Quantity) (bool, error) {
	o.stateMu.Lock("state deduct stock")
	defer o.stateMu.Unlock()
	account, err := o.state.Account(owner)
	if err != nil {
		return false, err
	}
	free := account.Portfolio[ticker] - min(account.Portfolio[ticker], account.SellReserved(ticker))
	if free < qty {
		return false, nil
	}
	if _, err := account.DeductStock(ticker, qty); err != nil {
		return false, err
	}
	return true, nil
}

// CreateAccount allocates a new account on this node.
func (o *Orchestrator) CreateAccount() (domain.UserID, error) {
	o.stateMu.Lock("state create account")
	defer o.stateMu.Unlock()
	id, err := o.state.CreateAccount()
	if err != nil {
		return domain.UserID{}, err
	}
	o.metrics.Accounts.Set(float64(o.state.AccountCount()))
	return id, nil
}

// DeleteAccount removes the caller's account if it is empty.
func (o *Orchestrator) DeleteAccount(owner domain.UserID) error {
	o.stateMu.Lock("state delete account")
	defer o.stateMu.Unlock()
	if err := o.state.DeleteAccount(owner); err != nil {
		return err
	}
	o.metrics.Accounts.Set(float64(o.state.AccountCount()))
	return nil
}

// HandleOrderUpdate mirrors a remote book change into the shadow book.
func (o *Orchestrator) HandleOrderUpdate(from domain.NodeID, update peer.OrderUpdate) {
	if update.UserID.NodeID == o.state.ID() {
		panic(fmt.Sprintf("settlement: node %d sent an update for our own order %+v", from, update.Order))
	}
	o.matcherMu.Lock("matcher peer update")
	if update.Deduct {
		o.matcher.DeductOrder(update.Order)
	} else {
		o.matcher.Insert(update.Order)
	}
	o.matcherMu.Unlock()
}

// HandleOffer decides an incoming cross-node trade proposal. On accept
// the local transfer is committed, the consumed resting order is
// removed from our book, and the deduction is broadcast to every peer
// except the initiator, whose copy was consumed during its own matching
// pass.
func (o *Orchestrator) HandleOffer(from domain.NodeID, offer peer.Offer) {
	local := offer.BuyerID
	if local.NodeID != o.state.ID() {
		local = offer.SellerID
	}
	if local.NodeID != o.state.ID() {
		panic(fmt.Sprintf("settlement: node %d sent offer %d with no side on this node", from, offer.ID))
	}

	var ob outbox
	o.stateMu.Lock("state incoming offer")
	account, err := o.state.Account(local)
	if err != nil {
		panic(fmt.Sprintf("settlement: node %d sent offer %d for %v", from, offer.ID, err))
	}
	delta, err := account.ProcessIncomingOffer(offer.Trade)
	if err != nil {
		o.stateMu.Unlock()
		o.log.Error("incoming offer failed", "trade_id", offer.ID, "error", err)
		return
	}
	if delta != nil {
		o.matcherMu.Lock("matcher incoming offer")
		o.matcher.DeductOrder(*delta)
		o.matcherMu.Unlock()
		ob.except = append(ob.except, exceptMsg{except: from, msg: peer.OrderUpdate{Deduct: true, Order: *delta}})
	}
	o.stateMu.Unlock()

	accepted := delta != nil
	if err := o.peers.Send(from, peer.OfferReply{ID: offer.ID, Accepted: accepted}); err != nil {
		o.log.Error("offer reply undeliverable", "trade_id", offer.ID, "node_id", from, "error", err)
	}
	o.flush(ob)
	if accepted {
		o.metrics.OffersAccepted.Inc()
		o.metrics.TradesSettled.Inc()
		o.log.Info("offer accepted", "trade_id", offer.ID, "ticker", offer.Ticker, "quantity", offer.Quantity)
	} else {
		o.metrics.OffersRejected.Inc()
		o.log.Info("offer rejected", "trade_id", offer.ID, "ticker", offer.Ticker, "quantity", offer.Quantity)
	}
}

// HandleOfferReply resolves a pending trade this node proposed. A
// rejection restores the order and resubmits it through the same
// matching pipeline, which may produce new trades and offers.
func (o *Orchestrator) HandleOfferReply(from domain.NodeID, reply peer.OfferReply) {
	var ob outbox
	o.stateMu.Lock("state offer reply")
	if reply.Accepted {
		err := o.state.CommitPending(reply.ID)
		o.stateMu.Unlock()
		o.metrics.PendingTrades.Dec()
		if err != nil {
			o.log.Error("commit pending failed", "trade_id", reply.ID, "error", err)
			return
		}
		o.metrics.TradesSettled.Inc()
		o.log.Info("pending trade committed", "trade_id", reply.ID)
		return
	}
	restored, err := o.state.AbortPending(reply.ID)
	if err != nil {
		o.stateMu.Unlock()
		o.metrics.PendingTrades.Dec()
		o.log.Error("abort pending failed", "trade_id", reply.ID, "error", err)
		return
	}
	ob, err = o.matchAndSettle(restored)
	o.stateMu.Unlock()
	o.flush(ob)
	o.metrics.PendingTrades.Dec()
	if err != nil {
		o.log.Error("resubmission after abort failed", "trade_id", reply.ID, "error", err)
		return
	}
	o.log.Info("pending trade aborted, order restored", "trade_id", reply.ID, "ticker", restored.Ticker, "quantity", restored.Quantity)
}
