// Package engine implements the per-node limit-order matching engine:
// price-time-priority matching restricted to pairs with at least one
// local owner, plus the to-deduct ledger that absorbs deduction
// messages arriving ahead of the orders they target.
//
// The matcher holds no locks of its own; callers serialize access
// through the orchestrator's matcher lock.
package engine

import (
	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// deductKey addresses one owner's resting quantity at one price.
type deductKey struct {
	ticker domain.Ticker
	side   domain.OrderType
	price  domain.CentCount
	owner  domain.UserID
}

// Matcher is the in-memory order book for every ticker this node has
// seen, together with the to-deduct ledger. The book's shadow portion
// (entries owned by remote users) is soft state, reconciled only
// through deduction messages.
type Matcher struct {
	nodeID   domain.NodeID
	books    map[domain.Ticker]*book
	toDeduct map[deductKey]domain.Quantity
}

func NewMatcher(nodeID domain.NodeID) *Matcher {
	return &Matcher{
		nodeID:   nodeID,
		books:    make(map[domain.Ticker]*book),
		toDeduct: make(map[deductKey]domain.Quantity),
	}
}

func (m *Matcher) book(ticker domain.Ticker) *book {
	b, ok := m.books[ticker]
	if !ok {
		b = newBook()
		m.books[ticker] = b
	}
	return b
}

// netToDeduct nets an order against a pending deduction recorded for the
// same (ticker, side, price, owner) and returns what is left of it.
func (m *Matcher) netToDeduct(o domain.Order) domain.Quantity {
	key := deductKey{ticker: o.Ticker, side: o.Type, price: o.Price, owner: o.UserID}
	pending, ok := m.toDeduct[key]
	if !ok {
		return o.Quantity
	}
	n := min(o.Quantity, pending)
	if pending == n {
		delete(m.toDeduct, key)
	} else {
		m.toDeduct[key] = pending - n
	}
	return o.Quantity - n
}

// AddOrder runs an incoming order through the matching pass.
//
// It nets the order against the to-deduct ledger, matches the rest
// against the opposite side of the book (best price first, FIFO within
// a level, skipping pairs where neither owner is local), rests any
// remainder at the back of its price level, and returns:
//
//   - remaining: the order with its unmatched quantity (already rested
//     when > 0), for the caller to broadcast;
//   - trades: the proposed trades, recording both limit prices;
//   - locallyDeducted: consumed resting orders owned by this node, for
//     the caller to broadcast as deductions. Reservation accounting is
//     the ledger's job, not the caller's.
func (m *Matcher) AddOrder(o domain.Order) (remaining domain.Order, trades []domain.Trade, locallyDeducted []domain.Order) {
	o.Quantity = m.netToDeduct(o)
	b := m.book(o.Ticker)
	opposite := b.side(o.Type.Opposite())

	matched := opposite.collect(o.Type, o.Price)
	for _, level := range matched {
		if o.Quantity == 0 {
			break
		}
		for i := range level.queue {
			if o.Quantity == 0 {
				break
			}
			e := &level.queue[i]
			if o.UserID.NodeID != m.nodeID && e.owner.NodeID != m.nodeID {
				// Neither account is ours: this node cannot
				// authoritatively match them.
				continue
			}
			qty := min(o.Quantity, e.quantity)
			if qty == 0 {
				continue
			}
			trades = append(trades, m.newTrade(o, e.owner, level.price, qty))
			e.quantity -= qty
			o.Quantity -= qty
			if e.owner.NodeID == m.nodeID {
				locallyDeducted = append(locallyDeducted, domain.Order{
					Type:     o.Type.Opposite(),
					Ticker:   o.Ticker,
					UserID:   e.owner,
					Quantity: qty,
					Price:    level.price,
				})
			}
		}
	}
	opposite.gc(matched)

	if o.Quantity > 0 {
		b.side(o.Type).push(o.Price, o.UserID, o.Quantity)
	}
	return o, trades, locallyDeducted
}

// newTrade records a proposed trade between the incoming order and a
// resting counterparty, keeping both sides' limit prices.
func (m *Matcher) newTrade(incoming domain.Order, restingOwner domain.UserID, restingPrice domain.CentCount, qty domain.Quantity) domain.Trade {
	t := domain.Trade{
		Quantity: qty,
		Ticker:   incoming.Ticker,
	}
	if incoming.Type == domain.OrderTypeBuy {
		t.BuyerID = incoming.UserID
		t.BuyPrice = incoming.Price
		t.SellerID = restingOwner
		t.SellPrice = restingPrice
	} else {
		t.SellerID = incoming.UserID
		t.SellPrice = incoming.Price
		t.BuyerID = restingOwner
		t.BuyPrice = restingPrice
	}
	return t
}

// Insert nets an order against the to-deduct ledger and rests the
// remainder without a matching pass. Orders received from peers take
// this path: only the node that owns an incoming order matches it and
// proposes offers, so every cross-node trade has exactly one initiator.
func (m *Matcher) Insert(o domain.Order) domain.Order {
	o.Quantity = m.netToDeduct(o)
	if o.Quantity > 0 {
		m.book(o.Ticker).side(o.Type).push(o.Price, o.UserID, o.Quantity)
	}
	return o
}

// DeductOrder removes up to o.Quantity from o.UserID's resting orders at
// the given side and price, oldest first, and returns the quantity
// actually removed from the book. Any shortfall means the order was
// already consumed by a match this node has not observed yet; it is
// recorded in the to-deduct ledger for future netting.
func (m *Matcher) DeductOrder(o domain.Order) domain.Quantity {
	sb := m.book(o.Ticker).side(o.Type)
	toDeduct := o.Quantity
	if level, ok := sb.level(o.Price); ok {
		for i := range level.queue {
			if toDeduct == 0 {
				break
			}
			e := &level.queue[i]
			if e.owner != o.UserID {
				continue
			}
			n := min(toDeduct, e.quantity)
			e.quantity -= n
			toDeduct -= n
		}
		sb.gc([]*priceLevel{level})
	}
	if toDeduct > 0 {
		key := deductKey{ticker: o.Ticker, side: o.Type, price: o.Price, owner: o.UserID}
		m.toDeduct[key] += toDeduct
	}
	return o.Quantity - toDeduct
}

// Stats aggregates resting quantity per ticker, side, and price for
// market-depth queries. Read-only; both sides are listed best price
// first.
func (m *Matcher) Stats() domain.MarketStats {
	stats := make(domain.MarketStats)
	for ticker, b := range m.books {
		bs := &domain.BuySell{}
		b.buys.levels.Descend(func(l *priceLevel) bool {
			if q := l.totalQuantity(); q > 0 {
				bs.Buy = append(bs.Buy, domain.QuantityPrice{Quantity: q, Price: l.price})
			}
			return true
		})
		b.sells.levels.Ascend(func(l *priceLevel) bool {
			if q := l.totalQuantity(); q > 0 {
				bs.Sell = append(bs.Sell, domain.QuantityPrice{Quantity: q, Price: l.price})
			}
			return true
		})
		if len(bs.Buy) > 0 || len(bs.Sell) > 0 {
			stats[ticker] = bs
		}
	}
	return stats
}

// RestingQuantity reports one owner's total resting quantity at a price,
// mainly for tests and the depth snapshot.
func (m *Matcher) RestingQuantity(ticker domain.Ticker, side domain.OrderType, price domain.CentCount, owner domain.UserID) domain.Quantity {
	b, ok := m.books[ticker]
	if !ok {
		return 0
	}
	level, ok := b.side(side).level(price)
	if !ok {
		return 0
	}
	var total domain.Quantity
	for _, e := range level.queue {
		if e.owner == owner {
			total += e.quantity
		}
	}
	return total
}

// PendingDeduction reports the to-deduct quantity recorded for an
// owner's order slot.
func (m *Matcher) PendingDeduction(ticker domain.Ticker, side domain.OrderType, price domain.CentCount, owner domain.UserID) domain.Quantity {
	return m.toDeduct[deductKey{ticker: ticker, side: side, price: price, owner: owner}]
}
