package engine

import (
	"github.com/google/btree"

	"github.com/chomosuke/distributed-exchange/internal/domain"
)

// entry is one resting order: an owner and its remaining quantity.
// Entries owned by remote users are shadow state, kept only so this
// node can detect a counterparty. They are never authoritative for
// settlement.
type entry struct {
	owner    domain.UserID
	quantity domain.Quantity
}

// priceLevel holds the FIFO queue of resting orders at one price.
// Index 0 is the oldest order (time priority).
type priceLevel struct {
	price domain.CentCount
	queue []entry
}

func levelLess(a, b *priceLevel) bool {
	return a.price < b.price
}

// totalQuantity sums the remaining quantity at this level.
func (l *priceLevel) totalQuantity() domain.Quantity {
	var total domain.Quantity
	for _, e := range l.queue {
		total += e.quantity
	}
	return total
}

// compact drops exhausted entries, preserving FIFO order of the rest.
func (l *priceLevel) compact() {
	live := l.queue[:0]
	for _, e := range l.queue {
		if e.quantity > 0 {
			live = append(live, e)
		}
	}
	l.queue = live
}

// sideBook is one side (buy or sell) of one ticker's book: a B-tree of
// price levels ordered by price ascending.
type sideBook struct {
	levels *btree.BTreeG[*priceLevel]
}

const btreeDegree = 32

func newSideBook() *sideBook {
	return &sideBook{levels: btree.NewG(btreeDegree, levelLess)}
}

// level returns the price level at the given price, if present.
func (sb *sideBook) level(price domain.CentCount) (*priceLevel, bool) {
	return sb.levels.Get(&priceLevel{price: price})
}

// getOrCreate returns the price level at the given price, creating it
// when absent.
func (sb *sideBook) getOrCreate(price domain.CentCount) *priceLevel {
	if l, ok := sb.levels.Get(&priceLevel{price: price}); ok {
		return l
	}
	l := &priceLevel{price: price}
	sb.levels.ReplaceOrInsert(l)
	return l
}

// push appends a resting order at the back of its price level's queue.
func (sb *sideBook) push(price domain.CentCount, owner domain.UserID, qty domain.Quantity) {
	l := sb.getOrCreate(price)
	l.queue = append(l.queue, entry{owner: owner, quantity: qty})
}

// collect gathers the price levels an incoming order of the given type
// can match against, best price first: ascending up to the limit for a
// buy, descending down to the limit for a sell. The slice lets the
// matcher mutate and garbage-collect levels without iterating the tree
// it is modifying.
func (sb *sideBook) collect(incoming domain.OrderType, limit domain.CentCount) []*priceLevel {
	var matched []*priceLevel
	if incoming == domain.OrderTypeBuy {
		sb.levels.Ascend(func(l *priceLevel) bool {
			if l.price > limit {
				return false
			}
			matched = append(matched, l)
			return true
		})
	} else {
		sb.levels.Descend(func(l *priceLevel) bool {
			if l.price < limit {
				return false
			}
			matched = append(matched, l)
			return true
		})
	}
	return matched
}

// gc compacts the given levels and removes the empty ones from the tree.
func (sb *sideBook) gc(levels []*priceLevel) {
	for _, l := range levels {
		l.compact()
		if len(l.queue) == 0 {
			sb.levels.Delete(l)
		}
	}
}

// book pairs the two sides of one ticker.
type book struct {
	buys  *sideBook
	sells *sideBook
}

func newBook() *book {
	return &book{buys: newSideBook(), sells: newSideBook()}
}

// side selects the sideBook holding orders of the given type.
func (b *book) side(t domain.OrderType) *sideBook {
	if t == domain.OrderTypeBuy {
		return b.buys
	}
	return b.sells
}
