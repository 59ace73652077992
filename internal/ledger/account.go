// Package ledger is the authoritative record for this node's accounts:
// balances, holdings, open-order reservations, and the pending-trade
// lifecycle for cross-node settlement. Every mutation is persisted
// synchronously as a whole account document before the operation
// returns.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/chomosuke/distributed-exchange/internal/domain"
	"github.com/chomosuke/distributed-exchange/internal/store"
)

// Account owns one user's cash, portfolio, reservations, and the trades
// it has provisionally committed to but not yet resolved.
//
// Invariants: balance and every portfolio quantity are never negative
// (unsigned and guarded), reserved buy exposure never exceeds balance,
// and reserved sell quantity never exceeds held stock.
type Account struct {
	ID        domain.UserID                                      `json:"id"`
	Balance   domain.CentCount                                   `json:"balance"`
	Portfolio map[domain.Ticker]domain.Quantity                  `json:"portfolio"`
	Buys      map[domain.Ticker]map[domain.CentCount]domain.Quantity `json:"buys"`
	Sells     map[domain.Ticker]map[domain.CentCount]domain.Quantity `json:"sells"`
	Pending   map[domain.TradeID]domain.Trade                    `json:"pending"`

	store store.Store
}

func newAccount(id domain.UserID, st store.Store) (*Account, error) {
	a := &Account{
		ID:        id,
		Portfolio: make(map[domain.Ticker]domain.Quantity),
		Buys:      make(map[domain.Ticker]map[domain.CentCount]domain.Quantity),
		Sells:     make(map[domain.Ticker]map[domain.CentCount]domain.Quantity),
		Pending:   make(map[domain.TradeID]domain.Trade),
		store:     st,
	}
	if err := a.persist(); err != nil {
		return nil, err
	}
	return a, nil
}

func restoreAccount(id domain.AccountID, st store.Store) (*Account, bool, error) {
	doc, ok, err := st.GetAccount(id)
	if err != nil || !ok {
		return nil, false, err
	}
	a := &Account{store: st}
	if err := json.Unmarshal(doc, a); err != nil {
		return nil, false, fmt.Errorf("decode account %d: %w", id, err)
	}
	if a.Portfolio == nil {
		a.Portfolio = make(map[domain.Ticker]domain.Quantity)
	}
	if a.Buys == nil {
		a.Buys = make(map[domain.Ticker]map[domain.CentCount]domain.Quantity)
	}
	if a.Sells == nil {
		a.Sells = make(map[domain.Ticker]map[domain.CentCount]domain.Quantity)
	}
	if a.Pending == nil {
		a.Pending = make(map[domain.TradeID]domain.Trade)
	}
	return a, true, nil
}

func (a *Account) persist() error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account %d: %w", a.ID.ID, err)
	}
	return a.store.PutAccount(a.ID.ID, doc)
}

// reservations selects the buy or sell reservation table.
func (a *Account) reservations(t domain.OrderType) map[domain.Ticker]map[domain.CentCount]domain.Quantity {
	if t == domain.OrderTypeBuy {
		return a.Buys
	}
	return a.Sells
}

func (a *Account) reservedAt(t domain.OrderType, ticker domain.Ticker, price domain.CentCount) domain.Quantity {
	return a.reservations(t)[ticker][price]
}

func (a *Account) addReservation(t domain.OrderType, ticker domain.Ticker, price domain.CentCount, qty domain.Quantity) {
	res := a.reservations(t)
	if res[ticker] == nil {
		res[ticker] = make(map[domain.CentCount]domain.Quantity)
	}
	res[ticker][price] += qty
}

// takeReservation removes up to qty from a reservation slot and returns
// the amount actually removed.
func (a *Account) takeReservation(t domain.OrderType, ticker domain.Ticker, price domain.CentCount, qty domain.Quantity) domain.Quantity {
	res := a.reservations(t)[ticker]
	taken := min(qty, res[price])
	if taken > 0 {
		res[price] -= taken
	}
	return taken
}

// BuyExposure is the cash locked by open buy orders: sum of price ×
// quantity over every buy reservation.
func (a *Account) BuyExposure() domain.CentCount {
	var total domain.CentCount
	for _, byPrice := range a.Buys {
		for price, qty := range byPrice {
			total += price * domain.CentCount(qty)
		}
	}
	return total
}

// SellReserved is the quantity of one ticker locked by open sell orders.
func (a *Account) SellReserved(ticker domain.Ticker) domain.Quantity {
	var total domain.Quantity
	for _, qty := range a.Sells[ticker] {
		total += qty
	}
	return total
}

// AddOrder is the admission check: a buy needs free cash for its full
// exposure, a sell needs free stock for its full quantity. On success
// the reservation is recorded and persisted; on failure nothing
// changes and the caller reports "notEnough".
func (a *Account) AddOrder(req domain.OrderRequest) (bool, error) {
	switch req.Type {
	case domain.OrderTypeBuy:
		// Existing exposure never exceeds the balance, so the subtraction
		// cannot wrap; a cost whose product wraps is rejected outright.
		cost, ok := domain.CostOf(req.Quantity, req.Price)
		if !ok || cost > a.Balance-a.BuyExposure() {
			return false, nil
		}
	case domain.OrderTypeSell:
		if a.Portfolio[req.Ticker] < a.SellReserved(req.Ticker)+req.Quantity {
			return false, nil
		}
	}
	a.addReservation(req.Type, req.Ticker, req.Price, req.Quantity)
	return true, a.persist()
}

// DeductOrder removes up to req.Quantity from the named reservation and
// returns the amount removed. Used for client cancels and settlement
// bookkeeping.
func (a *Account) DeductOrder(req domain.OrderRequest) (domain.Quantity, error) {
	taken := a.takeReservation(req.Type, req.Ticker, req.Price, req.Quantity)
	if taken == 0 {
		return 0, nil
	}
	return taken, a.persist()
}

// Orders aggregates the open reservations as ticker → buy/sell price
// levels, the "R order" view.
func (a *Account) Orders() domain.MarketStats {
	all := make(domain.MarketStats)
	for _, side := range []domain.OrderType{domain.OrderTypeBuy, domain.OrderTypeSell} {
		for ticker, byPrice := range a.reservations(side) {
			for price, qty := range byPrice {
				if qty == 0 {
					continue
				}
				bs, ok := all[ticker]
				if !ok {
					bs = &domain.BuySell{}
					all[ticker] = bs
				}
				list := bs.Side(side)
				*list = append(*list, domain.QuantityPrice{Quantity: qty, Price: price})
			}
		}
	}
	return all
}

// AddStock credits shares to the portfolio.
func (a *Account) AddStock(ticker domain.Ticker, qty domain.Quantity) error {
	a.Portfolio[ticker] += qty
	return a.persist()
}

// DeductStock removes up to qty shares, saturating at zero, and returns
// the amount removed.
func (a *Account) DeductStock(ticker domain.Ticker, qty domain.Quantity) (domain.Quantity, error) {
	deducted := min(qty, a.Portfolio[ticker])
	a.Portfolio[ticker] -= deducted
	return deducted, a.persist()
}

// SetBalance replaces the cash balance. A value below the current buy
// exposure would let open orders overdraw, so it is rejected.
func (a *Account) SetBalance(value domain.CentCount) error {
	if value < a.BuyExposure() {
		return domain.ErrInsufficientCapacity
	}
	a.Balance = value
	return a.persist()
}

// side reports which side of the trade this account is on, panicking if
// the trade does not involve it. An offer routed to the wrong account
// is a protocol violation.
func (a *Account) side(t domain.Trade) domain.OrderType {
	switch a.ID {
	case t.BuyerID:
		return domain.OrderTypeBuy
	case t.SellerID:
		return domain.OrderTypeSell
	}
	panic(fmt.Sprintf("ledger: trade %+v does not involve account %+v", t, a.ID))
}

// limitPrice is this account's own limit for its side of the trade.
func (a *Account) limitPrice(t domain.Trade) domain.CentCount {
	if a.side(t) == domain.OrderTypeBuy {
		return t.BuyPrice
	}
	return t.SellPrice
}

// ProcessIncomingOffer is the remote-side accept/reject decision for a
// cross-node match. If the reservation still covers the trade and
// capacity still suffices, it commits this account's full transfer
// immediately, releases the reservation, and returns the order delta to
// broadcast as a deduction. Otherwise it changes nothing and returns
// nil: a reject, which is an expected outcome, not an error.
func (a *Account) ProcessIncomingOffer(t domain.Trade) (*domain.Order, error) {
	// An offer whose cash leg overflows can never have been admitted
	// here, so it is rejected before any arithmetic.
	cost, ok := domain.CostOf(t.Quantity, t.ExecutionPrice())
	if !ok {
		return nil, nil
	}
	side := a.side(t)
	price := a.limitPrice(t)
	if a.reservedAt(side, t.Ticker, price) < t.Quantity {
		return nil, nil
	}
	switch side {
	case domain.OrderTypeBuy:
		if a.Balance < cost {
			return nil, nil
		}
		a.Balance -= cost
		a.Portfolio[t.Ticker] += t.Quantity
	case domain.OrderTypeSell:
		if a.Portfolio[t.Ticker] < t.Quantity {
			return nil, nil
		}
		a.Portfolio[t.Ticker] -= t.Quantity
		a.Balance += cost
	}
	a.takeReservation(side, t.Ticker, price, t.Quantity)
	if err := a.persist(); err != nil {
		return nil, err
	}
	delta := domain.Order{
		Type:     side,
		Ticker:   t.Ticker,
		UserID:   a.ID,
		Quantity: t.Quantity,
		Price:    price,
	}
	return &delta, nil
}

// AddPending registers a proposed cross-node trade and optimistically
// applies the leg that needs no remote confirmation: the buyer's cash
// or the seller's stock leaves now, and the reservation is released
// now, so concurrent orders cannot double-spend the same capacity while
// the offer is in flight. Admission already guaranteed capacity; a
// shortfall here is a programming error and panics.
func (a *Account) AddPending(id domain.TradeID, t domain.Trade) error {
	if _, dup := a.Pending[id]; dup {
		panic(fmt.Sprintf("ledger: duplicate trade id %d on account %+v", id, a.ID))
	}
	side := a.side(t)
	price := a.limitPrice(t)
	switch side {
	case domain.OrderTypeBuy:
		if a.Balance < t.Cost() {
			panic(fmt.Sprintf("ledger: pending trade %d needs %d cents, balance %d", id, t.Cost(), a.Balance))
		}
		a.Balance -= t.Cost()
	case domain.OrderTypeSell:
		if a.Portfolio[t.Ticker] < t.Quantity {
			panic(fmt.Sprintf("ledger: pending trade %d needs %d %s, held %d", id, t.Quantity, t.Ticker, a.Portfolio[t.Ticker]))
		}
		a.Portfolio[t.Ticker] -= t.Quantity
	}
	if a.reservedAt(side, t.Ticker, price) < t.Quantity {
		panic(fmt.Sprintf("ledger: pending trade %d exceeds reservation on account %+v", id, a.ID))
	}
	a.takeReservation(side, t.Ticker, price, t.Quantity)
	a.Pending[id] = t
	return a.persist()
}

// CommitPending applies the deferred leg of an accepted offer: stock to
// the buyer, cash to the seller. The pending entry is consumed; an
// unknown id is a protocol violation.
func (a *Account) CommitPending(id domain.TradeID) error {
	t := a.takePending(id)
	if a.side(t) == domain.OrderTypeBuy {
		a.Portfolio[t.Ticker] += t.Quantity
	} else {
		a.Balance += t.Cost()
	}
	return a.persist()
}

// AbortPending reverses the optimistic leg of a rejected offer and
// restores the reservation, returning the restored order so the caller
// can resubmit it to the matcher.
func (a *Account) AbortPending(id domain.TradeID) (domain.Order, error) {
	t := a.takePending(id)
	side := a.side(t)
	price := a.limitPrice(t)
	if side == domain.OrderTypeBuy {
		a.Balance += t.Cost()
	} else {
		a.Portfolio[t.Ticker] += t.Quantity
	}
	a.addReservation(side, t.Ticker, price, t.Quantity)
	restored := domain.Order{
		Type:     side,
		Ticker:   t.Ticker,
		UserID:   a.ID,
		Quantity: t.Quantity,
		Price:    price,
	}
	return restored, a.persist()
}

func (a *Account) takePending(id domain.TradeID) domain.Trade {
	t, ok := a.Pending[id]
	if !ok {
		panic(fmt.Sprintf("ledger: no pending trade %d on account %+v", id, a.ID))
	}
	delete(a.Pending, id)
	return t
}

// delete removes the persisted record. It fails with ErrAccountNotEmpty
// while the account still holds anything: cash, stock, an open
// reservation, or an unresolved pending trade.
func (a *Account) delete() error {
	if a.Balance != 0 {
		return fmt.Errorf("%w: balance %d", domain.ErrAccountNotEmpty, a.Balance)
	}
	for ticker, qty := range a.Portfolio {
		if qty != 0 {
			return fmt.Errorf("%w: holds %d %s", domain.ErrAccountNotEmpty, qty, ticker)
		}
	}
	for _, side := range []domain.OrderType{domain.OrderTypeBuy, domain.OrderTypeSell} {
		for ticker, byPrice := range a.reservations(side) {
			for _, qty := range byPrice {
				if qty != 0 {
					return fmt.Errorf("%w: open %s orders on %s", domain.ErrAccountNotEmpty, side, ticker)
				}
			}
		}
	}
	if len(a.Pending) != 0 {
		return fmt.Errorf("%w: %d unresolved pending trades", domain.ErrAccountNotEmpty, len(a.Pending))
	}
	return a.store.DeleteAccount(a.ID.ID)
}
