// Package domain defines the core types shared across the exchange node.
// All monetary values are unsigned integer cents, never float64.
package domain

import (
	"fmt"
	"math/bits"
)

// CostOf is quantity times price in cents. ok is false when the product
// does not fit in a CentCount; callers must reject such amounts before
// any balance arithmetic.
func CostOf(qty Quantity, price CentCount) (CentCount, bool) {
	hi, lo := bits.Mul64(uint64(qty), uint64(price))
	return CentCount(lo), hi == 0
}

// NodeID identifies a shard. Each node owns a partition of accounts and
// is the only authority for their balances and holdings.
type NodeID int

// AccountID is an account identifier local to its owning node.
type AccountID uint64

// Ticker is a stock symbol.
type Ticker string

// CentCount is an amount of money in cents.
type CentCount uint64

// Quantity is a number of shares.
type Quantity uint64

// TradeID identifies an in-flight cross-node trade. IDs are allocated
// from the initiating node's persisted counter.
type TradeID uint64

// UserID is a globally unique account reference: the local account id
// plus the node that owns it. Immutable once assigned.
type UserID struct {
	ID     AccountID `json:"id"`
	NodeID NodeID    `json:"node_id"`
}

// OrderType distinguishes buy orders from sell orders.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// Opposite returns the other side of the book.
func (t OrderType) Opposite() OrderType {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

// Order is a limit order. Orders are ephemeral: they exist only as
// messages and return values; their lasting effect is the resting-book
// entry and the account reservation.
type Order struct {
	Type     OrderType `json:"order_type"`
	Ticker   Ticker    `json:"ticker"`
	UserID   UserID    `json:"user_id"`
	Quantity Quantity  `json:"quantity"`
	Price    CentCount `json:"price"`
}

// OrderRequest is the client-facing order payload: the account is implied
// by the session, so only the order terms are carried.
type OrderRequest struct {
	Type     OrderType `json:"order_type"`
	Ticker   Ticker    `json:"ticker"`
	Quantity Quantity  `json:"quantity"`
	Price    CentCount `json:"price"`
}

// Order attaches an owner to the request.
func (r OrderRequest) Order(owner UserID) Order {
	return Order{
		Type:     r.Type,
		Ticker:   r.Ticker,
		UserID:   owner,
		Quantity: r.Quantity,
		Price:    r.Price,
	}
}

// Trade is a proposed exchange of stock for cash produced by the matcher.
// It records both limit prices; each side releases its reservation at its
// own price. Immutable once created and consumed exactly once, into either
// immediate settlement or a pending cross-node trade.
type Trade struct {
	Quantity  Quantity  `json:"quantity"`
	Ticker    Ticker    `json:"ticker"`
	BuyerID   UserID    `json:"buyer_id"`
	SellerID  UserID    `json:"seller_id"`
	BuyPrice  CentCount `json:"buy_price"`
	SellPrice CentCount `json:"sell_price"`
}

// ExecutionPrice is the price the trade settles at: the seller's limit.
// When the book crosses it is never above the buyer's limit, so the
// buyer's released reservation always covers the debit.
func (t Trade) ExecutionPrice() CentCount {
	return t.SellPrice
}

// Cost is the cash leg of the trade. Locally produced trades cannot
// overflow because admission bounds the buyer's quantity times limit
// price; trades received from peers are validated before settlement, so
// an overflow here is a protocol violation.
func (t Trade) Cost() CentCount {
	cost, ok := CostOf(t.Quantity, t.ExecutionPrice())
	if !ok {
		panic(fmt.Sprintf("trade cost overflows: %d shares at %d cents", t.Quantity, t.ExecutionPrice()))
	}
	return cost
}

// QuantityPrice is one aggregated price level in a depth or open-order
// listing.
type QuantityPrice struct {
	Quantity Quantity  `json:"quantity"`
	Price    CentCount `json:"price"`
}

// BuySell groups price levels by side.
type BuySell struct {
	Buy  []QuantityPrice `json:"buy"`
	Sell []QuantityPrice `json:"sell"`
}

// MarketStats is the per-ticker depth view returned by "R market", and
// doubles as the per-account open-order listing for "R order".
type MarketStats map[Ticker]*BuySell

// Side selects the buy or sell list of a BuySell pair.
func (bs *BuySell) Side(t OrderType) *[]QuantityPrice {
	if t == OrderTypeBuy {
		return &bs.Buy
	}
	return &bs.Sell
}
