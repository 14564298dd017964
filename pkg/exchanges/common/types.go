package common

import (
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide accepts any casing of buy/sell.
func ParseSide(v string) (Side, bool) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// OrderType denotes the primitive order types the engine submits.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "STOP_LOSS"
	OrderTypeStopLimit OrderType = "STOP_LOSS_LIMIT"
)

// RestsOnBook reports whether an order of this type may legitimately stay
// open after submission.
func (t OrderType) RestsOnBook() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLoss, OrderTypeStopLimit:
		return true
	}
	return false
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Qty       float64
	Price     float64 // required for LIMIT and STOP_LOSS_LIMIT
	StopPrice float64 // required for STOP_LOSS and STOP_LOSS_LIMIT
	ClientID  string
}

// OrderRecord is the exchange's view of a single order.
type OrderRecord struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"client_id,omitempty"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Type      OrderType   `json:"type"`
	Status    OrderStatus `json:"status"`
	Qty       float64     `json:"qty"`
	Price     float64     `json:"price,omitempty"`
	StopPrice float64     `json:"stop_price,omitempty"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Ticker is a top-of-book snapshot.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}
