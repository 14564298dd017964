package advanced

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"execution-core/internal/order"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrNotFound = errors.New("advanced order not found")
	ErrClosed   = errors.New("coordinator closed")
)

// Kind of compound order.
type Kind string

const (
	KindOCO          Kind = "oco"
	KindTrailingStop Kind = "trailing_stop"
)

// Status of a managed order.
type Status string

const (
	StatusPending  Status = "pending" // trailing stop waiting for activation
	StatusActive   Status = "active"
	StatusFilled   Status = "filled"
	StatusCanceled Status = "canceled"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the monitor is done with the order.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusFailed
}

// Leg names which side of an OCO pair filled.
type Leg string

const (
	LegLimit Leg = "limit"
	LegStop  Leg = "stop"
)

// ManagedOrder is a compound order. Only its monitor goroutine mutates it;
// everyone else sees copies.
type ManagedOrder struct {
	ID     string      `json:"id"`
	Kind   Kind        `json:"kind"`
	Symbol string      `json:"symbol"`
	Side   common.Side `json:"side"`
	Qty    float64     `json:"qty"`
	Status Status      `json:"status"`

	// OCO
	LimitPrice     float64 `json:"limit_price,omitempty"`
	StopPrice      float64 `json:"stop_price,omitempty"` // OCO stop trigger, or the current trailing stop
	StopLimitPrice float64 `json:"stop_limit_price,omitempty"`
	LimitOrderID   string  `json:"limit_order_id,omitempty"`
	StopOrderID    string  `json:"stop_order_id,omitempty"`
	FilledBy       Leg     `json:"filled_by,omitempty"`

	// trailing stop
	ActivationPrice float64 `json:"activation_price,omitempty"`
	CallbackRate    float64 `json:"callback_rate,omitempty"` // percent
	HighestPrice    float64 `json:"highest_price,omitempty"`
	LowestPrice     float64 `json:"lowest_price,omitempty"`
	TriggerOrderID  string  `json:"trigger_order_id,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m ManagedOrder) row(payload string) db.AdvancedOrder {
	return db.AdvancedOrder{
		ID:        m.ID,
		Kind:      string(m.Kind),
		Symbol:    m.Symbol,
		Side:      string(m.Side),
		Status:    string(m.Status),
		FilledBy:  string(m.FilledBy),
		Payload:   payload,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// OCORequest places a take-profit limit and a stop on the same quantity.
// StopLimitPrice > 0 turns the stop leg into a stop-limit.
type OCORequest struct {
	Symbol         string      `json:"symbol" binding:"required"`
	Side           common.Side `json:"side" binding:"required"`
	Qty            float64     `json:"qty" binding:"required"`
	LimitPrice     float64     `json:"limit_price" binding:"required"`
	StopPrice      float64     `json:"stop_price" binding:"required"`
	StopLimitPrice float64     `json:"stop_limit_price"`
}

func (r OCORequest) validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("symbol is required")
	case !r.Side.Valid():
		return fmt.Errorf("invalid side %q", r.Side)
	case r.Qty <= 0:
		return fmt.Errorf("quantity must be positive")
	case r.LimitPrice <= 0 || r.StopPrice <= 0:
		return fmt.Errorf("limit and stop prices must be positive")
	case r.Side == common.SideSell && r.LimitPrice <= r.StopPrice:
		return fmt.Errorf("sell OCO needs limit price above stop price")
	case r.Side == common.SideBuy && r.LimitPrice >= r.StopPrice:
		return fmt.Errorf("buy OCO needs limit price below stop price")
	}
	return nil
}

// TrailingStopRequest arms a trailing stop. ActivationPrice 0 activates on
// the first observed price.
type TrailingStopRequest struct {
	Symbol          string      `json:"symbol" binding:"required"`
	Side            common.Side `json:"side" binding:"required"`
	Qty             float64     `json:"qty" binding:"required"`
	ActivationPrice float64     `json:"activation_price"`
	CallbackRate    float64     `json:"callback_rate" binding:"required"`
}

func (r TrailingStopRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("symbol is required")
	case !r.Side.Valid():
		return fmt.Errorf("invalid side %q", r.Side)
	case r.Qty <= 0:
		return fmt.Errorf("quantity must be positive")
	case r.ActivationPrice < 0:
		return fmt.Errorf("activation price must not be negative")
	case r.CallbackRate <= 0 || r.CallbackRate >= 100:
		return fmt.Errorf("callback rate must be in (0, 100) percent")
	}
	return nil
}

// StatusView is a managed order plus the exchange's current view of its legs.
type StatusView struct {
	ManagedOrder
	Legs map[string]common.OrderRecord `json:"legs,omitempty"`
}

// Config tunes the coordinator.
type Config struct {
	PollInterval   time.Duration `yaml:"-"`
	HistoryLimit   int           `yaml:"history_limit"`
	CleanupTimeout time.Duration `yaml:"-"` // bound on sibling cancel and trigger placement
}

// DefaultConfig polls every second and remembers the last 1000 finished orders.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second, HistoryLimit: 1000, CleanupTimeout: 10 * time.Second}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	return c
}

// Executor is the subset of *order.Executor the coordinator drives.
type Executor interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Execution, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (common.OrderRecord, error)
	GetTicker(ctx context.Context, symbol string) (common.Ticker, error)
}

// Persister stores managed order snapshots. *db.Database satisfies it.
type Persister interface {
	UpsertAdvancedOrder(ctx context.Context, a db.AdvancedOrder) error
}
