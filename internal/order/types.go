package order

import (
	"fmt"
	"strings"
	"time"

	"execution-core/pkg/exchanges/common"
)

// Order represents a trading order intent. It is immutable once submitted.
type Order struct {
	Symbol    string           `json:"symbol"`
	Side      common.Side      `json:"side"`
	Type      common.OrderType `json:"type"`
	Qty       float64          `json:"qty"`
	Price     float64          `json:"price,omitempty"`      // LIMIT and STOP_LOSS_LIMIT
	StopPrice float64          `json:"stop_price,omitempty"` // STOP_LOSS and STOP_LOSS_LIMIT
	ClientID  string           `json:"client_id,omitempty"`
}

// Validate rejects orders that no exchange would accept.
func (o Order) Validate() error {
	switch {
	case strings.TrimSpace(o.Symbol) == "":
		return fmt.Errorf("symbol is required")
	case !o.Side.Valid():
		return fmt.Errorf("invalid side %q", o.Side)
	case o.Qty <= 0:
		return fmt.Errorf("quantity must be positive")
	}
	switch o.Type {
	case common.OrderTypeMarket:
	case common.OrderTypeLimit:
		if o.Price <= 0 {
			return fmt.Errorf("limit order requires a price")
		}
	case common.OrderTypeStopLoss:
		if o.StopPrice <= 0 {
			return fmt.Errorf("stop order requires a stop price")
		}
	case common.OrderTypeStopLimit:
		if o.Price <= 0 || o.StopPrice <= 0 {
			return fmt.Errorf("stop-limit order requires price and stop price")
		}
	default:
		return fmt.Errorf("unsupported order type %q", o.Type)
	}
	return nil
}

func (o Order) request() common.OrderRequest {
	return common.OrderRequest{
		Symbol:    strings.ToUpper(o.Symbol),
		Side:      o.Side,
		Type:      o.Type,
		Qty:       o.Qty,
		Price:     o.Price,
		StopPrice: o.StopPrice,
		ClientID:  o.ClientID,
	}
}

// Lifecycle is the executor's view of an order it placed.
type Lifecycle string

const (
	LifecycleSubmitted Lifecycle = "submitted"
	LifecycleVerifying Lifecycle = "verifying"
	LifecycleConfirmed Lifecycle = "confirmed"
	LifecycleRejected  Lifecycle = "rejected"
	LifecycleTimedOut  Lifecycle = "timed_out"
	LifecycleFailed    Lifecycle = "failed" // never reached the exchange
)

// Record is a locally tracked order: the last exchange view plus lifecycle.
type Record struct {
	common.OrderRecord
	Exchange    string    `json:"exchange"`
	Lifecycle   Lifecycle `json:"lifecycle"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Execution is the outcome of CreateOrder.
type Execution struct {
	OrderID   string             `json:"order_id"`
	ClientID  string             `json:"client_id"`
	Lifecycle Lifecycle          `json:"lifecycle"`
	Record    common.OrderRecord `json:"record"`
	Latency   time.Duration      `json:"latency_ns"`
}

// VerificationConfig bounds the post-placement status polling.
type VerificationConfig struct {
	Attempts int
	Interval time.Duration
}

// DefaultVerification polls three times, half a second apart.
func DefaultVerification() VerificationConfig {
	return VerificationConfig{Attempts: 3, Interval: 500 * time.Millisecond}
}

// ReconcileSummary reports a ReconcileOrders pass over local records.
type ReconcileSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Missing int `json:"missing"`
	Errors  int `json:"errors"`
}
