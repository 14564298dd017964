package common

import (
	"context"
	"time"
)

// Client abstracts a trading venue. Every method may fail with *Error.
type Client interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (OrderRecord, error)
	GetBalances(ctx context.Context) (map[string]float64, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderRecord, error)
}

// OrderHistory is implemented by clients able to list orders created in a
// time range; the reconciler uses it as the exchange-side record.
type OrderHistory interface {
	GetOrders(ctx context.Context, since, until time.Time) ([]OrderRecord, error)
}

// Endpoint names used for rate-limit accounting.
const (
	EndpointOrder   = "order"
	EndpointCancel  = "cancel"
	EndpointStatus  = "status"
	EndpointAccount = "account"
	EndpointTicker  = "ticker"
	EndpointHistory = "history"
)
