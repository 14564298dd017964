// Package paper is an in-memory simulated venue. It fills market orders at
// the current price, rests limit and stop orders until the price feed
// crosses them, and can inject failures to exercise the reliability layer.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// Config tunes the simulation.
type Config struct {
	Name        string
	QuoteAsset  string             // symbols are BASE+QUOTE, e.g. BTCUSDT
	Balances    map[string]float64 // initial free balances per asset
	FeeRate     float64            // decimal, e.g. 0.001 = 10 bps
	SlippageBps float64            // worst-case slippage applied to market fills
	LatencyMin  time.Duration
	LatencyMax  time.Duration
}

type fault struct {
	endpoint  string // empty matches every endpoint
	remaining int
	err       error
}

// Exchange implements common.Client and common.OrderHistory.
type Exchange struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	prices   map[string]float64
	orders   map[string]*common.OrderRecord
	sequence []string // order ids in creation order
	balances map[string]float64
	faults   []*fault
	rng      *rand.Rand
}

var _ common.Client = (*Exchange)(nil)
var _ common.OrderHistory = (*Exchange)(nil)

// New creates a paper exchange.
func New(cfg Config, logger *zap.Logger) *Exchange {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	balances := make(map[string]float64, len(cfg.Balances))
	for k, v := range cfg.Balances {
		balances[strings.ToUpper(k)] = v
	}
	return &Exchange{
		cfg:      cfg,
		logger:   logger.Named("paper").With(zap.String("exchange", cfg.Name)),
		now:      time.Now,
		prices:   make(map[string]float64),
		orders:   make(map[string]*common.OrderRecord),
		balances: balances,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Exchange) Name() string { return e.cfg.Name }

// InjectFault makes the next count calls to endpoint (or any endpoint when
// empty) fail with err before touching state.
func (e *Exchange) InjectFault(endpoint string, count int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, &fault{endpoint: endpoint, remaining: count, err: err})
}

// ClearFaults drops all pending injected failures.
func (e *Exchange) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = nil
}

// SetPrice moves the last trade price and matches resting orders against it.
func (e *Exchange) SetPrice(symbol string, price float64) {
	symbol = strings.ToUpper(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[symbol] = price
	for _, id := range e.sequence {
		o := e.orders[id]
		if o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		e.matchLocked(o, price)
	}
}

// Price returns the last price for symbol.
func (e *Exchange) Price(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[strings.ToUpper(symbol)]
	return p, ok
}

// Override forces an order's status and filled quantity, simulating state
// drift the engine did not observe.
func (e *Exchange) Override(orderID string, status common.OrderStatus, filledQty float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s not found", orderID)
	}
	o.Status = status
	o.FilledQty = filledQty
	o.UpdatedAt = e.now()
	return nil
}

// Forget removes an order entirely, as if the venue had lost it.
func (e *Exchange) Forget(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, orderID)
	for i, id := range e.sequence {
		if id == orderID {
			e.sequence = append(e.sequence[:i], e.sequence[i+1:]...)
			break
		}
	}
}

// StartFeed drives a random-walk price for each symbol until ctx ends.
func (e *Exchange) StartFeed(ctx context.Context, symbols []string, start, step float64, interval time.Duration) {
	if start <= 0 {
		start = 100
	}
	if step <= 0 {
		step = 0.5
	}
	if interval <= 0 {
		interval = time.Second
	}
	for _, s := range symbols {
		if _, ok := e.Price(s); !ok {
			e.SetPrice(s, start)
		}
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, s := range symbols {
					p, _ := e.Price(s)
					e.mu.Lock()
					p += (e.rng.Float64()*2 - 1) * step
					e.mu.Unlock()
					if p <= 0 {
						p = step
					}
					e.SetPrice(s, p)
				}
			}
		}
	}()
}

func (e *Exchange) CreateOrder(ctx context.Context, req common.OrderRequest) (string, error) {
	if err := e.enter(ctx, common.EndpointOrder); err != nil {
		return "", err
	}
	if err := e.validate(req); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	symbol := strings.ToUpper(req.Symbol)
	last, hasPrice := e.prices[symbol]
	if req.Type == common.OrderTypeMarket && !hasPrice {
		return "", common.NewInvalidOrderError(e.cfg.Name, "no market price for "+symbol)
	}

	base, quote := e.split(symbol)
	ref := req.Price
	if ref <= 0 {
		ref = req.StopPrice
	}
	if ref <= 0 {
		ref = last
	}
	if req.Side == common.SideBuy && e.balances[quote] < req.Qty*ref*(1+e.cfg.FeeRate) {
		return "", common.NewInsufficientFundsError(e.cfg.Name,
			fmt.Sprintf("need %.8f %s, have %.8f", req.Qty*ref, quote, e.balances[quote]))
	}
	if req.Side == common.SideSell && e.balances[base] < req.Qty {
		return "", common.NewInsufficientFundsError(e.cfg.Name,
			fmt.Sprintf("need %.8f %s, have %.8f", req.Qty, base, e.balances[base]))
	}

	now := e.now()
	o := &common.OrderRecord{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Symbol:    symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    common.StatusOpen,
		Qty:       req.Qty,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.orders[o.ID] = o
	e.sequence = append(e.sequence, o.ID)

	if hasPrice {
		e.matchLocked(o, last)
	}
	e.logger.Debug("order accepted",
		zap.String("order_id", o.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("status", string(o.Status)))
	return o.ID, nil
}

func (e *Exchange) validate(req common.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return common.NewInvalidOrderError(e.cfg.Name, "symbol is required")
	case !req.Side.Valid():
		return common.NewInvalidOrderError(e.cfg.Name, "invalid side "+string(req.Side))
	case req.Qty <= 0:
		return common.NewInvalidOrderError(e.cfg.Name, "quantity must be positive")
	}
	switch req.Type {
	case common.OrderTypeMarket:
	case common.OrderTypeLimit:
		if req.Price <= 0 {
			return common.NewInvalidOrderError(e.cfg.Name, "limit order requires price")
		}
	case common.OrderTypeStopLoss:
		if req.StopPrice <= 0 {
			return common.NewInvalidOrderError(e.cfg.Name, "stop order requires stop price")
		}
	case common.OrderTypeStopLimit:
		if req.StopPrice <= 0 || req.Price <= 0 {
			return common.NewInvalidOrderError(e.cfg.Name, "stop-limit order requires price and stop price")
		}
	default:
		return common.NewInvalidOrderError(e.cfg.Name, "unsupported order type "+string(req.Type))
	}
	return nil
}

// matchLocked fills o if price satisfies its trigger.
func (e *Exchange) matchLocked(o *common.OrderRecord, price float64) {
	buy := o.Side == common.SideBuy
	switch o.Type {
	case common.OrderTypeMarket:
		e.fillLocked(o, e.slip(price, buy))
	case common.OrderTypeLimit:
		if (buy && price <= o.Price) || (!buy && price >= o.Price) {
			e.fillLocked(o, o.Price)
		}
	case common.OrderTypeStopLoss:
		if (buy && price >= o.StopPrice) || (!buy && price <= o.StopPrice) {
			e.fillLocked(o, e.slip(price, buy))
		}
	case common.OrderTypeStopLimit:
		if (buy && price >= o.StopPrice) || (!buy && price <= o.StopPrice) {
			// triggered: rest as a plain limit from now on
			o.Type = common.OrderTypeLimit
			e.matchLocked(o, price)
		}
	}
}

func (e *Exchange) slip(price float64, buy bool) float64 {
	frac := e.cfg.SlippageBps / 10000
	if frac <= 0 {
		return price
	}
	noise := e.rng.Float64() * frac
	if buy {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}

func (e *Exchange) fillLocked(o *common.OrderRecord, price float64) {
	base, quote := e.split(o.Symbol)
	notional := o.Qty * price
	fee := notional * e.cfg.FeeRate

	if o.Side == common.SideBuy {
		if e.balances[quote] < notional+fee {
			o.Status = common.StatusRejected
			o.UpdatedAt = e.now()
			e.logger.Warn("fill rejected: insufficient balance", zap.String("order_id", o.ID))
			return
		}
		e.balances[quote] -= notional + fee
		e.balances[base] += o.Qty
	} else {
		if e.balances[base] < o.Qty {
			o.Status = common.StatusRejected
			o.UpdatedAt = e.now()
			e.logger.Warn("fill rejected: insufficient balance", zap.String("order_id", o.ID))
			return
		}
		e.balances[base] -= o.Qty
		e.balances[quote] += notional - fee
	}

	o.Status = common.StatusFilled
	o.FilledQty = o.Qty
	o.AvgPrice = price
	o.UpdatedAt = e.now()
}

func (e *Exchange) split(symbol string) (base, quote string) {
	q := strings.ToUpper(e.cfg.QuoteAsset)
	if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
		return strings.TrimSuffix(symbol, q), q
	}
	return symbol, q
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if err := e.enter(ctx, common.EndpointCancel); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Status.Terminal() {
		return false, nil
	}
	o.Status = common.StatusCanceled
	o.UpdatedAt = e.now()
	return true, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, orderID, symbol string) (common.OrderRecord, error) {
	if err := e.enter(ctx, common.EndpointStatus); err != nil {
		return common.OrderRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return common.OrderRecord{}, common.NewExchangeError(e.cfg.Name, -2013, "order does not exist")
	}
	return *o, nil
}

func (e *Exchange) GetBalances(ctx context.Context) (map[string]float64, error) {
	if err := e.enter(ctx, common.EndpointAccount); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]float64, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := e.enter(ctx, common.EndpointTicker); err != nil {
		return common.Ticker{}, err
	}
	symbol = strings.ToUpper(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.prices[symbol]
	if !ok {
		return common.Ticker{}, common.NewInvalidOrderError(e.cfg.Name, "unknown symbol "+symbol)
	}
	return common.Ticker{Symbol: symbol, Last: p, Bid: p, Ask: p, Time: e.now()}, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderRecord, error) {
	if err := e.enter(ctx, common.EndpointStatus); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []common.OrderRecord
	for _, id := range e.sequence {
		o := e.orders[id]
		if o.Status.Terminal() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetOrders returns orders created in [since, until).
func (e *Exchange) GetOrders(ctx context.Context, since, until time.Time) ([]common.OrderRecord, error) {
	if err := e.enter(ctx, common.EndpointHistory); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []common.OrderRecord
	for _, id := range e.sequence {
		o := e.orders[id]
		if o.CreatedAt.Before(since) || !o.CreatedAt.Before(until) {
			continue
		}
		out = append(out, *o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// enter simulates latency and consumes an injected fault, if any.
func (e *Exchange) enter(ctx context.Context, endpoint string) error {
	if d := e.latency(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return common.NewTimeoutError(e.cfg.Name, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, f := range e.faults {
		if f.endpoint != "" && f.endpoint != endpoint {
			continue
		}
		f.remaining--
		if f.remaining <= 0 {
			e.faults = append(e.faults[:i], e.faults[i+1:]...)
		}
		return f.err
	}
	return nil
}

func (e *Exchange) latency() time.Duration {
	lo, hi := e.cfg.LatencyMin, e.cfg.LatencyMax
	if hi <= 0 {
		return lo
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo + time.Duration(e.rng.Int63n(int64(hi-lo)+1))
}
