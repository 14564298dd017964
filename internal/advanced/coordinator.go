package advanced

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/cache"
	"execution-core/pkg/exchanges/common"
)

// Options carries optional collaborators.
type Options struct {
	Logger  *zap.Logger
	Bus     *events.Bus
	Persist Persister
	Tickers *cache.TickerCache // shared by monitors on the same symbol
}

// monitor is the handle for one managed order's goroutine.
type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
	snap   atomic.Pointer[ManagedOrder]

	canceling bool          // guarded by Coordinator.mu
	settled   chan struct{} // closed once a cancel has moved the order to history
}

func (m *monitor) snapshot() ManagedOrder { return *m.snap.Load() }

// Coordinator runs OCO and trailing stop orders on top of an executor,
// one monitor goroutine per order.
type Coordinator struct {
	exec    Executor
	cfg     Config
	logger  *zap.Logger
	bus     *events.Bus
	persist Persister
	tickers *cache.TickerCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	active  map[string]*monitor
	history []ManagedOrder
	byID    map[string]int // history index, offset by dropped
	dropped int
}

// NewCoordinator creates a coordinator whose monitors live until Close.
func NewCoordinator(exec Executor, cfg Config, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		exec:    exec,
		cfg:     cfg.normalized(),
		logger:  logger.Named("advanced"),
		bus:     opts.Bus,
		persist: opts.Persist,
		tickers: opts.Tickers,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*monitor),
		byID:    make(map[string]int),
	}
}

func (c *Coordinator) price(ctx context.Context, symbol string) (common.Ticker, error) {
	if c.tickers == nil {
		return c.exec.GetTicker(ctx, symbol)
	}
	return c.tickers.Fetch(ctx, symbol, c.exec.GetTicker)
}

// launch registers mo and starts run for it.
func (c *Coordinator) launch(mo ManagedOrder, run func(ctx context.Context, h *monitor, mo ManagedOrder)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(c.ctx)
	h := &monitor{cancel: cancel, done: make(chan struct{}), settled: make(chan struct{})}
	h.snap.Store(&mo)
	c.active[mo.ID] = h
	c.wg.Add(1)
	c.mu.Unlock()

	c.emit(mo)
	c.logger.Info("advanced order started",
		zap.String("id", mo.ID),
		zap.String("kind", string(mo.Kind)),
		zap.String("symbol", mo.Symbol),
		zap.String("side", string(mo.Side)))

	go func() {
		defer c.wg.Done()
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("advanced order monitor panicked", zap.String("id", mo.ID), zap.Any("panic", r))
				cur := h.snapshot()
				cur.Status = StatusFailed
				cur.Error = "monitor panic"
				c.update(h, cur)
				c.retire(mo.ID, h)
			}
		}()
		run(ctx, h, mo)
	}()
	return nil
}

// update publishes a new snapshot of the order owned by h.
func (c *Coordinator) update(h *monitor, mo ManagedOrder) {
	mo.UpdatedAt = time.Now()
	h.snap.Store(&mo)
	c.emit(mo)
}

func (c *Coordinator) emit(mo ManagedOrder) {
	defer c.bus.Publish(events.EventAdvancedOrderUpdate, mo)
	if c.persist == nil {
		return
	}
	payload, err := json.Marshal(mo)
	if err != nil {
		c.logger.Warn("encode advanced order", zap.String("id", mo.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.persist.UpsertAdvancedOrder(ctx, mo.row(string(payload))); err != nil {
		c.logger.Warn("persist advanced order", zap.String("id", mo.ID), zap.Error(err))
	}
}

// retire moves a finished order from the active set to history, unless a
// concurrent cancel owns it.
func (c *Coordinator) retire(id string, h *monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] != h || h.canceling {
		return
	}
	delete(c.active, id)
	c.rememberLocked(h.snapshot())
}

func (c *Coordinator) rememberLocked(mo ManagedOrder) {
	c.history = append(c.history, mo)
	c.byID[mo.ID] = c.dropped + len(c.history) - 1
	if over := len(c.history) - c.cfg.HistoryLimit; over > 0 {
		for _, old := range c.history[:over] {
			delete(c.byID, old.ID)
		}
		c.history = append([]ManagedOrder(nil), c.history[over:]...)
		c.dropped += over
	}
}

func (c *Coordinator) lookup(id string) (ManagedOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.active[id]; ok {
		return h.snapshot(), true
	}
	if i, ok := c.byID[id]; ok {
		return c.history[i-c.dropped], true
	}
	return ManagedOrder{}, false
}

// CancelAdvancedOrder stops the order's monitor, then cancels any live legs.
// Canceling a finished order returns its final snapshot without error.
func (c *Coordinator) CancelAdvancedOrder(ctx context.Context, id string) (ManagedOrder, error) {
	c.mu.Lock()
	h, ok := c.active[id]
	owner := ok && !h.canceling
	if owner {
		h.canceling = true
	}
	c.mu.Unlock()

	if !owner {
		if ok {
			select {
			case <-h.settled:
			case <-ctx.Done():
				return h.snapshot(), ctx.Err()
			}
		}
		if mo, found := c.lookup(id); found {
			return mo, nil
		}
		return ManagedOrder{}, ErrNotFound
	}

	h.cancel()
	<-h.done

	mo := h.snapshot()
	if !mo.Status.Terminal() {
		mo = c.cancelLegs(ctx, mo)
		c.update(h, mo)
		mo = h.snapshot()
	}

	c.mu.Lock()
	delete(c.active, id)
	c.rememberLocked(mo)
	c.mu.Unlock()
	close(h.settled)

	c.logger.Info("advanced order canceled",
		zap.String("id", id),
		zap.String("status", string(mo.Status)),
		zap.String("filled_by", string(mo.FilledBy)))
	return mo, nil
}

// cancelLegs runs after the monitor has exited, so it is the only writer.
func (c *Coordinator) cancelLegs(ctx context.Context, mo ManagedOrder) ManagedOrder {
	if mo.Kind != KindOCO {
		mo.Status = StatusCanceled
		return mo
	}

	legs := []struct {
		leg Leg
		id  string
	}{{LegLimit, mo.LimitOrderID}, {LegStop, mo.StopOrderID}}

	var errs []string
	for _, l := range legs {
		ok, err := c.exec.CancelOrder(ctx, l.id, mo.Symbol)
		if err != nil {
			errs = append(errs, string(l.leg)+": "+err.Error())
			continue
		}
		if ok {
			continue
		}
		// Not cancelable: it may have filled after the monitor's last poll.
		rec, err := c.exec.GetOrderStatus(ctx, l.id, mo.Symbol)
		if err == nil && rec.Status == common.StatusFilled && mo.FilledBy == "" {
			mo.FilledBy = l.leg
		}
	}

	mo.Status = StatusCanceled
	if mo.FilledBy != "" {
		mo.Status = StatusFilled
	}
	if len(errs) > 0 {
		mo.Error = strings.Join(errs, "; ")
		c.logger.Warn("advanced order leg cancel failed", zap.String("id", mo.ID), zap.Strings("errors", errs))
	}
	return mo
}

// GetAdvancedOrderStatus returns the latest snapshot and the exchange view
// of each leg. It never changes the order.
func (c *Coordinator) GetAdvancedOrderStatus(ctx context.Context, id string) (StatusView, error) {
	mo, ok := c.lookup(id)
	if !ok {
		return StatusView{}, ErrNotFound
	}
	view := StatusView{ManagedOrder: mo}
	legs := map[string]string{
		string(LegLimit): mo.LimitOrderID,
		string(LegStop):  mo.StopOrderID,
		"trigger":        mo.TriggerOrderID,
	}
	for name, legID := range legs {
		if legID == "" {
			continue
		}
		rec, err := c.exec.GetOrderStatus(ctx, legID, mo.Symbol)
		if err != nil {
			c.logger.Debug("leg status unavailable", zap.String("id", id), zap.String("leg", name), zap.Error(err))
			continue
		}
		if view.Legs == nil {
			view.Legs = make(map[string]common.OrderRecord)
		}
		view.Legs[name] = rec
	}
	return view, nil
}

// List returns active and remembered orders, oldest first, optionally
// filtered by status.
func (c *Coordinator) List(status Status) []ManagedOrder {
	c.mu.Lock()
	out := make([]ManagedOrder, 0, len(c.active)+len(c.history))
	for _, h := range c.active {
		out = append(out, h.snapshot())
	}
	out = append(out, c.history...)
	c.mu.Unlock()

	if status != "" {
		kept := out[:0]
		for _, mo := range out {
			if mo.Status == status {
				kept = append(kept, mo)
			}
		}
		out = kept
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Active returns the number of running monitors.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close stops every monitor and waits for them. Exchange legs are left as
// they are.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func newID() string { return uuid.NewString() }
