package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// quantities are compared at this many decimal places
const precision = 8

// Config controls thresholds and scheduling.
type Config struct {
	ThresholdPct float64       `yaml:"threshold_pct"` // 0 alerts on any drift
	Interval     time.Duration `yaml:"-"`
	Lookback     time.Duration `yaml:"-"`
}

// DefaultConfig alerts above 0.1% mismatch and checks the last day hourly.
func DefaultConfig() Config {
	return Config{ThresholdPct: 0.1, Interval: time.Hour, Lookback: 24 * time.Hour}
}

// DiscrepancyKind classifies a difference between the two sides.
type DiscrepancyKind string

const (
	Mismatched DiscrepancyKind = "mismatched" // both sides know it, they disagree
	Missing    DiscrepancyKind = "missing"    // tracked locally, unknown to the exchange
	Extra      DiscrepancyKind = "extra"      // on the exchange, not tracked locally
)

// Discrepancy is one order the two sides disagree on.
type Discrepancy struct {
	OrderID        string             `json:"order_id"`
	Symbol         string             `json:"symbol"`
	Kind           DiscrepancyKind    `json:"kind"`
	LocalStatus    common.OrderStatus `json:"local_status,omitempty"`
	ExchangeStatus common.OrderStatus `json:"exchange_status,omitempty"`
	LocalFilled    string             `json:"local_filled,omitempty"`
	ExchangeFilled string             `json:"exchange_filled,omitempty"`
}

// Result is the outcome of one run. It is never modified after Reconcile
// returns it.
type Result struct {
	ID            string        `json:"id"`
	Exchange      string        `json:"exchange"`
	PeriodStart   time.Time     `json:"period_start"`
	PeriodEnd     time.Time     `json:"period_end"`
	Total         int           `json:"total"`
	Matched       int           `json:"matched"`
	Mismatched    int           `json:"mismatched"`
	Missing       int           `json:"missing"`
	Extra         int           `json:"extra"`
	MismatchPct   float64       `json:"mismatch_pct"`
	Alert         bool          `json:"alert"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	RunAt         time.Time     `json:"run_at"`
}

// ReportStore persists results. *db.Database satisfies it.
type ReportStore interface {
	InsertReconciliationReport(ctx context.Context, r db.ReconciliationReport) error
	ListReconciliationReports(ctx context.Context, limit int) ([]db.ReconciliationReport, error)
}

// Options carries optional collaborators.
type Options struct {
	Logger  *zap.Logger
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Sink    monitor.AlertSink
	Reports ReportStore
}

// Service compares local order records with the exchange's.
type Service struct {
	exchange string
	local    common.OrderHistory
	remote   common.OrderHistory
	cfg      Config
	opts     Options
	logger   *zap.Logger

	mu   sync.Mutex // one run at a time
	last atomic.Pointer[Result]
}

// NewService creates a reconciler for one exchange.
func NewService(exchange string, local, remote common.OrderHistory, cfg Config, opts Options) *Service {
	if cfg.ThresholdPct < 0 {
		cfg.ThresholdPct = DefaultConfig().ThresholdPct
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultConfig().Lookback
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		exchange: exchange,
		local:    local,
		remote:   remote,
		cfg:      cfg,
		opts:     opts,
		logger:   logger.Named("reconciliation"),
	}
}

// Start runs Reconcile every Interval over the trailing Lookback until ctx
// ends.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				if _, err := s.Reconcile(ctx, now.Add(-s.cfg.Lookback), now); err != nil && ctx.Err() == nil {
					s.logger.Error("reconciliation failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("reconciliation scheduled",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("lookback", s.cfg.Lookback),
		zap.Float64("threshold_pct", s.cfg.ThresholdPct))
}

// Reconcile compares both sides for orders created in [since, until).
func (s *Service) Reconcile(ctx context.Context, since, until time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.local.GetOrders(ctx, since, until)
	if err != nil {
		return Result{}, fmt.Errorf("load local orders: %w", err)
	}
	remote, err := s.remote.GetOrders(ctx, since, until)
	if err != nil {
		return Result{}, fmt.Errorf("load exchange orders: %w", err)
	}

	res := Compare(local, remote)
	res.ID = uuid.NewString()
	res.Exchange = s.exchange
	res.PeriodStart = since
	res.PeriodEnd = until
	res.RunAt = time.Now()
	res.Alert = res.MismatchPct > s.cfg.ThresholdPct

	s.report(ctx, res)
	s.last.Store(&res)
	return res, nil
}

// Last returns the most recent result, if any.
func (s *Service) Last() (Result, bool) {
	r := s.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Reports lists persisted results, newest first.
func (s *Service) Reports(ctx context.Context, limit int) ([]db.ReconciliationReport, error) {
	if s.opts.Reports == nil {
		return nil, nil
	}
	return s.opts.Reports.ListReconciliationReports(ctx, limit)
}

func (s *Service) report(ctx context.Context, res Result) {
	fields := []zap.Field{
		zap.String("exchange", res.Exchange),
		zap.Int("total", res.Total),
		zap.Int("matched", res.Matched),
		zap.Int("mismatched", res.Mismatched),
		zap.Int("missing", res.Missing),
		zap.Int("extra", res.Extra),
		zap.Float64("mismatch_pct", res.MismatchPct),
	}
	if res.Alert {
		s.logger.Warn("reconciliation mismatch above threshold", fields...)
	} else {
		s.logger.Info("reconciliation complete", fields...)
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.SetMismatchPct(res.Exchange, res.MismatchPct)
	}
	s.opts.Bus.Publish(events.EventReconciliation, res)

	if res.Alert && s.opts.Sink != nil {
		msg := fmt.Sprintf("reconciliation %s: %.2f%% mismatch (%d mismatched, %d missing, %d extra of %d) exceeds %.2f%%",
			res.Exchange, res.MismatchPct, res.Mismatched, res.Missing, res.Extra, res.Total, s.cfg.ThresholdPct)
		if err := s.opts.Sink.Send(msg); err != nil {
			s.logger.Warn("alert delivery failed", zap.Error(err))
		}
	}

	if s.opts.Reports == nil {
		return
	}
	details, err := json.Marshal(res.Discrepancies)
	if err != nil {
		s.logger.Warn("encode discrepancies", zap.Error(err))
		details = []byte("[]")
	}
	err = s.opts.Reports.InsertReconciliationReport(ctx, db.ReconciliationReport{
		ID:          res.ID,
		Exchange:    res.Exchange,
		PeriodStart: res.PeriodStart,
		PeriodEnd:   res.PeriodEnd,
		Total:       res.Total,
		Matched:     res.Matched,
		Mismatched:  res.Mismatched,
		Missing:     res.Missing,
		Extra:       res.Extra,
		MismatchPct: res.MismatchPct,
		Alert:       res.Alert,
		Details:     string(details),
		RunAt:       res.RunAt,
	})
	if err != nil {
		s.logger.Error("persist reconciliation report", zap.Error(err))
	}
}

// Compare matches records by exchange order id. Status and filled quantity
// must agree for a match.
func Compare(local, remote []common.OrderRecord) Result {
	remoteByID := make(map[string]common.OrderRecord, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	var res Result
	seen := make(map[string]bool, len(local))
	for _, l := range local {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true

		r, ok := remoteByID[l.ID]
		if !ok {
			res.Missing++
			res.Discrepancies = append(res.Discrepancies, Discrepancy{
				OrderID: l.ID, Symbol: l.Symbol, Kind: Missing,
				LocalStatus: l.Status, LocalFilled: qty(l.FilledQty).String(),
			})
			continue
		}
		lf, rf := qty(l.FilledQty), qty(r.FilledQty)
		if l.Status != r.Status || !lf.Equal(rf) {
			res.Mismatched++
			res.Discrepancies = append(res.Discrepancies, Discrepancy{
				OrderID: l.ID, Symbol: l.Symbol, Kind: Mismatched,
				LocalStatus: l.Status, ExchangeStatus: r.Status,
				LocalFilled: lf.String(), ExchangeFilled: rf.String(),
			})
			continue
		}
		res.Matched++
	}
	for _, r := range remote {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		res.Extra++
		res.Discrepancies = append(res.Discrepancies, Discrepancy{
			OrderID: r.ID, Symbol: r.Symbol, Kind: Extra,
			ExchangeStatus: r.Status, ExchangeFilled: qty(r.FilledQty).String(),
		})
	}

	res.Total = len(seen)
	if res.Total > 0 {
		bad := res.Mismatched + res.Missing + res.Extra
		res.MismatchPct = float64(bad) / float64(res.Total) * 100
	}
	sort.Slice(res.Discrepancies, func(i, j int) bool {
		return res.Discrepancies[i].OrderID < res.Discrepancies[j].OrderID
	})
	return res
}

func qty(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(precision)
}
