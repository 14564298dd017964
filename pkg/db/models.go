package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// Order is the persisted copy of an exchange order record.
type Order struct {
	ID        string
	Exchange  string
	ClientID  string
	Symbol    string
	Side      string
	Type      string
	Status    string
	Lifecycle string
	Qty       float64
	Price     float64
	StopPrice float64
	FilledQty float64
	AvgPrice  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReconciliationReport is a persisted reconciliation run.
type ReconciliationReport struct {
	ID          string
	Exchange    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Total       int
	Matched     int
	Mismatched  int
	Missing     int
	Extra       int
	MismatchPct float64
	Alert       bool
	Details     string // JSON-encoded discrepancies
	RunAt       time.Time
}

// AdvancedOrder is a persisted snapshot of an OCO or trailing stop order.
type AdvancedOrder struct {
	ID        string
	Kind      string
	Symbol    string
	Side      string
	Status    string
	FilledBy  string
	Payload   string // JSON snapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}

const upsertOrderSQL = `
	INSERT INTO orders (
		id, exchange, client_id, symbol, side, type, status, lifecycle,
		qty, price, stop_price, filled_qty, avg_price, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		lifecycle = excluded.lifecycle,
		filled_qty = excluded.filled_qty,
		avg_price = excluded.avg_price,
		updated_at = excluded.updated_at
`

// UpsertOrderOp builds the write op for an order, for use with BatchWriter.
func UpsertOrderOp(o Order) WriteOp {
	return WriteOp{
		Table: "orders",
		Query: upsertOrderSQL,
		Args: []any{
			o.ID, o.Exchange, o.ClientID, o.Symbol, o.Side, o.Type, o.Status, o.Lifecycle,
			o.Qty, o.Price, o.StopPrice, o.FilledQty, o.AvgPrice, o.CreatedAt, o.UpdatedAt,
		},
	}
}

// UpsertOrder inserts an order or refreshes its mutable fields.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	op := UpsertOrderOp(o)
	_, err := d.DB.ExecContext(ctx, op.Query, op.Args...)
	return err
}

const orderColumns = `id, exchange, COALESCE(client_id, ''), symbol, side, type, status, COALESCE(lifecycle, ''),
	qty, price, stop_price, filled_qty, avg_price, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Exchange, &o.ClientID, &o.Symbol, &o.Side, &o.Type, &o.Status, &o.Lifecycle,
		&o.Qty, &o.Price, &o.StopPrice, &o.FilledQty, &o.AvgPrice, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// GetOrder returns one order by id.
func (d *Database) GetOrder(ctx context.Context, id string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// ListOrdersBetween returns an exchange's orders created in [since, until).
func (d *Database) ListOrdersBetween(ctx context.Context, exchange string, since, until time.Time) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE exchange = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at`, exchange, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOpenOrders returns orders that have not reached a terminal status.
func (d *Database) ListOpenOrders(ctx context.Context, exchange string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE exchange = ? AND status NOT IN ('filled','canceled','rejected')
		ORDER BY created_at`, exchange)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// DeleteOrdersBefore removes terminal orders last updated before cutoff.
func (d *Database) DeleteOrdersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		DELETE FROM orders
		WHERE updated_at < ? AND status IN ('filled','canceled','rejected')`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertReconciliationReport stores a reconciliation run.
func (d *Database) InsertReconciliationReport(ctx context.Context, r ReconciliationReport) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (
			id, exchange, period_start, period_end, total, matched, mismatched, missing, extra,
			mismatch_pct, alert, details, run_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Exchange, r.PeriodStart, r.PeriodEnd, r.Total, r.Matched, r.Mismatched, r.Missing, r.Extra,
		r.MismatchPct, r.Alert, r.Details, r.RunAt,
	)
	return err
}

// ListReconciliationReports returns the most recent runs first.
func (d *Database) ListReconciliationReports(ctx context.Context, limit int) ([]ReconciliationReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange, period_start, period_end, total, matched, mismatched, missing, extra,
			mismatch_pct, alert, COALESCE(details, ''), run_at
		FROM reconciliation_reports
		ORDER BY run_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ReconciliationReport
	for rows.Next() {
		var r ReconciliationReport
		if err := rows.Scan(&r.ID, &r.Exchange, &r.PeriodStart, &r.PeriodEnd, &r.Total, &r.Matched, &r.Mismatched,
			&r.Missing, &r.Extra, &r.MismatchPct, &r.Alert, &r.Details, &r.RunAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// UpsertAdvancedOrder stores the latest snapshot of an advanced order.
func (d *Database) UpsertAdvancedOrder(ctx context.Context, a AdvancedOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO advanced_orders (id, kind, symbol, side, status, filled_by, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled_by = excluded.filled_by,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, a.ID, a.Kind, a.Symbol, a.Side, a.Status, a.FilledBy, a.Payload, a.CreatedAt, a.UpdatedAt)
	return err
}

// ListAdvancedOrders returns advanced orders, newest first, optionally filtered by status.
func (d *Database) ListAdvancedOrders(ctx context.Context, status string, limit int) ([]AdvancedOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, kind, symbol, side, status, COALESCE(filled_by, ''), payload, created_at, updated_at
		FROM advanced_orders
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []AdvancedOrder
	for rows.Next() {
		var a AdvancedOrder
		if err := rows.Scan(&a.ID, &a.Kind, &a.Symbol, &a.Side, &a.Status, &a.FilledBy, &a.Payload, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
