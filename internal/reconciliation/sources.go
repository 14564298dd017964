package reconciliation

import (
	"context"
	"time"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// DBHistory serves the persisted order table as the local side, so
// reconciliation also covers orders placed before a restart.
type DBHistory struct {
	DB       *db.Database
	Exchange string
}

func (h DBHistory) GetOrders(ctx context.Context, since, until time.Time) ([]common.OrderRecord, error) {
	rows, err := h.DB.ListOrdersBetween(ctx, h.Exchange, since, until)
	if err != nil {
		return nil, err
	}
	out := make([]common.OrderRecord, len(rows))
	for i, o := range rows {
		out[i] = common.OrderRecord{
			ID:        o.ID,
			ClientID:  o.ClientID,
			Symbol:    o.Symbol,
			Side:      common.Side(o.Side),
			Type:      common.OrderType(o.Type),
			Status:    common.OrderStatus(o.Status),
			Qty:       o.Qty,
			Price:     o.Price,
			StopPrice: o.StopPrice,
			FilledQty: o.FilledQty,
			AvgPrice:  o.AvgPrice,
			CreatedAt: o.CreatedAt,
			UpdatedAt: o.UpdatedAt,
		}
	}
	return out, nil
}

// HistoryFunc adapts a function to common.OrderHistory.
type HistoryFunc func(ctx context.Context, since, until time.Time) ([]common.OrderRecord, error)

func (f HistoryFunc) GetOrders(ctx context.Context, since, until time.Time) ([]common.OrderRecord, error) {
	return f(ctx, since, until)
}
