package advanced

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
)

// PlaceTrailingStop arms a trailing stop. Nothing is sent to the exchange
// until the stop is crossed.
func (c *Coordinator) PlaceTrailingStop(ctx context.Context, req TrailingStopRequest) (ManagedOrder, error) {
	if err := req.validate(); err != nil {
		return ManagedOrder{}, common.NewInvalidOrderError("", err.Error())
	}
	now := time.Now()
	mo := ManagedOrder{
		ID:              newID(),
		Kind:            KindTrailingStop,
		Symbol:          strings.ToUpper(req.Symbol),
		Side:            req.Side,
		Qty:             req.Qty,
		Status:          StatusPending,
		ActivationPrice: req.ActivationPrice,
		CallbackRate:    req.CallbackRate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.launch(mo, c.runTrailing); err != nil {
		return ManagedOrder{}, err
	}
	return mo, nil
}

// observe feeds one price into the trailing state and reports whether the
// stop was crossed. The stop only moves in the order's favor.
func (m *ManagedOrder) observe(price float64) bool {
	if price <= 0 {
		return false
	}
	r := m.CallbackRate / 100
	sell := m.Side == common.SideSell

	if m.Status == StatusPending {
		reached := m.ActivationPrice == 0 ||
			(sell && price >= m.ActivationPrice) ||
			(!sell && price <= m.ActivationPrice)
		if !reached {
			return false
		}
		m.Status = StatusActive
		m.HighestPrice, m.LowestPrice = price, price
		if sell {
			m.StopPrice = price * (1 - r)
		} else {
			m.StopPrice = price * (1 + r)
		}
		return false
	}
	if m.Status != StatusActive {
		return false
	}

	if sell {
		if price > m.HighestPrice {
			m.HighestPrice = price
			if stop := price * (1 - r); stop > m.StopPrice {
				m.StopPrice = stop
			}
		}
		return price <= m.StopPrice
	}
	if price < m.LowestPrice {
		m.LowestPrice = price
		if stop := price * (1 + r); stop < m.StopPrice {
			m.StopPrice = stop
		}
	}
	return price >= m.StopPrice
}

func (c *Coordinator) runTrailing(ctx context.Context, h *monitor, mo ManagedOrder) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t, err := c.price(ctx, mo.Symbol)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("trailing stop ticker unavailable", zap.String("id", mo.ID), zap.Error(err))
			}
			continue
		}

		prev := mo
		triggered := mo.observe(t.Last)
		if prev.Status != mo.Status {
			c.logger.Info("trailing stop activated",
				zap.String("id", mo.ID), zap.Float64("price", t.Last), zap.Float64("stop", mo.StopPrice))
		}
		if !triggered {
			if mo != prev {
				c.update(h, mo)
			}
			continue
		}

		c.update(h, c.trigger(ctx, mo, t.Last))
		c.retire(mo.ID, h)
		return
	}
}

// trigger submits the single market order for a crossed trailing stop.
func (c *Coordinator) trigger(ctx context.Context, mo ManagedOrder, price float64) ManagedOrder {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
	defer cancel()

	res, err := c.exec.CreateOrder(tctx, order.Order{
		Symbol: mo.Symbol,
		Side:   mo.Side,
		Type:   common.OrderTypeMarket,
		Qty:    mo.Qty,
	})
	switch {
	case err != nil:
		mo.Status = StatusFailed
		mo.Error = err.Error()
	case res.Lifecycle == order.LifecycleRejected:
		mo.Status = StatusFailed
		mo.TriggerOrderID = res.OrderID
		mo.Error = "market order rejected by exchange"
	default:
		mo.Status = StatusFilled
		mo.TriggerOrderID = res.OrderID
	}

	fields := []zap.Field{
		zap.String("id", mo.ID),
		zap.Float64("price", price),
		zap.Float64("stop", mo.StopPrice),
		zap.String("status", string(mo.Status)),
	}
	if mo.Status == StatusFailed {
		c.logger.Error("trailing stop trigger failed", append(fields, zap.String("error", mo.Error))...)
	} else {
		c.logger.Info("trailing stop triggered", append(fields, zap.String("order_id", mo.TriggerOrderID))...)
	}
	return mo
}
