package advanced

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/order"
	"execution-core/pkg/exchanges/common"
)

// PlaceOCO places the limit leg, then the stop leg, and starts monitoring
// the pair. If the stop leg cannot be placed the limit leg is canceled.
func (c *Coordinator) PlaceOCO(ctx context.Context, req OCORequest) (ManagedOrder, error) {
	if err := req.validate(); err != nil {
		return ManagedOrder{}, common.NewInvalidOrderError("", err.Error())
	}
	symbol := strings.ToUpper(req.Symbol)

	limit, err := c.exec.CreateOrder(ctx, order.Order{
		Symbol: symbol,
		Side:   req.Side,
		Type:   common.OrderTypeLimit,
		Qty:    req.Qty,
		Price:  req.LimitPrice,
	})
	if err != nil {
		return ManagedOrder{}, fmt.Errorf("place limit leg: %w", err)
	}
	if limit.Lifecycle == order.LifecycleRejected {
		return ManagedOrder{}, common.NewInvalidOrderError("", "limit leg rejected by exchange")
	}

	stopOrder := order.Order{
		Symbol:    symbol,
		Side:      req.Side,
		Type:      common.OrderTypeStopLoss,
		Qty:       req.Qty,
		StopPrice: req.StopPrice,
	}
	if req.StopLimitPrice > 0 {
		stopOrder.Type = common.OrderTypeStopLimit
		stopOrder.Price = req.StopLimitPrice
	}
	stop, err := c.exec.CreateOrder(ctx, stopOrder)
	if err == nil && stop.Lifecycle == order.LifecycleRejected {
		err = common.NewInvalidOrderError("", "stop leg rejected by exchange")
	}
	if err != nil {
		c.abandonLeg(limit.OrderID, symbol)
		return ManagedOrder{}, fmt.Errorf("place stop leg: %w", err)
	}

	now := time.Now()
	mo := ManagedOrder{
		ID:             newID(),
		Kind:           KindOCO,
		Symbol:         symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		Status:         StatusActive,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		StopLimitPrice: req.StopLimitPrice,
		LimitOrderID:   limit.OrderID,
		StopOrderID:    stop.OrderID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.launch(mo, c.runOCO); err != nil {
		c.abandonLeg(limit.OrderID, symbol)
		c.abandonLeg(stop.OrderID, symbol)
		return ManagedOrder{}, err
	}
	return mo, nil
}

// abandonLeg cancels a leg that no managed order will own.
func (c *Coordinator) abandonLeg(id, symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
	defer cancel()
	if _, err := c.exec.CancelOrder(ctx, id, symbol); err != nil {
		c.logger.Error("orphaned OCO leg could not be canceled",
			zap.String("order_id", id), zap.String("symbol", symbol), zap.Error(err))
	}
}

func (c *Coordinator) runOCO(ctx context.Context, h *monitor, mo ManagedOrder) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, done := c.pollOCO(ctx, mo)
		if next != mo {
			mo = next
			c.update(h, mo)
		}
		if done {
			c.retire(mo.ID, h)
			return
		}
	}
}

// pollOCO observes both legs once. A filled leg commits the monitor to
// canceling its sibling even if ctx is canceled meanwhile.
func (c *Coordinator) pollOCO(ctx context.Context, mo ManagedOrder) (ManagedOrder, bool) {
	limit, lerr := c.exec.GetOrderStatus(ctx, mo.LimitOrderID, mo.Symbol)
	stop, serr := c.exec.GetOrderStatus(ctx, mo.StopOrderID, mo.Symbol)

	var winner Leg
	var sibling string
	switch {
	case lerr == nil && limit.Status == common.StatusFilled:
		winner, sibling = LegLimit, mo.StopOrderID
	case serr == nil && stop.Status == common.StatusFilled:
		winner, sibling = LegStop, mo.LimitOrderID
	}

	if winner != "" {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
		defer cancel()
		if _, err := c.exec.CancelOrder(cctx, sibling, mo.Symbol); err != nil {
			mo.Error = "cancel sibling: " + err.Error()
			c.logger.Error("OCO sibling cancel failed",
				zap.String("id", mo.ID), zap.String("sibling", sibling), zap.Error(err))
		}
		mo.Status = StatusFilled
		mo.FilledBy = winner
		c.logger.Info("OCO filled", zap.String("id", mo.ID), zap.String("filled_by", string(winner)))
		return mo, true
	}

	if ctx.Err() != nil {
		return mo, false
	}
	if lerr != nil || serr != nil {
		c.logger.Debug("OCO poll incomplete", zap.String("id", mo.ID), zap.NamedError("limit", lerr), zap.NamedError("stop", serr))
		return mo, false
	}
	if gone(limit.Status) && gone(stop.Status) {
		mo.Status = StatusCanceled
		c.logger.Info("OCO legs canceled externally", zap.String("id", mo.ID))
		return mo, true
	}
	return mo, false
}

func gone(s common.OrderStatus) bool {
	return s == common.StatusCanceled || s == common.StatusRejected
}
