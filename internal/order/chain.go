package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/breaker"
	"execution-core/pkg/exchanges/common"
)

// Op names an exchange call and the rate-limit endpoint it is charged to.
type Op struct {
	Name     string
	Endpoint string
}

var (
	opCreate   = Op{Name: "create_order", Endpoint: common.EndpointOrder}
	opCancel   = Op{Name: "cancel_order", Endpoint: common.EndpointCancel}
	opStatus   = Op{Name: "order_status", Endpoint: common.EndpointStatus}
	opBalances = Op{Name: "balances", Endpoint: common.EndpointAccount}
	opOpen     = Op{Name: "open_orders", Endpoint: common.EndpointStatus}
	opTicker   = Op{Name: "ticker", Endpoint: common.EndpointTicker}
	opHistory  = Op{Name: "order_history", Endpoint: common.EndpointHistory}
)

// Handler is one attempt at an exchange call.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler for op.
type Middleware func(op Op, next Handler) Handler

// Chain composes middlewares; the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(op Op, h Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](op, h)
		}
		return h
	}
}

// withRetry re-runs the rest of the chain under the retry policy.
func (e *Executor) withRetry(op Op, next Handler) Handler {
	return func(ctx context.Context) error {
		return e.retrier.Do(ctx, op.Name, next)
	}
}

// withBreaker fails fast while the exchange's circuit is open and feeds
// every attempt's outcome back into it.
func (e *Executor) withBreaker(op Op, next Handler) Handler {
	return func(ctx context.Context) error {
		err := e.breaker.Execute(ctx, next)
		if err != nil && !common.IsTerminal(err) && !breaker.IsOpen(err) && ctx.Err() == nil {
			e.stats.recordError(time.Now())
		}
		return err
	}
}

// withThrottle waits out local throttling before the breaker sees the
// attempt, so a deadline spent waiting never counts as an exchange failure.
func (e *Executor) withThrottle(op Op, next Handler) Handler {
	return func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx, e.name, op.Endpoint); err != nil {
			return err
		}
		return next(ctx)
	}
}

// withRateLimit charges an admitted request and adjusts the error backoff
// factor from the result.
func (e *Executor) withRateLimit(op Op, next Handler) Handler {
	return func(ctx context.Context) error {
		e.limiter.RecordRequest(e.name, op.Endpoint)

		err := next(ctx)
		switch {
		case err == nil, common.IsTerminal(err):
			e.limiter.ResetBackoff(e.name)
		case ctx.Err() == nil:
			factor := e.limiter.RecordError(e.name, common.KindOf(err))
			e.logger.Debug("exchange call failed",
				zap.String("op", op.Name),
				zap.String("kind", string(common.KindOf(err))),
				zap.Float64("backoff_factor", factor),
				zap.Error(err))
		}
		return err
	}
}

func (e *Executor) call(ctx context.Context, op Op, h Handler) error {
	return e.chain(op, h)(ctx)
}
