package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Monitor watches engine events and turns the ones operators care about into
// alerts.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

// Start subscribes and forwards until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		logger.Warn("monitor not fully configured; skipping")
		return
	}

	stream, unsub := m.Bus.SubscribeMany([]events.Event{
		events.EventBreakerStateChange,
		events.EventOrderTimedOut,
		events.EventOrderFailed,
	}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				msg := formatAlert(env)
				if msg == "" {
					continue
				}
				if err := m.Sink.Send(msg); err != nil {
					logger.Warn("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatAlert(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case events.BreakerEvent:
		switch p.To {
		case "OPEN":
			return fmt.Sprintf("circuit breaker for %s opened (was %s)", p.Exchange, p.From)
		case "CLOSED":
			return fmt.Sprintf("circuit breaker for %s recovered", p.Exchange)
		}
		return ""
	case events.OrderEvent:
		if env.Event == events.EventOrderTimedOut {
			return fmt.Sprintf("order %s on %s %s could not be verified; left for reconciliation", p.OrderID, p.Exchange, p.Symbol)
		}
		return fmt.Sprintf("order on %s %s failed: %s", p.Exchange, p.Symbol, p.Error)
	default:
		return ""
	}
}
