package monitor

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log at warn level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Warn("ALERT", zap.String("message", message))
	return nil
}

// BusSink publishes alerts on the event bus for websocket subscribers.
type BusSink struct {
	Bus    *events.Bus
	Source string
}

func (s BusSink) Send(message string) error {
	if s.Bus == nil {
		return errors.New("alert bus not configured")
	}
	s.Bus.Publish(events.EventAlert, events.AlertEvent{Source: s.Source, Message: message, Time: time.Now()})
	return nil
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Send(message string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(message string) error

func (f SinkFunc) Send(message string) error { return f(message) }
