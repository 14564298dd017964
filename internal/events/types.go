package events

import "time"

// Event enumerates topics published by the execution engine.
type Event string

const (
	EventOrderSubmitted      Event = "order.submitted"
	EventOrderConfirmed      Event = "order.confirmed"
	EventOrderRejected       Event = "order.rejected"
	EventOrderTimedOut       Event = "order.timed_out"
	EventOrderFailed         Event = "order.failed"
	EventOrderCanceled       Event = "order.canceled"
	EventOrderUpdate         Event = "order.update"
	EventRetry               Event = "execution.retry"
	EventBreakerStateChange  Event = "breaker.state_change"
	EventAdvancedOrderUpdate Event = "advanced.update"
	EventReconciliation      Event = "reconciliation.report"
	EventAlert               Event = "alert"
)

// All lists every topic, for subscribers that stream everything.
var All = []Event{
	EventOrderSubmitted,
	EventOrderConfirmed,
	EventOrderRejected,
	EventOrderTimedOut,
	EventOrderFailed,
	EventOrderCanceled,
	EventOrderUpdate,
	EventRetry,
	EventBreakerStateChange,
	EventAdvancedOrderUpdate,
	EventReconciliation,
	EventAlert,
}

// OrderEvent describes an order lifecycle step.
type OrderEvent struct {
	Exchange  string        `json:"exchange"`
	OrderID   string        `json:"order_id,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	Symbol    string        `json:"symbol"`
	Side      string        `json:"side"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Lifecycle string        `json:"lifecycle"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	Error     string        `json:"error,omitempty"`
	Time      time.Time     `json:"time"`
}

// RetryEvent is published before each backoff sleep.
type RetryEvent struct {
	Exchange string        `json:"exchange"`
	Op       string        `json:"op"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay_ns"`
	Error    string        `json:"error"`
	Time     time.Time     `json:"time"`
}

// BreakerEvent reports a circuit breaker transition.
type BreakerEvent struct {
	Exchange string    `json:"exchange"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Time     time.Time `json:"time"`
}

// AlertEvent carries an operator-facing alert.
type AlertEvent struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Envelope wraps a payload with its topic for transports that multiplex.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}
