package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies exchange failures for retry and circuit-breaker decisions.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindRateLimit         ErrorKind = "rate_limit"
	KindConnection        ErrorKind = "connection"
	KindAuthentication    ErrorKind = "authentication"
	KindInvalidOrder      ErrorKind = "invalid_order"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindExchange          ErrorKind = "exchange"
)

// Terminal reports whether the kind is a client-side rejection that must
// never be retried nor counted against the exchange's health.
func (k ErrorKind) Terminal() bool {
	return k == KindInvalidOrder || k == KindInsufficientFunds
}

// Error is the typed error every Client implementation surfaces.
type Error struct {
	Kind       ErrorKind
	Exchange   string
	Code       int
	Message    string
	RetryAfter time.Duration // server-specified, rate_limit only
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Exchange != "" {
		return fmt.Sprintf("%s: %s: %s", e.Exchange, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrRateLimit) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrRateLimit         = &Error{Kind: KindRateLimit}
	ErrConnection        = &Error{Kind: KindConnection}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrInvalidOrder      = &Error{Kind: KindInvalidOrder}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrExchange          = &Error{Kind: KindExchange}
)

func NewRateLimitError(exchange, msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Exchange: exchange, Message: msg, RetryAfter: retryAfter}
}

func NewConnectionError(exchange string, err error) *Error {
	return &Error{Kind: KindConnection, Exchange: exchange, Err: err}
}

func NewTimeoutError(exchange string, err error) *Error {
	return &Error{Kind: KindTimeout, Exchange: exchange, Err: err}
}

func NewAuthenticationError(exchange, msg string) *Error {
	return &Error{Kind: KindAuthentication, Exchange: exchange, Message: msg}
}

func NewInvalidOrderError(exchange, msg string) *Error {
	return &Error{Kind: KindInvalidOrder, Exchange: exchange, Message: msg}
}

func NewInsufficientFundsError(exchange, msg string) *Error {
	return &Error{Kind: KindInsufficientFunds, Exchange: exchange, Message: msg}
}

func NewExchangeError(exchange string, code int, msg string) *Error {
	return &Error{Kind: KindExchange, Exchange: exchange, Code: code, Message: msg}
}

// KindOf extracts the error kind. Untyped network errors and deadline
// expiries are classified as connection and timeout respectively; anything
// else unknown is a generic exchange error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return KindExchange
}

// RetryAfterOf returns the server-specified retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsTerminal reports whether err is a terminal client rejection.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err).Terminal()
}
