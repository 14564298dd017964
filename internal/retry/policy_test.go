package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"execution-core/pkg/exchanges/common"
)

func newTestRetrier(t *testing.T, p Policy) (*Retrier, *[]time.Duration) {
	t.Helper()
	r := New(p, zaptest.NewLogger(t))
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestDelaySchedule(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffBase: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d)=%v, expected %v", i+1, got, w)
		}
	}
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	r, slept := newTestRetrier(t, DefaultPolicy())

	calls := 0
	err := r.Do(context.Background(), "create", func(context.Context) error {
		calls++
		if calls < 3 {
			return common.NewTimeoutError("binance", errors.New("i/o timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, expected 3", calls)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Fatalf("sleeps=%v, expected [1s 2s]", *slept)
	}
}

func TestTerminalErrorsAreNotRetried(t *testing.T) {
	r, slept := newTestRetrier(t, Policy{
		MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffBase: 2,
		// even a misconfigured set never retries terminal kinds
		Retryable: []common.ErrorKind{common.KindInvalidOrder, common.KindInsufficientFunds},
	})

	for _, e := range []error{
		common.NewInvalidOrderError("binance", "LOT_SIZE"),
		common.NewInsufficientFundsError("binance", "balance"),
	} {
		calls := 0
		err := r.Do(context.Background(), "create", func(context.Context) error {
			calls++
			return e
		})
		if !errors.Is(err, e) || calls != 1 {
			t.Fatalf("err=%v calls=%d, expected original error after one call", err, calls)
		}
	}
	if len(*slept) != 0 {
		t.Fatalf("sleeps=%v, expected none", *slept)
	}
}

func TestRetryAfterRaisesDelay(t *testing.T) {
	r, slept := newTestRetrier(t, Policy{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffBase: 2,
		Retryable: []common.ErrorKind{common.KindRateLimit}})

	_ = r.Do(context.Background(), "create", func(context.Context) error {
		return common.NewRateLimitError("binance", "429", 10*time.Second)
	})
	if len(*slept) != 1 || (*slept)[0] != 10*time.Second {
		t.Fatalf("sleeps=%v, expected [10s]", *slept)
	}
}

func TestOnRetryHook(t *testing.T) {
	r, _ := newTestRetrier(t, Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffBase: 2,
		Retryable: []common.ErrorKind{common.KindConnection}})

	var attempts []int
	r.OnRetry(func(op string, attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
	})
	_ = r.Do(context.Background(), "status", func(context.Context) error {
		return common.NewConnectionError("binance", errors.New("refused"))
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts=%v, expected [1 2]", attempts)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	r := New(Policy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffBase: 2,
		Retryable: []common.ErrorKind{common.KindTimeout}}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := r.Do(ctx, "create", func(context.Context) error {
		calls++
		return common.NewTimeoutError("binance", errors.New("slow"))
	})
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("err=%v, expected timeout", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d, expected 1", calls)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff sleep ignored cancellation")
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := []Policy{
		{MaxRetries: -1, BackoffBase: 2},
		{InitialDelay: 2 * time.Second, MaxDelay: time.Second, BackoffBase: 2},
		{BackoffBase: 0.5},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("policy %d: expected validation error", i)
		}
	}
}

func TestProperty_RetryableCallsMadeMaxRetriesPlusOne(t *testing.T) {
	kinds := []common.ErrorKind{
		common.KindTimeout, common.KindRateLimit, common.KindConnection,
		common.KindInvalidOrder, common.KindInsufficientFunds, common.KindAuthentication, common.KindExchange,
	}
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 8).Draw(rt, "max_retries")
		kind := rapid.SampledFrom(kinds).Draw(rt, "kind")

		p := DefaultPolicy()
		p.MaxRetries = maxRetries
		r := New(p, nil)
		r.sleep = func(context.Context, time.Duration) error { return nil }

		calls := 0
		err := r.Do(context.Background(), "op", func(context.Context) error {
			calls++
			return &common.Error{Kind: kind, Exchange: "x", Message: "fail"}
		})
		if common.KindOf(err) != kind {
			rt.Fatalf("err kind=%q, expected %q", common.KindOf(err), kind)
		}

		want := 1
		if p.ShouldRetry(err) {
			want = maxRetries + 1
		}
		if calls != want {
			rt.Fatalf("calls=%d, expected %d for kind %q", calls, want, kind)
		}
	})
}
