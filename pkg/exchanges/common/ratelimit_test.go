package common

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(limits ExchangeLimits) (*RateLimitManager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewRateLimitManager(RateLimitConfig{Exchanges: map[string]ExchangeLimits{"binance": limits}}, nil)
	m.now = clock.now
	return m, clock
}

func TestShouldThrottleAtEightyPercent(t *testing.T) {
	m, _ := newTestManager(ExchangeLimits{
		Limits: []RateLimitRule{{MaxRequests: 10, Window: time.Minute}},
	})

	for i := 0; i < 7; i++ {
		m.RecordRequest("binance", "")
	}
	if throttled, _ := m.ShouldThrottle("binance", ""); throttled {
		t.Fatal("throttled at 70% usage")
	}

	m.RecordRequest("binance", "")
	throttled, wait := m.ShouldThrottle("binance", "")
	if !throttled {
		t.Fatal("expected throttle at 80% usage")
	}
	if wait > 30*time.Second {
		t.Fatalf("wait=%v, expected <= half window", wait)
	}
}

func TestEntriesExpireOutsideWindow(t *testing.T) {
	m, clock := newTestManager(ExchangeLimits{
		Limits: []RateLimitRule{{MaxRequests: 10, Window: time.Minute}},
	})
	for i := 0; i < 9; i++ {
		m.RecordRequest("binance", "")
	}
	if throttled, _ := m.ShouldThrottle("binance", ""); !throttled {
		t.Fatal("expected throttle")
	}

	clock.advance(61 * time.Second)
	if throttled, _ := m.ShouldThrottle("binance", ""); throttled {
		t.Fatal("expected entries to be pruned after the window")
	}
	if u := m.Usage("binance"); u[0].Used != 0 {
		t.Fatalf("Used=%v, expected 0", u[0].Used)
	}
}

func TestEndpointWeightMultiplier(t *testing.T) {
	m, _ := newTestManager(ExchangeLimits{
		Limits: []RateLimitRule{{MaxRequests: 10, Window: time.Minute}},
		Endpoints: map[string][]RateLimitRule{
			EndpointOrder: {{MaxRequests: 100, Window: time.Minute, WeightMultiplier: 2}},
		},
	})

	for i := 0; i < 4; i++ {
		m.RecordRequest("binance", EndpointOrder)
	}
	// 4 orders at weight 2 fill 8 of 10 exchange-wide slots.
	if throttled, _ := m.ShouldThrottle("binance", EndpointTicker); !throttled {
		t.Fatal("expected order weight to count against the exchange window")
	}
}

func TestBackoffFactorGrowsAndDecays(t *testing.T) {
	m, _ := newTestManager(DefaultExchangeLimits())

	if f := m.RecordError("binance", KindRateLimit); f != 2 {
		t.Fatalf("factor=%v, expected 2", f)
	}
	for i := 0; i < 10; i++ {
		m.RecordError("binance", KindRateLimit)
	}
	if f := m.BackoffFactor("binance"); f != maxBackoffFactor {
		t.Fatalf("factor=%v, expected cap %v", f, maxBackoffFactor)
	}

	prev := m.BackoffFactor("binance")
	for i := 0; i < 20; i++ {
		f := m.ResetBackoff("binance")
		if f > prev {
			t.Fatalf("factor increased on reset: %v -> %v", prev, f)
		}
		prev = f
	}
	if prev != 1 {
		t.Fatalf("factor=%v, expected decay to 1", prev)
	}
}

func TestBackoffStretchesWaitButStaysBounded(t *testing.T) {
	m, _ := newTestManager(ExchangeLimits{
		Limits: []RateLimitRule{{MaxRequests: 10, Window: time.Minute}},
	})
	for i := 0; i < 10; i++ {
		m.RecordRequest("binance", "")
	}
	_, base := m.ShouldThrottle("binance", "")

	m.RecordError("binance", KindConnection)
	_, stretched := m.ShouldThrottle("binance", "")
	if stretched < base {
		t.Fatalf("wait=%v, expected >= %v with backoff", stretched, base)
	}
	if stretched > 30*time.Second {
		t.Fatalf("wait=%v exceeds half window", stretched)
	}
}

func TestUnknownExchangeGetsDefaults(t *testing.T) {
	m := NewRateLimitManager(RateLimitConfig{}, nil)
	m.RecordRequest("kraken", EndpointOrder)
	if got := len(m.Usage("kraken")); got != 3 {
		t.Fatalf("windows=%d, expected 3 default windows", got)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m := NewRateLimitManager(RateLimitConfig{Exchanges: map[string]ExchangeLimits{
		"binance": {Limits: []RateLimitRule{{MaxRequests: 1, Window: time.Hour}}},
	}}, nil)
	m.RecordRequest("binance", "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, "binance", ""); err == nil {
		t.Fatal("expected context error while throttled")
	}
}

func TestWaitRechecksUntilWindowDrains(t *testing.T) {
	m := NewRateLimitManager(RateLimitConfig{Exchanges: map[string]ExchangeLimits{
		"binance": {Limits: []RateLimitRule{{MaxRequests: 10, Window: 100 * time.Millisecond}}},
	}}, nil)
	for i := 0; i < 9; i++ {
		m.RecordRequest("binance", "")
	}

	// a single sleep is capped at half the window, which is not enough here
	start := time.Now()
	if err := m.Wait(context.Background(), "binance", ""); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("Wait returned after %v while the window was still full", elapsed)
	}
	if throttled, _ := m.ShouldThrottle("binance", ""); throttled {
		t.Fatal("still throttled after Wait returned")
	}
}

func TestProperty_ThrottleThresholdAndBoundedWait(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxReq := rapid.IntRange(1, 200).Draw(t, "maxRequests")
		windowSec := rapid.IntRange(1, 3600).Draw(t, "windowSeconds")
		window := time.Duration(windowSec) * time.Second
		m, clock := newTestManager(ExchangeLimits{
			Limits: []RateLimitRule{{MaxRequests: maxReq, Window: window}},
		})

		errs := rapid.IntRange(0, 8).Draw(t, "errors")
		for i := 0; i < errs; i++ {
			m.RecordError("binance", KindRateLimit)
		}

		n := rapid.IntRange(0, 300).Draw(t, "requests")
		recorded := 0
		for i := 0; i < n; i++ {
			m.RecordRequest("binance", "")
			recorded++
			throttled, wait := m.ShouldThrottle("binance", "")
			want := float64(recorded)/float64(maxReq) >= 0.8
			if throttled != want {
				t.Fatalf("throttled=%v with %d/%d recorded", throttled, recorded, maxReq)
			}
			if wait > window/2 {
				t.Fatalf("wait=%v exceeds half of %v", wait, window)
			}
		}

		clock.advance(window)
		if throttled, _ := m.ShouldThrottle("binance", ""); throttled {
			t.Fatal("still throttled after a full window elapsed")
		}
	})
}
