package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"execution-core/pkg/exchanges/common"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("EXCHANGE", "")
	t.Setenv("SYMBOLS", " btcusdt , ,ethusdt")
	t.Setenv("PAPER_FEED_INTERVAL_MS", "250")
	t.Setenv("API_RATE_BURST", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange != "paper" {
		t.Fatalf("Exchange = %q, want paper", cfg.Exchange)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "btcusdt" || cfg.Symbols[1] != "ethusdt" {
		t.Fatalf("Symbols = %v", cfg.Symbols)
	}
	if cfg.PaperFeedInterval != 250*time.Millisecond {
		t.Fatalf("PaperFeedInterval = %v", cfg.PaperFeedInterval)
	}
	if cfg.APIRateBurst != 20 {
		t.Fatalf("APIRateBurst = %d, want default 20 on bad input", cfg.APIRateBurst)
	}
}

func TestDefaultReliabilityMatchesComponents(t *testing.T) {
	r, err := LoadReliability("")
	if err != nil {
		t.Fatalf("LoadReliability: %v", err)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	p := r.RetryPolicy()
	if p.MaxRetries != 3 || p.InitialDelay != time.Second || p.MaxDelay != 30*time.Second || p.BackoffBase != 2 {
		t.Fatalf("RetryPolicy = %+v", p)
	}
	b := r.BreakerConfig()
	if b.ErrorThreshold != 5 || b.Window != 5*time.Minute || b.CoolDown != time.Minute || b.HalfOpenAttemptLimit != 1 {
		t.Fatalf("BreakerConfig = %+v", b)
	}
	if v := r.ExecutorConfig().Verification; v.Attempts != 3 || v.Interval != 500*time.Millisecond {
		t.Fatalf("Verification = %+v", v)
	}
	if rc := r.ReconciliationConfig(); rc.ThresholdPct != 0.1 || rc.Interval != time.Hour || rc.Lookback != 24*time.Hour {
		t.Fatalf("ReconciliationConfig = %+v", rc)
	}
}

const sample = `
retry:
  max_retries: 5
  initial_delay: 0.5
  max_delay: 10
  retryable_errors: [timeout, connection]
circuit_breaker:
  error_threshold: 3
  window_size_minutes: 1
  cool_down_seconds: 30
rate_limit:
  binance:
    limits:
      - {max_requests: 1200, time_window_seconds: 60}
    endpoints:
      order:
        - {max_requests: 50, time_window_seconds: 10, weight_multiplier: 2}
advanced:
  poll_interval_ms: 250
`

func TestParseReliabilityOverlaysDefaults(t *testing.T) {
	r, err := ParseReliability([]byte(sample))
	if err != nil {
		t.Fatalf("ParseReliability: %v", err)
	}

	p := r.RetryPolicy()
	if p.MaxRetries != 5 || p.InitialDelay != 500*time.Millisecond || p.BackoffBase != 2 {
		t.Fatalf("RetryPolicy = %+v", p)
	}
	if len(p.Retryable) != 2 || p.Retryable[1] != common.KindConnection {
		t.Fatalf("Retryable = %v", p.Retryable)
	}

	b := r.BreakerConfig()
	if b.ErrorThreshold != 3 || b.WarningThreshold != 3 || b.Window != time.Minute || b.CoolDown != 30*time.Second {
		t.Fatalf("BreakerConfig = %+v", b)
	}

	rl := r.RateLimitConfig().Exchanges["binance"]
	if len(rl.Limits) != 1 || rl.Limits[0].Window != time.Minute || rl.Limits[0].MaxRequests != 1200 {
		t.Fatalf("limits = %+v", rl.Limits)
	}
	if ord := rl.Endpoints["order"]; len(ord) != 1 || ord[0].WeightMultiplier != 2 || ord[0].Window != 10*time.Second {
		t.Fatalf("order endpoint = %+v", ord)
	}

	a := r.AdvancedConfig()
	if a.PollInterval != 250*time.Millisecond || a.HistoryLimit != 1000 {
		t.Fatalf("AdvancedConfig = %+v", a)
	}
}

func TestParseReliabilityRejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      "retry:\n  retryable_errors: [gremlins]\n",
		"terminal kind":     "retry:\n  retryable_errors: [invalid_order]\n",
		"max below initial": "retry:\n  initial_delay: 10\n  max_delay: 1\n",
		"zero threshold":    "circuit_breaker:\n  error_threshold: 0\n",
		"warning above":     "circuit_breaker:\n  error_threshold: 2\n  warning_threshold: 3\n",
		"empty quota":       "rate_limit:\n  paper:\n    limits:\n      - {max_requests: 0, time_window_seconds: 1}\n",
		"no attempts":       "verification:\n  attempts: 0\n",
		"bad yaml":          "retry: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseReliability([]byte(doc)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadReliabilityFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reliability.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadReliability(path)
	if err != nil {
		t.Fatalf("LoadReliability: %v", err)
	}
	if r.Retry.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d", r.Retry.MaxRetries)
	}

	if _, err := LoadReliability(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file should fail")
	}
}

func TestManagerApplyAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reliability.yaml")
	if err := os.WriteFile(path, []byte("retry:\n  max_retries: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var applied []int
	m := NewManager(path, DefaultReliability(), func(r Reliability) error {
		applied = append(applied, r.Retry.MaxRetries)
		return nil
	})

	if _, err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if m.Current().Retry.MaxRetries != 1 {
		t.Fatalf("Current after reload = %d", m.Current().Retry.MaxRetries)
	}

	if _, err := m.Apply([]byte("retry:\n  max_retries: 7\n")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.Current().Retry.MaxRetries != 7 {
		t.Fatalf("Current after apply = %d", m.Current().Retry.MaxRetries)
	}
	saved, err := LoadReliability(path)
	if err != nil || saved.Retry.MaxRetries != 7 {
		t.Fatalf("saved file = %+v, %v", saved.Retry, err)
	}

	if _, err := m.Apply([]byte("retry:\n  max_retries: -1\n")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid doc error = %v", err)
	}
	if m.Current().Retry.MaxRetries != 7 {
		t.Fatalf("invalid doc must not change the current config")
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 7 {
		t.Fatalf("applied = %v", applied)
	}
}

func TestManagerKeepsCurrentWhenApplyFails(t *testing.T) {
	m := NewManager("", DefaultReliability(), func(Reliability) error { return errors.New("executor refused") })
	if _, err := m.Apply([]byte("retry:\n  max_retries: 9\n")); err == nil {
		t.Fatalf("Apply should surface the apply error")
	}
	if m.Current().Retry.MaxRetries != 3 {
		t.Fatalf("Current = %d, want default 3", m.Current().Retry.MaxRetries)
	}
}
