package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/bardlex/poolcore/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		baseDelay   time.Duration
		maxDelay    time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond, 5 * time.Second},
		{"node", NodeConfig(), 5, 50 * time.Millisecond, 2 * time.Second},
		{"block submit", BlockSubmitConfig(), 6, 25 * time.Millisecond, 500 * time.Millisecond},
		{"database", DatabaseConfig(), 3, 200 * time.Millisecond, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.baseDelay)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.maxDelay)
			}
		})
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return perrors.New(perrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Errorf("Expected OnRetry called once with attempt 1, got %v", retried)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return perrors.New(perrors.ErrorTypeNetwork, "test", "persistent error")
	})
	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !perrors.IsType(err, perrors.ErrorTypeInternal) {
		t.Error("Expected wrapped error to be internal type")
	}
	if perrors.GetContext(err)["max_attempts"] != 2 {
		t.Errorf("Expected max_attempts context, got %v", perrors.GetContext(err))
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	sentinel := perrors.New(perrors.ErrorTypeValidation, "test", "validation error")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_CriticalSurvivesExhaustion(t *testing.T) {
	err := Do(context.Background(), fastConfig(2), func() error {
		return perrors.New(perrors.ErrorTypeNetwork, "submit_block", "refused").AsCritical()
	})
	if !perrors.IsCritical(err) {
		t.Error("Expected critical flag to survive retry wrapping")
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return perrors.New(perrors.ErrorTypeNetwork, "test", "retryable")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	res, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "0000000000000000000abc", nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if res != "0000000000000000000abc" {
		t.Errorf("Unexpected result %q", res)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoWithResult_NilConfig(t *testing.T) {
	res, err := DoWithResult(context.Background(), nil, func() (int, error) { return 7, nil })
	if err != nil || res != 7 {
		t.Errorf("DoWithResult(nil config) = %d, %v", res, err)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		if got := cfg.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg.Jitter = true
	for range 20 {
		d := cfg.calculateDelay(1)
		if d < 200*time.Millisecond || d > 220*time.Millisecond {
			t.Fatalf("jittered delay %v outside [200ms, 220ms]", d)
		}
	}
}
