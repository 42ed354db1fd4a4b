package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Kiroku/common/retry"
)

var (
	errRateLimited = errors.New("429 too many requests")
	errBadRequest  = errors.New("400 bad request")
)

// failing returns an operation that fails with the given errors in order and
// succeeds once they run out.
func failing(calls *int, errs ...error) func() error {
	return func() error {
		*calls++
		if *calls <= len(errs) {
			return errs[*calls-1]
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		cfg       retry.Config
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{
			name:      "first attempt succeeds",
			cfg:       retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond},
			wantCalls: 1,
		},
		{
			name:      "recovers after transient failures",
			cfg:       retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond},
			errs:      []error{errRateLimited, errRateLimited},
			wantCalls: 3,
		},
		{
			name:      "gives up after max attempts",
			cfg:       retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond},
			errs:      []error{errRateLimited, errRateLimited, errRateLimited, errRateLimited},
			wantErr:   errRateLimited,
			wantCalls: 3,
		},
		{
			name:      "zero attempts means one",
			cfg:       retry.Config{InitialDelay: time.Millisecond},
			errs:      []error{errRateLimited},
			wantErr:   errRateLimited,
			wantCalls: 1,
		},
		{
			name: "classifier stops on client errors",
			cfg: retry.Config{
				MaxAttempts:  3,
				InitialDelay: time.Millisecond,
				ShouldRetry:  func(err error) bool { return !errors.Is(err, errBadRequest) },
			},
			errs:      []error{errRateLimited, errBadRequest},
			wantErr:   errBadRequest,
			wantCalls: 2,
		},
		{
			name:      "permanent error is returned unwrapped",
			cfg:       retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond},
			errs:      []error{retry.Permanent(errBadRequest)},
			wantErr:   errBadRequest,
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry.Do(context.Background(), tt.cfg, failing(&calls, tt.errs...))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Do() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Do() = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}

	if retry.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_BackoffDoublesUpToMax(t *testing.T) {
	var attempts []int
	var delays []time.Duration
	calls := 0
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     3 * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
	}, failing(&calls, errRateLimited, errRateLimited, errRateLimited, errRateLimited))

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("retries = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] || attempts[i] != i+1 {
			t.Errorf("retry %d: attempt %d delay %v, want attempt %d delay %v", i, attempts[i], delays[i], i+1, want[i])
		}
	}
}

func TestDo_ContextEnds(t *testing.T) {
	t.Run("before the first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := retry.Do(ctx, retry.Config{MaxAttempts: 5}, failing(&calls, errRateLimited))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() = %v, want context.Canceled", err)
		}
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
	})

	t.Run("during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retry.Do(ctx, retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Hour,
			OnRetry:      func(int, error, time.Duration) { cancel() },
		}, failing(&calls, errRateLimited, errRateLimited))
		if !errors.Is(err, context.Canceled) || !errors.Is(err, errRateLimited) {
			t.Fatalf("Do() = %v, want the last error joined with context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}
