package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestIsTransientClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", NewTransientError(errors.New("boom"), "retrying"), true},
		{"marked permanent", NewPermanentError(errors.New("boom"), "giving up"), false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"deadline text", errors.New("context deadline exceeded"), true},
		{"status 503", errors.New("upstream returned status 503"), true},
		{"status 404", errors.New("upstream returned status 404"), false},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("down")}, true},
		{"plain", errors.New("something else"), false},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsPermanentClassification(t *testing.T) {
	t.Parallel()

	if !IsPermanent(NewPermanentError(errors.New("x"), "")) {
		t.Fatal("marked permanent not detected")
	}
	if IsPermanent(NewTransientError(errors.New("x"), "")) {
		t.Fatal("transient wrongly permanent")
	}
	if !IsPermanent(errors.New("tool not found: frobnicate")) {
		t.Fatal("not-found text should be permanent")
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewPermanentError(errors.New("bad input"), "invalid request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(fmt.Errorf("attempt %d", calls), "")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryWithResult: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewTransientError(errors.New("still down"), "")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		return NewTransientError(errors.New("down"), "")
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		if d := calculateBackoff(attempt, cfg); d > cfg.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}
}
