package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cortexerrors "cortex/internal/errors"
)

// flakyClient fails a fixed number of times before succeeding.
type flakyClient struct {
	failures int32
	err      error
	resp     *Response
}

func (f *flakyClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *flakyClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	return f.Complete(ctx, req)
}

func (f *flakyClient) Model() string { return "flaky" }

func fastRetryConfig() cortexerrors.RetryConfig {
	return cortexerrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryClientRecoversFromTransient(t *testing.T) {
	t.Parallel()

	under := &flakyClient{
		failures: 2,
		err:      cortexerrors.NewTransientError(errors.New("503"), "service unavailable"),
		resp:     &Response{Content: "recovered", StopReason: "stop"},
	}
	client := NewRetryClient(under, fastRetryConfig())

	resp, err := client.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestRetryClientStopsOnPermanent(t *testing.T) {
	t.Parallel()

	calls := int32(0)
	under := &countingClient{calls: &calls, err: cortexerrors.NewPermanentError(errors.New("401"), "authentication failed")}
	client := NewRetryClient(under, fastRetryConfig())

	if _, err := client.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestRetryClientDoesNotRetryStreams(t *testing.T) {
	t.Parallel()

	calls := int32(0)
	under := &countingClient{calls: &calls, err: cortexerrors.NewTransientError(errors.New("503"), "")}
	client := NewRetryClient(under, fastRetryConfig())

	if _, err := client.StreamComplete(context.Background(), Request{}, StreamCallbacks{}); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("streaming retried: %d attempts", calls)
	}
}

type countingClient struct {
	calls *int32
	err   error
}

func (c *countingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	atomic.AddInt32(c.calls, 1)
	return nil, c.err
}

func (c *countingClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	atomic.AddInt32(c.calls, 1)
	return nil, c.err
}

func (c *countingClient) Model() string { return "counting" }

func TestClassifyLLMError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{"rate limit text", errors.New("api error: rate limit exceeded"), true, false},
		{"bad gateway", errors.New("got 502 from upstream"), true, false},
		{"unauthorized", errors.New("401 unauthorized"), false, true},
		{"model missing", errors.New("model xyz 404"), false, true},
		{"already classified", cortexerrors.NewTransientError(errors.New("x"), "y"), true, false},
	}

	for _, tc := range cases {
		got := classifyLLMError(tc.err)
		if cortexerrors.IsTransient(got) != tc.wantTransient {
			t.Errorf("%s: transient=%v, want %v", tc.name, cortexerrors.IsTransient(got), tc.wantTransient)
		}
		if cortexerrors.IsPermanent(got) != tc.wantPermanent {
			t.Errorf("%s: permanent=%v, want %v", tc.name, cortexerrors.IsPermanent(got), tc.wantPermanent)
		}
	}
}
