package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cortex/internal/bus"
	"cortex/internal/logging"
)

// fakeBroker records publishes and hands subscription handlers back to the
// test so dispatches can be driven synchronously.
type fakeBroker struct {
	mu           sync.Mutex
	published    []bus.Message
	queueHandler bus.Handler
	broadcast    func(ctx context.Context, msg bus.Message)
}

func (f *fakeBroker) QueueSubscribe(_ context.Context, _, _ string, handler bus.Handler) (*bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueHandler = handler
	return &bus.Subscription{}, nil
}

func (f *fakeBroker) Subscribe(_ context.Context, _ string, handler func(ctx context.Context, msg bus.Message)) (*bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = handler
	return &bus.Subscription{}, nil
}

func (f *fakeBroker) Publish(_ context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, bus.Message{Subject: subject, Data: payload})
	return nil
}

func (f *fakeBroker) handlers() (bus.Handler, func(context.Context, bus.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueHandler, f.broadcast
}

func (f *fakeBroker) messages() []bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.Message, len(f.published))
	copy(out, f.published)
	return out
}

func decodeStatuses(t *testing.T, msgs []bus.Message) []bus.JobStatus {
	t.Helper()
	updates := make([]bus.JobStatus, 0, len(msgs))
	for _, msg := range msgs {
		var update bus.JobStatus
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			t.Fatalf("decode status on %s: %v", msg.Subject, err)
		}
		updates = append(updates, update)
	}
	return updates
}

func runJob(t *testing.T, w *Worker, broker *fakeBroker, env bus.JobDispatch) []bus.JobStatus {
	t.Helper()
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg := bus.Message{Subject: bus.SubjectJobsDispatch, Data: payload}
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("handle dispatch: %v", err)
	}
	return decodeStatuses(t, broker.messages())
}

func newTestWorker(t *testing.T, cfg Config) (*Worker, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	return New(cfg, broker, nil, logging.Nop()), broker
}

func TestCommandJobLifecycle(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID:   "job-1",
		Type:    bus.JobTypeCommand,
		Command: "echo hello",
	})

	if len(updates) != 3 {
		t.Fatalf("want 3 status updates, got %d", len(updates))
	}
	wantOrder := []string{bus.StatusReceived, bus.StatusRunning, bus.StatusCompleted}
	for i, want := range wantOrder {
		if updates[i].Status != want {
			t.Fatalf("update %d: want status %s, got %s", i, want, updates[i].Status)
		}
		if updates[i].JobID != "job-1" {
			t.Fatalf("update %d carries job id %q", i, updates[i].JobID)
		}
		if updates[i].WorkerID != w.ID() {
			t.Fatalf("update %d carries worker id %q, want %q", i, updates[i].WorkerID, w.ID())
		}
	}
	final := updates[2]
	if final.Result != "hello" {
		t.Fatalf("want result %q, got %q", "hello", final.Result)
	}
	if final.DurationMs < 0 {
		t.Fatalf("negative duration %d", final.DurationMs)
	}
	for _, msg := range broker.messages() {
		if msg.Subject != bus.JobStatusSubject("job-1") {
			t.Fatalf("status published on %s", msg.Subject)
		}
	}
}

func TestCommandJobSeesVars(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID:   "job-2",
		Type:    bus.JobTypeCommand,
		Command: `printf %s "$GREETING"`,
		Vars:    map[string]string{"GREETING": "bonjour"},
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusCompleted {
		t.Fatalf("want completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Result != "bonjour" {
		t.Fatalf("want var to reach the shell, got %q", final.Result)
	}
}

func TestCommandFailureRedactsOutput(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID:   "job-3",
		Type:    bus.JobTypeCommand,
		Command: "echo leaked sk-abcdefghijklmnopqrstuvwx; exit 3",
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if final.Result != "" {
		t.Fatalf("failed job still carries result %q", final.Result)
	}
	if strings.Contains(final.Error, "sk-abcdefghijklmnopqrstuvwx") {
		t.Fatalf("raw credential leaked into error: %s", final.Error)
	}
	if !strings.Contains(final.Error, "[REDACTED]") {
		t.Fatalf("want redaction placeholder in error, got %s", final.Error)
	}
	if !strings.Contains(final.Error, "exit status 3") {
		t.Fatalf("want exit status in error, got %s", final.Error)
	}
}

func TestCommandJobTimesOut(t *testing.T) {
	w, broker := newTestWorker(t, Config{CommandTimeout: 50 * time.Millisecond})

	start := time.Now()
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID:   "job-4",
		Type:    bus.JobTypeCommand,
		Command: "sleep 5",
	})
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout did not cut the command short, took %s", elapsed)
	}

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "timed out") {
		t.Fatalf("want timeout error, got %s", final.Error)
	}
}

func TestEmptyCommandFails(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{JobID: "job-5", Type: bus.JobTypeCommand})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "no command") {
		t.Fatalf("unexpected error: %s", final.Error)
	}
}

func TestHTTPJobReturnsBody(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte("pong\n"))
	}))
	defer srv.Close()

	w, broker := newTestWorker(t, Config{})
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID: "job-6",
		Type:  bus.JobTypeHTTP,
		URL:   srv.URL,
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusCompleted {
		t.Fatalf("want completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Result != "pong" {
		t.Fatalf("want trimmed body, got %q", final.Result)
	}
	if gotMethod != http.MethodGet {
		t.Fatalf("want GET default, got %s", gotMethod)
	}
}

func TestHTTPJobReducesHTML(t *testing.T) {
	page := `<html><head><title>Status Page</title><script>var hidden = 1;</script></head>` +
		`<body><h1>Systems</h1><p>All good.</p><ul><li>api up</li></ul></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		rw.Write([]byte(page))
	}))
	defer srv.Close()

	w, broker := newTestWorker(t, Config{})
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID: "job-7",
		Type:  bus.JobTypeHTTP,
		URL:   srv.URL,
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusCompleted {
		t.Fatalf("want completed, got %s (%s)", final.Status, final.Error)
	}
	for _, want := range []string{"Status Page", "Systems", "All good.", "api up"} {
		if !strings.Contains(final.Result, want) {
			t.Fatalf("result missing %q: %q", want, final.Result)
		}
	}
	if strings.Contains(final.Result, "hidden") {
		t.Fatalf("script content survived reduction: %q", final.Result)
	}
	if !strings.HasPrefix(final.Result, "Status Page") {
		t.Fatalf("want title first, got %q", final.Result)
	}
}

func TestHTTPJobSendsMethodAndHeaders(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Check")
		rw.Write([]byte("ok"))
	}))
	defer srv.Close()

	w, broker := newTestWorker(t, Config{})
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID:   "job-8",
		Type:    bus.JobTypeHTTP,
		URL:     srv.URL,
		Method:  "post",
		Headers: map[string]string{"X-Check": "yes"},
	})

	if final := updates[len(updates)-1]; final.Status != bus.StatusCompleted {
		t.Fatalf("want completed, got %s (%s)", final.Status, final.Error)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("want method upcased to POST, got %s", gotMethod)
	}
	if gotHeader != "yes" {
		t.Fatalf("want header forwarded, got %q", gotHeader)
	}
}

func TestHTTPJobFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, broker := newTestWorker(t, Config{})
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID: "job-9",
		Type:  bus.JobTypeHTTP,
		URL:   srv.URL,
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "status 503") {
		t.Fatalf("unexpected error: %s", final.Error)
	}
}

func TestHTTPJobRejectsBadScheme(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID: "job-10",
		Type:  bus.JobTypeHTTP,
		URL:   "ftp://example.com/file",
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "must be http or https") {
		t.Fatalf("unexpected error: %s", final.Error)
	}
}

func TestAgentJobCallsBrain(t *testing.T) {
	var gotPath, gotAuth, gotMessage, gotChannel string
	brain := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		gotMessage = req["message"]
		gotChannel = req["channel"]
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"response":"summary ready","conversationId":"c-1"}`))
	}))
	defer brain.Close()

	w, broker := newTestWorker(t, Config{BrainURL: brain.URL + "/", AuthToken: "brain-token"})
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID: "job-11",
		Type:  bus.JobTypeAgent,
		Job:   "summarize the morning email",
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusCompleted {
		t.Fatalf("want completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Result != "summary ready" {
		t.Fatalf("want the brain's reply, got %q", final.Result)
	}
	if gotPath != "/chat" {
		t.Fatalf("want POST to /chat, got %s", gotPath)
	}
	if gotAuth != "Bearer brain-token" {
		t.Fatalf("want worker token forwarded, got %q", gotAuth)
	}
	if gotMessage != "summarize the morning email" || gotChannel != "worker" {
		t.Fatalf("unexpected chat payload: message=%q channel=%q", gotMessage, gotChannel)
	}
}

func TestAgentJobWithoutBrainURLFails(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID: "job-12",
		Type:  bus.JobTypeAgent,
		Job:   "anything",
	})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "brain url") {
		t.Fatalf("unexpected error: %s", final.Error)
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	updates := runJob(t, w, broker, bus.JobDispatch{JobID: "job-13", Type: "carrier-pigeon"})

	final := updates[len(updates)-1]
	if final.Status != bus.StatusFailed {
		t.Fatalf("want failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "unknown job type") {
		t.Fatalf("unexpected error: %s", final.Error)
	}
}

func TestMalformedDispatchIsAcked(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	msg := bus.Message{Subject: bus.SubjectJobsDispatch, Data: []byte("{not json")}
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("garbage should be acked, not redelivered: %v", err)
	}
	if n := len(broker.messages()); n != 0 {
		t.Fatalf("want no status updates for garbage, got %d", n)
	}
}

func TestDispatchWithoutJobIDIsDropped(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	msg := bus.Message{Subject: bus.SubjectJobsDispatch, Data: []byte(`{"type":"command","command":"echo hi"}`)}
	if err := w.HandleDispatch(context.Background(), msg); err != nil {
		t.Fatalf("anonymous dispatch should be acked: %v", err)
	}
	if n := len(broker.messages()); n != 0 {
		t.Fatalf("want no status updates without a job id, got %d", n)
	}
}

func TestTraceContextFlowsToStatuses(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	updates := runJob(t, w, broker, bus.JobDispatch{
		JobID:   "job-14",
		Type:    bus.JobTypeCommand,
		Command: "echo traced",
		TraceContext: map[string]string{
			"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
		},
	})

	for i, update := range updates {
		if update.TraceID != traceID {
			t.Fatalf("update %d: want trace id %s, got %q", i, traceID, update.TraceID)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunExitsOnSecretRotation(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "subscriptions", func() bool {
		queue, rotate := broker.handlers()
		return queue != nil && rotate != nil
	})

	payload, err := json.Marshal(bus.SecretsRotate{Keys: []string{"OPENAI_API_KEY"}, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("marshal rotation: %v", err)
	}
	_, rotate := broker.handlers()
	rotate(context.Background(), bus.Message{Subject: bus.SubjectSecretsRotate, Data: payload})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not drain after rotation")
	}

	queue, _ := broker.handlers()
	env, _ := json.Marshal(bus.JobDispatch{JobID: "late", Type: bus.JobTypeCommand, Command: "echo late"})
	if err := queue(context.Background(), bus.Message{Subject: bus.SubjectJobsDispatch, Data: env}); err == nil {
		t.Fatalf("drained worker accepted a dispatch")
	}
}

func TestRunExitsOnCancel(t *testing.T) {
	w, broker := newTestWorker(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "subscriptions", func() bool {
		queue, rotate := broker.handlers()
		return queue != nil && rotate != nil
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop on cancel")
	}
}
