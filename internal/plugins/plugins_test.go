package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cortex/internal/logging"
	"cortex/internal/tools"
)

type stubPlugin struct {
	name string
}

func (p *stubPlugin) Name() string { return p.name }

func (p *stubPlugin) Tools() []tools.Definition {
	return []tools.Definition{{Name: p.name + "_tool", Parameters: tools.ObjectSchema(nil)}}
}

func (p *stubPlugin) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	return "ok", nil
}

type triggerPlugin struct {
	stubPlugin
	events []TriggerEvent
}

func (p *triggerPlugin) OnTrigger(ctx context.Context, event TriggerEvent) error {
	p.events = append(p.events, event)
	return nil
}

func TestSetRejectsDuplicatesAndRoutesTriggers(t *testing.T) {
	set := NewSet(logging.Nop())
	tp := &triggerPlugin{stubPlugin: stubPlugin{name: "calendar"}}
	if err := set.Add(tp); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := set.Add(&stubPlugin{name: "calendar"}); err == nil {
		t.Fatal("duplicate plugin name should be rejected")
	}
	if err := set.Add(&stubPlugin{name: "mail"}); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if got := set.Names(); len(got) != 2 || got[0] != "calendar" {
		t.Fatalf("names = %v", got)
	}

	err := set.Trigger(context.Background(), "ghost", TriggerEvent{Event: "x"})
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
	err = set.Trigger(context.Background(), "mail", TriggerEvent{Event: "x"})
	if err == nil || !strings.Contains(err.Error(), "does not accept triggers") {
		t.Fatalf("err = %v", err)
	}
	if err := set.Trigger(context.Background(), "calendar", TriggerEvent{Event: "meeting_created"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(tp.events) != 1 || tp.events[0].Event != "meeting_created" {
		t.Fatalf("events = %+v", tp.events)
	}
}

func TestWebFetchPageReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Release Notes</title><script>alert("x")</script></head>
<body><h1>Changes</h1><p>Faster startup.</p><ul><li>bug fixes</li></ul></body></html>`))
	}))
	defer srv.Close()

	web := NewWeb(WebConfig{}, logging.Nop())
	out, err := web.Execute(context.Background(), "fetch_page", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, want := range []string{"Release Notes", "# Changes", "Faster startup.", "- bug fixes"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "alert") {
		t.Fatalf("script text leaked into output: %q", out)
	}
}

func TestWebFetchPageSelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><p class="note">only this</p><p>not this</p></body></html>`))
	}))
	defer srv.Close()

	web := NewWeb(WebConfig{}, logging.Nop())
	out, err := web.Execute(context.Background(), "fetch_page", map[string]any{"url": srv.URL, "selector": "p.note"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out != "only this" {
		t.Fatalf("output = %q", out)
	}

	_, err = web.Execute(context.Background(), "fetch_page", map[string]any{"url": srv.URL, "selector": "div.gone"})
	if err == nil || !strings.Contains(err.Error(), "matched nothing") {
		t.Fatalf("err = %v", err)
	}
}

func TestWebFetchPageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plain" {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("raw text"))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	web := NewWeb(WebConfig{}, logging.Nop())
	if _, err := web.Execute(context.Background(), "fetch_page", map[string]any{"url": srv.URL + "/down"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
	if _, err := web.Execute(context.Background(), "fetch_page", map[string]any{"url": "ftp://example.com"}); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
	if _, err := web.Execute(context.Background(), "fetch_page", map[string]any{}); err == nil {
		t.Fatal("expected error for missing url")
	}
	out, err := web.Execute(context.Background(), "fetch_page", map[string]any{"url": srv.URL + "/plain"})
	if err != nil || out != "raw text" {
		t.Fatalf("out = %q, err = %v", out, err)
	}
}

func TestNotifyDeliversAndForwardsTriggers(t *testing.T) {
	type received struct {
		auth string
		body map[string]any
	}
	var (
		mu  sync.Mutex
		got []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, received{auth: r.Header.Get("Authorization"), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notify, err := NewNotify(NotifyConfig{URL: srv.URL, Token: "sink-token"}, logging.Nop())
	if err != nil {
		t.Fatalf("new notify: %v", err)
	}

	out, err := notify.Execute(context.Background(), "send_notification", map[string]any{
		"message":  "backup finished",
		"priority": "low",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Notification delivered." {
		t.Fatalf("out = %q", out)
	}

	if err := notify.OnTrigger(context.Background(), TriggerEvent{Event: "doorbell", Payload: map[string]any{"camera": "front"}}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("sink received %d requests", len(got))
	}
	if got[0].auth != "Bearer sink-token" {
		t.Fatalf("auth = %q", got[0].auth)
	}
	if got[0].body["message"] != "backup finished" || got[0].body["priority"] != "low" {
		t.Fatalf("body = %v", got[0].body)
	}
	if got[1].body["title"] != "Event: doorbell" || !strings.Contains(got[1].body["message"].(string), "front") {
		t.Fatalf("trigger body = %v", got[1].body)
	}

	if _, err := notify.Execute(context.Background(), "send_notification", map[string]any{}); err == nil {
		t.Fatal("expected error for missing message")
	}
	if _, err := NewNotify(NotifyConfig{}, logging.Nop()); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestNotifySinkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer srv.Close()

	notify, err := NewNotify(NotifyConfig{URL: srv.URL}, logging.Nop())
	if err != nil {
		t.Fatalf("new notify: %v", err)
	}
	_, err = notify.Execute(context.Background(), "send_notification", map[string]any{"message": "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
}
