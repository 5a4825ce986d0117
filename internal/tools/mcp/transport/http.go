package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cortex/internal/logging"
	"cortex/internal/tools/mcp/protocol"
)

// SessionHeader carries the server-assigned session id on every request
// after the first.
const SessionHeader = "Mcp-Session-Id"

const defaultHTTPTimeout = 30 * time.Second

// HTTPConfig describes a streamable HTTP endpoint.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// HTTP speaks JSON-RPC over streamable HTTP. Each request is a POST; the
// server replies with plain JSON or a one-shot SSE stream. The session id the
// server assigns on the first response is echoed back on every later request.
type HTTP struct {
	config HTTPConfig
	client *http.Client
	logger logging.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
	connected bool
}

// NewHTTP builds a streamable HTTP transport.
func NewHTTP(config HTTPConfig, logger logging.Logger) *HTTP {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTP{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger),
	}
}

// Connect validates the endpoint. The session is established lazily by the
// first Send.
func (t *HTTP) Connect(ctx context.Context) error {
	u, err := url.Parse(t.config.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid MCP endpoint %q", t.config.URL)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Send performs one request/response round trip.
func (t *HTTP) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := t.nextID.Add(1)
	payload, err := json.Marshal(protocol.NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	resp, err := t.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	t.captureSession(resp)

	if resp.StatusCode == http.StatusNotFound && t.session() != "" {
		t.clearSession()
		return nil, fmt.Errorf("%s: session expired", method)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rpc *protocol.Response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpc, err = readSSEResponse(resp.Body, id)
	} else {
		rpc, err = decodeResponse(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, rpc.Error)
	}
	return rpc, nil
}

// Notify sends a one-way message. Servers typically answer 202 Accepted.
func (t *HTTP) Notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	resp, err := t.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	t.captureSession(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *HTTP) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if sid := t.session(); sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
	return t.client.Do(req)
}

func (t *HTTP) captureSession(resp *http.Response) {
	sid := resp.Header.Get(SessionHeader)
	if sid == "" {
		return
	}
	t.mu.Lock()
	if t.sessionID != sid {
		t.sessionID = sid
		t.logger.Debug("MCP session established: %s", sid)
	}
	t.mu.Unlock()
}

func (t *HTTP) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *HTTP) clearSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
}

// Close ends the session. The DELETE is best effort; servers may not
// implement it.
func (t *HTTP) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.connected = false
	t.mu.Unlock()

	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.URL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(SessionHeader, sid)
	if resp, err := t.client.Do(req); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil
}

// Connected reports whether Connect has succeeded and Close has not run.
func (t *HTTP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func decodeResponse(r io.Reader) (*protocol.Response, error) {
	var resp protocol.Response
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse scans a one-shot event stream for the response matching id.
// Servers may interleave notifications; those are skipped.
func readSSEResponse(r io.Reader, id int64) (*protocol.Response, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)

	var data []string
	flush := func() (*protocol.Response, bool) {
		if len(data) == 0 {
			return nil, false
		}
		raw := []byte(strings.Join(data, "\n"))
		data = nil
		if !protocol.IsResponse(raw) {
			return nil, false
		}
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != id {
			return nil, false
		}
		return &resp, true
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
