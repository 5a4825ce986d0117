package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"cortex/internal/logging"
	"cortex/internal/tools/mcp/protocol"
)

// StdioConfig describes the child process a stdio transport spawns.
type StdioConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Stdio speaks length-prefixed JSON-RPC over a child process's stdin/stdout.
// Stderr is drained to the log so server diagnostics are not lost.
type Stdio struct {
	config StdioConfig
	logger logging.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     *bufio.Writer
	stdinPipe io.WriteCloser
	cancel    context.CancelFunc
	connected bool

	writeMu sync.Mutex

	reqMu   sync.Mutex
	pending map[int64]chan *protocol.Response

	nextID atomic.Int64
	readWG sync.WaitGroup
	done   chan struct{}
}

// NewStdio builds a stdio transport; Connect spawns the process.
func NewStdio(config StdioConfig, logger logging.Logger) *Stdio {
	return &Stdio{
		config:  config,
		logger:  logging.OrNop(logger),
		pending: make(map[int64]chan *protocol.Response),
		done:    make(chan struct{}),
	}
}

// Connect spawns the server process and starts the reader goroutines. The
// process lifetime is owned by Close, not the dial context.
func (t *Stdio) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if t.config.Command == "" {
		return fmt.Errorf("stdio transport requires a command")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	if len(t.config.Env) > 0 {
		cmd.Env = append(os.Environ(), t.config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = bufio.NewWriter(stdin)
	t.stdinPipe = stdin
	t.cancel = cancel
	t.connected = true

	t.readWG.Add(2)
	go t.readFrames(bufio.NewReader(stdout))
	go t.drainStderr(bufio.NewScanner(stderr))
	go t.reap()

	t.logger.Debug("MCP stdio transport connected: %s", t.config.Command)
	return nil
}

// readFrames routes responses to their waiting callers until stdout closes.
func (t *Stdio) readFrames(r *bufio.Reader) {
	defer t.readWG.Done()
	for {
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		t.route(frame)
	}
}

func (t *Stdio) drainStderr(sc *bufio.Scanner) {
	defer t.readWG.Done()
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			t.logger.Debug("MCP server stderr: %s", line)
		}
	}
}

// reap waits for the pipe readers to finish, then collects the process and
// fails anything still pending. cmd.Wait must not run while pipe reads are in
// flight.
func (t *Stdio) reap() {
	t.readWG.Wait()
	err := t.cmd.Wait()

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	t.failPending()
	close(t.done)
	if err != nil {
		t.logger.Warn("MCP server %s exited: %v", t.config.Command, err)
	}
}

// route hands a response frame to the caller registered for its id. The
// pending entry is removed before the send, so exactly one side ever owns the
// channel.
func (t *Stdio) route(frame []byte) {
	if !protocol.IsResponse(frame) {
		if protocol.IsNotification(frame) {
			t.logger.Debug("MCP notification: %s", frame)
		}
		return
	}
	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.logger.Warn("MCP response decode failed: %v", err)
		return
	}

	t.reqMu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.reqMu.Unlock()
	if ok {
		ch <- &resp
	}
}

// failPending closes every waiting channel so blocked Sends learn the server
// is gone.
func (t *Stdio) failPending() {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
}

// Send performs one request/response round trip.
func (t *Stdio) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := t.nextID.Add(1)
	payload, err := json.Marshal(protocol.NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan *protocol.Response, 1)
	t.reqMu.Lock()
	t.pending[id] = ch
	t.reqMu.Unlock()
	defer func() {
		t.reqMu.Lock()
		delete(t.pending, id)
		t.reqMu.Unlock()
	}()

	if err := t.write(payload); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("server exited before replying to %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a one-way message; no response is expected.
func (t *Stdio) Notify(ctx context.Context, method string, params any) error {
	payload, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return t.write(payload)
}

func (t *Stdio) write(payload []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("stdio transport not connected")
	}
	stdin := t.stdin
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFrame(stdin, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return stdin.Flush()
}

// Close shuts the server down: stdin close gives it a chance to exit cleanly,
// then the process context is cancelled. Blocks until the reaper finishes.
func (t *Stdio) Close() error {
	t.mu.Lock()
	if t.cmd == nil {
		t.mu.Unlock()
		return nil
	}
	stdin := t.stdinPipe
	cancel := t.cancel
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	cancel()
	<-t.done
	return nil
}

// Connected reports whether the child process is still running.
func (t *Stdio) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
