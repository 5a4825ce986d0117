// Package transfer governs the lifecycle of a brain instance and the bus
// handshake that moves control to a successor without dropping requests.
// Exactly one instance is active at a time; a newly started instance waits
// in pending until the running one drains and clears it.
package transfer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"cortex/internal/logging"
)

// Instance lifecycle states.
const (
	StatePending  = "pending"
	StateActive   = "active"
	StateDraining = "draining"
	StateShutdown = "shutdown"
)

const (
	eventActivate = "activate"
	eventDrain    = "drain"
	eventShutdown = "shutdown"
)

// Machine enforces the pending, active, draining, shutdown lifecycle and
// counts admitted requests so draining can wait them out. All methods are
// safe for concurrent use.
type Machine struct {
	fsm    *fsm.FSM
	logger logging.Logger

	mu        sync.Mutex
	accepting bool
	inflight  int

	done     chan struct{}
	doneOnce sync.Once
}

func NewMachine(logger logging.Logger) *Machine {
	m := &Machine{
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
	m.fsm = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventActivate, Src: []string{StatePending}, Dst: StateActive},
			{Name: eventDrain, Src: []string{StateActive}, Dst: StateDraining},
			{Name: eventShutdown, Src: []string{StateActive, StateDraining}, Dst: StateShutdown},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.mu.Lock()
				m.accepting = e.Dst == StateActive
				m.mu.Unlock()
				m.logger.Info("Instance state %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return m
}

// State returns the current lifecycle state.
func (m *Machine) State() string {
	return m.fsm.Current()
}

// Activate moves a pending instance into service.
func (m *Machine) Activate(ctx context.Context) error {
	return m.fsm.Event(ctx, eventActivate)
}

// Drain stops admission of new requests while in-flight ones finish.
func (m *Machine) Drain(ctx context.Context) error {
	return m.fsm.Event(ctx, eventDrain)
}

// Shutdown moves the instance to its terminal state and releases Done.
func (m *Machine) Shutdown(ctx context.Context) error {
	if err := m.fsm.Event(ctx, eventShutdown); err != nil {
		return err
	}
	m.doneOnce.Do(func() { close(m.done) })
	return nil
}

// Done closes once the instance reaches shutdown.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Begin admits one request. Only an active instance admits work; a true
// return must be paired with End once the request finishes.
func (m *Machine) Begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return false
	}
	m.inflight++
	return true
}

// End retires a request admitted by Begin.
func (m *Machine) End() {
	m.mu.Lock()
	if m.inflight > 0 {
		m.inflight--
	}
	m.mu.Unlock()
}

// Inflight reports how many admitted requests are still running.
func (m *Machine) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// awaitIdle blocks until every admitted request has finished or ctx ends.
func (m *Machine) awaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Inflight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Gate is middleware that refuses requests while the machine does not
// accept them. Admitted requests stay counted until their handler returns,
// which is what draining waits on.
func (m *Machine) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Begin() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"error":"instance is %s"}`, m.State())
			return
		}
		defer m.End()
		next.ServeHTTP(w, r)
	})
}
