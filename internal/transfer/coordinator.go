package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cortex/internal/bus"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/store"
)

// Handshake windows. The drain window is a hard upper bound; a shorter
// configured value is honored, a longer one is clamped.
const (
	DefaultDrainTimeout = 60 * time.Second
	DefaultAckTimeout   = 30 * time.Second
	DefaultClearTimeout = 120 * time.Second

	// conversationSnapshotLimit bounds how many recent conversation ids a
	// handoff note carries.
	conversationSnapshotLimit = 50
)

// Conn is the slice of the bus the coordinator needs.
type Conn interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, msg bus.Message)) (*bus.Subscription, error)
}

// Config identifies this instance and tunes the handshake windows.
type Config struct {
	InstanceID   string
	Version      string
	DrainTimeout time.Duration
	AckTimeout   time.Duration
	ClearTimeout time.Duration
}

// Coordinator runs the handoff protocol between brain instances over the
// transfer subjects. A starting instance calls Join, which either takes
// over from a departing peer or activates fresh; an active instance runs
// Watch so it can drain and clear when a successor announces itself.
type Coordinator struct {
	cfg     Config
	machine *Machine
	conn    Conn
	store   *store.Store
	obs     *observability.Observability
	logger  logging.Logger
}

func NewCoordinator(cfg Config, machine *Machine, conn Conn, st *store.Store, obs *observability.Observability, logger logging.Logger) *Coordinator {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.DrainTimeout <= 0 || cfg.DrainTimeout > DefaultDrainTimeout {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.ClearTimeout <= 0 {
		cfg.ClearTimeout = DefaultClearTimeout
	}
	return &Coordinator{
		cfg:     cfg,
		machine: machine,
		conn:    conn,
		store:   st,
		obs:     obs,
		logger:  logging.OrNop(logger),
	}
}

// InstanceID returns the id this coordinator announces itself under.
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// Join runs the incoming side of the handshake: announce, wait for the
// departing instance to clear, acknowledge, activate. When nobody answers
// within the clear window, or a peer aborts, the instance activates as a
// fresh start and the returned note is nil.
func (c *Coordinator) Join(ctx context.Context) (*store.HandoffNote, error) {
	clearCh := make(chan bus.TransferClear, 1)
	abortCh := make(chan bus.TransferAbort, 1)

	clearSub, err := c.conn.Subscribe(ctx, bus.SubjectTransferClear, func(_ context.Context, msg bus.Message) {
		var clear bus.TransferClear
		if err := json.Unmarshal(msg.Data, &clear); err != nil {
			c.logger.Warn("Bad transfer.clear payload: %v", err)
			return
		}
		select {
		case clearCh <- clear:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer clearSub.Close()

	abortSub, err := c.conn.Subscribe(ctx, bus.SubjectTransferAbort, func(_ context.Context, msg bus.Message) {
		var abort bus.TransferAbort
		if err := json.Unmarshal(msg.Data, &abort); err != nil {
			return
		}
		if abort.ID == c.cfg.InstanceID {
			return
		}
		select {
		case abortCh <- abort:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer abortSub.Close()

	if err := c.publish(ctx, bus.SubjectTransferReady, bus.TransferReady{
		ID:        c.cfg.InstanceID,
		Version:   c.cfg.Version,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	c.logger.Info("Announced instance %s (version %s), waiting for handoff", c.cfg.InstanceID, c.cfg.Version)

	timer := time.NewTimer(c.cfg.ClearTimeout)
	defer timer.Stop()

	select {
	case clear := <-clearCh:
		note, err := c.store.GetHandoffNote(ctx, clear.HandoffNoteID)
		if err != nil {
			c.logger.Warn("Handoff note %s unreadable: %v", clear.HandoffNoteID, err)
			note = nil
		}
		if err := c.publish(ctx, bus.SubjectTransferAck, bus.TransferAck{
			ID:        c.cfg.InstanceID,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			c.logger.Warn("Publish transfer.ack: %v", err)
		}
		if err := c.machine.Activate(ctx); err != nil {
			return nil, err
		}
		if note != nil {
			c.logger.Info("Took over from version %s: %d conversations, %d schedules",
				note.FromVersion, len(note.ActiveConversations), len(note.PendingSchedules))
		}
		return note, nil
	case abort := <-abortCh:
		c.logger.Warn("Handshake aborted by %s (%s), starting fresh", abort.ID, abort.Reason)
		return nil, c.machine.Activate(ctx)
	case <-timer.C:
		c.logger.Info("No active instance answered within %s, starting fresh", c.cfg.ClearTimeout)
		return nil, c.machine.Activate(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Watch waits for a successor to announce itself and hands control over
// when one does. It returns after the machine reaches shutdown, or when
// ctx ends first.
func (c *Coordinator) Watch(ctx context.Context) error {
	readyCh := make(chan bus.TransferReady, 1)
	sub, err := c.conn.Subscribe(ctx, bus.SubjectTransferReady, func(_ context.Context, msg bus.Message) {
		var ready bus.TransferReady
		if err := json.Unmarshal(msg.Data, &ready); err != nil {
			c.logger.Warn("Bad transfer.ready payload: %v", err)
			return
		}
		if ready.ID == c.cfg.InstanceID {
			return
		}
		select {
		case readyCh <- ready:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ready := <-readyCh:
		return c.handOver(ctx, ready)
	}
}

// handOver runs the departing side: drain, write the note, clear the
// successor, wait briefly for its ack, shut down regardless.
func (c *Coordinator) handOver(ctx context.Context, ready bus.TransferReady) error {
	ctx, span := c.obs.StartSpan(ctx, "transfer.handover")
	defer span.End()

	c.logger.Info("Successor %s (version %s) announced, draining", ready.ID, ready.Version)

	ackCh := make(chan bus.TransferAck, 1)
	ackSub, err := c.conn.Subscribe(ctx, bus.SubjectTransferAck, func(_ context.Context, msg bus.Message) {
		var ack bus.TransferAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			return
		}
		if ack.ID == c.cfg.InstanceID {
			return
		}
		select {
		case ackCh <- ack:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer ackSub.Close()

	if err := c.machine.Drain(ctx); err != nil {
		return err
	}
	drainCtx, cancelDrain := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	if err := c.machine.awaitIdle(drainCtx); err != nil {
		c.logger.Warn("Drain window closed with %d requests in flight", c.machine.Inflight())
	}
	cancelDrain()

	note, err := c.writeNote(ctx, ready.Version)
	if err != nil {
		c.logger.Error("Handoff note: %v", err)
		c.abort(ctx, "handoff note write failed")
		return c.machine.Shutdown(ctx)
	}

	if err := c.publish(ctx, bus.SubjectTransferClear, bus.TransferClear{
		ID:            c.cfg.InstanceID,
		HandoffNoteID: note.ID,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		c.logger.Error("Publish transfer.clear: %v", err)
		c.abort(ctx, "clear publish failed")
		return c.machine.Shutdown(ctx)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		c.logger.Info("Successor %s acknowledged handoff", ack.ID)
	case <-timer.C:
		c.logger.Warn("No ack within %s, shutting down anyway", c.cfg.AckTimeout)
	case <-ctx.Done():
	}
	return c.machine.Shutdown(ctx)
}

// writeNote snapshots what the successor needs to resume: recent
// conversation ids and the enabled schedule ids.
func (c *Coordinator) writeNote(ctx context.Context, toVersion string) (*store.HandoffNote, error) {
	convs, err := c.store.ListConversations(ctx, conversationSnapshotLimit)
	if err != nil {
		return nil, err
	}
	convIDs := make([]string, 0, len(convs))
	for _, conv := range convs {
		convIDs = append(convIDs, conv.ID)
	}

	schedules, err := c.store.ListSchedules(ctx, true)
	if err != nil {
		return nil, err
	}
	scheduleIDs := make([]string, 0, len(schedules))
	for _, row := range schedules {
		scheduleIDs = append(scheduleIDs, row.ID)
	}

	return c.store.CreateHandoffNote(ctx, store.HandoffNote{
		ID:                  uuid.NewString(),
		FromVersion:         c.cfg.Version,
		ToVersion:           toVersion,
		ActiveConversations: convIDs,
		PendingSchedules:    scheduleIDs,
	})
}

func (c *Coordinator) abort(ctx context.Context, reason string) {
	if err := c.publish(ctx, bus.SubjectTransferAbort, bus.TransferAbort{
		ID:        c.cfg.InstanceID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("Publish transfer.abort: %v", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, subject string, envelope any) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("transfer: marshal %s: %w", subject, err)
	}
	return c.conn.Publish(ctx, subject, payload)
}
