package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"cortex/internal/logging"
)

const (
	// defaultAckGrace is how long a delivered event may stay unacked before
	// the stream redelivers it to another group member.
	defaultAckGrace = 30 * time.Second
	// defaultMaxAttempts bounds redeliveries of an event whose handler keeps
	// failing. The event is acked and dropped once the budget is spent.
	defaultMaxAttempts = 5
)

// Message is a single event delivered to a subscriber.
type Message struct {
	Subject string
	Data    []byte
}

// Handler processes a delivered message. Returning an error from a queue
// subscription leaves the event unacked so the stream redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Bus is a durable message bus backed by Redis streams via pulse. Streams and
// consumer groups are created on first use; creation is idempotent.
type Bus struct {
	rdb    *redis.Client
	logger logging.Logger

	mu      sync.Mutex
	streams map[string]*streaming.Stream
	subs    []*Subscription
	closed  bool
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, redisURL string, logger logging.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: ping redis: %w", err)
	}
	return &Bus{
		rdb:     rdb,
		logger:  logging.OrNop(logger),
		streams: make(map[string]*streaming.Stream),
	}, nil
}

func (b *Bus) stream(name string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(name, b.rdb)
	if err != nil {
		return nil, fmt.Errorf("bus: open stream %s: %w", name, err)
	}
	b.streams[name] = s
	return s, nil
}

// Publish appends the payload to the subject's stream.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte) error {
	streamName, event := route(subject)
	s, err := b.stream(streamName)
	if err != nil {
		return err
	}
	if _, err := s.Add(ctx, event, payload); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscription is a live consumer. Close stops delivery and releases the
// underlying sink or reader.
type Subscription struct {
	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

// Close stops the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// QueueSubscribe joins the named durable consumer group on the subject's
// stream. Events are shared across group members; an event is acked only
// after the handler returns nil, otherwise the stream redelivers it until the
// attempt budget is exhausted.
func (b *Bus) QueueSubscribe(ctx context.Context, subject, group string, handler Handler) (*Subscription, error) {
	streamName, eventFilter := route(subject)
	s, err := b.stream(streamName)
	if err != nil {
		return nil, err
	}
	sink, err := s.NewSink(ctx, group,
		streamopts.WithSinkAckGracePeriod(defaultAckGrace),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: sink %s on %s: %w", group, streamName, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel:  cancel,
		release: func() { sink.Close(context.Background()) },
	}
	b.track(sub)

	go func() {
		attempts := make(map[string]int)
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if eventFilter != "*" && evt.EventName != eventFilter {
					if err := sink.Ack(runCtx, evt); err != nil {
						b.logger.Warn("ack filtered event on %s: %v", streamName, err)
					}
					continue
				}
				msg := Message{Subject: subjectFor(streamName, evt.EventName), Data: evt.Payload}
				if err := handler(runCtx, msg); err != nil {
					attempts[evt.ID]++
					if attempts[evt.ID] < defaultMaxAttempts {
						b.logger.Warn("handler failed on %s (attempt %d): %v", msg.Subject, attempts[evt.ID], err)
						continue
					}
					b.logger.Error("dropping event on %s after %d attempts: %v", msg.Subject, attempts[evt.ID], err)
				}
				delete(attempts, evt.ID)
				if err := sink.Ack(runCtx, evt); err != nil {
					b.logger.Warn("ack on %s: %v", streamName, err)
				}
			}
		}
	}()
	return sub, nil
}

// Subscribe delivers every event on the subject's stream to this subscriber
// only, starting from now. Used for broadcast families where each instance
// must observe all traffic.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, msg Message)) (*Subscription, error) {
	streamName, eventFilter := route(subject)
	s, err := b.stream(streamName)
	if err != nil {
		return nil, err
	}
	reader, err := s.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: reader on %s: %w", streamName, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel:  cancel,
		release: reader.Close,
	}
	b.track(sub)

	go func() {
		ch := reader.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if eventFilter != "*" && evt.EventName != eventFilter {
					continue
				}
				handler(runCtx, Message{Subject: subjectFor(streamName, evt.EventName), Data: evt.Payload})
			}
		}
	}()
	return sub, nil
}

func (b *Bus) track(sub *Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close stops all subscriptions and releases the Redis connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return b.rdb.Close()
}
