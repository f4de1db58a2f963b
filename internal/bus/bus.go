// Package bus implements topic-addressed publish/subscribe with bounded,
// independent fan-out per subscriber.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 256

// Handler receives events for a subscription. Handlers for one subscription
// run sequentially on that subscription's goroutine.
type Handler func(domain.Event)

// Transport carries published events to every process sharing the bus.
// Send must not block; the transport later calls Bus.Deliver for each event,
// including those this process sent.
type Transport interface {
	Send(ev domain.Event)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
	q       *queue
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Pattern returns the topic pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Dropped returns how many events were evicted from this subscriber's queue.
func (s *Subscription) Dropped() uint64 { return s.q.droppedCount() }

// Done is closed once the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Bus fans published events out to matching subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	transport Transport
	closed    bool
	logger    *slog.Logger
}

// New creates an in-process bus. Each subscriber gets a queue of queueSize
// events; when it is full the oldest event is dropped.
func New(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// SetTransport routes publishes through t instead of delivering directly.
// It must be called before the first Publish.
func (b *Bus) SetTransport(t Transport) {
	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()
}

// Publish stamps and dispatches an event. It never waits for subscribers.
// payload is JSON-encoded unless it is already json.RawMessage.
func (b *Bus) Publish(topic string, payload any) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	ev := domain.Event{
		ID:          ulid.Make().String(),
		Topic:       topic,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	t, closed := b.transport, b.closed
	b.mu.RUnlock()
	if closed {
		return nil
	}
	if t != nil {
		t.Send(ev)
		return nil
	}
	b.Deliver(ev)
	return nil
}

// Deliver enqueues ev for every local subscriber whose pattern matches.
func (b *Bus) Deliver(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !Match(s.pattern, ev.Topic) {
			continue
		}
		if s.q.push(ev) {
			b.logger.Debug("bus subscriber queue full, dropped oldest",
				"pattern", s.pattern, "topic", ev.Topic)
		}
	}
}

// Subscribe registers handler for every future event matching pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, domain.NewEngineError(domain.ErrInvalidParams, "handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.NewEngineError(domain.ErrStreamClosed, "bus is closed")
	}

	b.nextID++
	s := &Subscription{
		id:      b.nextID,
		pattern: pattern,
		handler: handler,
		q:       newQueue(b.queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.subs[s.id] = s
	go b.run(s)
	return s, nil
}

// Unsubscribe removes s. Events still queued for s are discarded. Safe to
// call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.stop()
}

// Close removes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.q.close()
		close(s.done)
	})
}

func (b *Bus) run(s *Subscription) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.q.ready:
			for _, ev := range s.q.drain() {
				select {
				case <-s.done:
					return
				default:
				}
				b.invoke(s, ev)
			}
		}
	}
}

func (b *Bus) invoke(s *Subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "pattern", s.pattern, "topic", ev.Topic, "panic", r)
		}
	}()
	s.handler(ev)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return raw, nil
}
