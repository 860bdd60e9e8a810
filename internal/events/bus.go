package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler consumes one event. Handlers run on their subscription's own
// goroutine, so a slow handler delays only its own subscription.
type Handler func(Event)

// subscription owns an unbounded ordered queue and one worker goroutine.
// Publish appends; the worker drains in publication order. Queues are
// unbounded because every registered handler must observe every matching
// event exactly once.
type subscription struct {
	name  string
	types map[Type]struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *subscription) push(evt Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// next blocks until an event is queued or the subscription is closed and
// drained. The second return is false only when there is nothing left.
func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	return evt, true
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Bus is the per-workspace pub/sub fabric. Two consumption models:
//
//   - Subscribe registers a handler with guaranteed in-order delivery of
//     every matching event (used by projection, notifications, metrics).
//   - Tap returns a buffered channel that drops on overflow (used by the
//     SSE stream, where a slow client must never hold up the bus).
type Bus struct {
	workspace string
	logger    *zap.Logger

	mu      sync.RWMutex
	subs    []*subscription
	taps    map[string]chan Event
	recent  []Event
	dropped int64

	wg sync.WaitGroup
}

const (
	tapBuffer    = 256
	recentWindow = 256
)

// NewBus creates a bus for one workspace.
func NewBus(workspace string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		workspace: workspace,
		logger:    logger,
		taps:      make(map[string]chan Event),
	}
}

// Workspace returns the owning workspace id.
func (b *Bus) Workspace() string { return b.workspace }

// Subscribe registers handler for the given event types (all types when none
// are named). Matching events are delivered in publication order on a
// dedicated goroutine; a panicking handler is logged and isolated.
func (b *Bus) Subscribe(name string, handler Handler, types ...Type) {
	sub := &subscription{name: name}
	sub.cond = sync.NewCond(&sub.mu)
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			evt, ok := sub.next()
			if !ok {
				return
			}
			b.invoke(sub, handler, evt)
		}
	}()
}

func (b *Bus) invoke(sub *subscription, handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscriber", sub.name),
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(evt)
}

// Publish stamps the event and schedules it for every matching subscriber.
// It returns once the event is queued everywhere; it never waits for
// handlers to run.
func (b *Bus) Publish(evt Event) {
	if evt.EventID == "" {
		stamped := New(evt.Type, evt.AggregateID, evt.AggregateType, evt.Payload)
		stamped.CorrelationID = evt.CorrelationID
		if !evt.OccurredAt.IsZero() {
			stamped.OccurredAt = evt.OccurredAt
		}
		evt = stamped
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	evt.Workspace = b.workspace

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > recentWindow {
		b.recent = b.recent[len(b.recent)-recentWindow:]
	}
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.wants(evt.Type) {
			sub.push(evt)
		}
	}

	b.mu.Lock()
	for _, ch := range b.taps {
		select {
		case ch <- evt:
		default:
			b.dropped++
		}
	}
	b.mu.Unlock()
}

// Tap returns a drop-on-overflow channel of all events. Call Untap with the
// same id when done.
func (b *Bus) Tap(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, tapBuffer)
	b.taps[id] = ch
	return ch
}

// Untap removes a tap and closes its channel.
func (b *Bus) Untap(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.taps[id]; ok {
		close(ch)
		delete(b.taps, id)
	}
}

// Recent returns up to n of the most recently published events, oldest
// first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of handler subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the count of tap deliveries dropped on overflow.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close stops accepting events for handler subscriptions, waits for queued
// events to drain (bounded by ctx), and closes all taps.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	for id, ch := range b.taps {
		close(ch)
		delete(b.taps, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
