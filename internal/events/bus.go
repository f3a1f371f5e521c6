// Package events provides the in-process pub/sub bus that couples the
// orchestration components. Delivery is best-effort: handlers run
// synchronously in registration order, failures are logged and swallowed,
// and nothing is persisted or replayed.
package events

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/squads/internal/logging"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	ProjectID() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"timestamp"`
	Project string    `json:"project_id,omitempty"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) ProjectID() string    { return e.Project }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType, projectID string) BaseEvent {
	return BaseEvent{
		Type:    eventType,
		Time:    time.Now(),
		Project: projectID,
	}
}

// Handler reacts to one event. A returned error is logged by the bus.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      uint64
	name    string
	pattern string
	fn      Handler
}

// tap is a buffered observer channel. Taps never block publishers: a full
// buffer drops its oldest event.
type tap struct {
	ch    chan Event
	types map[string]bool
}

// EventBus delivers events to handlers and taps.
type EventBus struct {
	mu       sync.RWMutex
	subs     []*subscription
	taps     []*tap
	nextID   uint64
	closed   bool
	logger   *logging.Logger
	dropped  int64
	failures int64
}

// New creates an EventBus.
func New(logger *logging.Logger) *EventBus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &EventBus{logger: logger.WithComponent("events")}
}

// Subscribe registers fn for events whose type matches pattern (path.Match
// syntax, so "*.pr.opened" matches "github.pr.opened"). Name identifies the
// subscriber in logs. The returned func removes the subscription.
func (eb *EventBus) Subscribe(pattern, name string, fn Handler) func() {
	if _, err := path.Match(pattern, ""); err != nil {
		panic(fmt.Sprintf("events: bad subscription pattern %q: %v", pattern, err))
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, &subscription{id: id, name: name, pattern: pattern, fn: fn})
	return func() { eb.unsubscribe(id) }
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Tap returns a channel receiving events of the given types (all types when
// none are given). Slow readers lose the oldest buffered events.
func (eb *EventBus) Tap(bufferSize int, types ...string) <-chan Event {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	t := &tap{ch: make(chan Event, bufferSize), types: make(map[string]bool, len(types))}
	for _, typ := range types {
		t.types[typ] = true
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		close(t.ch)
		return t.ch
	}
	eb.taps = append(eb.taps, t)
	return t.ch
}

// Untap removes and closes a tap.
func (eb *EventBus) Untap(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	kept := eb.taps[:0]
	for _, t := range eb.taps {
		if t.ch == ch {
			close(t.ch)
			continue
		}
		kept = append(kept, t)
	}
	eb.taps = kept
}

// Publish delivers e to every matching handler, in registration order, on
// the caller's goroutine. It returns once all handlers have run. Handlers
// may publish further events.
func (eb *EventBus) Publish(ctx context.Context, e Event) {
	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		return
	}
	typ := e.EventType()
	var matched []*subscription
	for _, s := range eb.subs {
		if ok, _ := path.Match(s.pattern, typ); ok {
			matched = append(matched, s)
		}
	}
	for _, t := range eb.taps {
		if len(t.types) == 0 || t.types[typ] {
			eb.offer(t, e)
		}
	}
	eb.mu.RUnlock()

	for _, s := range matched {
		eb.deliver(ctx, s, e)
	}
}

func (eb *EventBus) offer(t *tap, e Event) {
	select {
	case t.ch <- e:
		return
	default:
	}
	select {
	case <-t.ch:
		atomic.AddInt64(&eb.dropped, 1)
	default:
	}
	select {
	case t.ch <- e:
	default:
		atomic.AddInt64(&eb.dropped, 1)
	}
}

func (eb *EventBus) deliver(ctx context.Context, s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&eb.failures, 1)
			eb.logger.Error("event handler panicked",
				"event", e.EventType(), "subscriber", s.name, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.fn(ctx, e); err != nil {
		atomic.AddInt64(&eb.failures, 1)
		eb.logger.Error("event handler failed",
			"event", e.EventType(), "subscriber", s.name, "error", err)
	}
}

// DroppedCount returns the number of events dropped from full taps.
func (eb *EventBus) DroppedCount() int64 {
	return atomic.LoadInt64(&eb.dropped)
}

// FailureCount returns the number of handler errors and panics observed.
func (eb *EventBus) FailureCount() int64 {
	return atomic.LoadInt64(&eb.failures)
}

// Close stops delivery and closes all taps.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, t := range eb.taps {
		close(t.ch)
	}
	eb.taps = nil
	eb.subs = nil
}
