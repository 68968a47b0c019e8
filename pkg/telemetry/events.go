package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is what subscribers of an EventPublisher receive.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // lifecycle, commands, health or policy
	RunID     string                 `json:"run_id,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types raised outside the lifecycle coordinator. Lifecycle events
// keep their engine.EventType string.
const (
	EventTypeCommandExecuted = "command.executed"
	EventTypeCommandFailed   = "command.failed"
	EventTypeHealthChanged   = "resource.health_changed"
	EventTypePolicyReloaded  = "policy.reloaded"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// ErrEventDropped is returned by Publish when the async buffer is full.
var ErrEventDropped = errors.New("event buffer full, event dropped")

// EventSubscriber receives delivered events.
type EventSubscriber func(Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in subscription order.
// In async mode events are buffered and delivered in batches from one
// goroutine, so a subscriber never runs concurrently with itself.
type EventPublisher struct {
	cfg EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewEventPublisher starts the delivery goroutine when cfg.Async is set.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("async events need a positive buffer and batch size")
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.loop()
	return ep, nil
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps e with an ID and timestamp when missing and delivers it.
func (ep *EventPublisher) Publish(e Event) error {
	if !ep.cfg.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case <-ep.stop:
		return errors.New("event publisher stopped")
	default:
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return ErrEventDropped
	}
}

// PublishCommandExecuted reports a finished command. Any status other
// than "success" is published as EventTypeCommandFailed.
func (ep *EventPublisher) PublishCommandExecuted(resource, command, executionID, status, message string) error {
	e := Event{
		Type:     EventTypeCommandExecuted,
		Source:   "commands",
		Resource: resource,
		Level:    EventLevelInfo,
		Message:  fmt.Sprintf("%s/%s: %s", resource, command, status),
		Data:     map[string]interface{}{"command": command, "execution_id": executionID, "status": status},
	}
	if status != "success" {
		e.Type, e.Level = EventTypeCommandFailed, EventLevelError
		e.Data["message"] = message
	}
	return ep.Publish(e)
}

// PublishHealthChanged reports a health transition of resource.
func (ep *EventPublisher) PublishHealthChanged(resource, from, to string) error {
	level := EventLevelInfo
	if to == "unhealthy" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeHealthChanged,
		Source:   "health",
		Resource: resource,
		Level:    level,
		Message:  fmt.Sprintf("%s is now %s (was %s)", resource, to, from),
		Data:     map[string]interface{}{"old_status": from, "new_status": to},
	})
}

func (ep *EventPublisher) loop() {
	defer close(ep.done)

	interval := ep.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make([]Event, 0, ep.cfg.BatchSize)
	flush := func() {
		for _, e := range pending {
			ep.deliver(e)
		}
		pending = pending[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if pending = append(pending, e); len(pending) >= ep.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			for n := len(ep.queue); n > 0; n-- {
				pending = append(pending, <-ep.queue)
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	subs := make([]subscription, len(ep.subs))
	copy(subs, ep.subs)
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown delivers what is still buffered and stops the delivery
// goroutine. It is safe to call more than once.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.queue == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events whose Type is one of types.
func FilterByType(types ...string) EventFilter {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := want[e.Type]
		return ok
	}
}
