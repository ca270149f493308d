package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Event interface {
	EventType() string
	EventID() string
	OccurredAt() time.Time
}

// Meta is embedded by concrete events; their own fields are the payload.
type Meta struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func newMeta(eventType string) Meta {
	return Meta{ID: uuid.NewString(), Type: eventType, Timestamp: time.Now().UTC()}
}

func (m Meta) EventType() string     { return m.Type }
func (m Meta) EventID() string       { return m.ID }
func (m Meta) OccurredAt() time.Time { return m.Timestamp }

type Handler func(ctx context.Context, event Event) error

// EventBus delivers events to in-process subscribers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	inflight sync.WaitGroup
	logger   *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

func (eb *EventBus) Subscribe(eventType string, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	eb.logger.Debug("event handler registered", "event_type", eventType, "total_handlers", len(eb.handlers[eventType]))
}

func (eb *EventBus) subscribers(event Event) []Handler {
	eb.mu.RLock()
	handlers := eb.handlers[event.EventType()]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		eb.logger.Debug("no handlers for event type", "event_type", event.EventType())
	}
	return handlers
}

func (eb *EventBus) dispatch(ctx context.Context, h Handler, event Event) error {
	err := h(ctx, event)
	if err != nil {
		eb.logger.Error("event handler failed", "event_type", event.EventType(), "event_id", event.EventID(), "error", err)
	}
	return err
}

// Publish runs the handlers in the background. They get a context detached from the
// caller's, so a finished HTTP request does not cancel them.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	detached := context.WithoutCancel(ctx)
	for _, h := range eb.subscribers(event) {
		eb.inflight.Add(1)
		go func() {
			defer eb.inflight.Done()
			_ = eb.dispatch(detached, h, event)
		}()
	}
	return nil
}

// PublishSync runs the handlers in order and stops at the first error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	for _, h := range eb.subscribers(event) {
		if err := eb.dispatch(ctx, h, event); err != nil {
			return fmt.Errorf("handler failed for event %s: %w", event.EventType(), err)
		}
	}
	return nil
}

// SyncPublisher delivers through PublishSync, so handlers have finished when Publish
// returns. One-shot commands use it instead of draining a background queue.
type SyncPublisher struct {
	Bus *EventBus
}

func (p SyncPublisher) Publish(ctx context.Context, event Event) error {
	return p.Bus.PublishSync(ctx, event)
}

// Drain waits for in-flight async handlers, giving up when ctx is done.
// One-shot CLI commands call it before exiting.
func (eb *EventBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		eb.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
