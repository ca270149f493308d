package reconciliation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/credit-recovery/internal/core/events"
)

// EventHandler records reconciliation results published on the bus.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{logger: logger}
}

func (h *EventHandler) HandleCreditApplied(ctx context.Context, event events.Event) error {
	applied, ok := event.(*events.CreditAppliedEvent)
	if !ok {
		h.logger.Error("invalid event type for credit applied handler", "event_type", event.EventType())
		return fmt.Errorf("expected CreditAppliedEvent, got %T", event)
	}

	h.logger.Info("credit applied",
		"reference", applied.Reference,
		"account_id", applied.AccountID,
		"amount", applied.Amount,
		"currency", applied.Currency,
		"source", applied.Source,
		"event_id", applied.EventID())
	return nil
}

func (h *EventHandler) HandlePaymentClosed(ctx context.Context, event events.Event) error {
	closed, ok := event.(*events.PaymentClosedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment closed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentClosedEvent, got %T", event)
	}

	h.logger.Warn("payment closed without credit",
		"event_type", closed.EventType(),
		"reference", closed.Reference,
		"account_id", closed.AccountID,
		"amount", closed.Amount,
		"reason", closed.Reason,
		"source", closed.Source,
		"event_id", closed.EventID())
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeCreditApplied, h.HandleCreditApplied)
	eventBus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentClosed)
	eventBus.Subscribe(events.EventTypePaymentExpired, h.HandlePaymentClosed)

	h.logger.Info("reconciliation event handlers registered",
		"handlers", []string{events.EventTypeCreditApplied, events.EventTypePaymentFailed, events.EventTypePaymentExpired})
}
