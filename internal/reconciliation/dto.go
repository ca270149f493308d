package reconciliation

import (
	"time"

	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
)

// ReconcileResponse is what the operator API and the webhook return for one attempt.
type ReconcileResponse struct {
	Reference   string              `json:"reference"`
	Outcome     OutcomeKind         `json:"outcome"`
	Status      credit.Status       `json:"status"`
	Summary     string              `json:"summary"`
	Reason      string              `json:"reason,omitempty"`
	ErrorCode   string              `json:"error_code,omitempty"`
	Retryable   bool                `json:"retryable"`
	LedgerEntry *credit.LedgerEntry `json:"ledger_entry,omitempty"`
	DurationMs  int64               `json:"duration_ms"`
}

func NewReconcileResponse(o *Outcome) ReconcileResponse {
	return ReconcileResponse{
		Reference:   o.Reference,
		Outcome:     o.Kind,
		Status:      o.Status,
		Summary:     o.Summary(),
		Reason:      o.Reason,
		ErrorCode:   o.ErrorCode(),
		Retryable:   o.Retryable(),
		LedgerEntry: o.LedgerEntry,
		DurationMs:  o.Duration.Milliseconds(),
	}
}

type PendingIntentView struct {
	Reference string    `json:"reference"`
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	Age       string    `json:"age"`
}

type PendingListResponse struct {
	OlderThan string              `json:"older_than"`
	Count     int                 `json:"count"`
	Intents   []PendingIntentView `json:"intents"`
}

func NewPendingListResponse(intents []*credit.PaymentIntent, olderThan time.Duration, now time.Time) PendingListResponse {
	views := make([]PendingIntentView, 0, len(intents))
	for _, intent := range intents {
		views = append(views, PendingIntentView{
			Reference: intent.Reference,
			AccountID: intent.AccountID,
			Amount:    intent.Amount,
			Currency:  intent.Currency,
			CreatedAt: intent.CreatedAt,
			Age:       intent.Age(now).Truncate(time.Second).String(),
		})
	}
	return PendingListResponse{
		OlderThan: olderThan.String(),
		Count:     len(views),
		Intents:   views,
	}
}
