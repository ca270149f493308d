package reconciliation

import (
	"fmt"
	"time"

	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
)

type OutcomeKind string

const (
	OutcomeCredited        OutcomeKind = "CREDITED"
	OutcomeAlreadyCredited OutcomeKind = "ALREADY_CREDITED"
	OutcomeFailed          OutcomeKind = "FAILED"
	OutcomeExpired         OutcomeKind = "EXPIRED"
	OutcomeRetryable       OutcomeKind = "RETRYABLE"
)

// Outcome is the result of one reconciliation attempt.
type Outcome struct {
	Reference   string              `json:"reference"`
	Kind        OutcomeKind         `json:"outcome"`
	Status      credit.Status       `json:"status"`
	LedgerEntry *credit.LedgerEntry `json:"ledger_entry,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Err         error               `json:"-"`
	Duration    time.Duration       `json:"-"`
}

// Resolved means credit is in place, now or from an earlier run.
func (o *Outcome) Resolved() bool {
	return o.Kind == OutcomeCredited || o.Kind == OutcomeAlreadyCredited
}

func (o *Outcome) Terminal() bool {
	return o.Kind == OutcomeFailed || o.Kind == OutcomeExpired
}

func (o *Outcome) Retryable() bool {
	return o.Kind == OutcomeRetryable
}

// Summary is the operator-facing line: already handled, fixed now, or still broken and why.
func (o *Outcome) Summary() string {
	switch o.Kind {
	case OutcomeAlreadyCredited:
		return fmt.Sprintf("%s: already handled, no action needed", o.Reference)
	case OutcomeCredited:
		if o.LedgerEntry != nil {
			return fmt.Sprintf("%s: fixed now, credited %d %s to %s", o.Reference, o.LedgerEntry.Amount, o.LedgerEntry.Currency, o.LedgerEntry.AccountID)
		}
		return fmt.Sprintf("%s: fixed now, credited", o.Reference)
	case OutcomeFailed:
		return fmt.Sprintf("%s: payment failed, not retried: %s", o.Reference, o.Reason)
	case OutcomeExpired:
		return fmt.Sprintf("%s: payment expired: %s", o.Reference, o.Reason)
	default:
		return fmt.Sprintf("%s: still unresolved, retry later: %s", o.Reference, o.Reason)
	}
}

func (o *Outcome) ErrorCode() string {
	if o.Err == nil {
		return ""
	}
	if code := errorCode(o.Err); code != "" {
		return code
	}
	return "UNKNOWN"
}
