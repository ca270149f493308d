package reconciliation

import (
	"context"
	"time"

	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/credit-recovery/internal/core/events"
)

// RepositoryAPI is the durable store. Every status change is a conditional update on
// (status, version); implementations return internal.ErrPersistenceConflict when the
// row moved underneath them and internal.ErrIntentNotFound for unknown references.
type RepositoryAPI interface {
	CreateIntent(ctx context.Context, intent *credit.PaymentIntent) error
	GetIntentByReference(ctx context.Context, reference string) (*credit.PaymentIntent, error)
	ListIntentsPage(ctx context.Context, query IntentQuery) ([]*credit.PaymentIntent, error)

	// TransitionStatus moves an intent along a non-crediting edge and records the audit row
	// in the same transaction.
	TransitionStatus(ctx context.Context, t Transition) (*credit.PaymentIntent, error)

	// ApplyCredit locks the intent, re-checks it is VERIFIED, marks it CREDITED, appends the
	// ledger entry and bumps the account balance. All or nothing.
	ApplyCredit(ctx context.Context, reference string, audit *credit.AuditEntry, at time.Time) (*credit.LedgerEntry, error)

	RecordAttempt(ctx context.Context, audit *credit.AuditEntry) error
	GetLedgerEntry(ctx context.Context, reference string) (*credit.LedgerEntry, error)
	ListAudit(ctx context.Context, reference string) ([]*credit.AuditEntry, error)
	GetAccount(ctx context.Context, accountID string) (*credit.Account, error)
}

type StatsRepositoryAPI interface {
	StatusCounts(ctx context.Context) (map[credit.Status]int64, error)
}

type GatewayAPI interface {
	Verify(ctx context.Context, reference string) (*gatewaytypes.VerificationResult, error)
	Provider() string
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// ServiceAPI is what the CLI, the HTTP handlers and the sweeper depend on.
type ServiceAPI interface {
	Reconcile(ctx context.Context, reference string) (*Outcome, error)
	ListPendingIntents(ctx context.Context, staleness time.Duration, limit int) ([]*credit.PaymentIntent, error)
	Debug(ctx context.Context, reference string) (*DiagnosticReport, error)
	Stats(ctx context.Context) (*Stats, error)
}

// IntentQuery selects one page of intents in Status created before Cutoff.
type IntentQuery struct {
	Status credit.Status
	Cutoff time.Time
	After  *PageCursor
	Limit  int
}

// PageCursor is the keyset position of the last intent of a page.
type PageCursor struct {
	CreatedAt time.Time
	ID        int64
}

type Transition struct {
	Reference string
	From      credit.Status
	To        credit.Status
	Version   int64
	Reason    string
	// Code is the error code stored with a FAILED or EXPIRED intent.
	Code      string
	At        time.Time
	Audit     *credit.AuditEntry
}

type Stats struct {
	Counts      map[credit.Status]int64 `json:"counts"`
	Total       int64                   `json:"total"`
	GeneratedAt time.Time               `json:"generated_at"`
}
