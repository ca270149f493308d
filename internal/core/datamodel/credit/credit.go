package credit

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusCredited Status = "CREDITED"
	StatusFailed   Status = "FAILED"
	StatusExpired  Status = "EXPIRED"
)

const ReferencePrefix = "AI-CREDIT-"

var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusVerified, StatusFailed, StatusExpired},
	StatusVerified: {StatusCredited, StatusFailed, StatusExpired},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusVerified, StatusCredited, StatusFailed, StatusExpired}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusCredited, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusCredited || s == StatusFailed || s == StatusExpired
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses from which to may be reached.
func Predecessors(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusVerified} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}

func ParseStatus(s string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.Valid()
}

type PaymentIntent struct {
	ID            int64      `json:"id" gorm:"primaryKey"`
	Reference     string     `json:"reference" gorm:"column:reference;size:128;not null;uniqueIndex"`
	AccountID     string     `json:"account_id" gorm:"column:account_id;size:64;not null;index"`
	Amount        int64      `json:"amount" gorm:"column:amount;not null"`
	Currency      string     `json:"currency" gorm:"column:currency;size:3;not null"`
	Status        Status     `json:"status" gorm:"column:status;size:16;not null;index:idx_payment_intents_status_created,priority:1"`
	FailureReason *string    `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	FailureCode   *string    `json:"failure_code,omitempty" gorm:"column:failure_code;size:64"`
	Version       int64      `json:"version" gorm:"column:version;not null;default:0"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty" gorm:"column:verified_at"`
	CreditedAt    *time.Time `json:"credited_at,omitempty" gorm:"column:credited_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty" gorm:"column:closed_at"`
	CreatedAt     time.Time  `json:"created_at" gorm:"column:created_at;not null;index:idx_payment_intents_status_created,priority:2"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (PaymentIntent) TableName() string {
	return "payment_intents"
}

// Age is measured from creation, which is what staleness and expiry use.
func (p *PaymentIntent) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

type LedgerEntry struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Reference string    `json:"reference" gorm:"column:reference;size:128;not null;uniqueIndex"`
	IntentID  int64     `json:"intent_id" gorm:"column:intent_id;not null"`
	AccountID string    `json:"account_id" gorm:"column:account_id;size:64;not null;index"`
	Amount    int64     `json:"amount" gorm:"column:amount;not null"`
	Currency  string    `json:"currency" gorm:"column:currency;size:3;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;not null"`
}

func (LedgerEntry) TableName() string {
	return "credit_ledger_entries"
}

type Account struct {
	AccountID string    `json:"account_id" gorm:"column:account_id;primaryKey;size:64"`
	Balance   int64     `json:"balance" gorm:"column:balance;not null;default:0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (Account) TableName() string {
	return "credit_accounts"
}

type AuditEntry struct {
	ID             int64          `json:"id" gorm:"primaryKey"`
	Reference      string         `json:"reference" gorm:"column:reference;size:128;not null;index"`
	FromStatus     Status         `json:"from_status" gorm:"column:from_status;size:16;not null"`
	ToStatus       Status         `json:"to_status" gorm:"column:to_status;size:16;not null"`
	Outcome        string         `json:"outcome" gorm:"column:outcome;size:32;not null"`
	Source         string         `json:"source" gorm:"column:source;size:16;not null"`
	Detail         string         `json:"detail,omitempty" gorm:"column:detail"`
	GatewayPayload datatypes.JSON `json:"gateway_payload,omitempty" gorm:"column:gateway_payload"`
	CreatedAt      time.Time      `json:"created_at" gorm:"column:created_at;not null"`
}

func (AuditEntry) TableName() string {
	return "reconciliation_audit"
}

// IsTransition is false for attempts that left the intent where it was.
func (a *AuditEntry) IsTransition() bool {
	return a.FromStatus != a.ToStatus
}

// NewReference returns a fresh locally generated reference.
func NewReference() string {
	return ReferencePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
