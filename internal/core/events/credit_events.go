package events

const (
	EventTypeCreditApplied  = "credit.applied"
	EventTypePaymentFailed  = "payment.failed"
	EventTypePaymentExpired = "payment.expired"
)

type CreditAppliedEvent struct {
	Meta
	Reference string `json:"reference"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Source    string `json:"source"`
}

func NewCreditAppliedEvent(reference, accountID string, amount int64, currency, source string) *CreditAppliedEvent {
	return &CreditAppliedEvent{
		Meta:      newMeta(EventTypeCreditApplied),
		Reference: reference,
		AccountID: accountID,
		Amount:    amount,
		Currency:  currency,
		Source:    source,
	}
}

// PaymentClosedEvent is published when an intent ends without credit, either
// failed at the gateway or expired while still unsettled.
type PaymentClosedEvent struct {
	Meta
	Reference string `json:"reference"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Source    string `json:"source"`
}

func NewPaymentFailedEvent(reference, accountID string, amount int64, reason, source string) *PaymentClosedEvent {
	return newPaymentClosedEvent(EventTypePaymentFailed, reference, accountID, amount, reason, source)
}

func NewPaymentExpiredEvent(reference, accountID string, amount int64, reason, source string) *PaymentClosedEvent {
	return newPaymentClosedEvent(EventTypePaymentExpired, reference, accountID, amount, reason, source)
}

func newPaymentClosedEvent(eventType, reference, accountID string, amount int64, reason, source string) *PaymentClosedEvent {
	return &PaymentClosedEvent{
		Meta:      newMeta(eventType),
		Reference: reference,
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Source:    source,
	}
}
