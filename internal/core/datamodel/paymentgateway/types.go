package paymentgateway

import (
	"encoding/json"
	"time"
)

type ChargeStatus string

const (
	ChargeStatusSuccess ChargeStatus = "SUCCESS"
	ChargeStatusFailed  ChargeStatus = "FAILED"
	ChargeStatusPending ChargeStatus = "PENDING"
	// ChargeStatusUnknown means the provider has no record of the reference, or answered
	// with a status we don't recognise.
	ChargeStatusUnknown ChargeStatus = "UNKNOWN"
)

// VerificationResult is the provider-neutral answer to "did this charge succeed".
// It is never persisted on its own; Raw ends up in the audit trail.
type VerificationResult struct {
	Reference string          `json:"reference"`
	Provider  string          `json:"provider"`
	Status    ChargeStatus    `json:"status"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	GatewayID string          `json:"gateway_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

func (r *VerificationResult) Succeeded() bool {
	return r != nil && r.Status == ChargeStatusSuccess
}

func (r *VerificationResult) Failed() bool {
	return r != nil && r.Status == ChargeStatusFailed
}

// Matches reports whether the confirmed charge covers exactly the expected amount.
func (r *VerificationResult) Matches(amount int64, currency string) bool {
	return r.Amount == amount && (r.Currency == "" || r.Currency == currency)
}

// PaystackVerifyResponse is the body of GET /transaction/verify/{reference}.
type PaystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		ID              int64  `json:"id"`
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		Amount          int64  `json:"amount"`
		Currency        string `json:"currency"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

// PaymentData is the generic provider's payment record.
type PaymentData struct {
	ID            string `json:"id"`
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type PaymentResponse struct {
	Data PaymentData `json:"data"`
}

// CallbackPayload covers both webhook shapes we accept. Only the reference is trusted;
// status fields are informational and reconciliation always re-verifies.
type CallbackPayload struct {
	Event string `json:"event,omitempty"`
	Data  *struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data,omitempty"`

	ExternalID       string `json:"external_id,omitempty"`
	Status           string `json:"status,omitempty"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	Amount           int64  `json:"amount,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

func (p *CallbackPayload) Reference() string {
	if p.Data != nil && p.Data.Reference != "" {
		return p.Data.Reference
	}
	return p.ExternalID
}

func (p *CallbackPayload) ReportedStatus() string {
	if p.Data != nil && p.Data.Status != "" {
		return p.Data.Status
	}
	return p.Status
}
