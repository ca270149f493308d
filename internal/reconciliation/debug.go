package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/common/validation"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
)

// DiagnosticReport is a read-only snapshot of everything known about one reference.
type DiagnosticReport struct {
	Reference   string                `json:"reference"`
	GeneratedAt time.Time             `json:"generated_at"`
	IntentFound bool                  `json:"intent_found"`
	Intent      *credit.PaymentIntent `json:"intent,omitempty"`
	LedgerEntry *credit.LedgerEntry   `json:"ledger_entry,omitempty"`
	Account     *credit.Account       `json:"account,omitempty"`
	History     []*credit.AuditEntry  `json:"history"`
	Gateway     GatewayDiagnosis      `json:"gateway"`
	Findings    []string              `json:"findings,omitempty"`
	Assessment  string                `json:"assessment"`
}

type GatewayDiagnosis struct {
	Provider   string                           `json:"provider"`
	Result     *gatewaytypes.VerificationResult `json:"result,omitempty"`
	Error      string                           `json:"error,omitempty"`
	ErrorCode  string                           `json:"error_code,omitempty"`
	DurationMs int64                            `json:"duration_ms"`
}

// Debug gathers local state and a fresh gateway answer without writing anything.
// An unknown reference is reported, not returned as an error, since the gateway may
// still know about it.
func (e *Engine) Debug(ctx context.Context, reference string) (*DiagnosticReport, error) {
	if appErr := validation.ValidateReference(reference); appErr != nil {
		return nil, appErr
	}

	report := &DiagnosticReport{
		Reference:   reference,
		GeneratedAt: e.now(),
		History:     []*credit.AuditEntry{},
	}

	intent, err := e.repo.GetIntentByReference(ctx, reference)
	switch {
	case err == nil:
		report.IntentFound = true
		report.Intent = intent
	case errors.Is(err, internal.ErrIntentNotFound):
	default:
		return nil, fmt.Errorf("failed to load intent: %w", err)
	}

	if report.IntentFound {
		if report.LedgerEntry, err = e.repo.GetLedgerEntry(ctx, reference); err != nil {
			return nil, fmt.Errorf("failed to load ledger entry: %w", err)
		}
		if report.Account, err = e.repo.GetAccount(ctx, intent.AccountID); err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
	}

	history, err := e.repo.ListAudit(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}
	if history != nil {
		report.History = history
	}

	report.Gateway.Provider = e.gateway.Provider()
	began := time.Now()
	result, verr := e.verify(ctx, reference)
	report.Gateway.DurationMs = time.Since(began).Milliseconds()
	if verr != nil {
		report.Gateway.Error = verr.Error()
		report.Gateway.ErrorCode = errorCode(verr)
	} else {
		report.Gateway.Result = result
	}

	report.Findings = findings(report)
	report.Assessment = assess(report)
	return report, nil
}

// findings lists local inconsistencies. Any entry here means an invariant was broken
// outside the engine.
func findings(r *DiagnosticReport) []string {
	var out []string
	if r.Intent == nil {
		return out
	}
	if r.Intent.Status == credit.StatusCredited && r.LedgerEntry == nil {
		out = append(out, "intent is CREDITED but has no ledger entry")
	}
	if r.LedgerEntry != nil && r.Intent.Status != credit.StatusCredited {
		out = append(out, fmt.Sprintf("ledger entry exists but intent is %s", r.Intent.Status))
	}
	if r.LedgerEntry != nil && r.LedgerEntry.Amount != r.Intent.Amount {
		out = append(out, fmt.Sprintf("ledger amount %d differs from intent amount %d", r.LedgerEntry.Amount, r.Intent.Amount))
	}
	if res := r.Gateway.Result; res.Succeeded() && !res.Matches(r.Intent.Amount, r.Intent.Currency) {
		out = append(out, fmt.Sprintf("gateway confirmed %d %s, intent expects %d %s", res.Amount, res.Currency, r.Intent.Amount, r.Intent.Currency))
	}
	return out
}

func assess(r *DiagnosticReport) string {
	res := r.Gateway.Result

	if !r.IntentFound {
		if res.Succeeded() {
			return "unknown locally but the gateway reports a successful charge: the intent record is missing, credit must be applied manually"
		}
		return "unknown reference: no local intent exists"
	}
	if len(r.Findings) > 0 {
		return "inconsistent state: " + r.Findings[0]
	}

	switch r.Intent.Status {
	case credit.StatusCredited:
		return "already credited, no action needed"
	case credit.StatusFailed, credit.StatusExpired:
		if res.Succeeded() {
			return fmt.Sprintf("intent is %s but the gateway now reports success: late settlement, investigate manually", r.Intent.Status)
		}
		reason := "no reason recorded"
		if r.Intent.FailureReason != nil {
			reason = *r.Intent.FailureReason
		}
		return fmt.Sprintf("terminal %s: %s", r.Intent.Status, reason)
	}

	if r.Gateway.Error != "" {
		return fmt.Sprintf("gateway unavailable (%s): retry later", r.Gateway.ErrorCode)
	}
	if r.Intent.Status == credit.StatusVerified {
		return "verified but not credited: an earlier credit transaction rolled back, run process to finish it"
	}
	switch res.Status {
	case gatewaytypes.ChargeStatusSuccess:
		return "gateway confirms payment: run process to credit"
	case gatewaytypes.ChargeStatusFailed:
		return "gateway reports the charge failed: process will mark it FAILED"
	default:
		return fmt.Sprintf("gateway reports %s: payment not settled yet", res.Status)
	}
}
