package paymentgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sethvargo/go-retry"

	errors "github.com/frahmantamala/credit-recovery/internal"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
)

type paystackProvider struct{}

func (paystackProvider) name() string { return "paystack" }

func (paystackProvider) newRequest(ctx context.Context, baseURL, secret, reference string) (*http.Request, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req, nil
}

func (paystackProvider) decode(reference string, statusCode int, body []byte) (*gatewaytypes.VerificationResult, error) {
	var payload gatewaytypes.PaystackVerifyResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, undecodable(statusCode, err)
	}

	result := &gatewaytypes.VerificationResult{
		Reference: reference,
		Status:    gatewaytypes.ChargeStatusUnknown,
		Raw:       json.RawMessage(body),
	}

	// Paystack answers 400/404 with status=false for references it never saw.
	if !payload.Status || payload.Data == nil {
		if statusCode == http.StatusNotFound || isNotFoundMessage(payload.Message) {
			result.Reason = payload.Message
			return result, nil
		}
		if statusCode >= 400 {
			return nil, rejectedRequest(statusCode, payload.Message)
		}
		result.Reason = payload.Message
		return result, nil
	}

	data := payload.Data
	result.Amount = data.Amount
	result.Currency = strings.ToUpper(data.Currency)
	result.GatewayID = fmt.Sprintf("%d", data.ID)
	result.Reason = data.GatewayResponse
	if data.Reference != "" {
		result.Reference = data.Reference
	}

	switch strings.ToLower(data.Status) {
	case "success":
		result.Status = gatewaytypes.ChargeStatusSuccess
	case "failed", "reversed":
		result.Status = gatewaytypes.ChargeStatusFailed
	case "abandoned", "pending", "ongoing", "processing", "queued":
		result.Status = gatewaytypes.ChargeStatusPending
	}
	return result, nil
}

type genericProvider struct{}

func (genericProvider) name() string { return "generic" }

func (genericProvider) newRequest(ctx context.Context, baseURL, secret, reference string) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/payments?external_id=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req, nil
}

func (genericProvider) decode(reference string, statusCode int, body []byte) (*gatewaytypes.VerificationResult, error) {
	result := &gatewaytypes.VerificationResult{
		Reference: reference,
		Status:    gatewaytypes.ChargeStatusUnknown,
		Raw:       json.RawMessage(body),
	}
	if statusCode == http.StatusNotFound {
		result.Reason = "payment not found at provider"
		return result, nil
	}
	if statusCode >= 400 {
		return nil, rejectedRequest(statusCode, strings.TrimSpace(string(body)))
	}

	var payload gatewaytypes.PaymentResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, undecodable(statusCode, err)
	}

	data := payload.Data
	result.Amount = data.Amount
	result.Currency = strings.ToUpper(data.Currency)
	result.GatewayID = data.ID
	result.Reason = data.FailureReason
	if data.ExternalID != "" {
		result.Reference = data.ExternalID
	}

	switch strings.ToUpper(data.Status) {
	case "SUCCESS", "SUCCEEDED", "COMPLETED", "PAID":
		result.Status = gatewaytypes.ChargeStatusSuccess
	case "FAILED", "DECLINED", "CANCELLED", "CANCELED":
		result.Status = gatewaytypes.ChargeStatusFailed
	case "PENDING", "PROCESSING":
		result.Status = gatewaytypes.ChargeStatusPending
	}
	return result, nil
}

func isNotFoundMessage(message string) bool {
	return strings.Contains(strings.ToLower(message), "not found")
}

// undecodable is retried: a garbled body is as ambiguous as no answer at all.
func undecodable(statusCode int, err error) error {
	return retry.RetryableError(errors.ErrGatewayUnreachable.WithCause(fmt.Errorf("undecodable verify response (status %d): %w", statusCode, err)))
}

func rejectedRequest(statusCode int, message string) error {
	return errors.NewGatewayError(errors.ErrCodeGatewayUnreachable,
		fmt.Sprintf("provider refused verify request with status %d", statusCode),
		fmt.Errorf("provider said: %s", message))
}
