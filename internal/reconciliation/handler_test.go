package reconciliation_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
	"github.com/frahmantamala/credit-recovery/internal/transport"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

type mockService struct {
	outcome    *reconciliation.Outcome
	err        error
	intents    []*credit.PaymentIntent
	report     *reconciliation.DiagnosticReport
	stats      *reconciliation.Stats
	lastRef    string
	lastSource string
	lastAge    time.Duration
	lastLimit  int
}

func (m *mockService) Reconcile(ctx context.Context, reference string) (*reconciliation.Outcome, error) {
	m.lastRef = reference
	m.lastSource = internal.SourceFromContext(ctx)
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}

func (m *mockService) ListPendingIntents(ctx context.Context, staleness time.Duration, limit int) ([]*credit.PaymentIntent, error) {
	m.lastAge = staleness
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.intents, nil
}

func (m *mockService) Debug(ctx context.Context, reference string) (*reconciliation.DiagnosticReport, error) {
	m.lastRef = reference
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}

func (m *mockService) Stats(ctx context.Context) (*reconciliation.Stats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func operatorRouter(h *reconciliation.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/reconciliation/pending", h.ListPending)
	r.Get("/reconciliation/stats", h.Stats)
	r.Post("/reconciliation/{reference}", h.Reconcile)
	r.Get("/reconciliation/{reference}/debug", h.Debug)
	return r
}

var _ = ginkgo.Describe("Handler", func() {
	var (
		service  *mockService
		router   http.Handler
		recorder *httptest.ResponseRecorder
	)

	ginkgo.BeforeEach(func() {
		service = &mockService{}
		router = operatorRouter(reconciliation.NewHandler(service, time.Hour, logger.Discard()))
		recorder = httptest.NewRecorder()
	})

	ginkgo.Describe("Reconcile", func() {
		ginkgo.It("should return the outcome with source api", func() {
			// Given
			service.outcome = &reconciliation.Outcome{
				Reference:   "AI-CREDIT-123",
				Kind:        reconciliation.OutcomeCredited,
				Status:      credit.StatusCredited,
				LedgerEntry: &credit.LedgerEntry{Reference: "AI-CREDIT-123", AccountID: "acct_1", Amount: 500, Currency: "NGN"},
			}
			req := httptest.NewRequest(http.MethodPost, "/reconciliation/AI-CREDIT-123", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastRef).To(gomega.Equal("AI-CREDIT-123"))
			gomega.Expect(service.lastSource).To(gomega.Equal(internal.SourceAPI))

			var resp reconciliation.ReconcileResponse
			gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(gomega.Succeed())
			gomega.Expect(resp.Outcome).To(gomega.Equal(reconciliation.OutcomeCredited))
			gomega.Expect(resp.Summary).To(gomega.ContainSubstring("fixed now"))
			gomega.Expect(resp.LedgerEntry.Amount).To(gomega.Equal(int64(500)))
		})

		ginkgo.It("should return 404 for an unknown reference", func() {
			// Given
			service.err = internal.ErrIntentNotFound
			req := httptest.NewRequest(http.MethodPost, "/reconciliation/AI-CREDIT-doesnotexist", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
			gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring(string(internal.ErrCodeIntentNotFound)))
		})

		ginkgo.It("should hide unexpected errors behind a 500", func() {
			// Given
			service.err = errors.New("connection refused")
			req := httptest.NewRequest(http.MethodPost, "/reconciliation/AI-CREDIT-123", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusInternalServerError))
			gomega.Expect(recorder.Body.String()).ToNot(gomega.ContainSubstring("connection refused"))
		})
	})

	ginkgo.Describe("ListPending", func() {
		ginkgo.It("should use the default threshold and limit", func() {
			// Given
			service.intents = []*credit.PaymentIntent{{Reference: "AI-CREDIT-1", AccountID: "acct_1", Amount: 100, Currency: "NGN", CreatedAt: time.Now().UTC().Add(-2 * time.Hour)}}
			req := httptest.NewRequest(http.MethodGet, "/reconciliation/pending", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastAge).To(gomega.Equal(time.Hour))
			gomega.Expect(service.lastLimit).To(gomega.Equal(100))

			var resp reconciliation.PendingListResponse
			gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(gomega.Succeed())
			gomega.Expect(resp.Count).To(gomega.Equal(1))
			gomega.Expect(resp.Intents[0].Reference).To(gomega.Equal("AI-CREDIT-1"))
		})

		ginkgo.It("should accept older_than and limit", func() {
			// Given
			req := httptest.NewRequest(http.MethodGet, "/reconciliation/pending?older_than=30m&limit=5", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastAge).To(gomega.Equal(30 * time.Minute))
			gomega.Expect(service.lastLimit).To(gomega.Equal(5))
		})

		ginkgo.DescribeTable("should reject bad query parameters",
			func(query string) {
				req := httptest.NewRequest(http.MethodGet, "/reconciliation/pending?"+query, nil)
				router.ServeHTTP(recorder, req)
				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
			},
			ginkgo.Entry("unparseable duration", "older_than=soon"),
			ginkgo.Entry("negative duration", "older_than=-1h"),
			ginkgo.Entry("zero limit", "limit=0"),
			ginkgo.Entry("limit too large", "limit=5000"),
		)
	})

	ginkgo.Describe("Debug", func() {
		ginkgo.It("should return the diagnostic report", func() {
			// Given
			service.report = &reconciliation.DiagnosticReport{Reference: "AI-CREDIT-9", IntentFound: false, Assessment: "unknown reference: no local intent exists"}
			req := httptest.NewRequest(http.MethodGet, "/reconciliation/AI-CREDIT-9/debug", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(service.lastRef).To(gomega.Equal("AI-CREDIT-9"))
			gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring("unknown reference"))
		})
	})

	ginkgo.Describe("Stats", func() {
		ginkgo.It("should return counts", func() {
			// Given
			service.stats = &reconciliation.Stats{Counts: map[credit.Status]int64{credit.StatusPending: 3}, Total: 3}
			req := httptest.NewRequest(http.MethodGet, "/reconciliation/stats", nil)

			// When
			router.ServeHTTP(recorder, req)

			// Then
			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring(`"PENDING":3`))
		})
	})
})

var _ = ginkgo.Describe("WebhookHandler", func() {
	const secret = "whsec_test"

	var (
		service  *mockService
		handler  *reconciliation.WebhookHandler
		recorder *httptest.ResponseRecorder
	)

	signed := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/callback", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Paystack-Signature", hex.EncodeToString(reconciliation.Sign(secret, []byte(body))))
		return req
	}

	ginkgo.BeforeEach(func() {
		service = &mockService{}
		handler = reconciliation.NewWebhookHandler(transport.NewBaseHandler(logger.Discard()), service,
			reconciliation.WebhookConfig{Secret: secret}, logger.Discard())
		recorder = httptest.NewRecorder()
	})

	ginkgo.It("should reconcile a Paystack charge.success callback with source webhook", func() {
		// Given
		service.outcome = &reconciliation.Outcome{Reference: "AI-CREDIT-123", Kind: reconciliation.OutcomeCredited, Status: credit.StatusCredited}
		body := `{"event":"charge.success","data":{"reference":"AI-CREDIT-123","status":"success"}}`

		// When
		handler.HandlePaymentCallback(recorder, signed(body))

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(service.lastRef).To(gomega.Equal("AI-CREDIT-123"))
		gomega.Expect(service.lastSource).To(gomega.Equal(internal.SourceWebhook))
	})

	ginkgo.It("should accept the generic payload shape", func() {
		// Given
		service.outcome = &reconciliation.Outcome{Reference: "AI-CREDIT-456", Kind: reconciliation.OutcomeFailed, Status: credit.StatusFailed, Reason: "Declined"}
		body := `{"external_id":"AI-CREDIT-456","status":"failed"}`

		// When
		handler.HandlePaymentCallback(recorder, signed(body))

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(service.lastRef).To(gomega.Equal("AI-CREDIT-456"))
	})

	ginkgo.It("should ask the provider to retry when the outcome is retryable", func() {
		// Given
		service.outcome = &reconciliation.Outcome{Reference: "AI-CREDIT-789", Kind: reconciliation.OutcomeRetryable, Status: credit.StatusPending, Err: internal.ErrGatewayTimeout}

		// When
		handler.HandlePaymentCallback(recorder, signed(`{"external_id":"AI-CREDIT-789"}`))

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusServiceUnavailable))
		gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring(string(internal.ErrCodeGatewayTimeout)))
	})

	ginkgo.It("should return 404 for an unknown reference", func() {
		// Given
		service.err = internal.ErrIntentNotFound

		// When
		handler.HandlePaymentCallback(recorder, signed(`{"external_id":"AI-CREDIT-doesnotexist"}`))

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
	})

	ginkgo.It("should reject a bad signature without reconciling", func() {
		// Given
		req := signed(`{"external_id":"AI-CREDIT-123"}`)
		req.Header.Set("X-Paystack-Signature", "deadbeef")

		// When
		handler.HandlePaymentCallback(recorder, req)

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnauthorized))
		gomega.Expect(service.lastRef).To(gomega.BeEmpty())
	})

	ginkgo.It("should reject a body that was altered after signing", func() {
		// Given
		req := signed(`{"external_id":"AI-CREDIT-123"}`)
		req.Body = io.NopCloser(strings.NewReader(`{"external_id":"AI-CREDIT-999"}`))

		// When
		handler.HandlePaymentCallback(recorder, req)

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("should reject a payload without a reference", func() {
		// When
		handler.HandlePaymentCallback(recorder, signed(`{"event":"charge.success","data":{"status":"success"}}`))

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
		gomega.Expect(service.lastRef).To(gomega.BeEmpty())
	})

	ginkgo.It("should skip the signature check when configured to", func() {
		// Given
		handler = reconciliation.NewWebhookHandler(transport.NewBaseHandler(logger.Discard()), service,
			reconciliation.WebhookConfig{SkipSignature: true}, logger.Discard())
		service.outcome = &reconciliation.Outcome{Reference: "AI-CREDIT-123", Kind: reconciliation.OutcomeAlreadyCredited, Status: credit.StatusCredited}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/callback", bytes.NewBufferString(`{"external_id":"AI-CREDIT-123"}`))

		// When
		handler.HandlePaymentCallback(recorder, req)

		// Then
		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
	})
})
