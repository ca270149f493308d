package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/common/validation"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/credit-recovery/internal/core/events"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

type Config struct {
	GatewayTimeout time.Duration
	ExpireAfter    time.Duration
	PageSize       int
	// WriteTimeout bounds the writes that follow a gateway answer. They ignore the
	// caller's cancellation.
	WriteTimeout time.Duration
}

type Engine struct {
	repo    RepositoryAPI
	stats   StatsRepositoryAPI
	gateway GatewayAPI
	bus     Publisher
	metrics *Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStats(stats StatsRepositoryAPI) Option {
	return func(e *Engine) { e.stats = stats }
}

func NewEngine(repo RepositoryAPI, gateway GatewayAPI, bus Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	e := &Engine{
		repo:    repo,
		gateway: gateway,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

// Reconcile brings the intent behind reference to its final state, crediting at most once.
// The error return is reserved for bad references, unknown references and an unreadable
// store; everything else, including gateway trouble, is described by the Outcome.
func (e *Engine) Reconcile(ctx context.Context, reference string) (*Outcome, error) {
	if appErr := validation.ValidateReference(reference); appErr != nil {
		return nil, appErr
	}

	start := time.Now()
	source := internal.SourceFromContext(ctx)
	lg := logger.Enrich(ctx, e.logger).With("reference", reference, "source", source)

	intent, err := e.repo.GetIntentByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, internal.ErrIntentNotFound) {
			lg.Warn("reconcile requested for unknown reference")
		} else {
			lg.Error("reconcile failed to load intent", "error", err)
		}
		return nil, err
	}

	outcome := e.reconcileIntent(ctx, intent, source, lg)
	outcome.Duration = time.Since(start)
	e.metrics.observeOutcome(outcome, source)

	switch {
	case outcome.Retryable():
		lg.Warn("reconcile attempt failed, intent left for retry",
			"status", outcome.Status,
			"error_code", outcome.ErrorCode(),
			"error", outcome.Err)
	default:
		lg.Info("reconcile finished",
			"outcome", outcome.Kind,
			"status", outcome.Status,
			"duration_ms", outcome.Duration.Milliseconds())
	}
	return outcome, nil
}

func (e *Engine) reconcileIntent(ctx context.Context, intent *credit.PaymentIntent, source string, lg *slog.Logger) *Outcome {
	switch intent.Status {
	case credit.StatusCredited:
		return e.alreadyCredited(ctx, intent, lg)
	case credit.StatusFailed, credit.StatusExpired:
		return closedOutcome(intent)
	case credit.StatusVerified:
		// A previous attempt verified the charge but never finished crediting.
		return e.applyCredit(ctx, intent, source, nil, lg)
	default:
		return e.verifyAndApply(ctx, intent, source, lg)
	}
}

func (e *Engine) verifyAndApply(ctx context.Context, intent *credit.PaymentIntent, source string, lg *slog.Logger) *Outcome {
	result, err := e.verify(ctx, intent.Reference)
	if err != nil {
		return e.retryable(ctx, intent, source, err, nil, lg)
	}

	switch result.Status {
	case gatewaytypes.ChargeStatusSuccess:
		if !result.Matches(intent.Amount, intent.Currency) {
			reason := fmt.Sprintf("amount mismatch: expected %d %s, gateway confirmed %d %s",
				intent.Amount, intent.Currency, result.Amount, result.Currency)
			cause := internal.NewConflictError(reason, internal.ErrCodeAmountMismatch)
			return e.close(ctx, intent, credit.StatusFailed, reason, cause, result, source, lg)
		}

		writeCtx, cancel := e.settle(ctx)
		defer cancel()

		at := e.now()
		verified, err := e.repo.TransitionStatus(writeCtx, Transition{
			Reference: intent.Reference,
			From:      credit.StatusPending,
			To:        credit.StatusVerified,
			Version:   intent.Version,
			At:        at,
			Audit: e.auditEntry(intent.Reference, credit.StatusPending, credit.StatusVerified, "VERIFIED", source,
				"gateway confirmed payment", result, at),
		})
		if err != nil {
			return e.afterWriteError(writeCtx, intent, err, lg)
		}
		return e.applyCredit(writeCtx, verified, source, result, lg)

	case gatewaytypes.ChargeStatusFailed:
		reason := result.Reason
		if reason == "" {
			reason = "payment failed at gateway"
		}
		return e.close(ctx, intent, credit.StatusFailed, reason, internal.ErrGatewayRejected, result, source, lg)

	default:
		if e.cfg.ExpireAfter > 0 && intent.Age(e.now()) >= e.cfg.ExpireAfter {
			reason := fmt.Sprintf("still %s at gateway after %s", strings.ToLower(string(result.Status)), e.cfg.ExpireAfter)
			return e.close(ctx, intent, credit.StatusExpired, reason, internal.ErrIntentExpired, result, source, lg)
		}
		cause := internal.ErrGatewayPending.WithCause(fmt.Errorf("gateway reports %s", result.Status))
		return e.retryable(ctx, intent, source, cause, result, lg)
	}
}

// verify runs outside any database transaction, bounded by the gateway timeout.
func (e *Engine) verify(ctx context.Context, reference string) (*gatewaytypes.VerificationResult, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	began := time.Now()
	result, err := e.gateway.Verify(verifyCtx, reference)
	label := "error"
	if err == nil {
		label = strings.ToLower(string(result.Status))
	}
	e.metrics.observeVerify(e.gateway.Provider(), label, time.Since(began))

	if err != nil {
		if _, ok := internal.IsAppError(err); !ok {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, internal.ErrGatewayTimeout.WithCause(err)
			}
			return nil, internal.ErrGatewayUnreachable.WithCause(err)
		}
		return nil, err
	}
	return result, nil
}

func (e *Engine) applyCredit(ctx context.Context, intent *credit.PaymentIntent, source string, result *gatewaytypes.VerificationResult, lg *slog.Logger) *Outcome {
	ctx, cancel := e.settle(ctx)
	defer cancel()

	at := e.now()
	detail := fmt.Sprintf("credited %d %s to account %s", intent.Amount, intent.Currency, intent.AccountID)
	audit := e.auditEntry(intent.Reference, credit.StatusVerified, credit.StatusCredited, string(OutcomeCredited), source, detail, result, at)

	entry, err := e.repo.ApplyCredit(ctx, intent.Reference, audit, at)
	if err != nil {
		return e.afterWriteError(ctx, intent, err, lg)
	}

	e.publish(ctx, events.NewCreditAppliedEvent(intent.Reference, intent.AccountID, entry.Amount, entry.Currency, source), lg)
	return &Outcome{
		Reference:   intent.Reference,
		Kind:        OutcomeCredited,
		Status:      credit.StatusCredited,
		LedgerEntry: entry,
	}
}

func (e *Engine) close(ctx context.Context, intent *credit.PaymentIntent, to credit.Status, reason string, cause error, result *gatewaytypes.VerificationResult, source string, lg *slog.Logger) *Outcome {
	ctx, cancel := e.settle(ctx)
	defer cancel()

	at := e.now()
	kind := OutcomeFailed
	if to == credit.StatusExpired {
		kind = OutcomeExpired
	}

	_, err := e.repo.TransitionStatus(ctx, Transition{
		Reference: intent.Reference,
		From:      intent.Status,
		To:        to,
		Version:   intent.Version,
		Reason:    reason,
		Code:      errorCode(cause),
		At:        at,
		Audit:     e.auditEntry(intent.Reference, intent.Status, to, string(kind), source, reason, result, at),
	})
	if err != nil {
		return e.afterWriteError(ctx, intent, err, lg)
	}

	var event events.Event
	if to == credit.StatusExpired {
		event = events.NewPaymentExpiredEvent(intent.Reference, intent.AccountID, intent.Amount, reason, source)
	} else {
		event = events.NewPaymentFailedEvent(intent.Reference, intent.AccountID, intent.Amount, reason, source)
	}
	e.publish(ctx, event, lg)

	return &Outcome{
		Reference: intent.Reference,
		Kind:      kind,
		Status:    to,
		Reason:    reason,
		Err:       cause,
	}
}

// settle detaches ctx from the caller once the gateway has answered. A caller that
// disconnects mid-way must not leave an intent VERIFIED without its ledger entry.
func (e *Engine) settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
}

// retryable records the attempt without touching the intent row.
func (e *Engine) retryable(ctx context.Context, intent *credit.PaymentIntent, source string, cause error, result *gatewaytypes.VerificationResult, lg *slog.Logger) *Outcome {
	at := e.now()
	audit := e.auditEntry(intent.Reference, intent.Status, intent.Status, string(OutcomeRetryable), source, cause.Error(), result, at)

	auditCtx, cancel := e.settle(ctx)
	defer cancel()
	if err := e.repo.RecordAttempt(auditCtx, audit); err != nil {
		lg.Warn("failed to record reconcile attempt", "error", err)
	}

	return &Outcome{
		Reference: intent.Reference,
		Kind:      OutcomeRetryable,
		Status:    intent.Status,
		Reason:    cause.Error(),
		Err:       cause,
	}
}

// afterWriteError decides what a failed write means. A conflict is another process
// getting there first, so the fresh row tells the real outcome. Anything else rolled
// back and is safe to retry.
func (e *Engine) afterWriteError(ctx context.Context, intent *credit.PaymentIntent, err error, lg *slog.Logger) *Outcome {
	if !errors.Is(err, internal.ErrPersistenceConflict) && !errors.Is(err, internal.ErrIntentNotFound) {
		lg.Error("credit verification failed, transaction rolled back", "status", intent.Status, "error", err)
		cause := internal.NewInternalError("failed to persist reconciliation result", err)
		cause.Retryable = true
		return &Outcome{
			Reference: intent.Reference,
			Kind:      OutcomeRetryable,
			Status:    intent.Status,
			Reason:    cause.Error(),
			Err:       cause,
		}
	}

	current, loadErr := e.repo.GetIntentByReference(ctx, intent.Reference)
	if loadErr != nil {
		cause := internal.ErrPersistenceConflict.WithCause(loadErr)
		return &Outcome{Reference: intent.Reference, Kind: OutcomeRetryable, Status: intent.Status, Reason: cause.Error(), Err: cause}
	}

	lg.Info("intent changed concurrently", "was", intent.Status, "now", current.Status)
	switch current.Status {
	case credit.StatusCredited:
		return e.alreadyCredited(ctx, current, lg)
	case credit.StatusFailed, credit.StatusExpired:
		return closedOutcome(current)
	default:
		cause := internal.ErrPersistenceConflict.WithCause(err)
		return &Outcome{
			Reference: current.Reference,
			Kind:      OutcomeRetryable,
			Status:    current.Status,
			Reason:    cause.Error(),
			Err:       cause,
		}
	}
}

func (e *Engine) alreadyCredited(ctx context.Context, intent *credit.PaymentIntent, lg *slog.Logger) *Outcome {
	entry, err := e.repo.GetLedgerEntry(ctx, intent.Reference)
	if err != nil {
		lg.Warn("failed to load ledger entry for credited intent", "error", err)
	}
	return &Outcome{
		Reference:   intent.Reference,
		Kind:        OutcomeAlreadyCredited,
		Status:      credit.StatusCredited,
		LedgerEntry: entry,
	}
}

func closedOutcome(intent *credit.PaymentIntent) *Outcome {
	reason := "closed"
	if intent.FailureReason != nil && *intent.FailureReason != "" {
		reason = *intent.FailureReason
	}
	outcome := &Outcome{
		Reference: intent.Reference,
		Kind:      OutcomeFailed,
		Status:    intent.Status,
		Reason:    reason,
		Err:       closeCause(intent, reason),
	}
	if intent.Status == credit.StatusExpired {
		outcome.Kind = OutcomeExpired
	}
	return outcome
}

// closeCause rebuilds the error an intent was closed with from its stored failure code.
// Rows closed before the code was stored fall back to the status.
func closeCause(intent *credit.PaymentIntent, reason string) error {
	code := ""
	if intent.FailureCode != nil {
		code = *intent.FailureCode
	}
	switch internal.ErrorCode(code) {
	case internal.ErrCodeAmountMismatch:
		return internal.NewConflictError(reason, internal.ErrCodeAmountMismatch)
	case internal.ErrCodeIntentExpired:
		return internal.ErrIntentExpired
	case internal.ErrCodeGatewayRejected:
		return internal.ErrGatewayRejected
	}
	if intent.Status == credit.StatusExpired {
		return internal.ErrIntentExpired
	}
	return internal.ErrGatewayRejected
}

func (e *Engine) auditEntry(reference string, from, to credit.Status, outcome, source, detail string, result *gatewaytypes.VerificationResult, at time.Time) *credit.AuditEntry {
	return &credit.AuditEntry{
		Reference:      reference,
		FromStatus:     from,
		ToStatus:       to,
		Outcome:        outcome,
		Source:         source,
		Detail:         detail,
		GatewayPayload: gatewayPayload(result),
		CreatedAt:      at,
	}
}

func gatewayPayload(result *gatewaytypes.VerificationResult) datatypes.JSON {
	if result == nil || len(result.Raw) == 0 || !json.Valid(result.Raw) {
		return nil
	}
	return datatypes.JSON(result.Raw)
}

func (e *Engine) publish(ctx context.Context, event events.Event, lg *slog.Logger) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		lg.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
	}
}

// ListPending yields PENDING intents created before now minus staleness, oldest first.
// Pages are fetched lazily by keyset; the cutoff is fixed when a range starts, so a
// sweep that keeps creating intents still terminates. Each range starts over.
func (e *Engine) ListPending(ctx context.Context, staleness time.Duration) iter.Seq2[*credit.PaymentIntent, error] {
	return e.listByStatus(ctx, credit.StatusPending, staleness)
}

// ListStranded yields VERIFIED intents created before now minus staleness: the gateway
// confirmed them but the credit never committed. Reconcile finishes them without asking
// the gateway again.
func (e *Engine) ListStranded(ctx context.Context, staleness time.Duration) iter.Seq2[*credit.PaymentIntent, error] {
	return e.listByStatus(ctx, credit.StatusVerified, staleness)
}

func (e *Engine) listByStatus(ctx context.Context, status credit.Status, staleness time.Duration) iter.Seq2[*credit.PaymentIntent, error] {
	return func(yield func(*credit.PaymentIntent, error) bool) {
		query := IntentQuery{
			Status: status,
			Cutoff: e.now().Add(-staleness),
			Limit:  e.cfg.PageSize,
		}
		for {
			page, err := e.repo.ListIntentsPage(ctx, query)
			if err != nil {
				yield(nil, fmt.Errorf("failed to list %s intents: %w", strings.ToLower(string(status)), err))
				return
			}
			for _, intent := range page {
				if !yield(intent, nil) {
					return
				}
			}
			if len(page) < query.Limit {
				return
			}
			last := page[len(page)-1]
			query.After = &PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// ListPendingIntents collects at most limit intents from ListPending; limit <= 0 means all.
func (e *Engine) ListPendingIntents(ctx context.Context, staleness time.Duration, limit int) ([]*credit.PaymentIntent, error) {
	var intents []*credit.PaymentIntent
	for intent, err := range e.ListPending(ctx, staleness) {
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
		if limit > 0 && len(intents) >= limit {
			break
		}
	}
	return intents, nil
}

type CreateIntentRequest struct {
	Reference string `json:"reference"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (r CreateIntentRequest) Validate() error {
	if appErr := validation.ValidateNewIntent(r.Reference, r.AccountID, r.Amount, r.Currency); appErr != nil {
		return appErr
	}
	return nil
}

// CreateIntent records a new PENDING intent, generating a reference when none is given.
func (e *Engine) CreateIntent(ctx context.Context, req CreateIntentRequest) (*credit.PaymentIntent, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Reference == "" {
		req.Reference = credit.NewReference()
	}

	now := e.now()
	intent := &credit.PaymentIntent{
		Reference: req.Reference,
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    credit.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.repo.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	e.logger.Info("payment intent created", "reference", intent.Reference, "account_id", intent.AccountID, "amount", intent.Amount)
	return intent, nil
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if e.stats == nil {
		return nil, errors.New("stats repository not configured")
	}
	counts, err := e.stats.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count intents: %w", err)
	}
	stats := &Stats{Counts: counts, GeneratedAt: e.now()}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

func errorCode(err error) string {
	if appErr, ok := internal.IsAppError(err); ok {
		return string(appErr.Code)
	}
	return ""
}
