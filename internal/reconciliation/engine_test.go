package reconciliation_test

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/credit-recovery/internal/core/events"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation/postgres"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

var _ = ginkgo.Describe("Engine", func() {
	var (
		ctx     context.Context
		db      *gorm.DB
		repo    reconciliation.RepositoryAPI
		gateway *fakeGateway
		bus     *events.EventBus
		clock   *testClock
		engine  *reconciliation.Engine
	)

	newEngine := func(cfg reconciliation.Config) *reconciliation.Engine {
		sqlDB, err := db.DB()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		return reconciliation.NewEngine(repo, gateway, bus, cfg, logger.Discard(),
			reconciliation.WithClock(clock.Now),
			reconciliation.WithMetrics(reconciliation.NewMetrics(prometheus.NewRegistry())),
			reconciliation.WithStats(postgres.NewStatsRepository(sqlx.NewDb(sqlDB, "sqlite3"))),
		)
	}

	createIntent := func(reference string, amount int64) *credit.PaymentIntent {
		intent, err := engine.CreateIntent(ctx, reconciliation.CreateIntentRequest{
			Reference: reference,
			AccountID: "acct_42",
			Amount:    amount,
			Currency:  "ngn",
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		return intent
	}

	ledgerCount := func(reference string) int64 {
		var n int64
		gomega.Expect(db.Model(&credit.LedgerEntry{}).Where("reference = ?", reference).Count(&n).Error).To(gomega.Succeed())
		return n
	}

	statusOf := func(reference string) credit.Status {
		intent, err := repo.GetIntentByReference(ctx, reference)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		return intent.Status
	}

	balanceOf := func(accountID string) int64 {
		account, err := repo.GetAccount(ctx, accountID)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		if account == nil {
			return 0
		}
		return account.Balance
	}

	ginkgo.BeforeEach(func() {
		ctx = internal.ContextWithSource(context.Background(), internal.SourceCLI)
		db = openTestDB()
		repo = postgres.NewIntentRepository(db)
		gateway = newFakeGateway()
		bus = events.NewEventBus(logger.Discard())
		clock = &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
		engine = newEngine(reconciliation.Config{
			GatewayTimeout: time.Second,
			ExpireAfter:    24 * time.Hour,
			PageSize:       2,
		})
	})

	ginkgo.Describe("Reconcile", func() {
		ginkgo.Context("when the gateway confirms the payment", func() {
			ginkgo.It("should credit the account once and record the history", func() {
				// Given
				createIntent("AI-CREDIT-123", 500)
				gateway.succeed("AI-CREDIT-123", 500, "NGN")
				clock.Advance(10 * time.Minute)

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-123")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Kind).To(gomega.Equal(reconciliation.OutcomeCredited))
				gomega.Expect(outcome.Status).To(gomega.Equal(credit.StatusCredited))
				gomega.Expect(outcome.LedgerEntry).ToNot(gomega.BeNil())
				gomega.Expect(outcome.LedgerEntry.Amount).To(gomega.Equal(int64(500)))
				gomega.Expect(outcome.Summary()).To(gomega.ContainSubstring("fixed now"))

				gomega.Expect(statusOf("AI-CREDIT-123")).To(gomega.Equal(credit.StatusCredited))
				gomega.Expect(ledgerCount("AI-CREDIT-123")).To(gomega.Equal(int64(1)))
				gomega.Expect(balanceOf("acct_42")).To(gomega.Equal(int64(500)))

				history, err := repo.ListAudit(ctx, "AI-CREDIT-123")
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(history).To(gomega.HaveLen(2))
				gomega.Expect(history[0].ToStatus).To(gomega.Equal(credit.StatusVerified))
				gomega.Expect(history[1].ToStatus).To(gomega.Equal(credit.StatusCredited))
				gomega.Expect(history[1].Source).To(gomega.Equal(internal.SourceCLI))
				gomega.Expect(string(history[0].GatewayPayload)).To(gomega.ContainSubstring("success"))
			})

			ginkgo.It("should be a no-op when run again", func() {
				// Given
				createIntent("AI-CREDIT-123", 500)
				gateway.succeed("AI-CREDIT-123", 500, "NGN")
				_, err := engine.Reconcile(ctx, "AI-CREDIT-123")
				gomega.Expect(err).ToNot(gomega.HaveOccurred())

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-123")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Kind).To(gomega.Equal(reconciliation.OutcomeAlreadyCredited))
				gomega.Expect(outcome.Resolved()).To(gomega.BeTrue())
				gomega.Expect(outcome.LedgerEntry).ToNot(gomega.BeNil())
				gomega.Expect(outcome.Summary()).To(gomega.ContainSubstring("already handled"))
				gomega.Expect(gateway.callCount("AI-CREDIT-123")).To(gomega.Equal(1))
				gomega.Expect(ledgerCount("AI-CREDIT-123")).To(gomega.Equal(int64(1)))
				gomega.Expect(balanceOf("acct_42")).To(gomega.Equal(int64(500)))

				history, _ := repo.ListAudit(ctx, "AI-CREDIT-123")
				gomega.Expect(history).To(gomega.HaveLen(2))
			})

			ginkgo.It("should publish credit.applied", func() {
				// Given
				received := make(chan events.Event, 1)
				bus.Subscribe(events.EventTypeCreditApplied, func(_ context.Context, event events.Event) error {
					received <- event
					return nil
				})
				createIntent("AI-CREDIT-evt", 700)
				gateway.succeed("AI-CREDIT-evt", 700, "NGN")

				// When
				_, err := engine.Reconcile(ctx, "AI-CREDIT-evt")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(bus.Drain(ctx)).To(gomega.Succeed())
				var event events.Event
				gomega.Eventually(received).Should(gomega.Receive(&event))
				applied, ok := event.(*events.CreditAppliedEvent)
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(applied.Reference).To(gomega.Equal("AI-CREDIT-evt"))
				gomega.Expect(applied.Amount).To(gomega.Equal(int64(700)))
				gomega.Expect(applied.Source).To(gomega.Equal(internal.SourceCLI))
			})
		})

		ginkgo.Context("when the gateway reports a failed charge", func() {
			ginkgo.It("should close the intent as FAILED and never credit it later", func() {
				// Given
				createIntent("AI-CREDIT-456", 500)
				gateway.answer("AI-CREDIT-456", gatewaytypes.ChargeStatusFailed, "Declined")

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-456")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Kind).To(gomega.Equal(reconciliation.OutcomeFailed))
				gomega.Expect(outcome.Reason).To(gomega.Equal("Declined"))
				gomega.Expect(outcome.ErrorCode()).To(gomega.Equal(string(internal.ErrCodeGatewayRejected)))
				gomega.Expect(statusOf("AI-CREDIT-456")).To(gomega.Equal(credit.StatusFailed))

				// And a late success does not resurrect it
				gateway.succeed("AI-CREDIT-456", 500, "NGN")
				again, err := engine.Reconcile(ctx, "AI-CREDIT-456")
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(again.Kind).To(gomega.Equal(reconciliation.OutcomeFailed))
				gomega.Expect(again.Reason).To(gomega.Equal("Declined"))
				gomega.Expect(gateway.callCount("AI-CREDIT-456")).To(gomega.Equal(1))
				gomega.Expect(ledgerCount("AI-CREDIT-456")).To(gomega.Equal(int64(0)))
			})
		})

		ginkgo.Context("when the gateway confirms a different amount", func() {
			ginkgo.It("should fail the intent without crediting", func() {
				// Given
				createIntent("AI-CREDIT-short", 500)
				gateway.succeed("AI-CREDIT-short", 400, "NGN")

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-short")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Kind).To(gomega.Equal(reconciliation.OutcomeFailed))
				gomega.Expect(outcome.Reason).To(gomega.ContainSubstring("amount mismatch"))
				gomega.Expect(outcome.ErrorCode()).To(gomega.Equal(string(internal.ErrCodeAmountMismatch)))
				gomega.Expect(statusOf("AI-CREDIT-short")).To(gomega.Equal(credit.StatusFailed))
				gomega.Expect(ledgerCount("AI-CREDIT-short")).To(gomega.Equal(int64(0)))
				gomega.Expect(balanceOf("acct_42")).To(gomega.Equal(int64(0)))

				// And a rerun reports the same reason and code
				again, err := engine.Reconcile(ctx, "AI-CREDIT-short")
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(again.Kind).To(gomega.Equal(reconciliation.OutcomeFailed))
				gomega.Expect(again.Reason).To(gomega.Equal(outcome.Reason))
				gomega.Expect(again.ErrorCode()).To(gomega.Equal(string(internal.ErrCodeAmountMismatch)))
				gomega.Expect(gateway.callCount("AI-CREDIT-short")).To(gomega.Equal(1))
			})
		})

		ginkgo.Context("when the gateway times out", func() {
			ginkgo.It("should leave the intent PENDING and record the attempt", func() {
				// Given
				createIntent("AI-CREDIT-789", 500)
				gateway.fail("AI-CREDIT-789", internal.ErrGatewayTimeout)

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-789")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Retryable()).To(gomega.BeTrue())
				gomega.Expect(outcome.Status).To(gomega.Equal(credit.StatusPending))
				gomega.Expect(outcome.Err).To(gomega.MatchError(internal.ErrGatewayTimeout))
				gomega.Expect(outcome.Summary()).To(gomega.ContainSubstring("retry later"))
				gomega.Expect(statusOf("AI-CREDIT-789")).To(gomega.Equal(credit.StatusPending))
				gomega.Expect(ledgerCount("AI-CREDIT-789")).To(gomega.Equal(int64(0)))

				history, _ := repo.ListAudit(ctx, "AI-CREDIT-789")
				gomega.Expect(history).To(gomega.HaveLen(1))
				gomega.Expect(history[0].IsTransition()).To(gomega.BeFalse())
				gomega.Expect(history[0].Outcome).To(gomega.Equal(string(reconciliation.OutcomeRetryable)))
			})

			ginkgo.It("should cut off a gateway slower than the configured timeout", func() {
				// Given
				engine = newEngine(reconciliation.Config{GatewayTimeout: 20 * time.Millisecond})
				createIntent("AI-CREDIT-slow", 500)
				gateway.succeed("AI-CREDIT-slow", 500, "NGN")
				gateway.delay = time.Second

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-slow")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Retryable()).To(gomega.BeTrue())
				gomega.Expect(outcome.Err).To(gomega.MatchError(internal.ErrGatewayTimeout))
				gomega.Expect(statusOf("AI-CREDIT-slow")).To(gomega.Equal(credit.StatusPending))
			})
		})

		ginkgo.Context("when the payment is still pending at the gateway", func() {
			ginkgo.It("should retry while young and expire once old enough", func() {
				// Given
				createIntent("AI-CREDIT-wait", 500)
				gateway.answer("AI-CREDIT-wait", gatewaytypes.ChargeStatusPending, "")

				// When
				young, err := engine.Reconcile(ctx, "AI-CREDIT-wait")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(young.Retryable()).To(gomega.BeTrue())
				gomega.Expect(young.ErrorCode()).To(gomega.Equal(string(internal.ErrCodeGatewayPending)))

				// When
				clock.Advance(25 * time.Hour)
				old, err := engine.Reconcile(ctx, "AI-CREDIT-wait")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(old.Kind).To(gomega.Equal(reconciliation.OutcomeExpired))
				gomega.Expect(old.Terminal()).To(gomega.BeTrue())
				gomega.Expect(statusOf("AI-CREDIT-wait")).To(gomega.Equal(credit.StatusExpired))
			})
		})

		ginkgo.Context("when the reference is unknown or malformed", func() {
			ginkgo.It("should return ErrIntentNotFound and write nothing", func() {
				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-doesnotexist")

				// Then
				gomega.Expect(outcome).To(gomega.BeNil())
				gomega.Expect(err).To(gomega.MatchError(internal.ErrIntentNotFound))
				gomega.Expect(gateway.callCount("AI-CREDIT-doesnotexist")).To(gomega.Equal(0))
				history, _ := repo.ListAudit(ctx, "AI-CREDIT-doesnotexist")
				gomega.Expect(history).To(gomega.BeEmpty())
			})

			ginkgo.It("should reject an invalid reference", func() {
				// When
				_, err := engine.Reconcile(ctx, "not a reference!")

				// Then
				appErr, ok := internal.IsAppError(err)
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(appErr.Type).To(gomega.Equal(internal.ErrorTypeValidation))
			})
		})

		ginkgo.Context("when crediting fails after verification", func() {
			ginkgo.It("should roll back, keep VERIFIED and finish on the next run without asking the gateway", func() {
				// Given
				createIntent("AI-CREDIT-rb", 500)
				gateway.succeed("AI-CREDIT-rb", 500, "NGN")
				gomega.Expect(db.Migrator().DropTable(&credit.Account{})).To(gomega.Succeed())

				// When
				outcome, err := engine.Reconcile(ctx, "AI-CREDIT-rb")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(outcome.Retryable()).To(gomega.BeTrue())
				gomega.Expect(statusOf("AI-CREDIT-rb")).To(gomega.Equal(credit.StatusVerified))
				gomega.Expect(ledgerCount("AI-CREDIT-rb")).To(gomega.Equal(int64(0)))

				// When the store recovers
				gomega.Expect(db.AutoMigrate(&credit.Account{})).To(gomega.Succeed())
				resumed, err := engine.Reconcile(ctx, "AI-CREDIT-rb")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(resumed.Kind).To(gomega.Equal(reconciliation.OutcomeCredited))
				gomega.Expect(gateway.callCount("AI-CREDIT-rb")).To(gomega.Equal(1))
				gomega.Expect(ledgerCount("AI-CREDIT-rb")).To(gomega.Equal(int64(1)))
				gomega.Expect(balanceOf("acct_42")).To(gomega.Equal(int64(500)))
			})
		})

		ginkgo.Context("when the caller goes away right after verification", func() {
			ginkgo.It("should still finish the credit", func() {
				// Given
				createIntent("AI-CREDIT-gone", 500)
				gateway.succeed("AI-CREDIT-gone", 500, "NGN")
				callerCtx, hangUp := context.WithCancel(ctx)
				defer hangUp()
				engine = reconciliation.NewEngine(&hangUpAfterVerify{RepositoryAPI: repo, hangUp: hangUp},
					gateway, bus, reconciliation.Config{GatewayTimeout: time.Second}, logger.Discard(),
					reconciliation.WithClock(clock.Now))

				// When
				outcome, err := engine.Reconcile(callerCtx, "AI-CREDIT-gone")

				// Then
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(callerCtx.Err()).To(gomega.MatchError(context.Canceled))
				gomega.Expect(outcome.Kind).To(gomega.Equal(reconciliation.OutcomeCredited))
				gomega.Expect(statusOf("AI-CREDIT-gone")).To(gomega.Equal(credit.StatusCredited))
				gomega.Expect(ledgerCount("AI-CREDIT-gone")).To(gomega.Equal(int64(1)))
			})
		})

		ginkgo.Context("when many callers reconcile the same reference at once", func() {
			ginkgo.It("should credit exactly once", func() {
				// Given
				createIntent("AI-CREDIT-race", 500)
				gateway.succeed("AI-CREDIT-race", 500, "NGN")
				gateway.delay = 5 * time.Millisecond

				// When
				const callers = 8
				outcomes := make([]*reconciliation.Outcome, callers)
				var wg sync.WaitGroup
				for i := 0; i < callers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						defer ginkgo.GinkgoRecover()
						outcome, err := engine.Reconcile(ctx, "AI-CREDIT-race")
						gomega.Expect(err).ToNot(gomega.HaveOccurred())
						outcomes[i] = outcome
					}(i)
				}
				wg.Wait()

				// Then
				credited := 0
				for _, o := range outcomes {
					gomega.Expect(o.Terminal()).To(gomega.BeFalse())
					if o.Kind == reconciliation.OutcomeCredited {
						credited++
					}
				}
				gomega.Expect(credited).To(gomega.Equal(1))
				gomega.Expect(ledgerCount("AI-CREDIT-race")).To(gomega.Equal(int64(1)))
				gomega.Expect(balanceOf("acct_42")).To(gomega.Equal(int64(500)))
				gomega.Expect(statusOf("AI-CREDIT-race")).To(gomega.Equal(credit.StatusCredited))

				final, err := engine.Reconcile(ctx, "AI-CREDIT-race")
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(final.Kind).To(gomega.Equal(reconciliation.OutcomeAlreadyCredited))
			})
		})
	})

	ginkgo.Describe("ListPending", func() {
		ginkgo.BeforeEach(func() {
			for _, ref := range []string{"AI-CREDIT-p1", "AI-CREDIT-p2", "AI-CREDIT-p3", "AI-CREDIT-p4", "AI-CREDIT-p5"} {
				createIntent(ref, 100)
				clock.Advance(time.Minute)
			}
			createIntent("AI-CREDIT-new", 100)
			clock.Advance(30 * time.Second)
		})

		ginkgo.It("should return intents older than the threshold, oldest first, across pages", func() {
			// When
			intents, err := engine.ListPendingIntents(ctx, time.Minute, 0)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			refs := make([]string, 0, len(intents))
			for _, intent := range intents {
				refs = append(refs, intent.Reference)
			}
			gomega.Expect(refs).To(gomega.Equal([]string{"AI-CREDIT-p1", "AI-CREDIT-p2", "AI-CREDIT-p3", "AI-CREDIT-p4", "AI-CREDIT-p5"}))
		})

		ginkgo.It("should skip intents that are no longer pending", func() {
			// Given
			gateway.answer("AI-CREDIT-p2", gatewaytypes.ChargeStatusFailed, "declined")
			_, err := engine.Reconcile(ctx, "AI-CREDIT-p2")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// When
			intents, err := engine.ListPendingIntents(ctx, time.Minute, 0)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(intents).To(gomega.HaveLen(4))
			for _, intent := range intents {
				gomega.Expect(intent.Reference).ToNot(gomega.Equal("AI-CREDIT-p2"))
			}
		})

		ginkgo.It("should stop at the limit and start over on a new range", func() {
			// When
			first, err := engine.ListPendingIntents(ctx, time.Minute, 3)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			again, err := engine.ListPendingIntents(ctx, time.Minute, 3)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// Then
			gomega.Expect(first).To(gomega.HaveLen(3))
			gomega.Expect(again).To(gomega.HaveLen(3))
			gomega.Expect(again[0].Reference).To(gomega.Equal(first[0].Reference))
		})

		ginkgo.It("should honour an early break from the iterator", func() {
			// When
			seen := 0
			for intent, err := range engine.ListPending(ctx, time.Minute) {
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(intent).ToNot(gomega.BeNil())
				seen++
				if seen == 1 {
					break
				}
			}

			// Then
			gomega.Expect(seen).To(gomega.Equal(1))
		})

		ginkgo.It("should return nothing when every intent is fresh", func() {
			// When
			intents, err := engine.ListPendingIntents(ctx, 24*time.Hour, 0)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(intents).To(gomega.BeEmpty())
		})
	})

	ginkgo.Describe("Debug", func() {
		ginkgo.It("should describe a pending intent the gateway already settled, without writing", func() {
			// Given
			createIntent("AI-CREDIT-dbg", 500)
			gateway.succeed("AI-CREDIT-dbg", 500, "NGN")

			// When
			report, err := engine.Debug(ctx, "AI-CREDIT-dbg")

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(report.IntentFound).To(gomega.BeTrue())
			gomega.Expect(report.Intent.Status).To(gomega.Equal(credit.StatusPending))
			gomega.Expect(report.LedgerEntry).To(gomega.BeNil())
			gomega.Expect(report.Gateway.Provider).To(gomega.Equal("fake"))
			gomega.Expect(report.Gateway.Result.Succeeded()).To(gomega.BeTrue())
			gomega.Expect(report.Findings).To(gomega.BeEmpty())
			gomega.Expect(report.Assessment).To(gomega.ContainSubstring("run process to credit"))

			gomega.Expect(statusOf("AI-CREDIT-dbg")).To(gomega.Equal(credit.StatusPending))
			history, _ := repo.ListAudit(ctx, "AI-CREDIT-dbg")
			gomega.Expect(history).To(gomega.BeEmpty())
		})

		ginkgo.It("should include ledger, account and history for a credited intent", func() {
			// Given
			createIntent("AI-CREDIT-done", 500)
			gateway.succeed("AI-CREDIT-done", 500, "NGN")
			_, err := engine.Reconcile(ctx, "AI-CREDIT-done")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// When
			report, err := engine.Debug(ctx, "AI-CREDIT-done")

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(report.LedgerEntry).ToNot(gomega.BeNil())
			gomega.Expect(report.Account).ToNot(gomega.BeNil())
			gomega.Expect(report.Account.Balance).To(gomega.Equal(int64(500)))
			gomega.Expect(report.History).To(gomega.HaveLen(2))
			gomega.Expect(report.Assessment).To(gomega.Equal("already credited, no action needed"))
		})

		ginkgo.It("should report an unknown reference instead of failing", func() {
			// When
			report, err := engine.Debug(ctx, "AI-CREDIT-doesnotexist")

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(report.IntentFound).To(gomega.BeFalse())
			gomega.Expect(report.History).To(gomega.BeEmpty())
			gomega.Expect(report.Assessment).To(gomega.ContainSubstring("unknown reference"))
		})

		ginkgo.It("should surface gateway errors in the report", func() {
			// Given
			createIntent("AI-CREDIT-down", 500)
			gateway.fail("AI-CREDIT-down", internal.ErrGatewayUnreachable)

			// When
			report, err := engine.Debug(ctx, "AI-CREDIT-down")

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(report.Gateway.ErrorCode).To(gomega.Equal(string(internal.ErrCodeGatewayUnreachable)))
			gomega.Expect(report.Assessment).To(gomega.ContainSubstring("retry later"))
		})
	})

	ginkgo.Describe("CreateIntent", func() {
		ginkgo.It("should generate a reference and normalise the currency", func() {
			// When
			intent, err := engine.CreateIntent(ctx, reconciliation.CreateIntentRequest{AccountID: "acct_1", Amount: 100, Currency: " usd "})

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(intent.Reference).To(gomega.HavePrefix(credit.ReferencePrefix))
			gomega.Expect(intent.Currency).To(gomega.Equal("USD"))
			gomega.Expect(intent.Status).To(gomega.Equal(credit.StatusPending))
		})

		ginkgo.It("should reject a non-positive amount", func() {
			// When
			_, err := engine.CreateIntent(ctx, reconciliation.CreateIntentRequest{AccountID: "acct_1", Amount: 0, Currency: "USD"})

			// Then
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})

	ginkgo.Describe("Stats", func() {
		ginkgo.It("should count intents by status", func() {
			// Given
			createIntent("AI-CREDIT-s1", 100)
			createIntent("AI-CREDIT-s2", 100)
			gateway.succeed("AI-CREDIT-s1", 100, "NGN")
			_, err := engine.Reconcile(ctx, "AI-CREDIT-s1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// When
			stats, err := engine.Stats(ctx)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(stats.Total).To(gomega.Equal(int64(2)))
			gomega.Expect(stats.Counts[credit.StatusCredited]).To(gomega.Equal(int64(1)))
			gomega.Expect(stats.Counts[credit.StatusPending]).To(gomega.Equal(int64(1)))
		})
	})
})

// hangUpAfterVerify cancels the caller's context as soon as an intent is marked VERIFIED,
// like a webhook client disconnecting between the two writes.
type hangUpAfterVerify struct {
	reconciliation.RepositoryAPI
	hangUp context.CancelFunc
}

func (r *hangUpAfterVerify) TransitionStatus(ctx context.Context, t reconciliation.Transition) (*credit.PaymentIntent, error) {
	intent, err := r.RepositoryAPI.TransitionStatus(ctx, t)
	if err == nil && t.To == credit.StatusVerified {
		r.hangUp()
	}
	return intent, err
}
