package reconciliation_test

import (
	"context"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation"
	"github.com/frahmantamala/credit-recovery/internal/reconciliation/postgres"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

var _ = ginkgo.Describe("Sweeper", func() {
	var (
		ctx      context.Context
		repo     reconciliation.RepositoryAPI
		gateway  *fakeGateway
		clock    *testClock
		engine   *reconciliation.Engine
		registry *prometheus.Registry
		sweeper  *reconciliation.Sweeper
	)

	create := func(reference string) {
		_, err := engine.CreateIntent(ctx, reconciliation.CreateIntentRequest{
			Reference: reference,
			AccountID: "acct_sweep",
			Amount:    300,
			Currency:  "NGN",
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	}

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		repo = postgres.NewIntentRepository(openTestDB())
		gateway = newFakeGateway()
		clock = &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
		registry = prometheus.NewRegistry()
		metrics := reconciliation.NewMetrics(registry)
		engine = reconciliation.NewEngine(repo, gateway, nil, reconciliation.Config{
			GatewayTimeout: time.Second,
			ExpireAfter:    24 * time.Hour,
			PageSize:       2,
		}, logger.Discard(), reconciliation.WithClock(clock.Now), reconciliation.WithMetrics(metrics))

		sweeper = reconciliation.NewSweeper(engine, reconciliation.SweepConfig{
			Interval:     time.Hour,
			Staleness:    time.Hour,
			MaxWorkers:   3,
			JobQueueSize: 2,
		}, metrics, logger.Discard())

		create("AI-CREDIT-sw1")
		create("AI-CREDIT-sw2")
		create("AI-CREDIT-sw3")
		create("AI-CREDIT-sw4")
		create("AI-CREDIT-sw5")
		clock.Advance(2 * time.Hour)
		create("AI-CREDIT-sw-fresh")

		gateway.succeed("AI-CREDIT-sw1", 300, "NGN")
		gateway.succeed("AI-CREDIT-sw2", 300, "NGN")
		gateway.succeed("AI-CREDIT-sw-fresh", 300, "NGN")
		gateway.answer("AI-CREDIT-sw3", gatewaytypes.ChargeStatusFailed, "insufficient funds")
		gateway.fail("AI-CREDIT-sw4", internal.ErrGatewayUnreachable)
		// sw5 is unknown at the gateway
	})

	ginkgo.Describe("RunOnce", func() {
		ginkgo.It("should reconcile every stale pending intent and summarise the run", func() {
			// When
			summary, err := sweeper.RunOnce(ctx)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(summary.Scanned).To(gomega.Equal(5))
			gomega.Expect(summary.Credited).To(gomega.Equal(2))
			gomega.Expect(summary.Failed).To(gomega.Equal(1))
			gomega.Expect(summary.Retryable).To(gomega.Equal(2))
			gomega.Expect(summary.Errors).To(gomega.Equal(0))

			fresh, err := repo.GetIntentByReference(ctx, "AI-CREDIT-sw-fresh")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(fresh.Status).To(gomega.Equal(credit.StatusPending))
			gomega.Expect(gateway.callCount("AI-CREDIT-sw-fresh")).To(gomega.Equal(0))

			history, _ := repo.ListAudit(ctx, "AI-CREDIT-sw1")
			gomega.Expect(history).ToNot(gomega.BeEmpty())
			gomega.Expect(history[0].Source).To(gomega.Equal(internal.SourceSweep))

			gomega.Expect(counterTotal(registry, "credit_sweep_runs_total")).To(gomega.Equal(1.0))
		})

		ginkgo.It("should finish intents left VERIFIED without asking the gateway again", func() {
			// Given
			stuck, err := repo.GetIntentByReference(ctx, "AI-CREDIT-sw1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			_, err = repo.TransitionStatus(ctx, reconciliation.Transition{
				Reference: stuck.Reference,
				From:      credit.StatusPending,
				To:        credit.StatusVerified,
				Version:   stuck.Version,
				At:        clock.Now(),
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			pending, err := engine.ListPendingIntents(ctx, time.Hour, 0)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			for _, intent := range pending {
				gomega.Expect(intent.Reference).ToNot(gomega.Equal("AI-CREDIT-sw1"))
			}

			// When
			summary, err := sweeper.RunOnce(ctx)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(summary.Scanned).To(gomega.Equal(5))
			gomega.Expect(summary.Stranded).To(gomega.Equal(1))
			gomega.Expect(summary.Credited).To(gomega.Equal(2))

			resumed, err := repo.GetIntentByReference(ctx, "AI-CREDIT-sw1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(resumed.Status).To(gomega.Equal(credit.StatusCredited))
			gomega.Expect(gateway.callCount("AI-CREDIT-sw1")).To(gomega.Equal(0))
			entry, err := repo.GetLedgerEntry(ctx, "AI-CREDIT-sw1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(entry).ToNot(gomega.BeNil())
		})

		ginkgo.It("should only pick up what is still pending on the next run", func() {
			// Given
			_, err := sweeper.RunOnce(ctx)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// When
			summary, err := sweeper.RunOnce(ctx)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(summary.Scanned).To(gomega.Equal(2))
			gomega.Expect(summary.Credited).To(gomega.Equal(0))
			gomega.Expect(summary.Retryable).To(gomega.Equal(2))
		})

		ginkgo.It("should stop early when the context is cancelled", func() {
			// Given
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			// When
			_, err := sweeper.RunOnce(cancelled)

			// Then
			gomega.Expect(err).To(gomega.MatchError(context.Canceled))
		})
	})

	ginkgo.Describe("Start and Shutdown", func() {
		ginkgo.It("should sweep on start and stop cleanly", func() {
			// When
			sweeper.Start(ctx)

			// Then
			gomega.Eventually(func() credit.Status {
				intent, err := repo.GetIntentByReference(ctx, "AI-CREDIT-sw1")
				if err != nil {
					return ""
				}
				return intent.Status
			}).WithTimeout(5 * time.Second).Should(gomega.Equal(credit.StatusCredited))

			done := make(chan struct{})
			go func() {
				sweeper.Shutdown()
				close(done)
			}()
			gomega.Eventually(done).WithTimeout(5 * time.Second).Should(gomega.BeClosed())
		})
	})
})

// counterTotal sums every series of the named counter family.
func counterTotal(registry *prometheus.Registry, name string) float64 {
	families, err := registry.Gather()
	gomega.Expect(err).ToNot(gomega.HaveOccurred())
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}
