package reconciliation

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/core/datamodel/credit"
)

// SweepSource is the part of the engine the sweeper drives.
type SweepSource interface {
	ListPending(ctx context.Context, staleness time.Duration) iter.Seq2[*credit.PaymentIntent, error]
	ListStranded(ctx context.Context, staleness time.Duration) iter.Seq2[*credit.PaymentIntent, error]
	Reconcile(ctx context.Context, reference string) (*Outcome, error)
}

type SweepConfig struct {
	Interval     time.Duration
	Staleness    time.Duration
	MaxWorkers   int
	JobQueueSize int
}

type SweepJob struct {
	Reference string
}

// SweepSummary tallies one pass over the pending and stranded intents.
type SweepSummary struct {
	Scanned         int           `json:"scanned"`
	Stranded        int           `json:"stranded"`
	Credited        int           `json:"credited"`
	AlreadyCredited int           `json:"already_credited"`
	Failed          int           `json:"failed"`
	Expired         int           `json:"expired"`
	Retryable       int           `json:"retryable"`
	Errors          int           `json:"errors"`
	Duration        time.Duration `json:"duration"`
}

func (s *SweepSummary) record(outcome *Outcome, err error) {
	if err != nil {
		s.Errors++
		return
	}
	switch outcome.Kind {
	case OutcomeCredited:
		s.Credited++
	case OutcomeAlreadyCredited:
		s.AlreadyCredited++
	case OutcomeFailed:
		s.Failed++
	case OutcomeExpired:
		s.Expired++
	default:
		s.Retryable++
	}
}

type sweepWorker struct {
	id     int
	pool   chan chan SweepJob
	jobs   chan SweepJob
	logger *slog.Logger
}

func newSweepWorker(id int, pool chan chan SweepJob, logger *slog.Logger) *sweepWorker {
	return &sweepWorker{
		id:     id,
		pool:   pool,
		jobs:   make(chan SweepJob),
		logger: logger,
	}
}

// start registers the worker's job channel with the pool each time it becomes idle.
func (w *sweepWorker) start(ctx context.Context, wg *sync.WaitGroup, process func(SweepJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.pool <- w.jobs

			select {
			case job := <-w.jobs:
				w.logger.Debug("worker processing job", "worker_id", w.id, "reference", job.Reference)
				process(job)
			case <-ctx.Done():
				w.logger.Debug("worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

// Sweeper periodically reconciles stale PENDING and stranded VERIFIED intents on a bounded worker pool.
type Sweeper struct {
	source  SweepSource
	cfg     SweepConfig
	metrics *Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSweeper(source SweepSource, cfg SweepConfig, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.JobQueueSize <= 0 {
		cfg.JobQueueSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sweeper{
		source:  source,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// RunOnce reconciles every intent older than the staleness threshold at the moment the
// run starts that is PENDING, or VERIFIED without a credit. Intents that stay unresolved
// are left for the next run.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepSummary, error) {
	started := time.Now()
	runCtx := internal.ContextWithSource(ctx, internal.SourceSweep)

	var (
		summary SweepSummary
		mu      sync.Mutex
		workers sync.WaitGroup
	)

	pool := make(chan chan SweepJob, s.cfg.MaxWorkers)
	jobs := make(chan SweepJob, s.cfg.JobQueueSize)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	process := func(job SweepJob) {
		outcome, err := s.source.Reconcile(runCtx, job.Reference)
		if err != nil {
			s.logger.Error("sweep reconcile error", "reference", job.Reference, "error", err)
		}
		mu.Lock()
		summary.record(outcome, err)
		mu.Unlock()
	}
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		newSweepWorker(i, pool, s.logger).start(workerCtx, &workers, process)
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		s.dispatch(runCtx, jobs, pool)
	}()

	var listErr error
	scanned, stranded := 0, 0
produce:
	for intent, err := range s.candidates(runCtx) {
		if err != nil {
			listErr = err
			break
		}
		scanned++
		if intent.Status == credit.StatusVerified {
			stranded++
		}
		select {
		case jobs <- SweepJob{Reference: intent.Reference}:
		case <-runCtx.Done():
			break produce
		}
	}
	close(jobs)

	<-dispatched
	stopWorkers()
	workers.Wait()

	mu.Lock()
	summary.Scanned = scanned
	summary.Stranded = stranded
	summary.Duration = time.Since(started)
	result := summary
	mu.Unlock()

	if listErr == nil && ctx.Err() != nil {
		listErr = ctx.Err()
	}
	s.metrics.observeSweep(listErr)

	if listErr != nil {
		s.logger.Error("sweep run aborted", "error", listErr, "scanned", result.Scanned)
		return result, listErr
	}
	s.logger.Info("sweep run finished",
		"scanned", result.Scanned,
		"stranded", result.Stranded,
		"credited", result.Credited,
		"already_credited", result.AlreadyCredited,
		"failed", result.Failed,
		"expired", result.Expired,
		"retryable", result.Retryable,
		"errors", result.Errors,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// candidates yields stranded VERIFIED intents first, then stale PENDING ones.
func (s *Sweeper) candidates(ctx context.Context) iter.Seq2[*credit.PaymentIntent, error] {
	return func(yield func(*credit.PaymentIntent, error) bool) {
		for _, list := range []func(context.Context, time.Duration) iter.Seq2[*credit.PaymentIntent, error]{
			s.source.ListStranded,
			s.source.ListPending,
		} {
			for intent, err := range list(ctx, s.cfg.Staleness) {
				if !yield(intent, err) || err != nil {
					return
				}
			}
		}
	}
}

// dispatch hands each queued job to the next idle worker.
func (s *Sweeper) dispatch(ctx context.Context, jobs <-chan SweepJob, pool chan chan SweepJob) {
	for job := range jobs {
		select {
		case jobChannel := <-pool:
			jobChannel <- job
		case <-ctx.Done():
			s.logger.Info("dispatcher shutting down")
			return
		}
	}
}

// Start runs a sweep immediately and then every interval until ctx is done or Shutdown is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.once.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx)
		}()

		s.logger.Info("sweeper started",
			"interval", s.cfg.Interval.String(),
			"staleness", s.cfg.Staleness.String(),
			"max_workers", s.cfg.MaxWorkers,
			"queue_size", s.cfg.JobQueueSize)
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) Shutdown() {
	s.logger.Info("shutting down sweeper")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper shutdown complete")
}
