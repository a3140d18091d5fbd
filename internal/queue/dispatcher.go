package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// Runner executes the workflow of a claimed job and returns its instance id
type Runner interface {
	Run(ctx context.Context, job models.WorkflowQueueJob) (string, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, job models.WorkflowQueueJob) (string, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
	return f(ctx, job)
}

// Dispatcher claims jobs and runs their workflows. Feed notifications only
// shorten latency; the scheduled poll and stale sweep find every job on their own.
// While a workflow runs its claim is renewed every heartbeat interval, so the
// stale sweep of any worker only requeues jobs whose owner stopped beating.
type Dispatcher struct {
	queue    *Queue
	feed     Feed
	runner   Runner
	workerID string
	cfg      config.WorkerConfig
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. feed may be nil.
func NewDispatcher(q *Queue, feed Feed, runner Runner, cfg config.WorkerConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval*config.MinHeartbeatsPerStaleWindow > cfg.StaleAfter {
		cfg.HeartbeatInterval = cfg.StaleAfter / config.MinHeartbeatsPerStaleWindow
	}
	return &Dispatcher{
		queue:    q,
		feed:     feed,
		runner:   runner,
		workerID: cfg.ID,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
}

// WorkerID returns the identity used for claims
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Run processes jobs until ctx is cancelled, then waits for running workflows
func (d *Dispatcher) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(d.cfg.PollInterval),
		gocron.NewTask(func() {
			if err := d.Poll(ctx); err != nil {
				log.Error().Err(err).Str("worker_id", d.workerID).Msg("Failed to poll pending workflow jobs")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(d.cfg.ReconcileInterval),
		gocron.NewTask(func() {
			if err := d.Reconcile(ctx); err != nil {
				log.Error().Err(err).Str("worker_id", d.workerID).Msg("Failed to requeue stale workflow jobs")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	log.Info().Str("worker_id", d.workerID).
		Dur("poll_interval", d.cfg.PollInterval).
		Dur("reconcile_interval", d.cfg.ReconcileInterval).
		Msg("Workflow dispatcher started")

	if err := d.Poll(ctx); err != nil {
		log.Error().Err(err).Msg("Initial poll of pending workflow jobs failed")
	}

	var notifications <-chan string
	if d.feed != nil {
		notifications, err = d.feed.Subscribe(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to subscribe to workflow queue feed, relying on polling")
		}
	}

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case jobID, ok := <-notifications:
			if !ok {
				log.Warn().Msg("Workflow queue feed closed, relying on polling")
				notifications = nil
				continue
			}
			d.Handle(ctx, jobID)
		}
	}

	err = scheduler.Shutdown()
	d.wg.Wait()
	log.Info().Str("worker_id", d.workerID).Msg("Workflow dispatcher stopped")
	return err
}

// Poll claims and starts pending jobs
func (d *Dispatcher) Poll(ctx context.Context) error {
	jobs, err := d.queue.ListPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	metrics.Get().SetGauge(metrics.GaugePendingJobs, float64(len(jobs)))
	for _, job := range jobs {
		d.Handle(ctx, job.JobID)
	}
	return nil
}

// Reconcile requeues jobs whose claim went stale
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	cutoff := d.now().Add(-d.cfg.StaleAfter)
	jobs, err := d.queue.ListStale(ctx, cutoff, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if d.isInflight(job.JobID) {
			continue
		}
		if _, err := d.queue.Requeue(ctx, job, "claim stale since "+job.ClaimedAt.UTC().Format(time.RFC3339)); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to requeue stale workflow job")
		}
	}
	return nil
}

// Handle claims a job and, if the claim is won, runs its workflow in the background
func (d *Dispatcher) Handle(ctx context.Context, jobID string) {
	if ctx.Err() != nil || !d.markInflight(jobID) {
		return
	}

	job, outcome, err := d.queue.Claim(ctx, jobID, d.workerID)
	if err != nil || outcome == ClaimLost {
		d.clearInflight(jobID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Str("job_id", jobID).Str("worker_id", d.workerID).Msg("Failed to claim workflow job")
		}
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.clearInflight(jobID)
		d.execute(ctx, job)
	}()
}

// Wait blocks until every workflow started by Handle returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, job models.WorkflowQueueJob) {
	logger := log.With().Str("job_id", job.JobID).Str("worker_id", d.workerID).
		Str("workflow", job.WorkflowType).Str("correlation_id", job.CorrelationID).Logger()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	held, lost := job, false
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		held, lost = d.heartbeat(runCtx, job, stopRun, logger)
	}()

	instanceID, runErr := d.runner.Run(runCtx, job)
	stopRun()
	<-beating

	if lost {
		logger.Warn().Err(runErr).Str("workflow_id", instanceID).Msg("Workflow job claim lost, leaving the job to its new owner")
		return
	}
	job = held

	// Settle the job even when the worker is shutting down.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	switch {
	case runErr == nil:
		if _, err := d.queue.Complete(settleCtx, job, instanceID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark workflow job completed")
			return
		}
		logger.Info().Str("workflow_id", instanceID).Msg("Workflow job completed")
	case ctx.Err() != nil:
		if _, err := d.queue.Requeue(settleCtx, job, "worker shutdown"); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue interrupted workflow job")
		}
	default:
		metrics.Get().RecordError(metrics.ErrorTypeWorkflow)
		if _, err := d.queue.Fail(settleCtx, job, instanceID, runErr); err != nil {
			logger.Error().Err(err).Msg("Failed to mark workflow job failed")
			return
		}
		logger.Warn().Err(runErr).Str("workflow_id", instanceID).Msg("Workflow job failed")
	}
}

// heartbeat renews the claim on job until ctx is done and returns the latest
// job row. When the claim turns out to be lost it stops the workflow through
// stopRun and reports lost.
func (d *Dispatcher) heartbeat(ctx context.Context, job models.WorkflowQueueJob, stopRun context.CancelFunc, logger zerolog.Logger) (models.WorkflowQueueJob, bool) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return job, false
		case <-ticker.C:
		}

		// A started heartbeat always finishes so the returned version matches the stream.
		beatCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.HeartbeatInterval)
		renewed, outcome, err := d.queue.Heartbeat(beatCtx, job, d.workerID)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to renew workflow job claim")
			continue
		}
		job = renewed
		if outcome == ClaimLost {
			metrics.Get().Inc(metrics.CounterClaimsLost)
			stopRun()
			return job, true
		}
	}
}

func (d *Dispatcher) markInflight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[jobID] {
		return false
	}
	d.inflight[jobID] = true
	return true
}

func (d *Dispatcher) clearInflight(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, jobID)
}

func (d *Dispatcher) isInflight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[jobID]
}
