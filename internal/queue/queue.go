package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// ClaimOutcome is the result of a claim attempt. Losing a race is not an error.
type ClaimOutcome int

const (
	ClaimLost ClaimOutcome = iota
	ClaimWon
)

func (o ClaimOutcome) String() string {
	if o == ClaimWon {
		return "won"
	}
	return "lost"
}

// Queue reads workflow queue jobs and moves them through their lifecycle by
// appending events to each job's workflow_job stream.
type Queue struct {
	db    *gorm.DB
	store eventstore.EventStore
}

// New creates a queue over the projection database and the event store
func New(db *gorm.DB, store eventstore.EventStore) *Queue {
	return &Queue{db: db, store: store}
}

// Get returns a job by id
func (q *Queue) Get(ctx context.Context, jobID string) (models.WorkflowQueueJob, error) {
	var job models.WorkflowQueueJob
	if err := q.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return job, fmt.Errorf("workflow job %s: %w", jobID, domain.ErrNotFound)
		}
		return job, fmt.Errorf("failed to load workflow job: %w", err)
	}
	return job, nil
}

// BySource returns the job created for a source event
func (q *Queue) BySource(ctx context.Context, sourceEventID string) (models.WorkflowQueueJob, error) {
	return q.Get(ctx, JobID(sourceEventID))
}

// List returns jobs oldest first, optionally filtered by status
func (q *Queue) List(ctx context.Context, status string, limit int) ([]models.WorkflowQueueJob, error) {
	var jobs []models.WorkflowQueueJob
	query := q.db.WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflow jobs: %w", err)
	}
	return jobs, nil
}

// ListPending returns pending jobs oldest first
func (q *Queue) ListPending(ctx context.Context, limit int) ([]models.WorkflowQueueJob, error) {
	return q.List(ctx, models.JobStatusPending, limit)
}

// ListStale returns claimed jobs whose claim is older than cutoff
func (q *Queue) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.WorkflowQueueJob, error) {
	var jobs []models.WorkflowQueueJob
	query := q.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.JobStatusClaimed, cutoff.UTC()).
		Order("claimed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale workflow jobs: %w", err)
	}
	return jobs, nil
}

// Claim transitions a pending job to claimed for workerID. The claim is appended
// with the job's current stream version as expected version, so among racing
// workers exactly one append succeeds; every other worker gets ClaimLost.
func (q *Queue) Claim(ctx context.Context, jobID, workerID string) (models.WorkflowQueueJob, ClaimOutcome, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return job, ClaimLost, err
	}
	if job.Status != models.JobStatusPending {
		return job, ClaimLost, nil
	}

	res, err := q.appendJobEvent(ctx, job, domain.WorkflowJobClaimed, domain.JobClaimedEvent{WorkerID: workerID})
	if errors.Is(err, domain.ErrVersionConflict) {
		metrics.Get().Inc(metrics.CounterClaimsLost)
		log.Debug().Str("job_id", jobID).Str("worker_id", workerID).Msg("claim lost to a concurrent worker")
		return job, ClaimLost, nil
	}
	if err != nil {
		return job, ClaimLost, err
	}

	claimed, err := q.readBack(ctx, job.JobID, res, domain.WorkflowJobClaimed)
	if err != nil {
		return job, ClaimLost, err
	}
	if claimed.Status != models.JobStatusClaimed || claimed.WorkerID == nil || *claimed.WorkerID != workerID {
		metrics.Get().Inc(metrics.CounterClaimsLost)
		return claimed, ClaimLost, nil
	}

	metrics.Get().Inc(metrics.CounterJobsClaimed)
	log.Info().Str("job_id", jobID).Str("worker_id", workerID).Msg("workflow job claimed")
	return claimed, ClaimWon, nil
}

// Heartbeat renews workerID's claim on job so the stale sweep leaves it alone.
// ClaimLost means the job was requeued or settled elsewhere and workerID no
// longer owns it.
func (q *Queue) Heartbeat(ctx context.Context, job models.WorkflowQueueJob, workerID string) (models.WorkflowQueueJob, ClaimOutcome, error) {
	res, err := q.appendJobEvent(ctx, job, domain.WorkflowJobHeartbeat, domain.JobHeartbeatEvent{WorkerID: workerID})
	if errors.Is(err, domain.ErrVersionConflict) {
		current, err := q.Get(ctx, job.JobID)
		if err != nil {
			return job, ClaimWon, err
		}
		if !ownedBy(current, workerID) {
			return current, ClaimLost, nil
		}
		return current, ClaimWon, nil
	}
	if err != nil {
		return job, ClaimWon, err
	}

	renewed, err := q.readBack(ctx, job.JobID, res, domain.WorkflowJobHeartbeat)
	var rule *domain.BusinessRuleError
	if errors.As(err, &rule) {
		return renewed, ClaimLost, nil
	}
	if err != nil {
		return job, ClaimWon, err
	}
	return renewed, ClaimWon, nil
}

// Complete marks a claimed job completed
func (q *Queue) Complete(ctx context.Context, job models.WorkflowQueueJob, instanceID string) (models.WorkflowQueueJob, error) {
	res, err := q.appendJobEvent(ctx, job, domain.WorkflowJobCompleted, domain.JobCompletedEvent{
		WorkerID:           workerOf(job),
		WorkflowInstanceID: instanceID,
	})
	if err != nil {
		return job, err
	}
	done, err := q.readBack(ctx, job.JobID, res, domain.WorkflowJobCompleted)
	if err != nil {
		return job, err
	}
	metrics.Get().Inc(metrics.CounterJobsCompleted)
	return done, nil
}

// Fail marks a claimed job failed with cause
func (q *Queue) Fail(ctx context.Context, job models.WorkflowQueueJob, instanceID string, cause error) (models.WorkflowQueueJob, error) {
	msg := "workflow failed"
	if cause != nil {
		msg = cause.Error()
	}
	res, err := q.appendJobEvent(ctx, job, domain.WorkflowJobFailed, domain.JobFailedEvent{
		WorkerID:           workerOf(job),
		WorkflowInstanceID: instanceID,
		Error:              msg,
	})
	if err != nil {
		return job, err
	}
	failed, err := q.readBack(ctx, job.JobID, res, domain.WorkflowJobFailed)
	if err != nil {
		return job, err
	}
	metrics.Get().Inc(metrics.CounterJobsFailed)
	return failed, nil
}

// Requeue returns a claimed job to pending so another worker can pick it up
func (q *Queue) Requeue(ctx context.Context, job models.WorkflowQueueJob, reason string) (models.WorkflowQueueJob, error) {
	res, err := q.appendJobEvent(ctx, job, domain.WorkflowJobRequeued, domain.JobRequeuedEvent{
		PreviousWorkerID: workerOf(job),
		Reason:           reason,
	})
	if err != nil {
		return job, err
	}
	requeued, err := q.readBack(ctx, job.JobID, res, domain.WorkflowJobRequeued)
	if err != nil {
		return job, err
	}
	metrics.Get().Inc(metrics.CounterJobsRequeued)
	log.Info().Str("job_id", job.JobID).Str("reason", reason).Msg("workflow job requeued")
	return requeued, nil
}

func (q *Queue) appendJobEvent(ctx context.Context, job models.WorkflowQueueJob, eventType string, data interface{}) (domain.AppendResult, error) {
	return q.store.Append(ctx, domain.NewEvent{
		StreamID:        job.JobID,
		StreamType:      domain.StreamWorkflowJob,
		EventType:       eventType,
		Data:            data,
		Metadata:        jobMetadata(ctx, job),
		ExpectedVersion: domain.Expect(job.Version),
	})
}

// readBack confirms the job row reflects the appended event
func (q *Queue) readBack(ctx context.Context, jobID string, res domain.AppendResult, eventType string) (models.WorkflowQueueJob, error) {
	if res.ProcessingError != nil {
		metrics.Get().Inc(metrics.CounterReadBackFailures)
		return models.WorkflowQueueJob{}, &domain.ProcessingFailedError{EventID: res.EventID, EventType: eventType, Detail: *res.ProcessingError}
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Version != res.StreamVersion {
		metrics.Get().Inc(metrics.CounterReadBackFailures)
		return job, &domain.ProcessingFailedError{EventID: res.EventID, EventType: eventType, Detail: "job version not advanced"}
	}
	if job.LastAppliedEventID != res.EventID {
		// The transition did not apply from the job's status.
		if eventType == domain.WorkflowJobClaimed {
			return job, nil
		}
		return job, domain.Reject("job_transition", "job %s is %s, cannot apply %s", jobID, job.Status, eventType)
	}
	return job, nil
}

// jobMetadata keeps job events in the correlation of the operation that created the job
func jobMetadata(ctx context.Context, job models.WorkflowQueueJob) domain.Metadata {
	md, ok := domain.MetadataFromContext(ctx)
	if !ok {
		md = domain.NewMetadata(workerOf(job), "workflow-queue")
		if job.CorrelationID != "" {
			md.CorrelationID = job.CorrelationID
		}
	}
	return md.Child(job.SourceEventID)
}

func ownedBy(job models.WorkflowQueueJob, workerID string) bool {
	return job.Status == models.JobStatusClaimed && workerOf(job) == workerID
}

func workerOf(job models.WorkflowQueueJob) string {
	if job.WorkerID == nil {
		return ""
	}
	return *job.WorkerID
}
