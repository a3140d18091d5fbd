package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
)

// Handler names as recorded in processing errors
const (
	InitiationHandler = "workflow_queue"
	JobHandler        = "workflow_job"
)

// WorkflowBootstrap is the tenant bootstrap saga
const WorkflowBootstrap = "bootstrap"

// Initiation maps an event type to the workflow it starts
type Initiation struct {
	StreamType domain.StreamType
	EventType  string
	Workflow   string
}

// Initiations lists the events that create queue jobs
var Initiations = []Initiation{
	{StreamType: domain.StreamOrganization, EventType: domain.OrganizationBootstrapInitiated, Workflow: WorkflowBootstrap},
}

var jobNamespace = uuid.MustParse("8d1f7c5e-2b0a-4e53-9c1d-6a4e0f3b7a21")

// JobID derives the job id of a source event. The same event always yields the same job.
func JobID(sourceEventID string) string {
	return uuid.NewSHA1(jobNamespace, []byte(sourceEventID)).String()
}

// Register wires the queue handlers into the router
func Register(r *router.Router) {
	initiations := &InitiationProjector{}
	seen := make(map[domain.StreamType]bool)
	for _, in := range Initiations {
		if seen[in.StreamType] {
			continue
		}
		seen[in.StreamType] = true
		r.Register(in.StreamType, InitiationHandler, initiations)
	}
	r.Register(domain.StreamWorkflowJob, JobHandler, &JobProjector{})
}

func initiationFor(evt domain.Event) (Initiation, bool) {
	for _, in := range Initiations {
		if in.StreamType == evt.StreamType && in.EventType == evt.Type {
			return in, true
		}
	}
	return Initiation{}, false
}

// InitiationProjector creates a pending job row for every initiation event
type InitiationProjector struct{}

// Handle projects an event
func (p *InitiationProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	in, ok := initiationFor(evt)
	if !ok {
		return nil
	}

	job := models.WorkflowQueueJob{
		JobID:              JobID(evt.ID),
		SourceEventID:      evt.ID,
		SourceStreamID:     evt.StreamID,
		SourceEventType:    evt.Type,
		WorkflowType:       in.Workflow,
		CorrelationID:      evt.Metadata.CorrelationID,
		Status:             models.JobStatusPending,
		LastAppliedEventID: evt.ID,
		CreatedAt:          evt.CreatedAt.UTC(),
		UpdatedAt:          evt.CreatedAt.UTC(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&job).Error; err != nil {
		return fmt.Errorf("failed to create workflow queue job: %w", err)
	}
	return nil
}

// JobProjector applies workflow_job events to their queue rows. Each transition
// only applies from its expected status, so a claim on a job that is no longer
// pending changes nothing but the recorded stream version.
type JobProjector struct{}

// Handle projects an event
func (p *JobProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	at := evt.CreatedAt.UTC()

	switch evt.Type {
	case domain.WorkflowJobClaimed:
		var data domain.JobClaimedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.transition(tx, evt,
			map[string]interface{}{"status": models.JobStatusPending},
			map[string]interface{}{
				"status":     models.JobStatusClaimed,
				"worker_id":  data.WorkerID,
				"claimed_at": at,
			})
	case domain.WorkflowJobHeartbeat:
		var data domain.JobHeartbeatEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.transition(tx, evt,
			map[string]interface{}{"status": models.JobStatusClaimed, "worker_id": data.WorkerID},
			map[string]interface{}{"claimed_at": at})
	case domain.WorkflowJobCompleted:
		var data domain.JobCompletedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.transition(tx, evt,
			map[string]interface{}{"status": models.JobStatusClaimed, "worker_id": data.WorkerID},
			map[string]interface{}{
				"status":               models.JobStatusCompleted,
				"workflow_instance_id": data.WorkflowInstanceID,
				"completed_at":         at,
				"last_error":           nil,
			})
	case domain.WorkflowJobFailed:
		var data domain.JobFailedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		updates := map[string]interface{}{
			"status":       models.JobStatusFailed,
			"completed_at": at,
			"last_error":   data.Error,
		}
		if data.WorkflowInstanceID != "" {
			updates["workflow_instance_id"] = data.WorkflowInstanceID
		}
		return p.transition(tx, evt,
			map[string]interface{}{"status": models.JobStatusClaimed, "worker_id": data.WorkerID},
			updates)
	case domain.WorkflowJobRequeued:
		var data domain.JobRequeuedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.transition(tx, evt,
			map[string]interface{}{"status": models.JobStatusClaimed},
			map[string]interface{}{
				"status":      models.JobStatusPending,
				"worker_id":   nil,
				"claimed_at":  nil,
				"retry_count": gorm.Expr("retry_count + 1"),
				"last_error":  data.Reason,
			})
	}
	return nil
}

func (p *JobProjector) transition(tx *gorm.DB, evt domain.Event, from, updates map[string]interface{}) error {
	var job models.WorkflowQueueJob
	if err := tx.Where("job_id = ?", evt.StreamID).First(&job).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return fmt.Errorf("workflow job %s: %w", evt.StreamID, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to load workflow job: %w", err)
	}
	if evt.StreamVersion <= job.Version {
		return nil
	}

	updates["version"] = evt.StreamVersion
	updates["last_applied_event_id"] = evt.ID
	updates["updated_at"] = evt.CreatedAt.UTC()

	res := tx.Model(&models.WorkflowQueueJob{}).
		Where("job_id = ?", evt.StreamID).
		Where(from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to apply %s: %w", evt.Type, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// The transition does not apply from the current status; keep the version in step with the stream.
	if err := tx.Model(&models.WorkflowQueueJob{}).
		Where("job_id = ?", evt.StreamID).
		Update("version", evt.StreamVersion).Error; err != nil {
		return fmt.Errorf("failed to advance workflow job version: %w", err)
	}
	return nil
}
