package models

import "time"

// Workflow queue job status values
const (
	JobStatusPending   = "pending"
	JobStatusClaimed   = "claimed"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// WorkflowQueueJob is a durable, claimable unit of workflow work. ClaimedAt
// is renewed by every heartbeat of the owning worker.
type WorkflowQueueJob struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	JobID              string     `gorm:"size:36;uniqueIndex" json:"job_id"`
	SourceEventID      string     `gorm:"size:36;uniqueIndex" json:"source_event_id"`
	SourceStreamID     string     `gorm:"size:64;index" json:"source_stream_id"`
	SourceEventType    string     `gorm:"size:128" json:"source_event_type"`
	WorkflowType       string     `gorm:"size:64" json:"workflow_type"`
	CorrelationID      string     `gorm:"size:64" json:"correlation_id"`
	Status             string     `gorm:"size:32;index:idx_job_status_updated,priority:1" json:"status"`
	WorkerID           *string    `gorm:"size:128" json:"worker_id"`
	WorkflowInstanceID *string    `gorm:"size:128" json:"workflow_instance_id"`
	RetryCount         int        `json:"retry_count"`
	LastError          *string    `json:"last_error"`
	ClaimedAt          *time.Time `json:"claimed_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	// Version is the current version of the job's own workflow_job stream.
	Version            int       `json:"version"`
	LastAppliedEventID string    `gorm:"size:36" json:"last_applied_event_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `gorm:"index:idx_job_status_updated,priority:2" json:"updated_at"`
}

// TableName overrides the default table name
func (WorkflowQueueJob) TableName() string {
	return "workflow_queue"
}
