package bootstrap

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/workflow"
)

// Runner starts the bootstrap of claimed queue jobs on the engine
type Runner struct {
	engine *workflow.Engine
	def    *workflow.Definition
	store  eventstore.EventStore
}

// NewRunner creates a runner for the saga
func NewRunner(engine *workflow.Engine, saga *Saga, store eventstore.EventStore) *Runner {
	return &Runner{engine: engine, def: saga.Definition(), store: store}
}

// Start runs the bootstrap of an organization, or returns the running instance
func (r *Runner) Start(ctx context.Context, organizationID string, md domain.Metadata) (*workflow.Instance, error) {
	return r.engine.Start(ctx, r.def, organizationID, md)
}

// Run executes the job's bootstrap to completion. The run continues the
// correlation of the event that initiated it.
func (r *Runner) Run(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
	if job.WorkflowType != "" && job.WorkflowType != WorkflowName {
		return "", domain.Reject("unknown_workflow", "job %s requests workflow %q", job.JobID, job.WorkflowType)
	}

	source, err := r.store.Get(ctx, job.SourceEventID)
	if err != nil {
		return "", err
	}

	inst, err := r.Start(ctx, job.SourceStreamID, source.Metadata.Child(source.ID))
	if err != nil {
		return "", err
	}

	status, err := inst.Wait(ctx)
	log.Info().Str("job_id", job.JobID).Str("workflow_id", inst.ID()).Str("state", string(status.State)).Msg("Bootstrap workflow returned")
	return inst.ID(), err
}
