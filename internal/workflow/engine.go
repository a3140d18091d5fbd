package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/tracing"
)

// State of a workflow instance
type State string

const (
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateInterrupted State = "interrupted"
)

// Step is one idempotent unit of a workflow
type Step struct {
	Name string
	// Done reports whether the history already proves the step completed.
	// It is checked before the step runs and before every retry.
	Done       func(history []domain.Event) bool
	Run        func(ctx context.Context, run *Run) error
	Compensate func(ctx context.Context, run *Run) error
	Retry      RetryPolicy
}

// Failure describes a workflow that could not finish
type Failure struct {
	Step        string
	Err         error
	Compensated []string
	Cancelled   bool
}

// Definition is a named sequence of steps over one stream
type Definition struct {
	Name       string
	StreamType domain.StreamType
	Steps      []Step
	// Outcome inspects the history for a terminal event. finished is false while the workflow still has work.
	Outcome func(history []domain.Event) (finished bool, err error)
	// OnFailure records the terminal failure after compensation.
	OnFailure func(ctx context.Context, run *Run, failure Failure) error
}

// InstanceID names the single instance of a workflow over a stream
func InstanceID(workflow, streamID string) string {
	return workflow + ":" + streamID
}

// Status is the queryable state of an instance
type Status struct {
	ID             string     `json:"id"`
	Workflow       string     `json:"workflow"`
	StreamID       string     `json:"stream_id"`
	State          State      `json:"state"`
	CurrentStep    string     `json:"current_step,omitempty"`
	CompletedSteps []string   `json:"completed_steps"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Instance is a running or finished workflow execution
type Instance struct {
	id     string
	def    *Definition
	run    *Run
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    Status
	err       error
	cancelled bool
}

// ID returns the instance id
func (i *Instance) ID() string {
	return i.id
}

// Done is closed when the instance finished
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Wait blocks until the instance finished or ctx ends
func (i *Instance) Wait(ctx context.Context) (Status, error) {
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.snapshot(), i.err
	case <-ctx.Done():
		return i.Status(), ctx.Err()
	}
}

// Status returns a snapshot of the instance state
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshot()
}

func (i *Instance) snapshot() Status {
	s := i.status
	s.CompletedSteps = append([]string(nil), i.status.CompletedSteps...)
	return s
}

func (i *Instance) setStep(step string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.CurrentStep = step
}

func (i *Instance) stepDone(step string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status.CompletedSteps = append(i.status.CompletedSteps, step)
}

func (i *Instance) finish(state State, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now().UTC()
	i.status.State = state
	i.status.CurrentStep = ""
	i.status.FinishedAt = &now
	if err != nil {
		i.status.Error = err.Error()
	}
	i.err = err
}

func (i *Instance) isCancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

// DefaultRetention is how long a finished instance stays queryable
const DefaultRetention = time.Hour

// Engine executes workflow instances in process. Instances are keyed by name,
// so starting a running instance again returns the existing one. Step state
// lives in the event stream: a fresh execution replays the history and skips
// the steps it proves done. Finished instances are forgotten after the
// retention window; their outcome stays in the stream.
type Engine struct {
	store     eventstore.EventStore
	tracer    tracing.Tracer
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	instances map[string]*Instance
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithRetention sets how long finished instances stay queryable
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.retention = d
	}
}

// NewEngine creates an engine over the event store
func NewEngine(store eventstore.EventStore, tracer tracing.Tracer, opts ...EngineOption) *Engine {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	e := &Engine{
		store:     store,
		tracer:    tracer,
		retention: DefaultRetention,
		now:       time.Now,
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs def over streamID under the instance id InstanceID(def.Name, streamID).
// If that instance is already running the call is a no-op returning it.
func (e *Engine) Start(ctx context.Context, def *Definition, streamID string, md domain.Metadata) (*Instance, error) {
	id := InstanceID(def.Name, streamID)

	if existing, ok := e.active(id); ok {
		return existing, nil
	}

	// The history is loaded unlocked; a start that raced ahead meanwhile wins.
	history, err := e.store.Stream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.activeLocked(id); ok {
		return existing, nil
	}
	e.pruneLocked()

	runCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		id:     id,
		def:    def,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{
			ID:        id,
			Workflow:  def.Name,
			StreamID:  streamID,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
	}
	inst.run = newRun(e.store, inst, def.StreamType, streamID, md.Complete(), history)
	e.instances[id] = inst

	metrics.Get().Inc(metrics.CounterWorkflowsStarted)
	metrics.Get().AddGauge(metrics.GaugeRunningWorkflows, 1)

	go func() {
		defer close(inst.done)
		defer cancel()
		defer metrics.Get().AddGauge(metrics.GaugeRunningWorkflows, -1)
		e.execute(runCtx, inst)
	}()
	return inst, nil
}

// active returns the running instance named id
func (e *Engine) active(id string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeLocked(id)
}

func (e *Engine) activeLocked(id string) (*Instance, bool) {
	existing, ok := e.instances[id]
	if !ok {
		return nil, false
	}
	select {
	case <-existing.done:
		return nil, false
	default:
		metrics.Get().Inc(metrics.CounterWorkflowsDuplicates)
		log.Info().Str("workflow_id", id).Msg("Workflow already running, start ignored")
		return existing, true
	}
}

// pruneLocked forgets instances that finished before the retention window
func (e *Engine) pruneLocked() {
	cutoff := e.now().Add(-e.retention)
	for id, inst := range e.instances {
		select {
		case <-inst.done:
		default:
			continue
		}
		if st := inst.Status(); st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(e.instances, id)
		}
	}
}

// Signal delivers a named signal to a running instance
func (e *Engine) Signal(id, name string, payload interface{}) error {
	inst, err := e.running(id)
	if err != nil {
		return err
	}
	inst.run.deliver(name, payload)
	return nil
}

// Query returns the status of an instance known to this engine
func (e *Engine) Query(id string) (Status, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return inst.Status(), nil
}

// List returns the status of every instance known to this engine
func (e *Engine) List() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()
	statuses := make([]Status, 0, len(e.instances))
	for _, inst := range e.instances {
		statuses = append(statuses, inst.Status())
	}
	return statuses
}

// Cancel asks a running instance to stop. Its completed steps are compensated.
func (e *Engine) Cancel(id string) error {
	inst, err := e.running(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.cancelled = true
	inst.mu.Unlock()
	inst.cancel()
	return nil
}

func (e *Engine) running(id string) (*Instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	select {
	case <-inst.done:
		return nil, domain.Reject("workflow_finished", "workflow %s is %s", id, inst.Status().State)
	default:
		return inst, nil
	}
}

func (e *Engine) execute(ctx context.Context, inst *Instance) {
	def, run := inst.def, inst.run
	logger := log.With().Str("workflow_id", inst.id).Str("correlation_id", run.Metadata().CorrelationID).Logger()

	txn := e.tracer.StartTransaction("workflow/" + def.Name)
	defer e.tracer.EndTransaction(txn)
	e.tracer.AddAttribute(txn, "workflow_id", inst.id)
	e.tracer.AddCorrelation(txn, run.Metadata())

	if def.Outcome != nil {
		if finished, err := def.Outcome(run.History()); finished {
			logger.Info().Err(err).Msg("Workflow already finished, nothing to resume")
			if err != nil {
				inst.finish(StateFailed, err)
				return
			}
			inst.finish(StateCompleted, nil)
			return
		}
	}

	logger.Info().Int("history", len(run.History())).Msg("Workflow started")

	var completed []Step
	for _, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			if !inst.isCancelled() {
				inst.finish(StateInterrupted, err)
				return
			}
			e.fail(ctx, inst, completed, step.Name, err)
			return
		}
		if step.Done != nil && step.Done(run.History()) {
			logger.Debug().Str("step", step.Name).Msg("Step already done, skipping")
			completed = append(completed, step)
			inst.stepDone(step.Name)
			continue
		}

		inst.setStep(step.Name)
		segment := e.tracer.StartSpan(step.Name, txn)
		started := time.Now()

		err := Retry(ctx, step.Name, policyOf(step), func(ctx context.Context, attempt int) error {
			if attempt > 1 && step.Done != nil && step.Done(run.History()) {
				return nil
			}
			logger.Info().Str("step", step.Name).Int("attempt", attempt).Msg("Running workflow step")
			return step.Run(ctx, run)
		})

		segment.End()
		metrics.Get().RecordStep(step.Name, time.Since(started))

		if err != nil {
			e.tracer.RecordError(txn, err)
			if ctx.Err() != nil && !inst.isCancelled() {
				// Shutdown: leave the remaining steps to a fresh execution.
				logger.Warn().Str("step", step.Name).Msg("Workflow interrupted")
				inst.finish(StateInterrupted, ctx.Err())
				return
			}
			e.fail(ctx, inst, completed, step.Name, err)
			return
		}

		completed = append(completed, step)
		inst.stepDone(step.Name)
		logger.Info().Str("step", step.Name).Dur("duration", time.Since(started)).Msg("Workflow step completed")
	}

	logger.Info().Msg("Workflow completed")
	inst.finish(StateCompleted, nil)
}

// fail compensates completed steps in reverse order, then records the failure
func (e *Engine) fail(ctx context.Context, inst *Instance, completed []Step, failedStep string, cause error) {
	cancelled := inst.isCancelled()
	// Compensation must run even though a cancelled instance's context is done.
	ctx = context.WithoutCancel(ctx)
	logger := log.With().Str("workflow_id", inst.id).Str("step", failedStep).Logger()
	logger.Error().Err(cause).Bool("cancelled", cancelled).Msg("Workflow step failed, compensating")

	var compensated []string
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, inst.run); err != nil {
			logger.Error().Err(err).Str("compensating", step.Name).Msg("Compensation failed")
			continue
		}
		metrics.Get().Inc(metrics.CounterCompensations)
		compensated = append(compensated, step.Name)
	}

	if inst.def.OnFailure != nil {
		failure := Failure{Step: failedStep, Err: cause, Compensated: compensated, Cancelled: cancelled}
		if err := inst.def.OnFailure(ctx, inst.run, failure); err != nil {
			logger.Error().Err(err).Msg("Failed to record workflow failure")
		}
	}

	if cancelled {
		inst.finish(StateCancelled, cause)
		return
	}
	inst.finish(StateFailed, cause)
}

func policyOf(step Step) RetryPolicy {
	if step.Retry.MaxAttempts == 0 {
		return DefaultRetryPolicy
	}
	return step.Retry
}
