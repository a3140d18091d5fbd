package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/testutil"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}

func newStore(t *testing.T) *eventstore.GormEventStore {
	t.Helper()
	return eventstore.NewGormEventStore(testutil.NewDB(t), router.New(), domain.NewRegistry())
}

// recorder counts how often each step ran and was compensated
type recorder struct {
	mu          sync.Mutex
	runs        map[string]int
	compensated []string
}

func newRecorder() *recorder {
	return &recorder{runs: make(map[string]int)}
}

func (r *recorder) ran(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[step]++
}

func (r *recorder) count(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[step]
}

// emitting builds a step that appends eventType once
func emitting(rec *recorder, name, eventType string) Step {
	return Step{
		Name:  name,
		Done:  func(history []domain.Event) bool { return Has(history, eventType) },
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			rec.ran(name)
			_, err := run.Emit(ctx, eventType, domain.EntityEvent{})
			return err
		},
		Compensate: func(ctx context.Context, run *Run) error {
			rec.mu.Lock()
			rec.compensated = append(rec.compensated, name)
			rec.mu.Unlock()
			return nil
		},
	}
}

func definition(rec *recorder, extra ...Step) *Definition {
	steps := []Step{
		emitting(rec, "create", "client.created"),
		emitting(rec, "record", "client.recorded"),
	}
	steps = append(steps, extra...)
	return &Definition{
		Name:       "intake",
		StreamType: domain.StreamClient,
		Steps:      steps,
		Outcome: func(history []domain.Event) (bool, error) {
			if Has(history, "client.archived") {
				return true, nil
			}
			return false, nil
		},
		OnFailure: func(ctx context.Context, run *Run, failure Failure) error {
			_, err := run.Emit(ctx, "client.revoked", domain.EntityEvent{
				Attributes: map[string]interface{}{"step": failure.Step, "compensated": len(failure.Compensated)},
			})
			return err
		},
	}
}

func wait(t *testing.T, inst *Instance) (Status, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return inst.Wait(ctx)
}

func TestEngineRunsStepsInOrder(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()

	def := definition(rec, emitting(rec, "archive", "client.archived"))
	inst, err := engine.Start(context.Background(), def, "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)
	assert.Equal(t, "intake:client-1", inst.ID())

	status, err := wait(t, inst)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, []string{"create", "record", "archive"}, status.CompletedSteps)

	events, err := store.Stream(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, events[0].Metadata.CorrelationID, events[2].Metadata.CorrelationID)
	assert.Equal(t, events[0].ID, events[1].Metadata.CausationID)
	assert.Equal(t, events[1].ID, events[2].Metadata.CausationID)
}

func TestEngineResumesFromHistory(t *testing.T) {
	store := newStore(t)
	rec := newRecorder()
	md := domain.NewMetadata("tester", "test")

	// A previous execution finished the first two steps and died.
	for _, eventType := range []string{"client.created", "client.recorded"} {
		_, err := store.Append(context.Background(), domain.NewEvent{
			StreamID: "client-1", StreamType: domain.StreamClient, EventType: eventType, Data: domain.EntityEvent{}, Metadata: md,
		})
		require.NoError(t, err)
	}

	engine := NewEngine(store, nil)
	def := definition(rec, emitting(rec, "archive", "client.archived"))
	inst, err := engine.Start(context.Background(), def, "client-1", md)
	require.NoError(t, err)

	status, err := wait(t, inst)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 0, rec.count("create"))
	assert.Equal(t, 0, rec.count("record"))
	assert.Equal(t, 1, rec.count("archive"))

	// Once the terminal event exists a new execution does nothing.
	inst, err = engine.Start(context.Background(), def, "client-1", md)
	require.NoError(t, err)
	status, err = wait(t, inst)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 1, rec.count("archive"))
}

func TestEngineStartIsIdempotentWhileRunning(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()
	release := make(chan struct{})

	blocking := Step{
		Name:  "block",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			rec.ran("block")
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	def := &Definition{Name: "intake", StreamType: domain.StreamClient, Steps: []Step{blocking}}

	first, err := engine.Start(context.Background(), def, "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)
	second, err := engine.Start(context.Background(), def, "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)
	assert.Same(t, first, second)

	status, err := engine.Query("intake:client-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, status.State)

	close(release)
	_, err = wait(t, first)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count("block"))

	_, err = engine.Query("intake:missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestEngineConcurrentStartsShareOneInstance(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()
	release := make(chan struct{})

	blocking := Step{
		Name:  "block",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			rec.ran("block")
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	def := &Definition{Name: "intake", StreamType: domain.StreamClient, Steps: []Step{blocking}}

	const starters = 8
	instances := make([]*Instance, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := engine.Start(context.Background(), def, "client-1", domain.NewMetadata("tester", "test"))
			assert.NoError(t, err)
			instances[i] = inst
		}(i)
	}
	wg.Wait()

	for _, inst := range instances[1:] {
		assert.Same(t, instances[0], inst)
	}
	close(release)
	_, err := wait(t, instances[0])
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count("block"))
	assert.Len(t, engine.List(), 1)
}

func TestEngineForgetsFinishedInstancesAfterRetention(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil, WithRetention(time.Minute))
	var offset atomic.Int64
	engine.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	rec := newRecorder()

	inst, err := engine.Start(context.Background(), definition(rec), "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)
	_, err = wait(t, inst)
	require.NoError(t, err)

	assert.Len(t, engine.List(), 1)
	_, err = engine.Query("intake:client-1")
	require.NoError(t, err)

	offset.Store(int64(2 * time.Minute))
	assert.Empty(t, engine.List())
	_, err = engine.Query("intake:client-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestEngineCompensatesInReverse(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()

	var attempts int32
	failing := Step{
		Name:  "verify",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			atomic.AddInt32(&attempts, 1)
			return domain.ErrQuorumNotReached
		},
	}
	inst, err := engine.Start(context.Background(), definition(rec, failing), "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)

	status, err := wait(t, inst)
	var exhausted *domain.StepExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "verify", exhausted.Step)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, errors.Is(err, domain.ErrQuorumNotReached))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, []string{"record", "create"}, rec.compensated)

	events, err := store.Stream(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "client.revoked", events[2].Type)
}

func TestEngineDoesNotRetryBusinessRejections(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()

	var attempts int32
	rejecting := Step{
		Name:  "assign",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			atomic.AddInt32(&attempts, 1)
			return domain.Reject("admin_required", "no admin email")
		},
	}
	inst, err := engine.Start(context.Background(), definition(rec, rejecting), "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)

	_, err = wait(t, inst)
	var rule *domain.BusinessRuleError
	assert.True(t, errors.As(err, &rule))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestEngineSignalEndsWait(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)

	var received interface{}
	waiting := Step{
		Name:  "await",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			payload, ok, err := run.AwaitSignal(ctx, "confirmed", time.Minute)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("timed out")
			}
			received = payload
			return nil
		},
	}
	def := &Definition{Name: "intake", StreamType: domain.StreamClient, Steps: []Step{waiting}}
	inst, err := engine.Start(context.Background(), def, "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)

	require.NoError(t, engine.Signal(inst.ID(), "confirmed", "dns-ok"))

	status, err := wait(t, inst)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, "dns-ok", received)

	var rule *domain.BusinessRuleError
	assert.True(t, errors.As(engine.Signal(inst.ID(), "confirmed", nil), &rule))
}

func TestEngineCancelCompensates(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()

	started := make(chan struct{})
	waiting := Step{
		Name:  "await",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			close(started)
			_, _, err := run.AwaitSignal(ctx, "never", time.Hour)
			return err
		},
	}
	inst, err := engine.Start(context.Background(), definition(rec, waiting), "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)

	<-started
	require.NoError(t, engine.Cancel(inst.ID()))

	status, err := wait(t, inst)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateCancelled, status.State)
	assert.Equal(t, []string{"record", "create"}, rec.compensated)
}

func TestEngineInterruptedByShutdownLeavesHistory(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, nil)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	waiting := Step{
		Name:  "await",
		Retry: fastRetry,
		Run: func(ctx context.Context, run *Run) error {
			close(started)
			_, _, err := run.AwaitSignal(ctx, "never", time.Hour)
			return err
		},
	}
	inst, err := engine.Start(ctx, definition(rec, waiting), "client-1", domain.NewMetadata("tester", "test"))
	require.NoError(t, err)

	<-started
	cancel()

	status, _ := wait(t, inst)
	assert.Equal(t, StateInterrupted, status.State)
	assert.Empty(t, rec.compensated)
}

func TestRetryPolicy(t *testing.T) {
	var calls int
	err := Retry(context.Background(), "flaky", fastRetry, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = Retry(context.Background(), "invalid", fastRetry, func(ctx context.Context, attempt int) error {
		calls++
		return &domain.ValidationError{Reason: "bad"}
	})
	var validation *domain.ValidationError
	assert.True(t, errors.As(err, &validation))
	assert.Equal(t, 1, calls)
}

func TestVerificationPolicySchedule(t *testing.T) {
	b := VerificationRetryPolicy.BackOff()
	var delays []time.Duration
	for d := b.NextBackOff(); d >= 0 && len(delays) < 10; d = b.NextBackOff() {
		delays = append(delays, d)
	}
	require.Len(t, delays, 6)
	assert.Equal(t, 10*time.Second, delays[0])
	assert.Equal(t, 300*time.Second, delays[len(delays)-1])
}
