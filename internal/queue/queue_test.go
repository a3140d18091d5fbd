package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/testutil"
)

func newQueue(t *testing.T, opts ...eventstore.Option) (*Queue, *eventstore.GormEventStore, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	r := router.New()
	Register(r)
	store := eventstore.NewGormEventStore(db, r, domain.NewRegistry(), opts...)
	return New(db, store), store, db
}

func initiate(t *testing.T, store eventstore.EventStore, orgID string) domain.AppendResult {
	t.Helper()
	res, err := store.Append(context.Background(), domain.NewEvent{
		StreamID:   orgID,
		StreamType: domain.StreamOrganization,
		EventType:  domain.OrganizationBootstrapInitiated,
		Data: domain.BootstrapInitiatedEvent{
			Name: "Acme", Slug: "acme", Subdomain: "acme", AdminEmail: "admin@acme.test",
		},
		Metadata: domain.NewMetadata("tester", "test"),
	})
	require.NoError(t, err)
	require.Nil(t, res.ProcessingError)
	return res
}

func TestInitiationCreatesPendingJob(t *testing.T) {
	q, store, db := newQueue(t)
	ctx := context.Background()

	res := initiate(t, store, "org-1")

	job, err := q.BySource(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, JobID(res.EventID), job.JobID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "org-1", job.SourceStreamID)
	assert.Equal(t, WorkflowBootstrap, job.WorkflowType)
	assert.Nil(t, job.WorkerID)

	evt, err := store.Get(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, evt.Metadata.CorrelationID, job.CorrelationID)

	// Redelivery of the initiation event does not create a second job.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return (&InitiationProjector{}).Handle(ctx, tx, evt)
	}))
	var count int64
	require.NoError(t, db.Model(&models.WorkflowQueueJob{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestJobIDIsDeterministic(t *testing.T) {
	assert.Equal(t, JobID("evt-1"), JobID("evt-1"))
	assert.NotEqual(t, JobID("evt-1"), JobID("evt-2"))
}

func TestConcurrentClaimsHaveExactlyOneWinner(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	const workers = 8
	outcomes := make([]ClaimOutcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcomes[i], errs[i] = q.Claim(ctx, jobID, fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	winner := ""
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		if outcome == ClaimWon {
			won++
			winner = fmt.Sprintf("worker-%d", i)
		}
	}
	assert.Equal(t, 1, won)

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, job.Status)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, winner, *job.WorkerID)
	assert.NotNil(t, job.ClaimedAt)
}

func TestClaimOfNonPendingJobIsLost(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	_, outcome, err := q.Claim(ctx, jobID, "a")
	require.NoError(t, err)
	require.Equal(t, ClaimWon, outcome)

	_, outcome, err = q.Claim(ctx, jobID, "b")
	require.NoError(t, err)
	assert.Equal(t, ClaimLost, outcome)

	_, _, err = q.Claim(ctx, "missing", "b")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestJobLifecycle(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	job, outcome, err := q.Claim(ctx, jobID, "worker-a")
	require.NoError(t, err)
	require.Equal(t, ClaimWon, outcome)

	job, err = q.Complete(ctx, job, "bootstrap:org-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.WorkflowInstanceID)
	assert.Equal(t, "bootstrap:org-1", *job.WorkflowInstanceID)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 2, job.Version)

	events, err := store.Stream(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.WorkflowJobClaimed, events[0].Type)
	assert.Equal(t, domain.WorkflowJobCompleted, events[1].Type)
	assert.Equal(t, job.CorrelationID, events[1].Metadata.CorrelationID)

	// A completed job cannot be requeued.
	_, err = q.Requeue(ctx, job, "late")
	var rule *domain.BusinessRuleError
	assert.True(t, errors.As(err, &rule))
}

func TestFailRecordsError(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	job, _, err := q.Claim(ctx, jobID, "worker-a")
	require.NoError(t, err)

	job, err = q.Fail(ctx, job, "bootstrap:org-1", errors.New("dns never verified"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "dns never verified", *job.LastError)
}

func TestReconcileRequeuesStaleClaims(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	_, outcome, err := q.Claim(ctx, jobID, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, ClaimWon, outcome)

	d := NewDispatcher(q, nil, RunnerFunc(func(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
		return "", nil
	}), config.WorkerConfig{ID: "sweeper", StaleAfter: time.Minute})

	// Not yet stale.
	require.NoError(t, d.Reconcile(ctx))
	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, job.Status)

	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, d.Reconcile(ctx))

	job, err = q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Nil(t, job.WorkerID)
	assert.Equal(t, 1, job.RetryCount)

	_, outcome, err = q.Claim(ctx, jobID, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, ClaimWon, outcome)
}

func TestDispatcherPollRunsWorkflows(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	okJob := JobID(initiate(t, store, "org-ok").EventID)
	badJob := JobID(initiate(t, store, "org-bad").EventID)

	runner := RunnerFunc(func(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
		instance := "bootstrap:" + job.SourceStreamID
		if job.SourceStreamID == "org-bad" {
			return instance, errors.New("provisioning rejected")
		}
		return instance, nil
	})
	d := NewDispatcher(q, nil, runner, config.WorkerConfig{ID: "worker-1"})

	require.NoError(t, d.Poll(ctx))
	d.Wait()

	job, err := q.Get(ctx, okJob)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	job, err = q.Get(ctx, badJob)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "provisioning rejected")

	pending, err := q.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRedisFeedDeliversJobIDs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisFeedFromClient(client, "jobs")
	t.Cleanup(func() { _ = feed.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, feed.Publish(ctx, "job-1"))

	select {
	case id := <-ids:
		assert.Equal(t, "job-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}

	cancel()
	for range ids {
	}
}

func TestFeedObserverPublishesNewJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisFeedFromClient(client, "jobs")
	t.Cleanup(func() { _ = feed.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ids, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	_, store, _ := newQueue(t, eventstore.WithObservers(FeedObserver(feed)))
	res := initiate(t, store, "org-1")

	select {
	case id := <-ids:
		assert.Equal(t, JobID(res.EventID), id)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestHeartbeatRenewsClaim(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	job, outcome, err := q.Claim(ctx, jobID, "worker-a")
	require.NoError(t, err)
	require.Equal(t, ClaimWon, outcome)
	claimedAt := *job.ClaimedAt

	time.Sleep(5 * time.Millisecond)
	renewed, outcome, err := q.Heartbeat(ctx, job, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, ClaimWon, outcome)
	assert.Equal(t, models.JobStatusClaimed, renewed.Status)
	assert.Equal(t, job.Version+1, renewed.Version)
	require.NotNil(t, renewed.ClaimedAt)
	assert.True(t, renewed.ClaimedAt.After(claimedAt))

	// The renewed row is what settles the job.
	done, err := q.Complete(ctx, renewed, "bootstrap:org-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
}

func TestHeartbeatAfterRequeueLosesClaim(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	job, _, err := q.Claim(ctx, jobID, "worker-a")
	require.NoError(t, err)
	_, err = q.Requeue(ctx, job, "claim stale")
	require.NoError(t, err)

	// Stale version: the append conflicts and the row no longer names worker-a.
	_, outcome, err := q.Heartbeat(ctx, job, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, ClaimLost, outcome)

	// Current version but another owner: the heartbeat does not apply.
	_, outcome, err = q.Claim(ctx, jobID, "worker-b")
	require.NoError(t, err)
	require.Equal(t, ClaimWon, outcome)
	current, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	_, outcome, err = q.Heartbeat(ctx, current, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, ClaimLost, outcome)

	job, err = q.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "worker-b", *job.WorkerID)
}

func TestPeerReconcileLeavesRunningJobAlone(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	started := make(chan struct{})
	release := make(chan struct{})
	owner := NewDispatcher(q, nil, RunnerFunc(func(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
		close(started)
		select {
		case <-release:
			return "bootstrap:" + job.SourceStreamID, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), config.WorkerConfig{ID: "owner", StaleAfter: 300 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond})

	var peerRuns int
	var peerMu sync.Mutex
	peer := NewDispatcher(q, nil, RunnerFunc(func(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
		peerMu.Lock()
		peerRuns++
		peerMu.Unlock()
		return "", nil
	}), config.WorkerConfig{ID: "peer", StaleAfter: 300 * time.Millisecond})

	owner.Handle(ctx, jobID)
	<-started

	// The original claim is now older than the stale window; only heartbeats keep it fresh.
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, peer.Reconcile(ctx))
	peer.Handle(ctx, jobID)
	peer.Wait()

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, job.Status)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "owner", *job.WorkerID)
	assert.Equal(t, 0, job.RetryCount)

	close(release)
	owner.Wait()

	job, err = q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	peerMu.Lock()
	assert.Zero(t, peerRuns)
	peerMu.Unlock()

	events, err := store.Stream(ctx, jobID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, domain.WorkflowJobHeartbeat)
	assert.NotContains(t, types, domain.WorkflowJobRequeued)
	assert.Equal(t, domain.WorkflowJobCompleted, types[len(types)-1])
}

func TestLostClaimStopsWorkflowWithoutSettling(t *testing.T) {
	q, store, _ := newQueue(t)
	ctx := context.Background()
	jobID := JobID(initiate(t, store, "org-1").EventID)

	started := make(chan struct{})
	stopped := make(chan error, 1)
	owner := NewDispatcher(q, nil, RunnerFunc(func(ctx context.Context, job models.WorkflowQueueJob) (string, error) {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return "", ctx.Err()
	}), config.WorkerConfig{ID: "owner", StaleAfter: time.Minute, HeartbeatInterval: 20 * time.Millisecond})

	owner.Handle(ctx, jobID)
	<-started

	// Someone else requeues the job while the owner still runs it.
	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return false
		}
		_, err = q.Requeue(ctx, job, "operator requeue")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	owner.Wait()
	assert.ErrorIs(t, <-stopped, context.Canceled)

	job, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Nil(t, job.WorkerID)
}
