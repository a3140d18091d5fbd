package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/notify"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/projections"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/provisioning"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/queue"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/testutil"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/workflow"
)

var fastConfig = config.SagaConfig{
	PropagationDelay:    5 * time.Millisecond,
	StepAttempts:        2,
	StepInitialInterval: time.Millisecond,
	StepMaxInterval:     2 * time.Millisecond,
	VerifyAttempts:      2,
	VerifyInitial:       time.Millisecond,
	VerifyMax:           2 * time.Millisecond,
	InvitationTTL:       24 * time.Hour,
}

// fakeProvisioner keeps DNS records in memory
type fakeProvisioner struct {
	mu      sync.Mutex
	records map[string]provisioning.Record
	upserts int
	deletes int
}

func (p *fakeProvisioner) FQDN(subdomain string) string {
	return subdomain + ".example.com"
}

func (p *fakeProvisioner) Upsert(ctx context.Context, fqdn string) (provisioning.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts++
	rec := provisioning.Record{ID: "rec-" + fqdn, Type: "CNAME", Name: fqdn, Content: "edge.example.net", Proxied: true, TTL: 1}
	p.records[fqdn] = rec
	return rec, nil
}

func (p *fakeProvisioner) Delete(ctx context.Context, fqdn string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	delete(p.records, fqdn)
	return nil
}

func (p *fakeProvisioner) count() (upserts, deletes, records int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upserts, p.deletes, len(p.records)
}

type verifierFunc func(ctx context.Context, fqdn string) (domain.DNSVerifiedEvent, error)

func (f verifierFunc) Verify(ctx context.Context, fqdn string) (domain.DNSVerifiedEvent, error) {
	return f(ctx, fqdn)
}

func agreeing(ctx context.Context, fqdn string) (domain.DNSVerifiedEvent, error) {
	return domain.DNSVerifiedEvent{
		FQDN:     fqdn,
		Agreeing: 2,
		Required: 2,
		Responses: []domain.SourceResponse{
			{Source: "1.1.1.1:53", Answers: []string{"104.16.0.1"}, Agreed: true},
			{Source: "8.8.8.8:53", Answers: []string{"104.16.0.1"}, Agreed: true},
			{Source: "9.9.9.9:53", Error: "i/o timeout"},
		},
	}, nil
}

// memoryNotifier records sent invitations
type memoryNotifier struct {
	mu   sync.Mutex
	sent []notify.Invitation
	err  error
}

func (n *memoryNotifier) SendInvitation(ctx context.Context, inv notify.Invitation) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.sent = append(n.sent, inv)
	return notify.MessageID(inv.InvitationID), nil
}

func (n *memoryNotifier) Close() error {
	return nil
}

func (n *memoryNotifier) invitations() []notify.Invitation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Invitation(nil), n.sent...)
}

type harness struct {
	t           *testing.T
	db          *gorm.DB
	store       *eventstore.GormEventStore
	engine      *workflow.Engine
	provisioner *fakeProvisioner
	notifier    *memoryNotifier
	verifier    Verifier
	cfg         config.SagaConfig
	runner      *Runner
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	r := router.New()
	require.NoError(t, projections.Register(r))
	queue.Register(r)
	store := eventstore.NewGormEventStore(db, r, domain.NewRegistry())

	h := &harness{
		t:           t,
		db:          db,
		store:       store,
		engine:      workflow.NewEngine(store, nil),
		provisioner: &fakeProvisioner{records: make(map[string]provisioning.Record)},
		notifier:    &memoryNotifier{},
		verifier:    verifierFunc(agreeing),
		cfg:         fastConfig,
	}
	for _, opt := range opts {
		opt(h)
	}
	saga := New(store, db, h.provisioner, h.verifier, h.notifier, h.cfg)
	h.runner = NewRunner(h.engine, saga, store)
	return h
}

func (h *harness) initiate(orgID string, req domain.BootstrapInitiatedEvent) (domain.AppendResult, domain.Metadata) {
	h.t.Helper()
	md := domain.NewMetadata("platform-admin", "test")
	res, err := h.store.Append(context.Background(), domain.NewEvent{
		StreamID:   orgID,
		StreamType: domain.StreamOrganization,
		EventType:  domain.OrganizationBootstrapInitiated,
		Data:       req,
		Metadata:   md,
	})
	require.NoError(h.t, err)
	require.Nil(h.t, res.ProcessingError)
	return res, md
}

func (h *harness) run(orgID string, md domain.Metadata) (workflow.Status, error) {
	h.t.Helper()
	inst, err := h.runner.Start(context.Background(), orgID, md)
	require.NoError(h.t, err)
	return wait(h.t, inst)
}

func (h *harness) organization(orgID string) models.Organization {
	h.t.Helper()
	var org models.Organization
	require.NoError(h.t, h.db.Where("organization_id = ?", orgID).First(&org).Error)
	return org
}

func (h *harness) eventTypes(streamID string) []string {
	h.t.Helper()
	events, err := h.store.Stream(context.Background(), streamID)
	require.NoError(h.t, err)
	types := make([]string, len(events))
	for i, evt := range events {
		types[i] = evt.Type
	}
	return types
}

func wait(t *testing.T, inst *workflow.Instance) (workflow.Status, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return inst.Wait(ctx)
}

func acme() domain.BootstrapInitiatedEvent {
	return domain.BootstrapInitiatedEvent{
		Name:       "Acme Health",
		Slug:       "acme",
		Subdomain:  "acme",
		AdminEmail: "admin@acme.test",
		AdminName:  "Ada Admin",
	}
}

func TestBootstrapActivatesOrganization(t *testing.T) {
	h := newHarness(t)
	_, md := h.initiate("org-1", acme())

	status, err := h.run("org-1", md)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, status.State)
	assert.Equal(t, "bootstrap:org-1", status.ID)

	assert.Equal(t, []string{
		domain.OrganizationBootstrapInitiated,
		domain.OrganizationCreated,
		domain.OrganizationDNSProvisioned,
		domain.OrganizationDNSVerified,
		domain.OrganizationAdminAssigned,
		domain.OrganizationInvitationsDispatched,
		domain.OrganizationActivated,
	}, h.eventTypes("org-1"))

	org := h.organization("org-1")
	assert.Equal(t, models.OrganizationStatusActive, org.Status)
	assert.Equal(t, "acme", org.Path)
	assert.Equal(t, "acme.example.com", org.FQDN)
	assert.Equal(t, "rec-acme.example.com", org.DNSRecordID)
	assert.NotNil(t, org.DNSVerifiedAt)
	assert.NotNil(t, org.ActivatedAt)

	var role models.Role
	require.NoError(t, h.db.Where("role_id = ?", AdminRoleID("org-1")).First(&role).Error)
	assert.Equal(t, "acme", role.ScopePath)
	assert.True(t, role.IsActive)
	assert.ElementsMatch(t, AdminPermissions, []string(role.Permissions))

	invitationID := AdminInvitationID("org-1", "admin@acme.test")
	var inv models.Invitation
	require.NoError(t, h.db.Where("invitation_id = ?", invitationID).First(&inv).Error)
	assert.Equal(t, models.InvitationStatusSent, inv.Status)
	assert.Equal(t, notify.MessageID(invitationID), inv.MessageID)

	sent := h.notifier.invitations()
	require.Len(t, sent, 1)
	assert.Equal(t, "admin@acme.test", sent[0].Email)
	assert.Equal(t, "Acme Health", sent[0].Organization)
	assert.Contains(t, sent[0].URL, "https://acme.example.com/")
	assert.Equal(t, md.CorrelationID, sent[0].CorrelationID)

	// Every event of the operation, across streams, shares the correlation id.
	events, err := h.store.ByCorrelation(context.Background(), md.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, events, 10)
}

func TestBootstrapIsIdempotentOnceActivated(t *testing.T) {
	h := newHarness(t)
	_, md := h.initiate("org-1", acme())

	_, err := h.run("org-1", md)
	require.NoError(t, err)

	status, err := h.run("org-1", md)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, status.State)

	upserts, _, _ := h.provisioner.count()
	assert.Equal(t, 1, upserts)
	assert.Len(t, h.notifier.invitations(), 1)
	assert.Len(t, h.eventTypes("org-1"), 7)
}

func TestBootstrapResumesAfterProvisioning(t *testing.T) {
	h := newHarness(t)
	_, md := h.initiate("org-1", acme())
	ctx := context.Background()

	// A previous worker created the organization and the DNS record, then died.
	for _, in := range []domain.NewEvent{
		{EventType: domain.OrganizationCreated, Data: domain.OrganizationCreatedEvent{Name: "Acme Health", Slug: "acme", Subdomain: "acme", Path: "acme"}},
		{EventType: domain.OrganizationDNSProvisioned, Data: domain.DNSProvisionedEvent{FQDN: "acme.example.com", RecordID: "rec-1", RecordType: "CNAME"}},
	} {
		in.StreamID = "org-1"
		in.StreamType = domain.StreamOrganization
		in.Metadata = md
		_, err := h.store.Append(ctx, in)
		require.NoError(t, err)
	}

	status, err := h.run("org-1", md)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, status.State)

	upserts, _, _ := h.provisioner.count()
	assert.Equal(t, 0, upserts)

	types := h.eventTypes("org-1")
	assert.Len(t, types, 7)
	assert.Equal(t, 1, countOf(types, domain.OrganizationCreated))
	assert.Equal(t, 1, countOf(types, domain.OrganizationDNSProvisioned))
	assert.Equal(t, "rec-1", h.organization("org-1").DNSRecordID)
}

func countOf(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}

func TestPropagationSignalEndsWait(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.cfg.PropagationDelay = time.Hour
	})
	_, md := h.initiate("org-1", acme())

	inst, err := h.runner.Start(context.Background(), "org-1", md)
	require.NoError(t, err)
	require.NoError(t, h.engine.Signal(inst.ID(), SignalPropagationConfirmed, nil))

	status, err := wait(t, inst)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, status.State)
}

func TestVerificationFailureCompensates(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	h := newHarness(t, func(h *harness) {
		h.verifier = verifierFunc(func(ctx context.Context, fqdn string) (domain.DNSVerifiedEvent, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return domain.DNSVerifiedEvent{}, fmt.Errorf("%w: 1 of 3 sources agreed", domain.ErrQuorumNotReached)
		})
	})
	_, md := h.initiate("org-1", acme())

	status, err := h.run("org-1", md)
	require.Error(t, err)
	assert.Equal(t, workflow.StateFailed, status.State)

	var exhausted *domain.StepExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, StepVerifyDNS, exhausted.Step)
	assert.True(t, errors.Is(err, domain.ErrQuorumNotReached))
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	_, deletes, records := h.provisioner.count()
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 0, records)

	types := h.eventTypes("org-1")
	assert.Equal(t, domain.OrganizationDNSRemoved, types[len(types)-2])
	assert.Equal(t, domain.OrganizationBootstrapFailed, types[len(types)-1])

	org := h.organization("org-1")
	assert.Equal(t, models.OrganizationStatusFailed, org.Status)
	assert.Empty(t, org.DNSRecordID)
	require.NotNil(t, org.FailureReason)
	assert.Contains(t, *org.FailureReason, "quorum not reached")

	// A finished bootstrap is not run again.
	status, err = h.run("org-1", md)
	require.Error(t, err)
	assert.Equal(t, workflow.StateFailed, status.State)
	upserts, _, _ := h.provisioner.count()
	assert.Equal(t, 1, upserts)
}

func TestNotificationFailureRevokesAdmin(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.notifier.err = errors.New("service bus unavailable")
	})
	_, md := h.initiate("org-1", acme())

	_, err := h.run("org-1", md)
	var exhausted *domain.StepExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, StepDispatchInvitations, exhausted.Step)

	var inv models.Invitation
	require.NoError(t, h.db.Where("invitation_id = ?", AdminInvitationID("org-1", "admin@acme.test")).First(&inv).Error)
	assert.Equal(t, models.InvitationStatusRevoked, inv.Status)

	var role models.Role
	require.NoError(t, h.db.Where("role_id = ?", AdminRoleID("org-1")).First(&role).Error)
	assert.False(t, role.IsActive)

	_, _, records := h.provisioner.count()
	assert.Equal(t, 0, records)

	events, err := h.store.Stream(context.Background(), "org-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, domain.OrganizationBootstrapFailed, last.Type)
	var failed domain.BootstrapFailedEvent
	require.NoError(t, last.Decode(&failed))
	assert.Equal(t, StepDispatchInvitations, failed.FailedStep)
	assert.True(t, failed.Compensated)
}

func TestUnknownParentIsRejected(t *testing.T) {
	h := newHarness(t)
	req := acme()
	req.ParentPath = "missing"
	_, md := h.initiate("org-1", req)

	_, err := h.run("org-1", md)
	var rule *domain.BusinessRuleError
	require.True(t, errors.As(err, &rule))
	assert.Equal(t, "parent_not_found", rule.Rule)

	types := h.eventTypes("org-1")
	assert.Equal(t, []string{domain.OrganizationBootstrapInitiated, domain.OrganizationBootstrapFailed}, types)
	upserts, _, _ := h.provisioner.count()
	assert.Equal(t, 0, upserts)
}

func TestChildOrganizationPath(t *testing.T) {
	h := newHarness(t)
	_, md := h.initiate("org-1", acme())
	_, err := h.run("org-1", md)
	require.NoError(t, err)

	child := domain.BootstrapInitiatedEvent{
		Name:       "North Clinic",
		Slug:       "north-clinic",
		Subdomain:  "north-clinic",
		ParentPath: "acme",
		AdminEmail: "lead@north.test",
	}
	_, md = h.initiate("org-2", child)
	_, err = h.run("org-2", md)
	require.NoError(t, err)

	assert.Equal(t, "acme.north_clinic", h.organization("org-2").Path)
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, AdminRoleID("org-1"), AdminRoleID("org-1"))
	assert.NotEqual(t, AdminRoleID("org-1"), AdminRoleID("org-2"))
	assert.NotEqual(t, AdminInvitationID("org-1", "a@x.test"), AdminInvitationID("org-1", "b@x.test"))
	_, err := uuid.Parse(AdminInvitationID("org-1", "a@x.test"))
	assert.NoError(t, err)
}

func TestRunnerCompletesQueuedBootstrap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, _ := h.initiate("org-1", acme())

	q := queue.New(h.db, h.store)
	dispatcher := queue.NewDispatcher(q, nil, h.runner, config.WorkerConfig{ID: "worker-1"})
	require.NoError(t, dispatcher.Poll(ctx))
	dispatcher.Wait()

	job, err := q.Get(ctx, queue.JobID(res.EventID))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.WorkflowInstanceID)
	assert.Equal(t, "bootstrap:org-1", *job.WorkflowInstanceID)

	assert.Equal(t, models.OrganizationStatusActive, h.organization("org-1").Status)
}

func TestRunnerRejectsUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), models.WorkflowQueueJob{JobID: "job-1", WorkflowType: "offboarding"})
	var rule *domain.BusinessRuleError
	require.True(t, errors.As(err, &rule))
}
