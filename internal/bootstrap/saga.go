// Package bootstrap provisions a new tenant organization as a durable saga:
// the organization aggregate, its DNS record, quorum verification of that
// record, the administrator role and invitations, and finally activation.
package bootstrap

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/notify"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/provisioning"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/workflow"
)

const (
	// WorkflowName names bootstrap instances ("bootstrap:<organization id>")
	WorkflowName = "bootstrap"
	// SignalPropagationConfirmed ends the propagation wait early
	SignalPropagationConfirmed = "dns.propagation.confirmed"
	// AdminRoleName is the role granted to the organization's first administrator
	AdminRoleName = "organization_admin"

	compensationReason   = "bootstrap compensation"
	defaultInvitationTTL = 7 * 24 * time.Hour
)

// Step names
const (
	StepCreateOrganization  = "create_organization"
	StepProvisionDNS        = "provision_dns"
	StepAwaitPropagation    = "await_propagation"
	StepVerifyDNS           = "verify_dns"
	StepAssignAdmin         = "assign_admin"
	StepDispatchInvitations = "dispatch_invitations"
	StepActivate            = "activate"
)

// AdminPermissions are granted to the administrator role of a new organization
var AdminPermissions = []string{
	"organization.manage",
	"organization_units.manage",
	"users.manage",
	"roles.manage",
	"invitations.manage",
}

var idNamespace = uuid.MustParse("6f1c9a52-3d0b-4c55-9b1e-2a8d7e4f0c61")

// AdminRoleID returns the id of an organization's administrator role. Retries
// derive the same id, so the role is never created twice.
func AdminRoleID(organizationID string) string {
	return uuid.NewSHA1(idNamespace, []byte(organizationID+"/role/"+AdminRoleName)).String()
}

// AdminInvitationID returns the id of the invitation sent to an administrator
func AdminInvitationID(organizationID, email string) string {
	return uuid.NewSHA1(idNamespace, []byte(organizationID+"/invitation/"+email)).String()
}

// Verifier confirms a provisioned name through independent sources
type Verifier interface {
	Verify(ctx context.Context, fqdn string) (domain.DNSVerifiedEvent, error)
}

// Saga holds the collaborators of the bootstrap steps
type Saga struct {
	store       eventstore.EventStore
	db          *gorm.DB
	provisioner provisioning.Provisioner
	verifier    Verifier
	notifier    notify.Notifier
	cfg         config.SagaConfig
	now         func() time.Time
}

// New creates the bootstrap saga
func New(store eventstore.EventStore, db *gorm.DB, provisioner provisioning.Provisioner, verifier Verifier, notifier notify.Notifier, cfg config.SagaConfig) *Saga {
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = defaultInvitationTTL
	}
	return &Saga{
		store:       store,
		db:          db,
		provisioner: provisioner,
		verifier:    verifier,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Definition returns the workflow definition of the saga
func (s *Saga) Definition() *workflow.Definition {
	stepPolicy := workflow.RetryPolicy{
		MaxAttempts:     s.cfg.StepAttempts,
		InitialInterval: s.cfg.StepInitialInterval,
		MaxInterval:     s.cfg.StepMaxInterval,
		Multiplier:      2,
	}
	verifyPolicy := workflow.VerificationRetryPolicy
	if s.cfg.VerifyAttempts > 0 {
		verifyPolicy = workflow.RetryPolicy{
			MaxAttempts:     s.cfg.VerifyAttempts,
			InitialInterval: s.cfg.VerifyInitial,
			MaxInterval:     s.cfg.VerifyMax,
			Multiplier:      2,
		}
	}

	return &workflow.Definition{
		Name:       WorkflowName,
		StreamType: domain.StreamOrganization,
		Steps: []workflow.Step{
			{
				Name:  StepCreateOrganization,
				Done:  done(domain.OrganizationCreated),
				Run:   s.createOrganization,
				Retry: stepPolicy,
			},
			{
				Name:       StepProvisionDNS,
				Done:       done(domain.OrganizationDNSProvisioned),
				Run:        s.provisionDNS,
				Compensate: s.removeDNS,
				Retry:      stepPolicy,
			},
			{
				Name:  StepAwaitPropagation,
				Done:  done(domain.OrganizationDNSVerified),
				Run:   s.awaitPropagation,
				Retry: workflow.RetryPolicy{MaxAttempts: 1},
			},
			{
				Name:  StepVerifyDNS,
				Done:  done(domain.OrganizationDNSVerified),
				Run:   s.verifyDNS,
				Retry: verifyPolicy,
			},
			{
				Name:       StepAssignAdmin,
				Done:       done(domain.OrganizationAdminAssigned),
				Run:        s.assignAdmin,
				Compensate: s.revokeAdmin,
				Retry:      stepPolicy,
			},
			{
				Name:  StepDispatchInvitations,
				Done:  done(domain.OrganizationInvitationsDispatched),
				Run:   s.dispatchInvitations,
				Retry: stepPolicy,
			},
			{
				Name:  StepActivate,
				Done:  done(domain.OrganizationActivated),
				Run:   s.activate,
				Retry: stepPolicy,
			},
		},
		Outcome:   outcome,
		OnFailure: s.recordFailure,
	}
}

func done(eventType string) func([]domain.Event) bool {
	return func(history []domain.Event) bool {
		return workflow.Has(history, eventType)
	}
}

// outcome reports a bootstrap that already reached a terminal event
func outcome(history []domain.Event) (bool, error) {
	if workflow.Has(history, domain.OrganizationActivated) {
		return true, nil
	}
	if evt, ok := workflow.Last(history, domain.OrganizationBootstrapFailed); ok {
		var data domain.BootstrapFailedEvent
		if err := evt.Decode(&data); err != nil {
			return true, err
		}
		return true, errors.Errorf("bootstrap failed at %s: %s", data.FailedStep, data.Error)
	}
	return false, nil
}

// request returns the payload that initiated the bootstrap
func request(run *workflow.Run) (domain.BootstrapInitiatedEvent, error) {
	var req domain.BootstrapInitiatedEvent
	evt, ok := workflow.Last(run.History(), domain.OrganizationBootstrapInitiated)
	if !ok {
		return req, domain.Reject("bootstrap_not_initiated", "organization %s has no bootstrap request", run.StreamID())
	}
	err := evt.Decode(&req)
	return req, err
}

func decodeLast(run *workflow.Run, eventType string, v interface{}) error {
	evt, ok := workflow.Last(run.History(), eventType)
	if !ok {
		return domain.Reject("missing_event", "organization %s has no %s event", run.StreamID(), eventType)
	}
	return evt.Decode(v)
}

// createOrganization creates the aggregate under the requested identity. The
// identity is the stream id, so a retry can never fork it.
func (s *Saga) createOrganization(ctx context.Context, run *workflow.Run) error {
	req, err := request(run)
	if err != nil {
		return err
	}

	path := domain.Label(req.Slug)
	if req.ParentPath != "" {
		exists, err := s.pathExists(ctx, req.ParentPath)
		if err != nil {
			return err
		}
		if !exists {
			return domain.Reject("parent_not_found", "parent path %s does not exist", req.ParentPath)
		}
		path = domain.ChildPath(req.ParentPath, path)
	}

	if _, err := run.Emit(ctx, domain.OrganizationCreated, domain.OrganizationCreatedEvent{
		Name:      req.Name,
		Slug:      req.Slug,
		Subdomain: req.Subdomain,
		Path:      path,
	}); err != nil {
		return err
	}

	var org models.Organization
	err = s.db.WithContext(ctx).Where("organization_id = ? AND path = ?", run.StreamID(), path).First(&org).Error
	if database.IsRecordNotFound(err) {
		return &domain.ProcessingFailedError{EventType: domain.OrganizationCreated, Detail: "organization " + run.StreamID() + " was not projected"}
	}
	return err
}

func (s *Saga) pathExists(ctx context.Context, path string) (bool, error) {
	var orgs, units int64
	if err := s.db.WithContext(ctx).Model(&models.Organization{}).
		Where("path = ? AND status <> ?", path, models.OrganizationStatusInactive).
		Count(&orgs).Error; err != nil {
		return false, errors.Wrap(err, "failed to look up parent organization")
	}
	if orgs > 0 {
		return true, nil
	}
	if err := s.db.WithContext(ctx).Model(&models.OrganizationUnit{}).
		Where("path = ? AND is_active = ?", path, true).
		Count(&units).Error; err != nil {
		return false, errors.Wrap(err, "failed to look up parent unit")
	}
	return units > 0, nil
}

func (s *Saga) provisionDNS(ctx context.Context, run *workflow.Run) error {
	req, err := request(run)
	if err != nil {
		return err
	}

	fqdn := s.provisioner.FQDN(req.Subdomain)
	record, err := s.provisioner.Upsert(ctx, fqdn)
	if err != nil {
		return err
	}

	_, err = run.Emit(ctx, domain.OrganizationDNSProvisioned, domain.DNSProvisionedEvent{
		FQDN:       fqdn,
		RecordID:   record.ID,
		RecordType: record.Type,
		Target:     record.Content,
	})
	return err
}

// removeDNS deletes the provisioned record unless a later removal already did
func (s *Saga) removeDNS(ctx context.Context, run *workflow.Run) error {
	history := run.History()
	provisioned, ok := workflow.Last(history, domain.OrganizationDNSProvisioned)
	if !ok {
		return nil
	}
	if removed, ok := workflow.Last(history, domain.OrganizationDNSRemoved); ok && removed.StreamVersion > provisioned.StreamVersion {
		return nil
	}

	var data domain.DNSProvisionedEvent
	if err := provisioned.Decode(&data); err != nil {
		return err
	}
	if err := s.provisioner.Delete(ctx, data.FQDN); err != nil {
		return err
	}
	_, err := run.Emit(ctx, domain.OrganizationDNSRemoved, domain.DNSRemovedEvent{
		FQDN:     data.FQDN,
		RecordID: data.RecordID,
		Reason:   compensationReason,
	})
	return err
}

// awaitPropagation waits the configured delay. The propagation signal ends the wait early.
func (s *Saga) awaitPropagation(ctx context.Context, run *workflow.Run) error {
	_, signalled, err := run.AwaitSignal(ctx, SignalPropagationConfirmed, s.cfg.PropagationDelay)
	if err != nil {
		return err
	}
	log.Info().Str("workflow_id", run.ID()).Bool("signalled", signalled).Msg("DNS propagation wait finished")
	return nil
}

func (s *Saga) verifyDNS(ctx context.Context, run *workflow.Run) error {
	var provisioned domain.DNSProvisionedEvent
	if err := decodeLast(run, domain.OrganizationDNSProvisioned, &provisioned); err != nil {
		return err
	}

	result, err := s.verifier.Verify(ctx, provisioned.FQDN)
	if err != nil {
		return err
	}
	_, err = run.Emit(ctx, domain.OrganizationDNSVerified, result)
	return err
}

// assignAdmin creates the administrator role and invitation through the
// append boundary under deterministic ids, then records the assignment.
func (s *Saga) assignAdmin(ctx context.Context, run *workflow.Run) error {
	req, err := request(run)
	if err != nil {
		return err
	}
	var created domain.OrganizationCreatedEvent
	if err := decodeLast(run, domain.OrganizationCreated, &created); err != nil {
		return err
	}

	orgID := run.StreamID()
	roleID := AdminRoleID(orgID)
	invitationID := AdminInvitationID(orgID, req.AdminEmail)

	if err := s.appendOnce(ctx, run, domain.NewEvent{
		StreamID:   roleID,
		StreamType: domain.StreamRole,
		EventType:  domain.RoleCreated,
		Data: domain.RoleCreatedEvent{
			OrganizationID: orgID,
			Name:           AdminRoleName,
			ScopePath:      created.Path,
			Permissions:    AdminPermissions,
		},
	}); err != nil {
		return err
	}

	if err := s.appendOnce(ctx, run, domain.NewEvent{
		StreamID:   invitationID,
		StreamType: domain.StreamInvitation,
		EventType:  domain.InvitationCreated,
		Data: domain.InvitationCreatedEvent{
			OrganizationID: orgID,
			Email:          req.AdminEmail,
			Name:           req.AdminName,
			RoleID:         roleID,
			Token:          uuid.NewString(),
			ExpiresAt:      s.now().UTC().Add(s.cfg.InvitationTTL),
		},
	}); err != nil {
		return err
	}

	if err := s.readBack(ctx, &models.Role{}, "role_id = ?", roleID, domain.RoleCreated); err != nil {
		return err
	}
	if err := s.readBack(ctx, &models.Invitation{}, "invitation_id = ?", invitationID, domain.InvitationCreated); err != nil {
		return err
	}

	_, err = run.Emit(ctx, domain.OrganizationAdminAssigned, domain.AdminAssignedEvent{
		RoleID:        roleID,
		InvitationIDs: []string{invitationID},
	})
	return err
}

// appendOnce appends the first event of a stream unless the stream already has one
func (s *Saga) appendOnce(ctx context.Context, run *workflow.Run, in domain.NewEvent) error {
	version, err := s.store.Version(ctx, in.StreamID)
	if err != nil {
		return errors.Wrapf(err, "failed to read version of %s", in.StreamID)
	}
	if version > 0 {
		return nil
	}
	in.ExpectedVersion = domain.Expect(0)
	_, err = run.Append(ctx, in)
	if errors.Is(err, domain.ErrVersionConflict) {
		// A concurrent execution created it first.
		return nil
	}
	return err
}

func (s *Saga) readBack(ctx context.Context, row interface{}, query, id, eventType string) error {
	err := s.db.WithContext(ctx).Where(query, id).First(row).Error
	if database.IsRecordNotFound(err) {
		return &domain.ProcessingFailedError{EventType: eventType, Detail: id + " was not projected"}
	}
	return err
}

// revokeAdmin withdraws the invitations and deactivates the role created by assignAdmin
func (s *Saga) revokeAdmin(ctx context.Context, run *workflow.Run) error {
	var assigned domain.AdminAssignedEvent
	if err := decodeLast(run, domain.OrganizationAdminAssigned, &assigned); err != nil {
		var rule *domain.BusinessRuleError
		if errors.As(err, &rule) {
			return nil
		}
		return err
	}

	for _, invitationID := range assigned.InvitationIDs {
		var inv models.Invitation
		if err := s.db.WithContext(ctx).Where("invitation_id = ?", invitationID).First(&inv).Error; err != nil {
			if database.IsRecordNotFound(err) {
				continue
			}
			return err
		}
		if inv.Status == models.InvitationStatusRevoked {
			continue
		}
		if _, err := run.Append(ctx, domain.NewEvent{
			StreamID:   invitationID,
			StreamType: domain.StreamInvitation,
			EventType:  domain.InvitationRevoked,
			Data:       domain.InvitationRevokedEvent{Reason: compensationReason},
		}); err != nil {
			return err
		}
	}

	var role models.Role
	if err := s.db.WithContext(ctx).Where("role_id = ?", assigned.RoleID).First(&role).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return nil
		}
		return err
	}
	if !role.IsActive {
		return nil
	}
	_, err := run.Append(ctx, domain.NewEvent{
		StreamID:   assigned.RoleID,
		StreamType: domain.StreamRole,
		EventType:  domain.RoleDeactivated,
		Data:       domain.RoleDeactivatedEvent{Reason: compensationReason},
	})
	return err
}

// dispatchInvitations sends every pending invitation and records each delivery
func (s *Saga) dispatchInvitations(ctx context.Context, run *workflow.Run) error {
	var assigned domain.AdminAssignedEvent
	if err := decodeLast(run, domain.OrganizationAdminAssigned, &assigned); err != nil {
		return err
	}
	var created domain.OrganizationCreatedEvent
	if err := decodeLast(run, domain.OrganizationCreated, &created); err != nil {
		return err
	}
	var provisioned domain.DNSProvisionedEvent
	if err := decodeLast(run, domain.OrganizationDNSProvisioned, &provisioned); err != nil {
		return err
	}

	for _, invitationID := range assigned.InvitationIDs {
		var inv models.Invitation
		if err := s.readBack(ctx, &inv, "invitation_id = ?", invitationID, domain.InvitationCreated); err != nil {
			return err
		}
		if inv.Status != models.InvitationStatusPending {
			continue
		}

		messageID, err := s.notifier.SendInvitation(ctx, notify.Invitation{
			InvitationID:   inv.InvitationID,
			OrganizationID: inv.OrganizationID,
			Organization:   created.Name,
			Email:          inv.Email,
			Name:           inv.Name,
			Token:          inv.Token,
			URL:            "https://" + provisioned.FQDN + "/invitations/accept?token=" + inv.Token,
			ExpiresAt:      inv.ExpiresAt,
			CorrelationID:  run.Metadata().CorrelationID,
		})
		if err != nil {
			return err
		}

		if _, err := run.Append(ctx, domain.NewEvent{
			StreamID:   invitationID,
			StreamType: domain.StreamInvitation,
			EventType:  domain.InvitationSent,
			Data:       domain.InvitationSentEvent{MessageID: messageID},
		}); err != nil {
			return err
		}
	}

	_, err := run.Emit(ctx, domain.OrganizationInvitationsDispatched, domain.InvitationsDispatchedEvent{
		InvitationIDs: assigned.InvitationIDs,
	})
	return err
}

func (s *Saga) activate(ctx context.Context, run *workflow.Run) error {
	var provisioned domain.DNSProvisionedEvent
	if err := decodeLast(run, domain.OrganizationDNSProvisioned, &provisioned); err != nil {
		return err
	}
	_, err := run.Emit(ctx, domain.OrganizationActivated, domain.OrganizationActivatedEvent{FQDN: provisioned.FQDN})
	return err
}

// recordFailure emits the terminal failure event after compensation
func (s *Saga) recordFailure(ctx context.Context, run *workflow.Run, failure workflow.Failure) error {
	msg := failure.Err.Error()
	if failure.Cancelled {
		msg = "cancelled: " + msg
	}
	_, err := run.Emit(ctx, domain.OrganizationBootstrapFailed, domain.BootstrapFailedEvent{
		FailedStep:  failure.Step,
		Error:       msg,
		Compensated: len(failure.Compensated) > 0,
	})
	return err
}
