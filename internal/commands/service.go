// Package commands issues domain events on behalf of external callers. Every
// command that depends on a projection reads the projection back after the
// append and reports a processing failure instead of success when the event
// did not reach it.
package commands

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/projections"
)

// Command structs
type InitiateBootstrapCommand struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name" binding:"required"`
	Slug           string `json:"slug" binding:"required"`
	Subdomain      string `json:"subdomain"`
	ParentPath     string `json:"parent_path"`
	AdminEmail     string `json:"admin_email" binding:"required"`
	AdminName      string `json:"admin_name"`
}

type CreateOrganizationUnitCommand struct {
	OrganizationID string `json:"organization_id" binding:"required"`
	UnitID         string `json:"unit_id"`
	Name           string `json:"name" binding:"required"`
	ParentPath     string `json:"parent_path"`
}

type AssignRoleCommand struct {
	UserID    string `json:"user_id" binding:"required"`
	RoleID    string `json:"role_id" binding:"required"`
	ScopePath string `json:"scope_path"`
}

type LinkEntitiesCommand struct {
	SourceType domain.StreamType `json:"source_type" binding:"required"`
	SourceID   string            `json:"source_id" binding:"required"`
	TargetType domain.StreamType `json:"target_type" binding:"required"`
	TargetID   string            `json:"target_id" binding:"required"`
}

// BootstrapAccepted identifies an initiated bootstrap and its queue job
type BootstrapAccepted struct {
	OrganizationID string `json:"organization_id"`
	EventID        string `json:"event_id"`
	JobID          string `json:"job_id"`
	CorrelationID  string `json:"correlation_id"`
}

// Service handles all commands with a projection dependency. When the caller's
// actor is a known user, commands on the organization hierarchy only apply
// under the scope paths of that user's active role assignments.
type Service struct {
	store eventstore.EventStore
	db    *gorm.DB
}

// NewService creates a new command service
func NewService(store eventstore.EventStore, db *gorm.DB) *Service {
	return &Service{store: store, db: db}
}

// metadata returns the caller's correlation context, or starts a new operation
func metadata(ctx context.Context) domain.Metadata {
	if md, ok := domain.MetadataFromContext(ctx); ok {
		return md.Complete()
	}
	return domain.NewMetadata("system", "commands")
}

// HandleInitiateBootstrap requests the bootstrap of a new organization. It
// succeeds once the organization row and its queue job exist.
func (s *Service) HandleInitiateBootstrap(ctx context.Context, cmd InitiateBootstrapCommand) (BootstrapAccepted, error) {
	if cmd.OrganizationID == "" {
		cmd.OrganizationID = uuid.NewString()
	}
	if cmd.Subdomain == "" {
		cmd.Subdomain = cmd.Slug
	}
	log.Info().Str("organization_id", cmd.OrganizationID).Str("slug", cmd.Slug).Msg("Handling InitiateBootstrap command")

	var taken int64
	if err := s.db.WithContext(ctx).Model(&models.Organization{}).
		Where("slug = ? AND status IN ?", cmd.Slug, []string{models.OrganizationStatusProvisioning, models.OrganizationStatusActive}).
		Count(&taken).Error; err != nil {
		return BootstrapAccepted{}, errors.Wrap(err, "failed to check slug")
	}
	if taken > 0 {
		return BootstrapAccepted{}, domain.Reject("slug_taken", "slug %s is already in use", cmd.Slug)
	}

	md := metadata(ctx)
	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   cmd.OrganizationID,
		StreamType: domain.StreamOrganization,
		EventType:  domain.OrganizationBootstrapInitiated,
		Data: domain.BootstrapInitiatedEvent{
			Name:       cmd.Name,
			Slug:       cmd.Slug,
			Subdomain:  cmd.Subdomain,
			ParentPath: cmd.ParentPath,
			AdminEmail: cmd.AdminEmail,
			AdminName:  cmd.AdminName,
		},
		Metadata:        md,
		ExpectedVersion: domain.Expect(0),
	})
	if err != nil {
		return BootstrapAccepted{}, err
	}

	if err := s.guard(ctx, res, domain.OrganizationBootstrapInitiated, &models.Organization{},
		"organization_id = ? AND status = ?", cmd.OrganizationID, models.OrganizationStatusProvisioning); err != nil {
		return BootstrapAccepted{}, err
	}

	var job models.WorkflowQueueJob
	if err := s.db.WithContext(ctx).Where("source_event_id = ?", res.EventID).First(&job).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return BootstrapAccepted{}, processingFailed(res, domain.OrganizationBootstrapInitiated, "no workflow job was queued")
		}
		return BootstrapAccepted{}, errors.Wrap(err, "failed to read back workflow job")
	}

	return BootstrapAccepted{
		OrganizationID: cmd.OrganizationID,
		EventID:        res.EventID,
		JobID:          job.JobID,
		CorrelationID:  md.CorrelationID,
	}, nil
}

// HandleCreateOrganizationUnit creates a unit below the organization or one of its units
func (s *Service) HandleCreateOrganizationUnit(ctx context.Context, cmd CreateOrganizationUnitCommand) (models.OrganizationUnit, error) {
	log.Info().Str("organization_id", cmd.OrganizationID).Str("name", cmd.Name).Msg("Handling CreateOrganizationUnit command")

	var org models.Organization
	if err := s.load(ctx, &org, "organization", "organization_id = ?", cmd.OrganizationID); err != nil {
		return models.OrganizationUnit{}, err
	}
	if org.Status != models.OrganizationStatusActive {
		return models.OrganizationUnit{}, domain.Reject("organization_inactive", "organization %s is %s", org.OrganizationID, org.Status)
	}

	parent := cmd.ParentPath
	if parent == "" {
		parent = org.Path
	}
	if !domain.PathContains(org.Path, parent) {
		return models.OrganizationUnit{}, domain.Reject("scope_outside_organization", "path %s is outside organization %s", parent, org.Path)
	}
	if err := s.authorize(ctx, parent); err != nil {
		return models.OrganizationUnit{}, err
	}
	if parent != org.Path {
		var parents int64
		if err := s.db.WithContext(ctx).Model(&models.OrganizationUnit{}).
			Where("path = ? AND is_active = ?", parent, true).Count(&parents).Error; err != nil {
			return models.OrganizationUnit{}, errors.Wrap(err, "failed to look up parent unit")
		}
		if parents == 0 {
			return models.OrganizationUnit{}, domain.Reject("parent_not_found", "no active unit at %s", parent)
		}
	}

	path := domain.ChildPath(parent, domain.Label(cmd.Name))
	var siblings int64
	if err := s.db.WithContext(ctx).Model(&models.OrganizationUnit{}).
		Where("path = ? AND is_active = ?", path, true).Count(&siblings).Error; err != nil {
		return models.OrganizationUnit{}, errors.Wrap(err, "failed to check unit path")
	}
	if siblings > 0 {
		return models.OrganizationUnit{}, domain.Reject("unit_exists", "an active unit already exists at %s", path)
	}

	if cmd.UnitID == "" {
		cmd.UnitID = uuid.NewString()
	}
	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   cmd.UnitID,
		StreamType: domain.StreamOrganizationUnit,
		EventType:  domain.OrganizationUnitCreated,
		Data: domain.OrganizationUnitCreatedEvent{
			OrganizationID: cmd.OrganizationID,
			Name:           cmd.Name,
			Path:           path,
		},
		Metadata:        metadata(ctx),
		ExpectedVersion: domain.Expect(0),
	})
	if err != nil {
		return models.OrganizationUnit{}, err
	}

	var unit models.OrganizationUnit
	err = s.readBack(ctx, res, domain.OrganizationUnitCreated, &unit, "unit_id = ? AND is_active = ?", cmd.UnitID, true)
	return unit, err
}

// HandleDeactivateOrganizationUnit deactivates a unit and every unit below it
func (s *Service) HandleDeactivateOrganizationUnit(ctx context.Context, unitID, reason string) (models.OrganizationUnit, error) {
	log.Info().Str("unit_id", unitID).Msg("Handling DeactivateOrganizationUnit command")

	var unit models.OrganizationUnit
	if err := s.load(ctx, &unit, "organization unit", "unit_id = ?", unitID); err != nil {
		return unit, err
	}
	if err := s.authorize(ctx, unit.Path); err != nil {
		return unit, err
	}
	if !unit.IsActive {
		return unit, nil
	}

	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   unitID,
		StreamType: domain.StreamOrganizationUnit,
		EventType:  domain.OrganizationUnitDeactivated,
		Data:       domain.OrganizationUnitDeactivatedEvent{Reason: reason},
		Metadata:   metadata(ctx),
	})
	if err != nil {
		return unit, err
	}

	err = s.readBack(ctx, res, domain.OrganizationUnitDeactivated, &unit, "unit_id = ? AND is_active = ? AND deactivated_at IS NOT NULL", unitID, false)
	return unit, err
}

// HandleDeleteOrganizationUnit removes a unit. A unit with active descendants is kept.
func (s *Service) HandleDeleteOrganizationUnit(ctx context.Context, unitID, reason string) (models.OrganizationUnit, error) {
	log.Info().Str("unit_id", unitID).Msg("Handling DeleteOrganizationUnit command")

	var unit models.OrganizationUnit
	if err := s.load(ctx, &unit, "organization unit", "unit_id = ?", unitID); err != nil {
		return unit, err
	}
	if err := s.authorize(ctx, unit.Path); err != nil {
		return unit, err
	}

	active, err := projections.ActiveDescendants(ctx, s.db, unit.Path)
	if err != nil {
		return unit, err
	}
	if active > 0 {
		return unit, domain.Reject("active_descendants", "cannot remove unit %s with %d active descendant units", unit.Path, active)
	}

	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   unitID,
		StreamType: domain.StreamOrganizationUnit,
		EventType:  domain.OrganizationUnitDeleted,
		Data:       domain.OrganizationUnitDeletedEvent{Reason: reason},
		Metadata:   metadata(ctx),
	})
	if err != nil {
		return unit, err
	}

	err = s.readBack(ctx, res, domain.OrganizationUnitDeleted, &unit, "unit_id = ? AND deleted_at IS NOT NULL", unitID)
	return unit, err
}

// HandleDeactivateOrganization deactivates an organization with its units and open invitations
func (s *Service) HandleDeactivateOrganization(ctx context.Context, organizationID, reason string) (models.Organization, error) {
	log.Info().Str("organization_id", organizationID).Msg("Handling DeactivateOrganization command")

	var org models.Organization
	if err := s.load(ctx, &org, "organization", "organization_id = ?", organizationID); err != nil {
		return org, err
	}
	if err := s.authorize(ctx, org.Path); err != nil {
		return org, err
	}
	if org.Status == models.OrganizationStatusInactive {
		return org, nil
	}
	if reason == "" {
		reason = "deactivated"
	}

	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   organizationID,
		StreamType: domain.StreamOrganization,
		EventType:  domain.OrganizationDeactivated,
		Data:       domain.OrganizationDeactivatedEvent{Reason: reason},
		Metadata:   metadata(ctx),
	})
	if err != nil {
		return org, err
	}

	err = s.readBack(ctx, res, domain.OrganizationDeactivated, &org, "organization_id = ? AND status = ? AND deactivated_at IS NOT NULL",
		organizationID, models.OrganizationStatusInactive)
	return org, err
}

// HandleAssignRole grants a role to a user over a scope within the role's own scope
func (s *Service) HandleAssignRole(ctx context.Context, cmd AssignRoleCommand) (models.UserRole, error) {
	log.Info().Str("user_id", cmd.UserID).Str("role_id", cmd.RoleID).Msg("Handling AssignRole command")

	var user models.User
	if err := s.load(ctx, &user, "user", "user_id = ?", cmd.UserID); err != nil {
		return models.UserRole{}, err
	}
	if !user.IsActive {
		return models.UserRole{}, domain.Reject("user_inactive", "user %s is deactivated", cmd.UserID)
	}
	var role models.Role
	if err := s.load(ctx, &role, "role", "role_id = ?", cmd.RoleID); err != nil {
		return models.UserRole{}, err
	}
	if !role.IsActive {
		return models.UserRole{}, domain.Reject("role_inactive", "role %s is deactivated", cmd.RoleID)
	}

	scope := cmd.ScopePath
	if scope == "" {
		scope = role.ScopePath
	}
	if !domain.PathContains(role.ScopePath, scope) {
		return models.UserRole{}, domain.Reject("scope_outside_role", "scope %s is outside role scope %s", scope, role.ScopePath)
	}
	if err := s.authorize(ctx, scope); err != nil {
		return models.UserRole{}, err
	}

	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   cmd.UserID,
		StreamType: domain.StreamUser,
		EventType:  domain.UserRoleAssigned,
		Data:       domain.UserRoleAssignedEvent{RoleID: cmd.RoleID, ScopePath: scope},
		Metadata:   metadata(ctx),
	})
	if err != nil {
		return models.UserRole{}, err
	}
	if err := s.guard(ctx, res, domain.UserRoleAssigned, &models.User{}, "user_id = ?", cmd.UserID); err != nil {
		return models.UserRole{}, err
	}

	var assignment models.UserRole
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND role_id = ? AND scope_path = ? AND is_active = ?", cmd.UserID, cmd.RoleID, scope, true).
		First(&assignment).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return assignment, processingFailed(res, domain.UserRoleAssigned, "role assignment was not projected")
		}
		return assignment, errors.Wrap(err, "failed to read back role assignment")
	}
	return assignment, nil
}

// HandleRevokeInvitation withdraws an invitation that was not accepted yet
func (s *Service) HandleRevokeInvitation(ctx context.Context, invitationID, reason string) (models.Invitation, error) {
	log.Info().Str("invitation_id", invitationID).Msg("Handling RevokeInvitation command")

	var inv models.Invitation
	if err := s.load(ctx, &inv, "invitation", "invitation_id = ?", invitationID); err != nil {
		return inv, err
	}
	switch inv.Status {
	case models.InvitationStatusRevoked:
		return inv, nil
	case models.InvitationStatusAccepted:
		return inv, domain.Reject("invitation_accepted", "invitation %s was already accepted", invitationID)
	}
	if reason == "" {
		reason = "revoked"
	}

	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   invitationID,
		StreamType: domain.StreamInvitation,
		EventType:  domain.InvitationRevoked,
		Data:       domain.InvitationRevokedEvent{Reason: reason},
		Metadata:   metadata(ctx),
	})
	if err != nil {
		return inv, err
	}

	err = s.readBack(ctx, res, domain.InvitationRevoked, &inv, "invitation_id = ? AND status = ? AND revoked_at IS NOT NULL",
		invitationID, models.InvitationStatusRevoked)
	return inv, err
}

// HandleLinkEntities links (or unlinks) two catalog entities
func (s *Service) HandleLinkEntities(ctx context.Context, cmd LinkEntitiesCommand, linked bool) (models.EntityLink, error) {
	log.Info().Str("source_type", string(cmd.SourceType)).Str("source_id", cmd.SourceID).
		Str("target_type", string(cmd.TargetType)).Str("target_id", cmd.TargetID).Bool("linked", linked).
		Msg("Handling LinkEntities command")

	suffix := domain.LinkedSuffix
	if !linked {
		suffix = domain.UnlinkedSuffix
	}
	eventType := string(cmd.SourceType) + "." + string(cmd.TargetType) + suffix

	res, err := s.store.Append(ctx, domain.NewEvent{
		StreamID:   cmd.SourceID,
		StreamType: cmd.SourceType,
		EventType:  eventType,
		Data:       domain.JunctionEvent{TargetType: string(cmd.TargetType), TargetID: cmd.TargetID},
		Metadata:   metadata(ctx),
	})
	if err != nil {
		return models.EntityLink{}, err
	}

	var link models.EntityLink
	err = s.readBack(ctx, res, eventType, &link,
		"source_type = ? AND source_id = ? AND target_type = ? AND target_id = ? AND is_active = ?",
		string(cmd.SourceType), cmd.SourceID, string(cmd.TargetType), cmd.TargetID, linked)
	return link, err
}

// HandleAppendEvent appends an arbitrary catalog event and confirms its
// projection. Workflow job streams belong to the claim protocol and are refused.
func (s *Service) HandleAppendEvent(ctx context.Context, in domain.NewEvent) (domain.AppendResult, error) {
	log.Info().Str("stream_id", in.StreamID).Str("stream_type", string(in.StreamType)).Str("event_type", in.EventType).
		Msg("Handling AppendEvent command")

	if in.StreamType == domain.StreamWorkflowJob {
		return domain.AppendResult{}, domain.Reject("internal_stream", "%s streams are written by workers only", in.StreamType)
	}
	if in.StreamID == "" {
		return domain.AppendResult{}, &domain.ValidationError{EventType: in.EventType, Reason: "stream_id is required"}
	}
	if in.Metadata.CorrelationID == "" {
		md := metadata(ctx)
		if in.Metadata.Actor != "" {
			md = md.WithActor(in.Metadata.Actor, in.Metadata.Source)
		}
		md.Reason = in.Metadata.Reason
		in.Metadata = md
	}

	res, err := s.store.Append(ctx, in)
	if err != nil {
		return res, err
	}

	model, query, args := projectionOf(in)
	if model == nil {
		return res, nil
	}
	return res, s.guard(ctx, res, in.EventType, model, query, args...)
}

// projectionOf returns the row an event must reach, keyed by entity id
func projectionOf(in domain.NewEvent) (interface{}, string, []interface{}) {
	if strings.HasSuffix(in.EventType, domain.LinkedSuffix) || strings.HasSuffix(in.EventType, domain.UnlinkedSuffix) {
		var junction domain.JunctionEvent
		if err := decode(in.Data, &junction); err == nil {
			return &models.EntityLink{}, "source_type = ? AND source_id = ? AND target_type = ? AND target_id = ?",
				[]interface{}{string(in.StreamType), in.StreamID, junction.TargetType, junction.TargetID}
		}
		return nil, "", nil
	}

	switch in.StreamType {
	case domain.StreamOrganization:
		return &models.Organization{}, "organization_id = ?", []interface{}{in.StreamID}
	case domain.StreamOrganizationUnit:
		return &models.OrganizationUnit{}, "unit_id = ?", []interface{}{in.StreamID}
	case domain.StreamUser:
		return &models.User{}, "user_id = ?", []interface{}{in.StreamID}
	case domain.StreamRole:
		return &models.Role{}, "role_id = ?", []interface{}{in.StreamID}
	case domain.StreamInvitation:
		return &models.Invitation{}, "invitation_id = ?", []interface{}{in.StreamID}
	}
	for _, generic := range domain.GenericStreams {
		if in.StreamType == generic {
			return &models.Entity{}, "entity_type = ? AND entity_id = ?", []interface{}{string(in.StreamType), in.StreamID}
		}
	}
	return nil, "", nil
}

func decode(data interface{}, v interface{}) error {
	var raw []byte
	switch d := data.(type) {
	case json.RawMessage:
		raw = d
	case []byte:
		raw = d
	default:
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}

// load reads an entity the command depends on; absence is ErrNotFound
func (s *Service) load(ctx context.Context, row interface{}, kind, query string, args ...interface{}) error {
	if err := s.db.WithContext(ctx).Where(query, args...).First(row).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return errors.Wrapf(domain.ErrNotFound, "%s %v", kind, args[0])
		}
		return errors.Wrapf(err, "failed to load %s", kind)
	}
	return nil
}

// guard proves the appended event reached its projection: the row matching
// query must have applied the event's stream version.
func (s *Service) guard(ctx context.Context, res domain.AppendResult, eventType string, model interface{}, query string, args ...interface{}) error {
	if res.ProcessingError != nil {
		return processingFailed(res, eventType, *res.ProcessingError)
	}

	var count int64
	if err := s.db.WithContext(ctx).Unscoped().Model(model).
		Where(query, args...).
		Where("last_applied_version >= ?", res.StreamVersion).
		Count(&count).Error; err != nil {
		return errors.Wrapf(err, "failed to read back %s", eventType)
	}
	if count == 0 {
		return processingFailed(res, eventType, "projection does not reflect the event")
	}
	return nil
}

// readBack guards the event and loads the projected row into dest
func (s *Service) readBack(ctx context.Context, res domain.AppendResult, eventType string, dest interface{}, query string, args ...interface{}) error {
	if err := s.guard(ctx, res, eventType, dest, query, args...); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Unscoped().Where(query, args...).First(dest).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return processingFailed(res, eventType, "projection does not reflect the event")
		}
		return errors.Wrapf(err, "failed to read back %s", eventType)
	}
	return nil
}

func processingFailed(res domain.AppendResult, eventType, detail string) error {
	metrics.Get().Inc(metrics.CounterReadBackFailures)
	log.Error().Str("event_id", res.EventID).Str("event_type", eventType).Str("detail", detail).Msg("Read-back guard failed")
	return &domain.ProcessingFailedError{EventID: res.EventID, EventType: eventType, Detail: detail}
}
