package commands

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/projections"
)

// RuleOutOfScope rejects a user acting outside the paths of their role assignments
const RuleOutOfScope = "out_of_scope"

// principal returns the acting user, if the caller's actor is a known user.
// Service actors (system, workers, sagas) act without a scope.
func (s *Service) principal(ctx context.Context) (string, bool, error) {
	md, ok := domain.MetadataFromContext(ctx)
	if !ok || md.Actor == "" {
		return "", false, nil
	}
	var users int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("user_id = ?", md.Actor).Count(&users).Error; err != nil {
		return "", false, errors.Wrap(err, "failed to resolve actor")
	}
	return md.Actor, users > 0, nil
}

// authorize rejects a user principal whose role scopes do not contain path
func (s *Service) authorize(ctx context.Context, path string) error {
	actor, isUser, err := s.principal(ctx)
	if err != nil || !isUser {
		return err
	}
	ok, err := projections.CanAccess(ctx, s.db, actor, path)
	if err != nil {
		return errors.Wrap(err, "failed to check actor scope")
	}
	if !ok {
		return domain.Reject(RuleOutOfScope, "%s has no role scope over %s", actor, path)
	}
	return nil
}

// GetOrganization returns an organization visible to the caller
func (s *Service) GetOrganization(ctx context.Context, organizationID string) (models.Organization, error) {
	var org models.Organization
	if err := s.load(ctx, &org, "organization", "organization_id = ?", organizationID); err != nil {
		return org, err
	}
	return org, s.authorize(ctx, org.Path)
}

// GetOrganizationUnit returns a unit visible to the caller
func (s *Service) GetOrganizationUnit(ctx context.Context, unitID string) (models.OrganizationUnit, error) {
	var unit models.OrganizationUnit
	if err := s.load(ctx, &unit, "organization unit", "unit_id = ?", unitID); err != nil {
		return unit, err
	}
	return unit, s.authorize(ctx, unit.Path)
}

// ListOrganizationUnits returns the active units of an organization. A user
// principal only sees the units under their role scopes.
func (s *Service) ListOrganizationUnits(ctx context.Context, organizationID string) ([]models.OrganizationUnit, error) {
	var org models.Organization
	if err := s.load(ctx, &org, "organization", "organization_id = ?", organizationID); err != nil {
		return nil, err
	}

	actor, isUser, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	if !isUser {
		return projections.Units(ctx, s.db, org.Path)
	}

	scopes, err := projections.ActorScopes(ctx, s.db, actor)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load actor scopes")
	}
	var visible []string
	for _, scope := range scopes {
		if domain.PathContains(scope, org.Path) {
			visible = []string{org.Path}
			break
		}
		if domain.PathContains(org.Path, scope) {
			visible = append(visible, scope)
		}
	}
	if len(visible) == 0 {
		return nil, domain.Reject(RuleOutOfScope, "%s has no role scope in organization %s", actor, org.Path)
	}

	var units []models.OrganizationUnit
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ?", organizationID, true).
		Scopes(projections.InAnyScope("path", visible)).
		Order("path ASC").
		Find(&units).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list organization units")
	}
	return units, nil
}
