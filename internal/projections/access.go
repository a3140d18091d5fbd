package projections

import (
	"context"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// UserProjector folds user events into users and user role assignments
type UserProjector struct{}

// Handle projects an event
func (p *UserProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	switch evt.Type {
	case domain.UserCreated:
		var data domain.UserCreatedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		user := models.User{
			UserID:             evt.StreamID,
			OrganizationID:     data.OrganizationID,
			Email:              data.Email,
			Name:               data.Name,
			IsActive:           true,
			LastAppliedEventID: evt.ID,
			LastAppliedVersion: evt.StreamVersion,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
			return fmt.Errorf("failed to create user in database: %w", err)
		}
		return nil
	case domain.UserDeactivated:
		return p.mutate(tx, evt, func(user *models.User) error {
			at := occurredAt(evt)
			user.IsActive = false
			user.DeactivatedAt = &at
			return tx.Model(&models.UserRole{}).
				Where("user_id = ? AND is_active = ?", user.UserID, true).
				Updates(map[string]interface{}{"is_active": false, "revoked_at": at}).Error
		})
	case domain.UserRoleAssigned:
		var data domain.UserRoleAssignedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(user *models.User) error {
			assignment := models.UserRole{
				UserID:     user.UserID,
				RoleID:     data.RoleID,
				ScopePath:  data.ScopePath,
				IsActive:   true,
				AssignedAt: occurredAt(evt),
			}
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "role_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"scope_path":  data.ScopePath,
					"is_active":   true,
					"assigned_at": occurredAt(evt),
					"revoked_at":  nil,
				}),
			}).Create(&assignment).Error
		})
	case domain.UserRoleRevoked:
		var data domain.UserRoleRevokedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(user *models.User) error {
			return tx.Model(&models.UserRole{}).
				Where("user_id = ? AND role_id = ?", user.UserID, data.RoleID).
				Updates(map[string]interface{}{"is_active": false, "revoked_at": occurredAt(evt)}).Error
		})
	}
	return nil
}

func (p *UserProjector) mutate(tx *gorm.DB, evt domain.Event, fn func(*models.User) error) error {
	var user models.User
	if err := tx.Where("user_id = ?", evt.StreamID).First(&user).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return notFound("user", evt.StreamID)
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if evt.StreamVersion <= user.LastAppliedVersion {
		return nil
	}
	if err := fn(&user); err != nil {
		return fmt.Errorf("failed to apply %s: %w", evt.Type, err)
	}
	user.LastAppliedEventID = evt.ID
	user.LastAppliedVersion = evt.StreamVersion
	if err := tx.Save(&user).Error; err != nil {
		return fmt.Errorf("failed to update user in database: %w", err)
	}
	return nil
}

// RoleProjector folds role events into roles
type RoleProjector struct{}

// Handle projects an event
func (p *RoleProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	switch evt.Type {
	case domain.RoleCreated:
		var data domain.RoleCreatedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		permissions := datatypes.JSONSlice[string]{}
		for _, perm := range data.Permissions {
			permissions = appendUnique(permissions, perm)
		}
		role := models.Role{
			RoleID:             evt.StreamID,
			OrganizationID:     data.OrganizationID,
			Name:               data.Name,
			ScopePath:          data.ScopePath,
			Permissions:        permissions,
			IsActive:           true,
			LastAppliedEventID: evt.ID,
			LastAppliedVersion: evt.StreamVersion,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&role).Error; err != nil {
			return fmt.Errorf("failed to create role in database: %w", err)
		}
		return nil
	case domain.RolePermissionGranted, domain.RolePermissionRevoked:
		var data domain.RolePermissionEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(role *models.Role) {
			if evt.Type == domain.RolePermissionGranted {
				role.Permissions = appendUnique(role.Permissions, data.Permission)
				return
			}
			kept := datatypes.JSONSlice[string]{}
			for _, perm := range role.Permissions {
				if perm != data.Permission {
					kept = append(kept, perm)
				}
			}
			role.Permissions = kept
		})
	case domain.RoleDeactivated:
		return p.mutate(tx, evt, func(role *models.Role) {
			role.IsActive = false
		})
	}
	return nil
}

func (p *RoleProjector) mutate(tx *gorm.DB, evt domain.Event, fn func(*models.Role)) error {
	var role models.Role
	if err := tx.Where("role_id = ?", evt.StreamID).First(&role).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return notFound("role", evt.StreamID)
		}
		return fmt.Errorf("failed to load role: %w", err)
	}
	if evt.StreamVersion <= role.LastAppliedVersion {
		return nil
	}
	fn(&role)
	role.LastAppliedEventID = evt.ID
	role.LastAppliedVersion = evt.StreamVersion
	if err := tx.Save(&role).Error; err != nil {
		return fmt.Errorf("failed to update role in database: %w", err)
	}
	return nil
}

// appendUnique appends value as a new array element unless already present
func appendUnique(values datatypes.JSONSlice[string], value string) datatypes.JSONSlice[string] {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}

// InvitationProjector folds invitation events into invitations
type InvitationProjector struct{}

// Handle projects an event
func (p *InvitationProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	switch evt.Type {
	case domain.InvitationCreated:
		var data domain.InvitationCreatedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		invitation := models.Invitation{
			InvitationID:       evt.StreamID,
			OrganizationID:     data.OrganizationID,
			Email:              data.Email,
			Name:               data.Name,
			RoleID:             data.RoleID,
			Token:              data.Token,
			Status:             models.InvitationStatusPending,
			ExpiresAt:          data.ExpiresAt.UTC(),
			LastAppliedEventID: evt.ID,
			LastAppliedVersion: evt.StreamVersion,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&invitation).Error; err != nil {
			return fmt.Errorf("failed to create invitation in database: %w", err)
		}
		return nil
	case domain.InvitationSent:
		var data domain.InvitationSentEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(inv *models.Invitation) error {
			if inv.Status == models.InvitationStatusRevoked {
				return nil
			}
			inv.Status = models.InvitationStatusSent
			inv.MessageID = data.MessageID
			inv.SentAt = timePtr(occurredAt(evt))
			return nil
		})
	case domain.InvitationAccepted:
		var data domain.InvitationAcceptedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(inv *models.Invitation) error {
			if inv.Status == models.InvitationStatusRevoked {
				return fmt.Errorf("invitation %s was revoked", inv.InvitationID)
			}
			inv.Status = models.InvitationStatusAccepted
			inv.AcceptedBy = data.UserID
			inv.AcceptedAt = timePtr(occurredAt(evt))
			return nil
		})
	case domain.InvitationRevoked:
		var data domain.InvitationRevokedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(inv *models.Invitation) error {
			inv.Status = models.InvitationStatusRevoked
			inv.RevokeReason = data.Reason
			inv.RevokedAt = timePtr(occurredAt(evt))
			return nil
		})
	}
	return nil
}

func (p *InvitationProjector) mutate(tx *gorm.DB, evt domain.Event, fn func(*models.Invitation) error) error {
	var inv models.Invitation
	if err := tx.Where("invitation_id = ?", evt.StreamID).First(&inv).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return notFound("invitation", evt.StreamID)
		}
		return fmt.Errorf("failed to load invitation: %w", err)
	}
	if evt.StreamVersion <= inv.LastAppliedVersion {
		return nil
	}
	if err := fn(&inv); err != nil {
		return err
	}
	inv.LastAppliedEventID = evt.ID
	inv.LastAppliedVersion = evt.StreamVersion
	if err := tx.Save(&inv).Error; err != nil {
		return fmt.Errorf("failed to update invitation in database: %w", err)
	}
	return nil
}
