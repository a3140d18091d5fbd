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

// OrganizationProjector folds organization events into the organizations table
type OrganizationProjector struct{}

// Handle projects an event
func (p *OrganizationProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	switch evt.Type {
	case domain.OrganizationBootstrapInitiated:
		return p.projectBootstrapInitiated(tx, evt)
	case domain.OrganizationCreated:
		return p.projectCreated(tx, evt)
	case domain.OrganizationUpdated:
		var data domain.OrganizationUpdatedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, "renamed to "+data.Name, func(org *models.Organization) error {
			org.Name = data.Name
			return nil
		})
	case domain.OrganizationDNSProvisioned:
		var data domain.DNSProvisionedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, data.RecordType+" "+data.FQDN, func(org *models.Organization) error {
			org.FQDN = data.FQDN
			org.DNSRecordID = data.RecordID
			return nil
		})
	case domain.OrganizationDNSVerified:
		var data domain.DNSVerifiedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		detail := fmt.Sprintf("%d of %d sources agreed", data.Agreeing, len(data.Responses))
		return p.mutate(tx, evt, detail, func(org *models.Organization) error {
			org.DNSVerifiedAt = timePtr(occurredAt(evt))
			return nil
		})
	case domain.OrganizationDNSRemoved:
		var data domain.DNSRemovedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, data.Reason, func(org *models.Organization) error {
			org.DNSRecordID = ""
			org.DNSVerifiedAt = nil
			return nil
		})
	case domain.OrganizationAdminAssigned, domain.OrganizationInvitationsDispatched:
		return p.mutate(tx, evt, "", func(org *models.Organization) error { return nil })
	case domain.OrganizationActivated:
		return p.mutate(tx, evt, "", func(org *models.Organization) error {
			org.Status = models.OrganizationStatusActive
			org.ActivatedAt = timePtr(occurredAt(evt))
			org.FailureReason = nil
			return nil
		})
	case domain.OrganizationDeactivated:
		var data domain.OrganizationDeactivatedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, data.Reason, func(org *models.Organization) error {
			org.Status = models.OrganizationStatusInactive
			org.DeactivatedAt = timePtr(occurredAt(evt))
			return cascadeOrganizationDeactivation(tx, evt, org)
		})
	case domain.OrganizationBootstrapFailed:
		var data domain.BootstrapFailedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, data.FailedStep+": "+data.Error, func(org *models.Organization) error {
			org.Status = models.OrganizationStatusFailed
			reason := data.Error
			org.FailureReason = &reason
			return nil
		})
	}
	return nil
}

func (p *OrganizationProjector) projectBootstrapInitiated(tx *gorm.DB, evt domain.Event) error {
	var data domain.BootstrapInitiatedEvent
	if err := evt.Decode(&data); err != nil {
		return err
	}

	org := models.Organization{
		OrganizationID:     evt.StreamID,
		Name:               data.Name,
		Slug:               data.Slug,
		Subdomain:          data.Subdomain,
		Status:             models.OrganizationStatusProvisioning,
		AuditTrail:         datatypes.JSONSlice[models.AuditEntry]{audit(evt, "bootstrap requested by "+data.AdminEmail)},
		LastAppliedEventID: evt.ID,
		LastAppliedVersion: evt.StreamVersion,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&org).Error; err != nil {
		return fmt.Errorf("failed to create organization in database: %w", err)
	}
	return nil
}

func (p *OrganizationProjector) projectCreated(tx *gorm.DB, evt domain.Event) error {
	var data domain.OrganizationCreatedEvent
	if err := evt.Decode(&data); err != nil {
		return err
	}

	var existing models.Organization
	err := tx.Where("organization_id = ?", evt.StreamID).First(&existing).Error
	if database.IsRecordNotFound(err) {
		// Organizations created outside the bootstrap workflow are usable immediately.
		org := models.Organization{
			OrganizationID:     evt.StreamID,
			Name:               data.Name,
			Slug:               data.Slug,
			Subdomain:          data.Subdomain,
			Path:               data.Path,
			Status:             models.OrganizationStatusActive,
			ActivatedAt:        timePtr(occurredAt(evt)),
			AuditTrail:         datatypes.JSONSlice[models.AuditEntry]{audit(evt, data.Path)},
			LastAppliedEventID: evt.ID,
			LastAppliedVersion: evt.StreamVersion,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&org).Error; err != nil {
			return fmt.Errorf("failed to create organization in database: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load organization: %w", err)
	}

	return p.mutate(tx, evt, data.Path, func(org *models.Organization) error {
		org.Name = data.Name
		org.Slug = data.Slug
		org.Subdomain = data.Subdomain
		org.Path = data.Path
		return nil
	})
}

// mutate applies fn to the organization unless the event was already applied,
// then appends an audit entry and records provenance.
func (p *OrganizationProjector) mutate(tx *gorm.DB, evt domain.Event, detail string, fn func(*models.Organization) error) error {
	var org models.Organization
	if err := tx.Where("organization_id = ?", evt.StreamID).First(&org).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return notFound("organization", evt.StreamID)
		}
		return fmt.Errorf("failed to load organization: %w", err)
	}
	if evt.StreamVersion <= org.LastAppliedVersion {
		return nil
	}

	if err := fn(&org); err != nil {
		return err
	}
	org.AuditTrail = append(org.AuditTrail, audit(evt, detail))
	org.LastAppliedEventID = evt.ID
	org.LastAppliedVersion = evt.StreamVersion

	if err := tx.Save(&org).Error; err != nil {
		return fmt.Errorf("failed to update organization in database: %w", err)
	}
	return nil
}

// cascadeOrganizationDeactivation deactivates the organization's units and
// withdraws its open invitations.
func cascadeOrganizationDeactivation(tx *gorm.DB, evt domain.Event, org *models.Organization) error {
	at := occurredAt(evt)

	if org.Path != "" {
		if err := tx.Model(&models.OrganizationUnit{}).
			Scopes(InScope("path", org.Path)).
			Where("is_active = ?", true).
			Updates(map[string]interface{}{"is_active": false, "deactivated_at": at}).Error; err != nil {
			return fmt.Errorf("failed to deactivate organization units: %w", err)
		}
	}

	if err := tx.Model(&models.Invitation{}).
		Where("organization_id = ? AND status IN ?", org.OrganizationID, []string{models.InvitationStatusPending, models.InvitationStatusSent}).
		Updates(map[string]interface{}{
			"status":        models.InvitationStatusRevoked,
			"revoked_at":    at,
			"revoke_reason": "organization deactivated",
		}).Error; err != nil {
		return fmt.Errorf("failed to revoke organization invitations: %w", err)
	}
	return nil
}
