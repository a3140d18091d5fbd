package projections

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// OrganizationUnitProjector folds organization unit events into the hierarchy table
type OrganizationUnitProjector struct{}

// Handle projects an event
func (p *OrganizationUnitProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	switch evt.Type {
	case domain.OrganizationUnitCreated:
		return p.projectCreated(tx, evt)
	case domain.OrganizationUnitUpdated:
		var data domain.OrganizationUnitUpdatedEvent
		if err := evt.Decode(&data); err != nil {
			return err
		}
		return p.mutate(tx, evt, func(unit *models.OrganizationUnit) error {
			unit.Name = data.Name
			return nil
		})
	case domain.OrganizationUnitDeactivated:
		return p.mutate(tx, evt, func(unit *models.OrganizationUnit) error {
			at := occurredAt(evt)
			unit.IsActive = false
			unit.DeactivatedAt = &at
			return tx.Model(&models.OrganizationUnit{}).
				Scopes(Descendants("path", unit.Path)).
				Where("is_active = ?", true).
				Updates(map[string]interface{}{"is_active": false, "deactivated_at": at}).Error
		})
	case domain.OrganizationUnitDeleted:
		return p.mutate(tx, evt, func(unit *models.OrganizationUnit) error {
			at := occurredAt(evt)
			unit.IsActive = false
			unit.DeletedAt = gorm.DeletedAt{Time: at, Valid: true}
			return tx.Model(&models.OrganizationUnit{}).
				Scopes(Descendants("path", unit.Path)).
				Updates(map[string]interface{}{"is_active": false, "deleted_at": at}).Error
		})
	}
	return nil
}

func (p *OrganizationUnitProjector) projectCreated(tx *gorm.DB, evt domain.Event) error {
	var data domain.OrganizationUnitCreatedEvent
	if err := evt.Decode(&data); err != nil {
		return err
	}

	var org models.Organization
	if err := tx.Where("organization_id = ?", data.OrganizationID).First(&org).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return notFound("organization", data.OrganizationID)
		}
		return fmt.Errorf("failed to load organization: %w", err)
	}
	if data.Path == org.Path || !domain.PathContains(org.Path, data.Path) {
		return fmt.Errorf("unit path %s is outside organization path %s", data.Path, org.Path)
	}

	unit := models.OrganizationUnit{
		UnitID:             evt.StreamID,
		OrganizationID:     data.OrganizationID,
		Name:               data.Name,
		Path:               data.Path,
		IsActive:           true,
		LastAppliedEventID: evt.ID,
		LastAppliedVersion: evt.StreamVersion,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&unit).Error; err != nil {
		return fmt.Errorf("failed to create organization unit in database: %w", err)
	}
	return nil
}

func (p *OrganizationUnitProjector) mutate(tx *gorm.DB, evt domain.Event, fn func(*models.OrganizationUnit) error) error {
	var unit models.OrganizationUnit
	if err := tx.Unscoped().Where("unit_id = ?", evt.StreamID).First(&unit).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return notFound("organization unit", evt.StreamID)
		}
		return fmt.Errorf("failed to load organization unit: %w", err)
	}
	if evt.StreamVersion <= unit.LastAppliedVersion {
		return nil
	}

	if err := fn(&unit); err != nil {
		return fmt.Errorf("failed to apply %s: %w", evt.Type, err)
	}
	unit.LastAppliedEventID = evt.ID
	unit.LastAppliedVersion = evt.StreamVersion

	if err := tx.Unscoped().Save(&unit).Error; err != nil {
		return fmt.Errorf("failed to update organization unit in database: %w", err)
	}
	return nil
}
