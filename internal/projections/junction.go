package projections

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// JunctionProjector maintains entity links for any "*.linked" or "*.unlinked" event
type JunctionProjector struct{}

// Handle projects an event
func (p *JunctionProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	linked := strings.HasSuffix(evt.Type, domain.LinkedSuffix)
	if !linked && !strings.HasSuffix(evt.Type, domain.UnlinkedSuffix) {
		return nil
	}

	var data domain.JunctionEvent
	if err := evt.Decode(&data); err != nil {
		return err
	}

	var link models.EntityLink
	err := tx.Where("source_type = ? AND source_id = ? AND target_type = ? AND target_id = ?",
		string(evt.StreamType), evt.StreamID, data.TargetType, data.TargetID).
		First(&link).Error
	if err != nil && !database.IsRecordNotFound(err) {
		return fmt.Errorf("failed to load entity link: %w", err)
	}
	if err == nil && evt.StreamVersion <= link.LastAppliedVersion {
		return nil
	}
	if err != nil {
		link = models.EntityLink{
			SourceType: string(evt.StreamType),
			SourceID:   evt.StreamID,
			TargetType: data.TargetType,
			TargetID:   data.TargetID,
		}
	}

	at := occurredAt(evt)
	link.IsActive = linked
	if linked {
		link.LinkedAt = at
		link.UnlinkedAt = nil
	} else {
		link.UnlinkedAt = &at
	}
	link.LastAppliedEventID = evt.ID
	link.LastAppliedVersion = evt.StreamVersion

	if err := tx.Save(&link).Error; err != nil {
		return fmt.Errorf("failed to save entity link in database: %w", err)
	}
	return nil
}

// Links returns the active links of an entity in either direction
func Links(ctx context.Context, db *gorm.DB, entityType, entityID string) ([]models.EntityLink, error) {
	var links []models.EntityLink
	if err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(db.Where("source_type = ? AND source_id = ?", entityType, entityID).
			Or("target_type = ? AND target_id = ?", entityType, entityID)).
		Order("id ASC").
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}
