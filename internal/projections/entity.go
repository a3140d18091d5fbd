package projections

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// Entity status values derived from generic verbs
var verbStatus = map[string]string{
	"created":  "active",
	"recorded": "active",
	"defined":  "active",
	"started":  "active",
	"archived": "archived",
	"deleted":  "deleted",
	"ended":    "ended",
	"revoked":  "revoked",
}

// EntityProjector folds events of streams without a bespoke table into entities
type EntityProjector struct{}

// Handle projects an event
func (p *EntityProjector) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	verb := evt.Verb()
	if strings.HasSuffix(evt.Type, domain.LinkedSuffix) || strings.HasSuffix(evt.Type, domain.UnlinkedSuffix) {
		return nil
	}

	var data domain.EntityEvent
	if err := evt.Decode(&data); err != nil {
		return err
	}

	var entity models.Entity
	err := tx.Where("entity_type = ? AND entity_id = ?", string(evt.StreamType), evt.StreamID).First(&entity).Error
	switch {
	case database.IsRecordNotFound(err):
		if verb != "created" && verb != "recorded" && verb != "defined" {
			return notFound(string(evt.StreamType), evt.StreamID)
		}
		entity = models.Entity{
			EntityType:     string(evt.StreamType),
			EntityID:       evt.StreamID,
			OrganizationID: data.OrganizationID,
			Attributes:     datatypes.JSONMap{},
		}
	case err != nil:
		return fmt.Errorf("failed to load %s: %w", evt.StreamType, err)
	case evt.StreamVersion <= entity.LastAppliedVersion:
		return nil
	}

	if entity.Attributes == nil {
		entity.Attributes = datatypes.JSONMap{}
	}
	for k, v := range data.Attributes {
		entity.Attributes[k] = v
	}
	if data.OrganizationID != "" {
		entity.OrganizationID = data.OrganizationID
	}
	if status, ok := verbStatus[verb]; ok {
		entity.Status = status
	}
	entity.LastAppliedEventID = evt.ID
	entity.LastAppliedVersion = evt.StreamVersion

	if err := tx.Save(&entity).Error; err != nil {
		return fmt.Errorf("failed to save %s in database: %w", evt.StreamType, err)
	}
	return nil
}
