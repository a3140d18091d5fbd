package models

import (
	"time"

	"gorm.io/datatypes"
)

// EntityLink is a junction row between two catalog entities
type EntityLink struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	SourceType         string     `gorm:"size:64;uniqueIndex:idx_entity_link,priority:1" json:"source_type"`
	SourceID           string     `gorm:"size:64;uniqueIndex:idx_entity_link,priority:2" json:"source_id"`
	TargetType         string     `gorm:"size:64;uniqueIndex:idx_entity_link,priority:3" json:"target_type"`
	TargetID           string     `gorm:"size:64;uniqueIndex:idx_entity_link,priority:4;index" json:"target_id"`
	IsActive           bool       `json:"is_active"`
	LinkedAt           time.Time  `json:"linked_at"`
	UnlinkedAt         *time.Time `json:"unlinked_at"`
	LastAppliedEventID string     `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int        `json:"last_applied_version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Entity is the projection of catalog streams without a bespoke table
type Entity struct {
	ID                 uint              `gorm:"primaryKey" json:"-"`
	EntityType         string            `gorm:"size:64;uniqueIndex:idx_entity,priority:1" json:"entity_type"`
	EntityID           string            `gorm:"size:64;uniqueIndex:idx_entity,priority:2" json:"entity_id"`
	OrganizationID     string            `gorm:"size:64;index" json:"organization_id"`
	Status             string            `gorm:"size:32" json:"status"`
	Attributes         datatypes.JSONMap `json:"attributes"`
	LastAppliedEventID string            `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int               `json:"last_applied_version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
