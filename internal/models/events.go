package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event represents a domain event in the database
type Event struct {
	ID              uint           `gorm:"primaryKey" json:"-"`
	EventID         string         `gorm:"size:36;uniqueIndex" json:"event_id"`
	StreamID        string         `gorm:"size:64;not null;uniqueIndex:idx_stream_version,priority:1" json:"stream_id"`
	StreamVersion   int            `gorm:"not null;uniqueIndex:idx_stream_version,priority:2" json:"stream_version"`
	StreamType      string         `gorm:"size:64;not null;index" json:"stream_type"`
	EventType       string         `gorm:"size:128;not null;index" json:"event_type"`
	EventData       datatypes.JSON `json:"event_data"`
	EventMetadata   datatypes.JSON `json:"event_metadata"`
	CorrelationID   string         `gorm:"size:64;index" json:"correlation_id"`
	TraceID         string         `gorm:"size:64;index" json:"trace_id"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	ProcessingError *string        `json:"processing_error"`
}

// TableName overrides the default table name
func (Event) TableName() string {
	return "domain_events"
}

// AuditEntry is one element of a projection's audit trail
type AuditEntry struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
