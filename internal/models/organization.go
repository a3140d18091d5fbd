package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Organization status values
const (
	OrganizationStatusProvisioning = "provisioning"
	OrganizationStatusActive       = "active"
	OrganizationStatusInactive     = "inactive"
	OrganizationStatusFailed       = "failed"
)

// Organization represents a tenant organization in the database
type Organization struct {
	ID                 uint                            `gorm:"primaryKey" json:"-"`
	OrganizationID     string                          `gorm:"size:64;uniqueIndex" json:"organization_id"`
	Name               string                          `json:"name"`
	Slug               string                          `gorm:"size:64;index" json:"slug"`
	Subdomain          string                          `json:"subdomain"`
	Path               string                          `gorm:"index" json:"path"`
	Status             string                          `gorm:"size:32;index" json:"status"`
	FQDN               string                          `json:"fqdn"`
	DNSRecordID        string                          `json:"dns_record_id"`
	DNSVerifiedAt      *time.Time                      `json:"dns_verified_at"`
	ActivatedAt        *time.Time                      `json:"activated_at"`
	DeactivatedAt      *time.Time                      `json:"deactivated_at"`
	FailureReason      *string                         `json:"failure_reason"`
	AuditTrail         datatypes.JSONSlice[AuditEntry] `json:"audit_trail"`
	LastAppliedEventID string                          `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int                             `json:"last_applied_version"`
	CreatedAt          time.Time                       `json:"created_at"`
	UpdatedAt          time.Time                       `json:"updated_at"`
}

// OrganizationUnit represents a node of an organization's hierarchy
type OrganizationUnit struct {
	ID                 uint           `gorm:"primaryKey" json:"-"`
	UnitID             string         `gorm:"size:64;uniqueIndex" json:"unit_id"`
	OrganizationID     string         `gorm:"size:64;index" json:"organization_id"`
	Name               string         `json:"name"`
	Path               string         `gorm:"index" json:"path"`
	IsActive           bool           `gorm:"index" json:"is_active"`
	DeactivatedAt      *time.Time     `json:"deactivated_at"`
	LastAppliedEventID string         `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int            `json:"last_applied_version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}
