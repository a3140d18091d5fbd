package models

import (
	"time"

	"gorm.io/datatypes"
)

// User represents a user in the database
type User struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	UserID             string     `gorm:"size:64;uniqueIndex" json:"user_id"`
	OrganizationID     string     `gorm:"size:64;index" json:"organization_id"`
	Email              string     `gorm:"index" json:"email"`
	Name               string     `json:"name"`
	IsActive           bool       `json:"is_active"`
	DeactivatedAt      *time.Time `json:"deactivated_at"`
	LastAppliedEventID string     `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int        `json:"last_applied_version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// UserRole grants a role to a user over a hierarchical scope
type UserRole struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	UserID     string     `gorm:"size:64;uniqueIndex:idx_user_role,priority:1" json:"user_id"`
	RoleID     string     `gorm:"size:64;uniqueIndex:idx_user_role,priority:2" json:"role_id"`
	ScopePath  string     `gorm:"index" json:"scope_path"`
	IsActive   bool       `json:"is_active"`
	AssignedAt time.Time  `json:"assigned_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Role represents a role and its permissions
type Role struct {
	ID                 uint                        `gorm:"primaryKey" json:"-"`
	RoleID             string                      `gorm:"size:64;uniqueIndex" json:"role_id"`
	OrganizationID     string                      `gorm:"size:64;index" json:"organization_id"`
	Name               string                      `json:"name"`
	ScopePath          string                      `gorm:"index" json:"scope_path"`
	Permissions        datatypes.JSONSlice[string] `json:"permissions"`
	IsActive           bool                        `json:"is_active"`
	LastAppliedEventID string                      `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int                         `json:"last_applied_version"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

// Invitation status values
const (
	InvitationStatusPending  = "pending"
	InvitationStatusSent     = "sent"
	InvitationStatusAccepted = "accepted"
	InvitationStatusRevoked  = "revoked"
)

// Invitation represents an invitation sent to a new principal
type Invitation struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	InvitationID       string     `gorm:"size:64;uniqueIndex" json:"invitation_id"`
	OrganizationID     string     `gorm:"size:64;index" json:"organization_id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	RoleID             string     `json:"role_id"`
	Token              string     `gorm:"size:128;index" json:"-"`
	Status             string     `gorm:"size:32;index" json:"status"`
	ExpiresAt          time.Time  `json:"expires_at"`
	MessageID          string     `json:"message_id"`
	SentAt             *time.Time `json:"sent_at"`
	AcceptedAt         *time.Time `json:"accepted_at"`
	AcceptedBy         string     `json:"accepted_by"`
	RevokedAt          *time.Time `json:"revoked_at"`
	RevokeReason       string     `json:"revoke_reason"`
	LastAppliedEventID string     `gorm:"size:36" json:"last_applied_event_id"`
	LastAppliedVersion int        `json:"last_applied_version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
