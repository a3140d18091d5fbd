package domain

import "time"

// Organization Events

// BootstrapInitiatedEvent starts the tenant bootstrap workflow
type BootstrapInitiatedEvent struct {
	Name       string `json:"name" validate:"required,max=200"`
	Slug       string `json:"slug" validate:"required,slug"`
	Subdomain  string `json:"subdomain" validate:"required,slug"`
	ParentPath string `json:"parent_path,omitempty" validate:"omitempty,path"`
	AdminEmail string `json:"admin_email" validate:"required,email"`
	AdminName  string `json:"admin_name,omitempty"`
}

// OrganizationCreatedEvent represents an organization created event
type OrganizationCreatedEvent struct {
	Name      string `json:"name" validate:"required,max=200"`
	Slug      string `json:"slug" validate:"required,slug"`
	Subdomain string `json:"subdomain,omitempty" validate:"omitempty,slug"`
	Path      string `json:"path" validate:"required,path"`
}

// OrganizationUpdatedEvent represents an organization updated event
type OrganizationUpdatedEvent struct {
	Name string `json:"name" validate:"required,max=200"`
}

// DNSProvisionedEvent records the upserted DNS record
type DNSProvisionedEvent struct {
	FQDN       string `json:"fqdn" validate:"required,fqdn"`
	RecordID   string `json:"record_id" validate:"required"`
	RecordType string `json:"record_type" validate:"required"`
	Target     string `json:"target,omitempty"`
}

// SourceResponse is one verification source's answer, kept for audit
type SourceResponse struct {
	Source   string   `json:"source"`
	Answers  []string `json:"answers,omitempty"`
	Agreed   bool     `json:"agreed"`
	Error    string   `json:"error,omitempty"`
	Duration int64    `json:"duration_ms"`
}

// DNSVerifiedEvent records a successful quorum verification
type DNSVerifiedEvent struct {
	FQDN      string           `json:"fqdn" validate:"required,fqdn"`
	Agreeing  int              `json:"agreeing" validate:"min=1"`
	Required  int              `json:"required" validate:"min=1"`
	Consensus string           `json:"consensus,omitempty"`
	Responses []SourceResponse `json:"responses" validate:"required,min=1"`
}

// DNSRemovedEvent records a compensating DNS removal
type DNSRemovedEvent struct {
	FQDN     string `json:"fqdn" validate:"required"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason" validate:"required"`
}

// AdminAssignedEvent marks the admin role and invitations as created
type AdminAssignedEvent struct {
	RoleID        string   `json:"role_id" validate:"required"`
	InvitationIDs []string `json:"invitation_ids" validate:"required,min=1,dive,required"`
}

// InvitationsDispatchedEvent marks invitation delivery as done
type InvitationsDispatchedEvent struct {
	InvitationIDs []string `json:"invitation_ids" validate:"required,min=1,dive,required"`
}

// OrganizationActivatedEvent is the terminal success event of the bootstrap
type OrganizationActivatedEvent struct {
	FQDN string `json:"fqdn,omitempty"`
}

// OrganizationDeactivatedEvent represents an organization deactivated event
type OrganizationDeactivatedEvent struct {
	Reason string `json:"reason" validate:"required"`
}

// BootstrapFailedEvent is the terminal failure event of the bootstrap
type BootstrapFailedEvent struct {
	FailedStep  string `json:"failed_step" validate:"required"`
	Error       string `json:"error" validate:"required"`
	Compensated bool   `json:"compensated"`
}

// Organization Unit Events

// OrganizationUnitCreatedEvent represents an organization unit created event
type OrganizationUnitCreatedEvent struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Name           string `json:"name" validate:"required,max=200"`
	Path           string `json:"path" validate:"required,path"`
}

// OrganizationUnitUpdatedEvent represents an organization unit updated event
type OrganizationUnitUpdatedEvent struct {
	Name string `json:"name" validate:"required,max=200"`
}

// OrganizationUnitDeactivatedEvent cascades to every descendant unit
type OrganizationUnitDeactivatedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// OrganizationUnitDeletedEvent represents an organization unit deleted event
type OrganizationUnitDeletedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// User Events

// UserCreatedEvent represents a user created event
type UserCreatedEvent struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Email          string `json:"email" validate:"required,email"`
	Name           string `json:"name,omitempty"`
}

// UserDeactivatedEvent represents a user deactivated event
type UserDeactivatedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// UserRoleAssignedEvent grants a role over a hierarchical scope
type UserRoleAssignedEvent struct {
	RoleID    string `json:"role_id" validate:"required"`
	ScopePath string `json:"scope_path" validate:"required,path"`
}

// UserRoleRevokedEvent represents a user role revoked event
type UserRoleRevokedEvent struct {
	RoleID string `json:"role_id" validate:"required"`
}

// Role Events

// RoleCreatedEvent represents a role created event
type RoleCreatedEvent struct {
	OrganizationID string   `json:"organization_id" validate:"required"`
	Name           string   `json:"name" validate:"required"`
	ScopePath      string   `json:"scope_path" validate:"required,path"`
	Permissions    []string `json:"permissions,omitempty" validate:"dive,required"`
}

// RolePermissionEvent grants or revokes one permission
type RolePermissionEvent struct {
	Permission string `json:"permission" validate:"required"`
}

// RoleDeactivatedEvent represents a role deactivated event
type RoleDeactivatedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// Invitation Events

// InvitationCreatedEvent represents an invitation created event
type InvitationCreatedEvent struct {
	OrganizationID string    `json:"organization_id" validate:"required"`
	Email          string    `json:"email" validate:"required,email"`
	Name           string    `json:"name,omitempty"`
	RoleID         string    `json:"role_id" validate:"required"`
	Token          string    `json:"token" validate:"required"`
	ExpiresAt      time.Time `json:"expires_at" validate:"required"`
}

// InvitationSentEvent records a dispatched invitation
type InvitationSentEvent struct {
	MessageID string `json:"message_id" validate:"required"`
}

// InvitationAcceptedEvent represents an invitation accepted event
type InvitationAcceptedEvent struct {
	UserID string `json:"user_id" validate:"required"`
}

// InvitationRevokedEvent represents an invitation revoked event
type InvitationRevokedEvent struct {
	Reason string `json:"reason" validate:"required"`
}

// Junction Events

// JunctionEvent links or unlinks the stream entity to a target entity
type JunctionEvent struct {
	TargetType string `json:"target_type" validate:"required,stream_type"`
	TargetID   string `json:"target_id" validate:"required"`
}

// Generic Entity Events

// EntityEvent carries the attributes of an entity without a bespoke projection
type EntityEvent struct {
	OrganizationID string                 `json:"organization_id,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
}

// Workflow Job Events

// JobClaimedEvent represents a worker's claim on a queue job
type JobClaimedEvent struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// JobCompletedEvent represents a job whose workflow succeeded
type JobCompletedEvent struct {
	WorkerID           string `json:"worker_id" validate:"required"`
	WorkflowInstanceID string `json:"workflow_instance_id" validate:"required"`
}

// JobFailedEvent represents a job whose workflow failed terminally
type JobFailedEvent struct {
	WorkerID           string `json:"worker_id" validate:"required"`
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
	Error              string `json:"error" validate:"required"`
}

// JobHeartbeatEvent renews a worker's claim while its workflow runs
type JobHeartbeatEvent struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// JobRequeuedEvent returns a stale claimed job to pending
type JobRequeuedEvent struct {
	PreviousWorkerID string `json:"previous_worker_id,omitempty"`
	Reason           string `json:"reason" validate:"required"`
}
