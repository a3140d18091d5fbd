package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StreamType tags the kind of aggregate that owns a stream
type StreamType string

// Stream catalog
const (
	StreamUser              StreamType = "user"
	StreamOrganization      StreamType = "organization"
	StreamOrganizationUnit  StreamType = "organization_unit"
	StreamRole              StreamType = "role"
	StreamPermission        StreamType = "permission"
	StreamClient            StreamType = "client"
	StreamMedication        StreamType = "medication"
	StreamMedicationHistory StreamType = "medication_history"
	StreamDosage            StreamType = "dosage"
	StreamContact           StreamType = "contact"
	StreamAddress           StreamType = "address"
	StreamPhone             StreamType = "phone"
	StreamEmail             StreamType = "email"
	StreamInvitation        StreamType = "invitation"
	StreamAccessGrant       StreamType = "access_grant"
	StreamImpersonation     StreamType = "impersonation"

	// StreamWorkflowJob holds claim transitions of workflow queue jobs.
	StreamWorkflowJob StreamType = "workflow_job"
)

// StreamCatalog lists every stream type accepted at the append boundary
var StreamCatalog = []StreamType{
	StreamUser,
	StreamOrganization,
	StreamOrganizationUnit,
	StreamRole,
	StreamPermission,
	StreamClient,
	StreamMedication,
	StreamMedicationHistory,
	StreamDosage,
	StreamContact,
	StreamAddress,
	StreamPhone,
	StreamEmail,
	StreamInvitation,
	StreamAccessGrant,
	StreamImpersonation,
	StreamWorkflowJob,
}

// IsKnown reports whether the stream type is part of the catalog
func (t StreamType) IsKnown() bool {
	for _, known := range StreamCatalog {
		if t == known {
			return true
		}
	}
	return false
}

// Organization events
const (
	OrganizationBootstrapInitiated    = "organization.bootstrap.initiated"
	OrganizationCreated               = "organization.created"
	OrganizationUpdated               = "organization.updated"
	OrganizationDNSProvisioned        = "organization.dns.provisioned"
	OrganizationDNSVerified           = "organization.dns.verified"
	OrganizationDNSRemoved            = "organization.dns.removed"
	OrganizationAdminAssigned         = "organization.admin.assigned"
	OrganizationInvitationsDispatched = "organization.invitations.dispatched"
	OrganizationActivated             = "organization.activated"
	OrganizationDeactivated           = "organization.deactivated"
	OrganizationBootstrapFailed       = "organization.bootstrap.failed"
)

// Organization unit events
const (
	OrganizationUnitCreated     = "organization_unit.created"
	OrganizationUnitUpdated     = "organization_unit.updated"
	OrganizationUnitDeactivated = "organization_unit.deactivated"
	OrganizationUnitDeleted     = "organization_unit.deleted"
)

// User events
const (
	UserCreated      = "user.created"
	UserDeactivated  = "user.deactivated"
	UserRoleAssigned = "user.role.assigned"
	UserRoleRevoked  = "user.role.revoked"
)

// Role events
const (
	RoleCreated           = "role.created"
	RolePermissionGranted = "role.permission.granted"
	RolePermissionRevoked = "role.permission.revoked"
	RoleDeactivated       = "role.deactivated"
)

// Invitation events
const (
	InvitationCreated  = "invitation.created"
	InvitationSent     = "invitation.sent"
	InvitationAccepted = "invitation.accepted"
	InvitationRevoked  = "invitation.revoked"
)

// Workflow job events
const (
	WorkflowJobClaimed   = "workflow_job.claimed"
	WorkflowJobCompleted = "workflow_job.completed"
	WorkflowJobFailed    = "workflow_job.failed"
	WorkflowJobRequeued  = "workflow_job.requeued"
	WorkflowJobHeartbeat = "workflow_job.heartbeat"
)

// Junction event suffixes, matched independently of stream type
const (
	LinkedSuffix   = ".linked"
	UnlinkedSuffix = ".unlinked"
)

// GenericVerbs are the event verbs accepted on catalog streams that have no
// bespoke projection.
var GenericVerbs = []string{"created", "updated", "archived", "deleted", "recorded", "started", "ended", "revoked", "defined"}

// GenericStreams are projected by the generic entity handler
var GenericStreams = []StreamType{
	StreamPermission,
	StreamClient,
	StreamMedication,
	StreamMedicationHistory,
	StreamDosage,
	StreamContact,
	StreamAddress,
	StreamPhone,
	StreamEmail,
	StreamAccessGrant,
	StreamImpersonation,
}

// Event is a stored domain event
type Event struct {
	ID              string          `json:"id"`
	StreamID        string          `json:"stream_id"`
	StreamType      StreamType      `json:"stream_type"`
	StreamVersion   int             `json:"stream_version"`
	Type            string          `json:"event_type"`
	Data            json.RawMessage `json:"event_data"`
	Metadata        Metadata        `json:"event_metadata"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError *string         `json:"processing_error,omitempty"`
}

// Decode unmarshals the event payload into v
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload of event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Verb returns the last segment of the event type ("created" for "client.created")
func (e Event) Verb() string {
	return EventVerb(e.Type)
}

// Failed reports whether a handler recorded an error for this event
func (e Event) Failed() bool {
	return e.ProcessingError != nil && *e.ProcessingError != ""
}

// EventVerb returns the last dot-separated segment of an event type
func EventVerb(eventType string) string {
	if i := strings.LastIndex(eventType, "."); i >= 0 {
		return eventType[i+1:]
	}
	return eventType
}

// NewEvent is the input of the append boundary
type NewEvent struct {
	StreamID   string
	StreamType StreamType
	EventType  string
	// Data is a payload struct or raw JSON.
	Data     interface{}
	Metadata Metadata
	// ExpectedVersion, when set, must equal the stream's current version.
	ExpectedVersion *int
}

// AppendResult is the output of the append boundary
type AppendResult struct {
	EventID       string `json:"event_id"`
	StreamVersion int    `json:"stream_version"`
	// ProcessingError is set when a projection handler failed; the event is stored regardless.
	ProcessingError *string `json:"processing_error,omitempty"`
}

// Expect returns a pointer to v for NewEvent.ExpectedVersion
func Expect(v int) *int {
	return &v
}
