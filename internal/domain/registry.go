package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	pathPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

// Factory returns a pointer to an empty payload of one event type
type Factory func() interface{}

// Registry maps event types to payload schemas and validates payloads at the append boundary
type Registry struct {
	validate *validator.Validate
	schemas  map[string]Factory
	suffixes map[string]Factory
}

// NewRegistry creates a registry holding the full event catalog
func NewRegistry() *Registry {
	r := &Registry{
		validate: newValidator(),
		schemas:  make(map[string]Factory),
		suffixes: make(map[string]Factory),
	}
	r.registerCatalog()
	return r
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("path", func(fl validator.FieldLevel) bool {
		return pathPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("stream_type", func(fl validator.FieldLevel) bool {
		return StreamType(fl.Field().String()).IsKnown()
	})
	return v
}

// Register binds a payload schema to an exact event type
func (r *Registry) Register(eventType string, factory Factory) {
	r.schemas[eventType] = factory
}

// RegisterSuffix binds a payload schema to every event type ending in suffix
func (r *Registry) RegisterSuffix(suffix string, factory Factory) {
	r.suffixes[suffix] = factory
}

// Lookup returns the schema of an event type, exact matches first
func (r *Registry) Lookup(eventType string) (Factory, bool) {
	if f, ok := r.schemas[eventType]; ok {
		return f, true
	}
	for suffix, f := range r.suffixes {
		if strings.HasSuffix(eventType, suffix) {
			return f, true
		}
	}
	return nil, false
}

// Validate checks an event against the catalog and returns its canonical JSON payload
func (r *Registry) Validate(streamType StreamType, eventType string, data interface{}) (json.RawMessage, error) {
	if !streamType.IsKnown() {
		return nil, &ValidationError{EventType: eventType, Reason: fmt.Sprintf("unknown stream type %q", streamType)}
	}
	if !strings.HasPrefix(eventType, string(streamType)+".") {
		return nil, &ValidationError{EventType: eventType, Reason: fmt.Sprintf("event type does not belong to stream type %q", streamType)}
	}
	factory, ok := r.Lookup(eventType)
	if !ok {
		return nil, &ValidationError{EventType: eventType, Reason: "unknown event type"}
	}

	raw, err := rawPayload(data)
	if err != nil {
		return nil, &ValidationError{EventType: eventType, Reason: err.Error()}
	}

	payload := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, &ValidationError{EventType: eventType, Reason: err.Error()}
	}
	if err := r.validate.Struct(payload); err != nil {
		return nil, &ValidationError{EventType: eventType, Reason: describe(err)}
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return canonical, nil
}

func rawPayload(data interface{}) ([]byte, error) {
	switch d := data.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(d) == 0 {
			return []byte("{}"), nil
		}
		return d, nil
	case []byte:
		if len(d) == 0 {
			return []byte("{}"), nil
		}
		return d, nil
	default:
		return json.Marshal(d)
	}
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (r *Registry) registerCatalog() {
	r.Register(OrganizationBootstrapInitiated, func() interface{} { return &BootstrapInitiatedEvent{} })
	r.Register(OrganizationCreated, func() interface{} { return &OrganizationCreatedEvent{} })
	r.Register(OrganizationUpdated, func() interface{} { return &OrganizationUpdatedEvent{} })
	r.Register(OrganizationDNSProvisioned, func() interface{} { return &DNSProvisionedEvent{} })
	r.Register(OrganizationDNSVerified, func() interface{} { return &DNSVerifiedEvent{} })
	r.Register(OrganizationDNSRemoved, func() interface{} { return &DNSRemovedEvent{} })
	r.Register(OrganizationAdminAssigned, func() interface{} { return &AdminAssignedEvent{} })
	r.Register(OrganizationInvitationsDispatched, func() interface{} { return &InvitationsDispatchedEvent{} })
	r.Register(OrganizationActivated, func() interface{} { return &OrganizationActivatedEvent{} })
	r.Register(OrganizationDeactivated, func() interface{} { return &OrganizationDeactivatedEvent{} })
	r.Register(OrganizationBootstrapFailed, func() interface{} { return &BootstrapFailedEvent{} })

	r.Register(OrganizationUnitCreated, func() interface{} { return &OrganizationUnitCreatedEvent{} })
	r.Register(OrganizationUnitUpdated, func() interface{} { return &OrganizationUnitUpdatedEvent{} })
	r.Register(OrganizationUnitDeactivated, func() interface{} { return &OrganizationUnitDeactivatedEvent{} })
	r.Register(OrganizationUnitDeleted, func() interface{} { return &OrganizationUnitDeletedEvent{} })

	r.Register(UserCreated, func() interface{} { return &UserCreatedEvent{} })
	r.Register(UserDeactivated, func() interface{} { return &UserDeactivatedEvent{} })
	r.Register(UserRoleAssigned, func() interface{} { return &UserRoleAssignedEvent{} })
	r.Register(UserRoleRevoked, func() interface{} { return &UserRoleRevokedEvent{} })

	r.Register(RoleCreated, func() interface{} { return &RoleCreatedEvent{} })
	r.Register(RolePermissionGranted, func() interface{} { return &RolePermissionEvent{} })
	r.Register(RolePermissionRevoked, func() interface{} { return &RolePermissionEvent{} })
	r.Register(RoleDeactivated, func() interface{} { return &RoleDeactivatedEvent{} })

	r.Register(InvitationCreated, func() interface{} { return &InvitationCreatedEvent{} })
	r.Register(InvitationSent, func() interface{} { return &InvitationSentEvent{} })
	r.Register(InvitationAccepted, func() interface{} { return &InvitationAcceptedEvent{} })
	r.Register(InvitationRevoked, func() interface{} { return &InvitationRevokedEvent{} })

	r.Register(WorkflowJobClaimed, func() interface{} { return &JobClaimedEvent{} })
	r.Register(WorkflowJobCompleted, func() interface{} { return &JobCompletedEvent{} })
	r.Register(WorkflowJobFailed, func() interface{} { return &JobFailedEvent{} })
	r.Register(WorkflowJobRequeued, func() interface{} { return &JobRequeuedEvent{} })
	r.Register(WorkflowJobHeartbeat, func() interface{} { return &JobHeartbeatEvent{} })

	r.RegisterSuffix(LinkedSuffix, func() interface{} { return &JunctionEvent{} })
	r.RegisterSuffix(UnlinkedSuffix, func() interface{} { return &JunctionEvent{} })

	for _, stream := range GenericStreams {
		for _, verb := range GenericVerbs {
			r.Register(string(stream)+"."+verb, func() interface{} { return &EntityEvent{} })
		}
	}
}
