package projections

import (
	"fmt"
	"time"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
)

// Handler names as recorded in processing errors
const (
	OrganizationHandler     = "organization"
	OrganizationUnitHandler = "organization_unit"
	UserHandler             = "user"
	RoleHandler             = "role"
	InvitationHandler       = "invitation"
	EntityHandler           = "entity"
	JunctionHandler         = "junction"
)

// Register wires every projection handler into the router
func Register(r *router.Router) error {
	r.Register(domain.StreamOrganization, OrganizationHandler, &OrganizationProjector{})
	r.Register(domain.StreamOrganizationUnit, OrganizationUnitHandler, &OrganizationUnitProjector{})
	r.Register(domain.StreamUser, UserHandler, &UserProjector{})
	r.Register(domain.StreamRole, RoleHandler, &RoleProjector{})
	r.Register(domain.StreamInvitation, InvitationHandler, &InvitationProjector{})

	entities := &EntityProjector{}
	for _, stream := range domain.GenericStreams {
		r.Register(stream, EntityHandler, entities)
	}

	junction := &JunctionProjector{}
	if err := r.RegisterPattern("*"+domain.LinkedSuffix, JunctionHandler, junction); err != nil {
		return err
	}
	return r.RegisterPattern("*"+domain.UnlinkedSuffix, JunctionHandler, junction)
}

func audit(evt domain.Event, detail string) models.AuditEntry {
	return models.AuditEntry{
		EventID:   evt.ID,
		EventType: evt.Type,
		Actor:     evt.Metadata.Actor,
		Detail:    detail,
		At:        occurredAt(evt),
	}
}

// occurredAt is the event's creation time, so replays write identical timestamps
func occurredAt(evt domain.Event) time.Time {
	return evt.CreatedAt.UTC()
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}
