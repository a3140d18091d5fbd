package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name       string
		streamType StreamType
		eventType  string
		data       interface{}
		wantErr    bool
	}{
		{
			name:       "bootstrap initiated",
			streamType: StreamOrganization,
			eventType:  OrganizationBootstrapInitiated,
			data: BootstrapInitiatedEvent{
				Name:       "Acme Care",
				Slug:       "acme-care",
				Subdomain:  "acme",
				AdminEmail: "admin@acme.test",
			},
		},
		{
			name:       "raw json payload",
			streamType: StreamOrganizationUnit,
			eventType:  OrganizationUnitCreated,
			data:       json.RawMessage(`{"organization_id":"org-1","name":"North","path":"acme.north"}`),
		},
		{
			name:       "junction wildcard on any stream",
			streamType: StreamContact,
			eventType:  "contact.phone.linked",
			data:       JunctionEvent{TargetType: "phone", TargetID: "p-1"},
		},
		{
			name:       "generic entity verb",
			streamType: StreamMedication,
			eventType:  "medication.created",
			data:       EntityEvent{Attributes: map[string]interface{}{"name": "ibuprofen"}},
		},
		{
			name:       "unknown stream type",
			streamType: StreamType("spaceship"),
			eventType:  "spaceship.created",
			data:       EntityEvent{},
			wantErr:    true,
		},
		{
			name:       "event type from another stream",
			streamType: StreamUser,
			eventType:  OrganizationCreated,
			data:       OrganizationCreatedEvent{Name: "x", Slug: "x", Path: "x"},
			wantErr:    true,
		},
		{
			name:       "unknown event type",
			streamType: StreamOrganization,
			eventType:  "organization.exploded",
			data:       EntityEvent{},
			wantErr:    true,
		},
		{
			name:       "missing required field",
			streamType: StreamOrganization,
			eventType:  OrganizationBootstrapInitiated,
			data:       BootstrapInitiatedEvent{Name: "Acme", Slug: "acme", Subdomain: "acme"},
			wantErr:    true,
		},
		{
			name:       "invalid slug",
			streamType: StreamOrganization,
			eventType:  OrganizationBootstrapInitiated,
			data: BootstrapInitiatedEvent{
				Name:       "Acme",
				Slug:       "Acme Care!",
				Subdomain:  "acme",
				AdminEmail: "admin@acme.test",
			},
			wantErr: true,
		},
		{
			name:       "unknown field",
			streamType: StreamOrganization,
			eventType:  OrganizationUpdated,
			data:       json.RawMessage(`{"name":"Acme","color":"blue"}`),
			wantErr:    true,
		},
		{
			name:       "junction target outside catalog",
			streamType: StreamClient,
			eventType:  "client.widget.linked",
			data:       JunctionEvent{TargetType: "widget", TargetID: "w-1"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := r.Validate(tt.streamType, tt.eventType, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				var validation *ValidationError
				assert.True(t, errors.As(err, &validation))
				assert.False(t, IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, json.Valid(raw))
		})
	}
}

func TestRegistryCanonicalPayload(t *testing.T) {
	r := NewRegistry()

	raw, err := r.Validate(StreamRole, RolePermissionGranted, map[string]string{"permission": "clients.read"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"permission":"clients.read"}`, string(raw))

	raw, err = r.Validate(StreamOrganization, OrganizationActivated, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}
