package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/commands"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/projections"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/queue"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/router"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/testutil"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/tracing"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, withEngine bool) http.Handler {
	t.Helper()
	db := testutil.NewDB(t)
	r := router.New()
	require.NoError(t, projections.Register(r))
	queue.Register(r)
	store := eventstore.NewGormEventStore(db, r, domain.NewRegistry())

	deps := Dependencies{
		Store:    store,
		Commands: commands.NewService(store, db),
		Queue:    queue.New(db, store),
		Tracer:   tracing.Disabled(),
	}
	if withEngine {
		deps.Engine = workflow.NewEngine(store, deps.Tracer)
	}
	return NewServer(config.ServerConfig{Address: ":0"}, deps).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestPing(t *testing.T) {
	h := newTestServer(t, false)
	w := do(t, h, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDKey))
}

func TestAppendEventKeepsCallerCorrelation(t *testing.T) {
	h := newTestServer(t, false)

	w := do(t, h, http.MethodPost, "/api/v1/events", AppendEventRequest{
		StreamID:   "client-1",
		StreamType: domain.StreamClient,
		EventType:  "client.created",
		Data:       json.RawMessage(`{"organization_id":"org-1","attributes":{"name":"Jane"}}`),
	}, correlationIDKey, "corr-123", actorKey, "nurse-4")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "corr-123", w.Header().Get(correlationIDKey))

	var res domain.AppendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.StreamVersion)

	w = do(t, h, http.MethodGet, "/api/v1/events/"+res.EventID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var evt domain.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &evt))
	assert.Equal(t, "corr-123", evt.Metadata.CorrelationID)
	assert.Equal(t, "nurse-4", evt.Metadata.Actor)
	assert.Equal(t, "api", evt.Metadata.Source)

	w = do(t, h, http.MethodGet, "/api/v1/correlations/corr-123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var byCorrelation struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &byCorrelation))
	assert.Len(t, byCorrelation.Events, 1)

	w = do(t, h, http.MethodGet, "/api/v1/streams/client-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAppendEventErrorMapping(t *testing.T) {
	h := newTestServer(t, false)

	w := do(t, h, http.MethodPost, "/api/v1/events", map[string]string{"stream_id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, w).Code)

	w = do(t, h, http.MethodPost, "/api/v1/events", AppendEventRequest{
		StreamID: "client-1", StreamType: domain.StreamClient, EventType: "client.teleported",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeValidation, decodeError(t, w).Code)

	w = do(t, h, http.MethodPost, "/api/v1/events", AppendEventRequest{
		StreamID: "client-1", StreamType: domain.StreamClient, EventType: "client.created",
		ExpectedVersion: domain.Expect(4),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeConflict, decodeError(t, w).Code)

	w = do(t, h, http.MethodPost, "/api/v1/events", AppendEventRequest{
		StreamID: "job-1", StreamType: domain.StreamWorkflowJob, EventType: domain.WorkflowJobClaimed,
		Data: json.RawMessage(`{"worker_id":"w"}`),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "internal_stream", decodeError(t, w).Rule)

	w = do(t, h, http.MethodGet, "/api/v1/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w).Code)
}

func TestProcessingFailureIsNotNotFound(t *testing.T) {
	h := newTestServer(t, false)

	w := do(t, h, http.MethodPost, "/api/v1/events", AppendEventRequest{
		StreamID: "ghost", StreamType: domain.StreamUser, EventType: domain.UserDeactivated,
		Data: json.RawMessage(`{"reason":"left"}`),
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, CodeProcessingFailed, resp.Code)
	assert.NotEmpty(t, resp.EventID)

	w = do(t, h, http.MethodGet, "/api/v1/events/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.EventID)

	w = do(t, h, http.MethodPost, "/api/v1/events/"+resp.EventID+"/reprocess", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res domain.AppendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotNil(t, res.ProcessingError)
}

func TestBootstrapAndQueueListing(t *testing.T) {
	h := newTestServer(t, false)
	body := commands.InitiateBootstrapCommand{Name: "Acme", Slug: "acme", AdminEmail: "admin@acme.test"}

	w := do(t, h, http.MethodPost, "/api/v1/organizations/bootstrap", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted commands.BootstrapAccepted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted.JobID)

	w = do(t, h, http.MethodPost, "/api/v1/organizations/bootstrap", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "slug_taken", decodeError(t, w).Rule)

	w = do(t, h, http.MethodGet, "/api/v1/queue?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), accepted.JobID)

	w = do(t, h, http.MethodGet, "/api/v1/queue/"+accepted.JobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalSurfaces(t *testing.T) {
	h := newTestServer(t, false)

	w := do(t, h, http.MethodGet, "/api/v1/workflows", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/events/search?correlation_id=x", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	h = newTestServer(t, true)
	w = do(t, h, http.MethodGet, "/api/v1/workflows", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/workflows/bootstrap:unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/workflows/bootstrap:unknown/signals/dns.propagation.confirmed", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, false)
	do(t, h, http.MethodGet, "/ping", nil)

	w := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "counters")
	assert.Contains(t, body, "request_counts")
}

func TestParseTraceparent(t *testing.T) {
	traceID, span, ok := parseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	require.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
	assert.Equal(t, "00f067aa0ba902b7", span)

	_, _, ok = parseTraceparent("garbage")
	assert.False(t, ok)
}

func TestUserActorOutsideScopeIsForbidden(t *testing.T) {
	h := newTestServer(t, false)
	seed := func(streamID string, streamType domain.StreamType, eventType, data string) {
		t.Helper()
		w := do(t, h, http.MethodPost, "/api/v1/events", AppendEventRequest{
			StreamID: streamID, StreamType: streamType, EventType: eventType, Data: json.RawMessage(data),
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	seed("org-1", domain.StreamOrganization, domain.OrganizationCreated, `{"name":"Acme","slug":"acme","path":"acme"}`)
	seed("unit-north", domain.StreamOrganizationUnit, domain.OrganizationUnitCreated, `{"organization_id":"org-1","name":"North","path":"acme.north"}`)
	seed("unit-south", domain.StreamOrganizationUnit, domain.OrganizationUnitCreated, `{"organization_id":"org-1","name":"South","path":"acme.south"}`)
	seed("user-1", domain.StreamUser, domain.UserCreated, `{"organization_id":"org-1","email":"lead@acme.test"}`)
	seed("role-1", domain.StreamRole, domain.RoleCreated, `{"organization_id":"org-1","name":"lead","scope_path":"acme"}`)
	seed("user-1", domain.StreamUser, domain.UserRoleAssigned, `{"role_id":"role-1","scope_path":"acme.north"}`)

	w := do(t, h, http.MethodPost, "/api/v1/organization-units/unit-south/deactivate", nil, actorKey, "user-1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, CodeForbidden, resp.Code)
	assert.Equal(t, commands.RuleOutOfScope, resp.Rule)

	w = do(t, h, http.MethodGet, "/api/v1/organization-units/unit-south", nil, actorKey, "user-1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/organization-units/unit-north", nil, actorKey, "user-1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/organizations/org-1/units", nil, actorKey, "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Units []struct {
			Path string `json:"path"`
		} `json:"units"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Units, 1)
	assert.Equal(t, "acme.north", listed.Units[0].Path)

	w = do(t, h, http.MethodGet, "/api/v1/organizations/org-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/api/v1/organizations/org-1", nil, actorKey, "user-1")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
