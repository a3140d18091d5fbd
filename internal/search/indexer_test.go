package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

type fakeElastic struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
	status, response := f.status, f.response
	f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if response == "" {
		response = `{"result":"created"}`
	}
	_, _ = io.WriteString(w, response)
}

func (f *fakeElastic) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newIndexer(t *testing.T, fake *fakeElastic) *EventIndexer {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := config.ElasticConfig{URL: server.URL, Prefix: "test"}
	client, err := NewElasticClient(cfg)
	require.NoError(t, err)
	return NewEventIndexer(client, cfg)
}

func sampleEvent() domain.Event {
	md := domain.NewMetadata("admin", "api")
	return domain.Event{
		ID:            "evt-1",
		StreamID:      "org-1",
		StreamType:    domain.StreamOrganization,
		StreamVersion: 3,
		Type:          domain.OrganizationActivated,
		Data:          json.RawMessage(`{"fqdn":"acme.example.com"}`),
		Metadata:      md,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCommittedIndexesDocumentUnderEventID(t *testing.T) {
	fake := &fakeElastic{status: http.StatusCreated}
	indexer := newIndexer(t, fake)
	evt := sampleEvent()

	require.NoError(t, indexer.Committed(context.Background(), evt))

	req := fake.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/test-domain-events/_doc/evt-1", req.Path)
	assert.Contains(t, req.Query, "refresh=true")

	var doc Document
	require.NoError(t, json.Unmarshal(req.Body, &doc))
	assert.Equal(t, "org-1", doc.StreamID)
	assert.Equal(t, domain.OrganizationActivated, doc.EventType)
	assert.Equal(t, evt.Metadata.CorrelationID, doc.CorrelationID)
	assert.Equal(t, "admin", doc.Actor)
	assert.False(t, doc.Failed)
	assert.JSONEq(t, `{"fqdn":"acme.example.com"}`, string(doc.Data))
}

func TestCommittedReportsIndexError(t *testing.T) {
	fake := &fakeElastic{status: http.StatusBadRequest, response: `{"error":{"type":"mapper_parsing_exception"}}`}
	indexer := newIndexer(t, fake)

	err := indexer.Committed(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestEnsureIndexCreatesMissingIndex(t *testing.T) {
	fake := &fakeElastic{status: http.StatusNotFound, response: `{}`}
	indexer := newIndexer(t, fake)

	// Both the existence check and the create see 404 here; only the request shape matters.
	_ = indexer.EnsureIndex(context.Background())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.requests, 2)
	assert.Equal(t, http.MethodHead, fake.requests[0].Method)
	assert.Equal(t, http.MethodPut, fake.requests[1].Method)
	assert.Equal(t, "/test-domain-events", fake.requests[1].Path)
	assert.Contains(t, string(fake.requests[1].Body), `"correlation_id"`)
}

func TestEnsureIndexSkipsExistingIndex(t *testing.T) {
	fake := &fakeElastic{}
	indexer := newIndexer(t, fake)

	require.NoError(t, indexer.EnsureIndex(context.Background()))
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Len(t, fake.requests, 1)
}

func TestSearchFiltersByCorrelation(t *testing.T) {
	fake := &fakeElastic{response: `{"hits":{"hits":[{"_source":{"event_id":"evt-1","event_type":"organization.created"}},{"_source":{"event_id":"evt-2","event_type":"organization.activated"}}]}}`}
	indexer := newIndexer(t, fake)

	docs, err := indexer.Search(context.Background(), Query{CorrelationID: "corr-1", FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "evt-2", docs[1].EventID)

	req := fake.last()
	assert.Equal(t, "/test-domain-events/_search", req.Path)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.EqualValues(t, 100, body["size"])
	assert.Contains(t, string(req.Body), `"correlation_id":"corr-1"`)
	assert.Contains(t, string(req.Body), `"failed":true`)
	assert.NotContains(t, string(req.Body), `"stream_id"`)
}
