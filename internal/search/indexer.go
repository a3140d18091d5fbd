// Package search keeps a best-effort Elasticsearch index of committed events
// for audit queries. The event log stays the source of truth.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

// EventsIndex is the unprefixed name of the audit index
const EventsIndex = "domain-events"

// EventIndexer writes committed events to Elasticsearch
type EventIndexer struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}
	return client, nil
}

// NewEventIndexer creates an indexer writing to the prefixed events index
func NewEventIndexer(client *elasticsearch.Client, cfg config.ElasticConfig) *EventIndexer {
	return &EventIndexer{client: client, index: config.FormatIndex(cfg, EventsIndex)}
}

// Index returns the full index name
func (i *EventIndexer) Index() string {
	return i.index
}

// EnsureIndex creates the index unless it exists
func (i *EventIndexer) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{i.index}}.Do(ctx, i.client)
	if err != nil {
		return errors.Wrap(err, "failed to check index")
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return errors.Errorf("unexpected status checking index %s: %s", i.index, res.Status())
	}

	log.Info().Str("index", i.index).Msg("Creating index")
	res, err = esapi.IndicesCreateRequest{Index: i.index, Body: strings.NewReader(mapping)}.Do(ctx, i.client)
	if err != nil {
		return errors.Wrap(err, "failed to create index")
	}
	defer res.Body.Close()
	return responseError(res, "create index")
}

const mapping = `{
  "mappings": {
    "properties": {
      "event_id":       {"type": "keyword"},
      "stream_id":      {"type": "keyword"},
      "stream_type":    {"type": "keyword"},
      "event_type":     {"type": "keyword"},
      "stream_version": {"type": "integer"},
      "correlation_id": {"type": "keyword"},
      "trace_id":       {"type": "keyword"},
      "actor":          {"type": "keyword"},
      "failed":         {"type": "boolean"},
      "created_at":     {"type": "date"},
      "data":           {"type": "object", "enabled": false}
    }
  }
}`

// Document is the indexed form of an event
type Document struct {
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	StreamType    string          `json:"stream_type"`
	EventType     string          `json:"event_type"`
	StreamVersion int             `json:"stream_version"`
	CorrelationID string          `json:"correlation_id"`
	TraceID       string          `json:"trace_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Failed        bool            `json:"failed"`
	CreatedAt     string          `json:"created_at"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func document(evt domain.Event) Document {
	return Document{
		EventID:       evt.ID,
		StreamID:      evt.StreamID,
		StreamType:    string(evt.StreamType),
		EventType:     evt.Type,
		StreamVersion: evt.StreamVersion,
		CorrelationID: evt.Metadata.CorrelationID,
		TraceID:       evt.Metadata.TraceID,
		Actor:         evt.Metadata.Actor,
		Failed:        evt.Failed(),
		CreatedAt:     evt.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Data:          evt.Data,
	}
}

// Committed indexes evt under its event id, so redelivery overwrites
func (i *EventIndexer) Committed(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(document(evt))
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: evt.ID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		metrics.Get().RecordError(metrics.ErrorTypeSearch)
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if err := responseError(res, "index"); err != nil {
		metrics.Get().RecordError(metrics.ErrorTypeSearch)
		return err
	}
	metrics.Get().Inc(metrics.CounterEventsIndexed)
	log.Debug().Str("event_id", evt.ID).Str("event_type", evt.Type).Str("index", i.index).Msg("Event indexed")
	return nil
}

// Query filters indexed events; empty fields are ignored
type Query struct {
	CorrelationID string
	StreamID      string
	EventType     string
	Actor         string
	FailedOnly    bool
	Size          int
}

func (q Query) body() map[string]interface{} {
	var filters []interface{}
	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]interface{}{"term": map[string]interface{}{field: value}})
		}
	}
	term("correlation_id", q.CorrelationID)
	term("stream_id", q.StreamID)
	term("event_type", q.EventType)
	term("actor", q.Actor)
	if q.FailedOnly {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"failed": true}})
	}

	size := q.Size
	if size <= 0 || size > 500 {
		size = 100
	}
	return map[string]interface{}{
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"created_at": "asc"}},
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	}
}

// Search returns the documents matching q, oldest first
func (i *EventIndexer) Search(ctx context.Context, q Query) ([]Document, error) {
	queryJSON, err := json.Marshal(q.body())
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{i.index},
		Body:  bytes.NewReader(queryJSON),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()
	if err := responseError(res, "search"); err != nil {
		return nil, err
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]Document, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

func responseError(res *esapi.Response, op string) error {
	if !res.IsError() {
		return nil
	}
	raw, _ := io.ReadAll(res.Body)
	var e map[string]interface{}
	if err := json.Unmarshal(raw, &e); err != nil {
		return errors.Errorf("Elasticsearch %s error: %s", op, res.Status())
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
