package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata carries actor, source and the correlation context of an event
type Metadata struct {
	Actor         string    `json:"actor,omitempty"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	ParentSpanID  string    `json:"parent_span_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewMetadata starts a new business operation with fresh correlation and trace ids
func NewMetadata(actor, source string) Metadata {
	return Metadata{
		Actor:         actor,
		Source:        source,
		CorrelationID: uuid.New().String(),
		TraceID:       NewTraceID(),
		SpanID:        NewSpanID(),
		Timestamp:     time.Now().UTC(),
	}
}

// Child derives metadata for a step caused by causationID within the same operation
func (m Metadata) Child(causationID string) Metadata {
	child := m
	child.ParentSpanID = m.SpanID
	child.SpanID = NewSpanID()
	child.CausationID = causationID
	child.Reason = ""
	child.Timestamp = time.Now().UTC()
	return child
}

// WithActor returns a copy with actor and source replaced
func (m Metadata) WithActor(actor, source string) Metadata {
	m.Actor = actor
	m.Source = source
	return m
}

// Complete fills the ids a caller left empty; the correlation id of an
// existing operation is never replaced.
func (m Metadata) Complete() Metadata {
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.New().String()
	}
	if m.TraceID == "" {
		m.TraceID = NewTraceID()
	}
	if m.SpanID == "" {
		m.SpanID = NewSpanID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}

// NewTraceID returns a 32 hex character trace id
func NewTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewSpanID returns a 16 hex character span id
func NewSpanID() string {
	return NewTraceID()[:16]
}

type metadataKey struct{}

// ContextWithMetadata stores the correlation context on ctx
func ContextWithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the correlation context stored on ctx
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}
