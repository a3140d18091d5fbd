package eventstore

import (
	"context"

	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
)

// EventStore is the append-only event log and its read side
type EventStore interface {
	// Append validates, stores and dispatches one event.
	Append(ctx context.Context, in domain.NewEvent) (domain.AppendResult, error)

	// Get returns a single event by id.
	Get(ctx context.Context, eventID string) (domain.Event, error)

	// Version returns the current version of a stream, 0 when it has no events.
	Version(ctx context.Context, streamID string) (int, error)

	// Stream returns the events of a stream ordered by stream version.
	Stream(ctx context.Context, streamID string) ([]domain.Event, error)

	// ByCorrelation returns every event of one business operation ordered by creation time.
	ByCorrelation(ctx context.Context, correlationID string) ([]domain.Event, error)

	// ByTrace reconstructs the span tree of a trace.
	ByTrace(ctx context.Context, traceID string) ([]*SpanNode, error)

	// ListFailed returns events whose processing recorded an error.
	ListFailed(ctx context.Context, limit int) ([]domain.Event, error)

	// Reprocess clears the processing state of an event and dispatches it again.
	Reprocess(ctx context.Context, eventID string) (domain.AppendResult, error)

	// ReprocessFailed reprocesses up to limit failed events.
	ReprocessFailed(ctx context.Context, limit int) (ReprocessReport, error)
}

// Dispatcher routes a stored event to its projection handlers
type Dispatcher interface {
	Dispatch(ctx context.Context, tx *gorm.DB, evt domain.Event) error
}

// Observer is notified after an event's transaction committed. Observers are
// best effort: their errors are logged and never reach the appender.
type Observer interface {
	Committed(ctx context.Context, evt domain.Event) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, evt domain.Event) error

// Committed calls f
func (f ObserverFunc) Committed(ctx context.Context, evt domain.Event) error {
	return f(ctx, evt)
}

// SpanNode is one event in a reconstructed causation tree
type SpanNode struct {
	Event    domain.Event `json:"event"`
	Children []*SpanNode  `json:"children,omitempty"`
}

// ReprocessReport summarises a bulk reprocess run
type ReprocessReport struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed,omitempty"`
}
