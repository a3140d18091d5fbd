package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/database"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/models"
)

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	db         *gorm.DB
	dispatcher Dispatcher
	registry   *domain.Registry
	observers  []Observer
	now        func() time.Time
}

// Option configures a GormEventStore
type Option func(*GormEventStore)

// WithObservers adds post-commit observers
func WithObservers(observers ...Observer) Option {
	return func(s *GormEventStore) {
		s.observers = append(s.observers, observers...)
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *GormEventStore) {
		s.now = now
	}
}

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB, dispatcher Dispatcher, registry *domain.Registry, opts ...Option) *GormEventStore {
	s := &GormEventStore{
		db:         db,
		dispatcher: dispatcher,
		registry:   registry,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver registers a post-commit observer
func (s *GormEventStore) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Append stores the event at the next stream version and dispatches it to
// its handlers inside the same transaction. Handler failures are recorded on
// the row and reported in the result; they never undo the append.
func (s *GormEventStore) Append(ctx context.Context, in domain.NewEvent) (domain.AppendResult, error) {
	if in.StreamID == "" {
		return domain.AppendResult{}, &domain.ValidationError{EventType: in.EventType, Reason: "stream id is required"}
	}
	data, err := s.registry.Validate(in.StreamType, in.EventType, in.Data)
	if err != nil {
		metrics.Get().RecordError(metrics.ErrorTypeValidation)
		return domain.AppendResult{}, err
	}

	md := in.Metadata.Complete()
	rawMetadata, err := json.Marshal(md)
	if err != nil {
		return domain.AppendResult{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	var evt domain.Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := streamVersion(tx, in.StreamID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != current {
			return fmt.Errorf("stream %s is at version %d, expected %d: %w", in.StreamID, current, *in.ExpectedVersion, domain.ErrVersionConflict)
		}

		row := models.Event{
			EventID:       uuid.New().String(),
			StreamID:      in.StreamID,
			StreamVersion: current + 1,
			StreamType:    string(in.StreamType),
			EventType:     in.EventType,
			EventData:     datatypes.JSON(data),
			EventMetadata: rawMetadata,
			CorrelationID: md.CorrelationID,
			TraceID:       md.TraceID,
			CreatedAt:     s.now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return fmt.Errorf("stream %s version %d already exists: %w", in.StreamID, row.StreamVersion, domain.ErrVersionConflict)
			}
			return fmt.Errorf("failed to save event: %w", err)
		}

		evt = toDomain(row)
		return s.process(ctx, tx, &evt)
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			metrics.Get().Inc(metrics.CounterVersionConflicts)
		}
		return domain.AppendResult{}, err
	}

	metrics.Get().Inc(metrics.CounterEventsAppended)
	log.Debug().
		Str("event_id", evt.ID).
		Str("stream_id", evt.StreamID).
		Str("stream_type", string(evt.StreamType)).
		Str("event_type", evt.Type).
		Int("stream_version", evt.StreamVersion).
		Str("correlation_id", evt.Metadata.CorrelationID).
		Msg("Event appended")

	s.notify(ctx, evt)
	return result(evt), nil
}

// process dispatches evt and records the outcome on its row
func (s *GormEventStore) process(ctx context.Context, tx *gorm.DB, evt *domain.Event) error {
	dispatchErr := s.dispatcher.Dispatch(ctx, tx, *evt)

	updates := map[string]interface{}{}
	if dispatchErr != nil {
		msg := dispatchErr.Error()
		updates["processed_at"] = nil
		updates["processing_error"] = msg
		evt.ProcessedAt = nil
		evt.ProcessingError = &msg
		metrics.Get().Inc(metrics.CounterEventsFailed)
		metrics.Get().RecordError(metrics.ErrorTypeProjection)
	} else {
		now := s.now()
		updates["processed_at"] = now
		updates["processing_error"] = nil
		evt.ProcessedAt = &now
		evt.ProcessingError = nil
	}

	if err := tx.Model(&models.Event{}).Where("event_id = ?", evt.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record processing state of event %s: %w", evt.ID, err)
	}
	return nil
}

func (s *GormEventStore) notify(ctx context.Context, evt domain.Event) {
	for _, o := range s.observers {
		if err := o.Committed(ctx, evt); err != nil {
			metrics.Get().Inc(metrics.CounterObserverFailures)
			log.Warn().
				Err(err).
				Str("observer", fmt.Sprintf("%T", o)).
				Str("event_id", evt.ID).
				Str("event_type", evt.Type).
				Msg("Post-commit observer failed")
		}
	}
}

// Get returns a single event by id
func (s *GormEventStore) Get(ctx context.Context, eventID string) (domain.Event, error) {
	var row models.Event
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error; err != nil {
		if database.IsRecordNotFound(err) {
			return domain.Event{}, fmt.Errorf("event %s: %w", eventID, domain.ErrNotFound)
		}
		return domain.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return toDomain(row), nil
}

// Version returns the current version of a stream
func (s *GormEventStore) Version(ctx context.Context, streamID string) (int, error) {
	return streamVersion(s.db.WithContext(ctx), streamID)
}

func streamVersion(db *gorm.DB, streamID string) (int, error) {
	var current int
	if err := db.Model(&models.Event{}).
		Select("COALESCE(MAX(stream_version), 0)").
		Where("stream_id = ?", streamID).
		Scan(&current).Error; err != nil {
		return 0, fmt.Errorf("failed to read version of stream %s: %w", streamID, err)
	}
	return current, nil
}

// Stream returns the events of a stream ordered by stream version
func (s *GormEventStore) Stream(ctx context.Context, streamID string) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("stream_version ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return toDomainList(rows), nil
}

// ByCorrelation returns every event sharing a correlation id ordered by creation time
func (s *GormEventStore) ByCorrelation(ctx context.Context, correlationID string) ([]domain.Event, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get events by correlation: %w", err)
	}
	return toDomainList(rows), nil
}

// ByTrace returns the events of a trace arranged by parent span
func (s *GormEventStore) ByTrace(ctx context.Context, traceID string) ([]*SpanNode, error) {
	var rows []models.Event
	if err := s.db.WithContext(ctx).
		Where("trace_id = ?", traceID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get events by trace: %w", err)
	}
	return BuildSpanTree(toDomainList(rows)), nil
}

// BuildSpanTree links events to the first earlier event owning their parent span
func BuildSpanTree(events []domain.Event) []*SpanNode {
	bySpan := make(map[string]*SpanNode, len(events))
	roots := make([]*SpanNode, 0)
	for _, evt := range events {
		node := &SpanNode{Event: evt}
		if parent, ok := bySpan[evt.Metadata.ParentSpanID]; ok && evt.Metadata.ParentSpanID != "" {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
		if _, seen := bySpan[evt.Metadata.SpanID]; !seen && evt.Metadata.SpanID != "" {
			bySpan[evt.Metadata.SpanID] = node
		}
	}
	return roots
}

// ListFailed returns events whose processing recorded an error
func (s *GormEventStore) ListFailed(ctx context.Context, limit int) ([]domain.Event, error) {
	var rows []models.Event
	q := s.db.WithContext(ctx).
		Where("processing_error IS NOT NULL").
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	return toDomainList(rows), nil
}

// Reprocess clears the processing state of an event and dispatches it again.
// The payload is never touched.
func (s *GormEventStore) Reprocess(ctx context.Context, eventID string) (domain.AppendResult, error) {
	var evt domain.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Event
		if err := tx.Where("event_id = ?", eventID).First(&row).Error; err != nil {
			if database.IsRecordNotFound(err) {
				return fmt.Errorf("event %s: %w", eventID, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to load event: %w", err)
		}
		if err := tx.Model(&models.Event{}).
			Where("event_id = ?", eventID).
			Updates(map[string]interface{}{"processed_at": nil, "processing_error": nil}).Error; err != nil {
			return fmt.Errorf("failed to clear processing state: %w", err)
		}
		evt = toDomain(row)
		evt.ProcessedAt, evt.ProcessingError = nil, nil
		return s.process(ctx, tx, &evt)
	})
	if err != nil {
		return domain.AppendResult{}, err
	}

	metrics.Get().Inc(metrics.CounterEventsReprocessed)
	log.Info().
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Bool("failed", evt.Failed()).
		Msg("Event reprocessed")

	s.notify(ctx, evt)
	return result(evt), nil
}

// ReprocessFailed reprocesses up to limit failed events in creation order
func (s *GormEventStore) ReprocessFailed(ctx context.Context, limit int) (ReprocessReport, error) {
	failed, err := s.ListFailed(ctx, limit)
	if err != nil {
		return ReprocessReport{}, err
	}

	report := ReprocessReport{Attempted: len(failed)}
	for _, evt := range failed {
		res, err := s.Reprocess(ctx, evt.ID)
		if err != nil {
			return report, err
		}
		if res.ProcessingError != nil {
			report.Failed = append(report.Failed, evt.ID)
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

func result(evt domain.Event) domain.AppendResult {
	return domain.AppendResult{
		EventID:         evt.ID,
		StreamVersion:   evt.StreamVersion,
		ProcessingError: evt.ProcessingError,
	}
}

func toDomain(row models.Event) domain.Event {
	var md domain.Metadata
	if len(row.EventMetadata) > 0 {
		if err := json.Unmarshal(row.EventMetadata, &md); err != nil {
			log.Warn().Err(err).Str("event_id", row.EventID).Msg("Unreadable event metadata")
		}
	}
	return domain.Event{
		ID:              row.EventID,
		StreamID:        row.StreamID,
		StreamType:      domain.StreamType(row.StreamType),
		StreamVersion:   row.StreamVersion,
		Type:            row.EventType,
		Data:            json.RawMessage(row.EventData),
		Metadata:        md,
		CreatedAt:       row.CreatedAt,
		ProcessedAt:     row.ProcessedAt,
		ProcessingError: row.ProcessingError,
	}
}

func toDomainList(rows []models.Event) []domain.Event {
	events := make([]domain.Event, len(rows))
	for i, row := range rows {
		events[i] = toDomain(row)
	}
	return events
}
