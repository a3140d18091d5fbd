package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

const appendRetries = 5

// Run is the execution context handed to steps. It appends through the event
// store and keeps the workflow stream's history current.
type Run struct {
	store      eventstore.EventStore
	instance   *Instance
	streamType domain.StreamType
	streamID   string
	md         domain.Metadata

	mu        sync.Mutex
	history   []domain.Event
	causation string
	signals   map[string][]interface{}
	wake      chan struct{}
}

func newRun(store eventstore.EventStore, inst *Instance, streamType domain.StreamType, streamID string, md domain.Metadata, history []domain.Event) *Run {
	causation := md.CausationID
	if n := len(history); n > 0 {
		causation = history[n-1].ID
	}
	return &Run{
		store:      store,
		instance:   inst,
		streamType: streamType,
		streamID:   streamID,
		md:         md,
		history:    history,
		causation:  causation,
		signals:    make(map[string][]interface{}),
		wake:       make(chan struct{}, 1),
	}
}

// ID returns the workflow instance id
func (r *Run) ID() string {
	return r.instance.id
}

// StreamID returns the id of the workflow's stream
func (r *Run) StreamID() string {
	return r.streamID
}

// Metadata returns the correlation context of the run
func (r *Run) Metadata() domain.Metadata {
	return r.md
}

// History returns the events of the workflow's stream seen so far
func (r *Run) History() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.history...)
}

// Emit appends an event to the workflow's own stream
func (r *Run) Emit(ctx context.Context, eventType string, data interface{}) (domain.AppendResult, error) {
	return r.Append(ctx, domain.NewEvent{
		StreamID:   r.streamID,
		StreamType: r.streamType,
		EventType:  eventType,
		Data:       data,
	})
}

// Append appends an event caused by the run. Version conflicts are retried;
// a recorded processing error is returned as *domain.ProcessingFailedError.
func (r *Run) Append(ctx context.Context, in domain.NewEvent) (domain.AppendResult, error) {
	r.mu.Lock()
	if in.Metadata.CorrelationID == "" {
		in.Metadata = r.md.Child(r.causation)
	}
	r.mu.Unlock()

	res, err := eventstore.AppendWithRetry(ctx, r.store, in, appendRetries)
	if err != nil {
		return res, err
	}

	r.mu.Lock()
	r.causation = res.EventID
	r.mu.Unlock()

	if in.StreamID == r.streamID {
		evt, err := r.store.Get(ctx, res.EventID)
		if err != nil {
			return res, err
		}
		r.mu.Lock()
		r.history = append(r.history, evt)
		r.mu.Unlock()
	}

	if res.ProcessingError != nil {
		metrics.Get().Inc(metrics.CounterReadBackFailures)
		return res, &domain.ProcessingFailedError{EventID: res.EventID, EventType: in.EventType, Detail: *res.ProcessingError}
	}
	return res, nil
}

func (r *Run) deliver(name string, payload interface{}) {
	r.mu.Lock()
	r.signals[name] = append(r.signals[name], payload)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Run) take(name string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.signals[name]
	if len(queued) == 0 {
		return nil, false
	}
	r.signals[name] = queued[1:]
	return queued[0], true
}

// AwaitSignal waits up to timeout for the named signal. It reports false when
// the timeout elapsed without one.
func (r *Run) AwaitSignal(ctx context.Context, name string, timeout time.Duration) (interface{}, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if payload, ok := r.take(name); ok {
			return payload, true, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case <-r.wake:
		}
	}
}

// Has reports whether the history holds a successfully processed event of eventType
func Has(history []domain.Event, eventType string) bool {
	_, ok := Last(history, eventType)
	return ok
}

// Last returns the latest successfully processed event of eventType
func Last(history []domain.Event, eventType string) (domain.Event, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == eventType && !history[i].Failed() {
			return history[i], true
		}
	}
	return domain.Event{}, false
}
