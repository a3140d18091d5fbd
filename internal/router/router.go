package router

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
)

// Handler folds one event into projection state using the caller's transaction
type Handler interface {
	Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, tx *gorm.DB, evt domain.Event) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	return f(ctx, tx, evt)
}

type registration struct {
	name    string
	pattern string
	handler Handler
}

// Router dispatches events to handlers registered by stream type and by event type pattern
type Router struct {
	mu       sync.RWMutex
	byStream map[domain.StreamType][]registration
	patterns []registration
}

// New creates an empty router
func New() *Router {
	return &Router{byStream: make(map[domain.StreamType][]registration)}
}

// Register adds a handler for every event of a stream type
func (r *Router) Register(streamType domain.StreamType, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStream[streamType] = append(r.byStream[streamType], registration{name: name, handler: h})
}

// RegisterPattern adds a handler for event types matching a glob such as "*.linked"
func (r *Router) RegisterPattern(pattern, name string, h Handler) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid event type pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, registration{name: name, pattern: pattern, handler: h})
	return nil
}

// Names returns the handlers that would receive evt, in dispatch order
func (r *Router) Names(evt domain.Event) []string {
	regs := r.resolve(evt)
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.name
	}
	return names
}

func (r *Router) resolve(evt domain.Event) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]registration, 0, len(r.byStream[evt.StreamType])+len(r.patterns))
	regs = append(regs, r.byStream[evt.StreamType]...)
	for _, reg := range r.patterns {
		if ok, _ := path.Match(reg.pattern, evt.Type); ok {
			regs = append(regs, reg)
		}
	}
	return regs
}

// Dispatch runs every matching handler in order. Each handler gets its own
// savepoint so a failing handler leaves neither partial writes nor a broken
// outer transaction. The returned error joins every handler failure.
func (r *Router) Dispatch(ctx context.Context, tx *gorm.DB, evt domain.Event) error {
	var errs []error
	for _, reg := range r.resolve(evt) {
		if err := run(ctx, tx, reg, evt); err != nil {
			log.Error().
				Err(err).
				Str("handler", reg.name).
				Str("event_id", evt.ID).
				Str("stream_id", evt.StreamID).
				Str("event_type", evt.Type).
				Msg("Projection handler failed")
			errs = append(errs, &domain.ProjectionHandlerError{Handler: reg.name, EventID: evt.ID, Err: err})
		}
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, tx *gorm.DB, reg registration, evt domain.Event) error {
	return tx.Transaction(func(sp *gorm.DB) (err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("handler", reg.name).Bytes("stack", debug.Stack()).Msg("Projection handler panicked")
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return reg.handler.Handle(ctx, sp, evt)
	})
}
