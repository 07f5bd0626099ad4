// Package engine serializes every store mutation through one goroutine.
//
// The event ingestor, discovery poller and stale reaper all submit
// mutations here. After each mutation the engine re-derives the status of
// the projects it touched and, if anything changed, publishes a snapshot.
// Snapshots are only taken between mutations, so subscribers never see a
// partial update.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// ErrStopped is returned by Apply once Run has returned.
var ErrStopped = errors.New("engine stopped")

// DefaultQueueSize is the capacity of the mutation queue.
const DefaultQueueSize = 256

// Publisher receives a snapshot after every change.
type Publisher interface {
	Publish(state.Snapshot)
}

type request struct {
	producer string
	fn       state.Mutation
	done     chan error
}

// Engine is the single writer of a state.Store.
type Engine struct {
	store     *state.Store
	publisher Publisher
	queue     chan request
	stopped   chan struct{}

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "engine").Logger()
	}
}

// WithMetrics records mutation counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithQueueSize sets the mutation queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queue = make(chan request, n)
		}
	}
}

// New creates an Engine owning store. publisher may be nil.
func New(store *state.Store, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		publisher: publisher,
		queue:     make(chan request, DefaultQueueSize),
		stopped:   make(chan struct{}),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the owned store. Callers may read from it but must submit
// writes through Apply.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Apply queues fn and waits until it has run. Mutations run in the order
// they were queued. If ctx ends first, fn may still run later.
func (e *Engine) Apply(ctx context.Context, producer string, fn state.Mutation) error {
	req := request{producer: producer, fn: fn, done: make(chan error, 1)}

	select {
	case e.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// Run applies queued mutations until ctx is cancelled. It publishes the
// initial snapshot before taking the first mutation.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	e.publish()
	version := e.store.Version()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.queue:
			err := e.apply(req)
			if v := e.store.Version(); v != version {
				version = v
				e.publish()
			}
			req.done <- err
		}
	}
}

func (e *Engine) apply(req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutation %s panicked: %v", req.producer, r)
			e.logger.Error().Str("producer", req.producer).Interface("panic", r).Msg("mutation panicked")
			e.metrics.RecordMutation(req.producer, "panic")
		}
	}()

	touched := req.fn(e.store)
	for _, id := range touched {
		e.store.DeriveStatus(id)
	}
	e.metrics.RecordMutation(req.producer, "ok")
	return nil
}

func (e *Engine) publish() {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(e.store.Snapshot())
}
