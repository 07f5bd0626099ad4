// Package publish broadcasts store snapshots to subscribers.
package publish

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// TypeStateUpdate is the envelope type of every snapshot message.
const TypeStateUpdate = "state_update"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Envelope is the wire form of a snapshot message.
type Envelope struct {
	Type    string         `json:"type"`
	Payload state.Snapshot `json:"payload"`
}

// NewEnvelope wraps a snapshot for sending.
func NewEnvelope(s state.Snapshot) Envelope {
	return Envelope{Type: TypeStateUpdate, Payload: s}
}

// Publisher fans snapshots out to subscribers. Snapshots are deep copies
// and are shared read-only between subscribers.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]chan state.Snapshot // subscriber ID -> channel
	latest      state.Snapshot
	hasLatest   bool
	buffer      int
	closed      bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithLogger sets the publisher's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger.With().Str("component", "publisher").Logger()
	}
}

// WithMetrics records subscriber counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a Publisher with no subscribers.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		subscribers: make(map[string]chan state.Snapshot),
		buffer:      DefaultBuffer,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a subscriber. The channel receives the latest
// snapshot immediately, if one was published, then every later one. It is
// closed when the subscriber is cancelled, dropped for falling behind, or
// the publisher is closed.
func (p *Publisher) Subscribe() (id string, snapshots <-chan state.Snapshot, cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id = uuid.NewString()
	ch := make(chan state.Snapshot, p.buffer)
	if p.closed {
		close(ch)
		return id, ch, func() {}
	}
	if p.hasLatest {
		ch <- p.latest
	}
	p.subscribers[id] = ch
	p.metrics.SetSubscribers(len(p.subscribers))

	return id, ch, func() { p.unsubscribe(id) }
}

func (p *Publisher) unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
		p.metrics.SetSubscribers(len(p.subscribers))
	}
}

// Publish sends s to every subscriber without blocking. A subscriber whose
// buffer is full is dropped.
func (p *Publisher) Publish(s state.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.latest = s
	p.hasLatest = true

	for id, ch := range p.subscribers {
		select {
		case ch <- s:
		default:
			close(ch)
			delete(p.subscribers, id)
			p.metrics.RecordDroppedSubscriber()
			p.logger.Warn().Str("subscriber", id).Msg("dropping slow subscriber")
		}
	}
	p.metrics.SetSubscribers(len(p.subscribers))
	p.metrics.SetLive(len(s.Projects), s.AgentCount())
}

// Latest returns the most recently published snapshot.
func (p *Publisher) Latest() (state.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.hasLatest
}

// SubscriberCount returns the current number of subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	p.metrics.SetSubscribers(0)
}
