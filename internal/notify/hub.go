package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/tier"
)

const (
	defaultSubscriberCapacity = 64
	defaultBacklogLimit       = 32
)

// Kind classifies an event.
type Kind string

const (
	KindRegistered Kind = "registered"
	KindEnabled    Kind = "enabled"
	KindStage      Kind = "stage"
	KindClosed     Kind = "closed"
)

// Event is one observable state change. Seq is assigned by the hub and
// strictly increases per hub.
type Event struct {
	Seq      uint64     `json:"seq"`
	Kind     Kind       `json:"kind"`
	CallID   string     `json:"call_id,omitempty"`
	Tier     tier.Tier  `json:"tier"`
	Stage    tier.Stage `json:"stage"`
	Progress float64    `json:"progress"`
	At       time.Time  `json:"at"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Option customizes Hub construction.
type Option func(*Hub)

// WithLogger injects a logger for drop diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) Option {
	return func(h *Hub) {
		if capacity > 0 {
			h.capacity = capacity
		}
	}
}

// WithBacklogLimit overrides how many recent events are replayed to new
// subscribers. Zero disables replay.
func WithBacklogLimit(limit int) Option {
	return func(h *Hub) {
		if limit >= 0 {
			h.backlogLimit = limit
		}
	}
}

// Hub delivers events to every live subscription.
type Hub struct {
	mu           sync.Mutex
	subscribers  map[*subscriber]struct{}
	backlog      []Event
	backlogLimit int
	capacity     int
	seq          uint64
	closed       bool
	logger       *zap.Logger
}

// Subscription is a live event feed. Events is closed when the hub closes or
// the subscription is cancelled.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewHub constructs a hub with default buffering.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subscribers:  map[*subscriber]struct{}{},
		backlogLimit: defaultBacklogLimit,
		capacity:     defaultSubscriberCapacity,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers a new subscriber and replays the backlog into it. A
// subscription taken after Close receives nothing but a closed channel.
func (h *Hub) Subscribe() Subscription {
	sub := newSubscriber(h.capacity, h.logger)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return Subscription{Events: sub.channel()}
	}
	h.subscribers[sub] = struct{}{}
	for _, event := range h.backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() { h.remove(sub) },
	}
}

// Publish stamps the event with the next sequence number and delivers it.
// Events published after Close are discarded.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.publishLocked(event)
}

// Close publishes a terminal closed event and closes every subscriber
// channel. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.publishLocked(Event{Kind: KindClosed, At: time.Now()})
	h.closed = true
	for sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, sub)
	}
	h.backlog = nil
}

// Subscribers reports how many subscriptions are live.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) publishLocked(event Event) {
	h.seq++
	event.Seq = h.seq
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if h.backlogLimit > 0 {
		if len(h.backlog) >= h.backlogLimit {
			h.backlog = h.backlog[1:]
		}
		h.backlog = append(h.backlog, event)
	}
	for sub := range h.subscribers {
		sub.deliver(event)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
	sub.close()
}

type subscriber struct {
	ch     chan Event
	logger *zap.Logger
	closed bool
}

// subscriber state is guarded by the owning hub's mutex.
func newSubscriber(capacity int, logger *zap.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) deliver(event Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	select {
	case oldest := <-s.ch:
		if oldest.Kind == KindClosed {
			s.ch <- oldest
			s.logDrop(event)
			return
		}
		s.logDrop(oldest)
	default:
	}
	select {
	case s.ch <- event:
	default:
		s.logDrop(event)
	}
}

func (s *subscriber) logDrop(event Event) {
	s.logger.Debug("notify: dropped event on full subscriber",
		zap.Uint64("seq", event.Seq),
		zap.String("kind", string(event.Kind)),
		zap.String("call_id", event.CallID))
}

func (s *subscriber) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
