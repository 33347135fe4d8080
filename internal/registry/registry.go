package registry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/clock"
	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/tier"
)

// ErrClosed is returned when registering against a registry that was torn
// down.
var ErrClosed = errors.New("registry: closed")

// CallEntry is the registry's record of one logical call.
type CallEntry struct {
	ID           string    `json:"id"`
	Tier         tier.Tier `json:"tier"`
	Dependencies []string  `json:"dependencies,omitempty"`
	// DependenciesMet is the snapshot taken at registration.
	DependenciesMet bool      `json:"dependencies_met"`
	Enabled         bool      `json:"enabled"`
	RegisteredAt    time.Time `json:"registered_at"`
	EnabledAt       time.Time `json:"enabled_at,omitempty"`
	// Delay is the initial release delay that was scheduled.
	Delay time.Duration `json:"delay"`
}

func (e CallEntry) clone() CallEntry {
	if len(e.Dependencies) > 0 {
		e.Dependencies = append([]string(nil), e.Dependencies...)
	}
	return e
}

type entry struct {
	CallEntry
	waits int
}

// Option customizes Registry construction.
type Option func(*Registry)

// WithClock overrides the real-time clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		if clk != nil {
			r.clk = clk
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPublisher sends registered and enabled events to p.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

// Registry owns the call entries of one orchestrator instance. All
// mutations, including those triggered by timers, are serialized on mu.
type Registry struct {
	cfg       Config
	clk       clock.Clock
	logger    *zap.Logger
	publisher notify.Publisher

	mu           sync.Mutex
	entries      map[string]*entry
	order        []string
	enabledOrder []string
	timers       map[string]clock.Timer
	ready        map[string]chan struct{}
	progress     float64
	closed       bool
}

// New builds an empty registry.
func New(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Mode, _ = ParseDependencyMode(string(cfg.Mode))
	r := &Registry{
		cfg:     cfg,
		clk:     clock.Real(),
		logger:  zap.NewNop(),
		entries: map[string]*entry{},
		timers:  map[string]clock.Timer{},
		ready:   map[string]chan struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Register declares a call and schedules its enablement. An invalid tier is
// a programmer error and fails fast. Empty and duplicate ids are logged and
// ignored so consumers that re-mount do not double count.
func (r *Registry) Register(id string, t tier.Tier, dependencies ...string) error {
	if !t.Valid() {
		return fmt.Errorf("registry: register %q: %w: %d", id, tier.ErrUnknownTier, int(t))
	}
	key := strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if key == "" {
		r.logger.Warn("ignoring call registration with empty id", zap.Stringer("tier", t))
		return nil
	}
	if existing, ok := r.entries[key]; ok {
		r.logger.Warn("ignoring duplicate call registration",
			zap.String("call_id", key),
			zap.Stringer("tier", t),
			zap.Stringer("registered_tier", existing.Tier),
			zap.Bool("enabled", existing.Enabled))
		return nil
	}
	deps := normalizeDependencies(dependencies)
	met := r.dependenciesMetLocked(deps)
	delay := r.cfg.Delay(t, met)
	now := r.clk.Now()
	e := &entry{CallEntry: CallEntry{
		ID:              key,
		Tier:            t,
		Dependencies:    deps,
		DependenciesMet: met,
		RegisteredAt:    now,
		Delay:           delay,
	}}
	r.entries[key] = e
	r.order = append(r.order, key)
	r.scheduleLocked(e, delay)
	r.logger.Debug("call registered",
		zap.String("call_id", key),
		zap.Stringer("tier", t),
		zap.Strings("dependencies", deps),
		zap.Bool("dependencies_met", met),
		zap.Duration("delay", delay))
	r.publishLocked(notify.Event{Kind: notify.KindRegistered, CallID: key, Tier: t, Progress: r.progress, At: now})
	return nil
}

// IsEnabled reports whether the call has been released.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(id)]
	return ok && e.Enabled
}

// Ready returns a channel that is closed once the call is enabled. Ids that
// have not been registered yet get a channel too.
func (r *Registry) Ready(id string) <-chan struct{} {
	key := strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyLocked(key)
}

// Progress returns overall progress in [0, 100].
func (r *Registry) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// UpdateProgress recomputes overall progress from the enabled set and
// returns it.
func (r *Registry) UpdateProgress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = r.computeProgressLocked()
	return r.progress
}

// StageProgress returns the share of a tier's expected calls that are
// enabled, in [0, 100]. Calls are classified by the tier they registered
// with.
func (r *Registry) StageProgress(t tier.Tier) float64 {
	if !t.Valid() {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	enabled, registered := 0, 0
	for _, e := range r.entries {
		if e.Tier != t {
			continue
		}
		registered++
		if e.Enabled {
			enabled++
		}
	}
	expected := r.cfg.ExpectedPerTier[t]
	if expected <= 0 {
		expected = registered
	}
	return percent(enabled, expected)
}

// Entry returns a copy of one call entry.
func (r *Registry) Entry(id string) (CallEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(id)]
	if !ok {
		return CallEntry{}, false
	}
	return e.CallEntry.clone(), true
}

// Entries returns copies of every entry in registration order.
func (r *Registry) Entries() []CallEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].CallEntry.clone())
	}
	return out
}

// Enabled returns enabled call ids in the order they were enabled.
func (r *Registry) Enabled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.enabledOrder...)
}

// PendingTimers reports how many release timers are outstanding.
func (r *Registry) PendingTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close cancels every pending release timer. No state changes after Close
// returns. Calling Close again does nothing.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	cancelled := 0
	for id, t := range r.timers {
		if t.Stop() {
			cancelled++
		}
		delete(r.timers, id)
	}
	r.logger.Debug("registry closed",
		zap.Int("registered", len(r.entries)),
		zap.Int("enabled", len(r.enabledOrder)),
		zap.Int("cancelled", cancelled))
}

func (r *Registry) scheduleLocked(e *entry, delay time.Duration) {
	id := e.ID
	r.timers[id] = r.clk.AfterFunc(delay, func() { r.fire(id) })
}

func (r *Registry) fire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	delete(r.timers, id)
	e, ok := r.entries[id]
	if !ok || e.Enabled {
		return
	}
	if r.cfg.Mode == ModeGated && e.waits < r.cfg.MaxDependencyWaits && !r.dependenciesMetLocked(e.Dependencies) {
		e.waits++
		r.logger.Debug("call waiting on dependencies",
			zap.String("call_id", id),
			zap.Int("wait", e.waits),
			zap.Duration("penalty", r.cfg.DependencyPenalty))
		r.scheduleLocked(e, r.cfg.DependencyPenalty)
		return
	}
	r.enableLocked(e)
}

func (r *Registry) enableLocked(e *entry) {
	now := r.clk.Now()
	e.Enabled = true
	e.EnabledAt = now
	r.enabledOrder = append(r.enabledOrder, e.ID)
	r.progress = r.computeProgressLocked()
	if ch, ok := r.ready[e.ID]; ok {
		close(ch)
	} else {
		r.ready[e.ID] = closedChannel()
	}
	r.logger.Debug("call enabled",
		zap.String("call_id", e.ID),
		zap.Stringer("tier", e.Tier),
		zap.Duration("after", now.Sub(e.RegisteredAt)),
		zap.Float64("progress", r.progress))
	r.publishLocked(notify.Event{Kind: notify.KindEnabled, CallID: e.ID, Tier: e.Tier, Progress: r.progress, At: now})
}

func (r *Registry) readyLocked(key string) chan struct{} {
	if ch, ok := r.ready[key]; ok {
		return ch
	}
	var ch chan struct{}
	if e, ok := r.entries[key]; ok && e.Enabled {
		ch = closedChannel()
	} else {
		ch = make(chan struct{})
	}
	r.ready[key] = ch
	return ch
}

func (r *Registry) dependenciesMetLocked(deps []string) bool {
	for _, dep := range deps {
		e, ok := r.entries[dep]
		if !ok || !e.Enabled {
			return false
		}
	}
	return true
}

func (r *Registry) computeProgressLocked() float64 {
	expected := r.cfg.ExpectedTotal
	if expected <= 0 {
		expected = len(r.entries)
	}
	return percent(len(r.enabledOrder), expected)
}

func (r *Registry) publishLocked(ev notify.Event) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ev)
}

func percent(n, of int) float64 {
	if of <= 0 {
		return 0
	}
	return math.Min(100, float64(n)/float64(of)*100)
}

func closedChannel() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func normalizeDependencies(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
