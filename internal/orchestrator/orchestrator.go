package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/clock"
	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/registry"
	"github.com/kingrea/stagegate/internal/stageclock"
	"github.com/kingrea/stagegate/internal/tier"
)

// ErrClosed is returned by blocking calls once the orchestrator is torn
// down.
var ErrClosed = errors.New("orchestrator: closed")

// Config combines the stage schedule with the registry timings.
type Config struct {
	Offsets  stageclock.Offsets
	Registry registry.Config
}

// DefaultConfig returns the stock stage offsets and registry timings.
func DefaultConfig() Config {
	return Config{
		Offsets:  stageclock.DefaultOffsets(),
		Registry: registry.DefaultConfig(),
	}
}

// Option customizes Orchestrator construction.
type Option func(*options)

type options struct {
	clk           clock.Clock
	logger        *zap.Logger
	id            string
	subscriberCap int
	backlog       int
}

// WithClock overrides the real-time clock for both the stage clock and the
// registry.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clk = clk
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithID overrides the generated instance id.
func WithID(id string) Option {
	return func(o *options) {
		if id = strings.TrimSpace(id); id != "" {
			o.id = id
		}
	}
}

// WithSubscriberCapacity sets the per-subscriber buffer of the event hub.
func WithSubscriberCapacity(capacity int) Option {
	return func(o *options) {
		o.subscriberCap = capacity
	}
}

// WithBacklog sets how many recent events late subscribers receive.
func WithBacklog(limit int) Option {
	return func(o *options) {
		o.backlog = limit
	}
}

// Orchestrator owns one view's stage clock, registry and event hub. No
// state is shared between instances.
type Orchestrator struct {
	id       string
	logger   *zap.Logger
	hub      *notify.Hub
	stages   *stageclock.Clock
	registry *registry.Registry

	closeOnce sync.Once
	done      chan struct{}
}

// New wires a fresh orchestrator. The stage clock does not run until Start.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	o := options{clk: clock.Real(), logger: zap.NewNop(), backlog: -1}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	logger := o.logger.With(zap.String("orchestrator", o.id))
	hubOpts := []notify.Option{notify.WithLogger(logger), notify.WithSubscriberCapacity(o.subscriberCap)}
	if o.backlog >= 0 {
		hubOpts = append(hubOpts, notify.WithBacklogLimit(o.backlog))
	}
	hub := notify.NewHub(hubOpts...)
	stages, err := stageclock.New(o.clk, cfg.Offsets,
		stageclock.WithLogger(logger),
		stageclock.WithPublisher(hub))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	reg, err := registry.New(cfg.Registry,
		registry.WithClock(o.clk),
		registry.WithLogger(logger),
		registry.WithPublisher(stagePublisher{hub: hub, stages: stages}))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return &Orchestrator{
		id:       o.id,
		logger:   logger,
		hub:      hub,
		stages:   stages,
		registry: reg,
		done:     make(chan struct{}),
	}, nil
}

// ID returns the instance id.
func (o *Orchestrator) ID() string { return o.id }

// Start begins the stage sequence. It is idempotent.
func (o *Orchestrator) Start() {
	o.stages.Start()
}

// RegisterCall declares a call for release. See registry.Registry.Register.
func (o *Orchestrator) RegisterCall(id string, t tier.Tier, dependencies ...string) error {
	err := o.registry.Register(id, t, dependencies...)
	if errors.Is(err, registry.ErrClosed) {
		return ErrClosed
	}
	return err
}

// IsCallEnabled reports whether the call has been released.
func (o *Orchestrator) IsCallEnabled(id string) bool {
	return o.registry.IsEnabled(id)
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() tier.Stage {
	return o.stages.Stage()
}

// Progress returns overall progress in [0, 100].
func (o *Orchestrator) Progress() float64 {
	return o.registry.Progress()
}

// UpdateProgress forces a progress recomputation.
func (o *Orchestrator) UpdateProgress() float64 {
	return o.registry.UpdateProgress()
}

// StageProgress returns a tier's progress in [0, 100].
func (o *Orchestrator) StageProgress(t tier.Tier) float64 {
	return o.registry.StageProgress(t)
}

// IsStageComplete reports whether every expected call of the tier is
// enabled or the stage clock already moved past the tier.
func (o *Orchestrator) IsStageComplete(t tier.Tier) bool {
	if !t.Valid() {
		return false
	}
	return o.registry.StageProgress(t) >= 100 || o.stages.Stage().Past(t)
}

// Entry returns one registered call.
func (o *Orchestrator) Entry(id string) (registry.CallEntry, bool) {
	return o.registry.Entry(id)
}

// Entries returns the registered calls in registration order.
func (o *Orchestrator) Entries() []registry.CallEntry {
	return o.registry.Entries()
}

// TierStatus summarizes one tier for Snapshot.
type TierStatus struct {
	Tier     tier.Tier `json:"tier"`
	Progress float64   `json:"progress"`
	Complete bool      `json:"complete"`
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	ID       string               `json:"id"`
	Stage    tier.Stage           `json:"stage"`
	Progress float64              `json:"progress"`
	Tiers    []TierStatus         `json:"tiers"`
	Calls    []registry.CallEntry `json:"calls"`
	Closed   bool                 `json:"closed"`
}

// Snapshot collects stage, progress and call state in one read. Fields are
// read independently, so a snapshot taken mid-transition may mix adjacent
// states.
func (o *Orchestrator) Snapshot() Snapshot {
	snap := Snapshot{
		ID:       o.id,
		Stage:    o.stages.Stage(),
		Progress: o.registry.Progress(),
		Calls:    o.registry.Entries(),
		Closed:   o.registry.Closed(),
	}
	for _, t := range tier.All() {
		snap.Tiers = append(snap.Tiers, TierStatus{
			Tier:     t,
			Progress: o.registry.StageProgress(t),
			Complete: o.IsStageComplete(t),
		})
	}
	return snap
}

// Subscribe returns a feed of registration, enablement and stage events.
func (o *Orchestrator) Subscribe() notify.Subscription {
	return o.hub.Subscribe()
}

// WaitEnabled blocks until the call is enabled, ctx is done, or the
// orchestrator is closed.
func (o *Orchestrator) WaitEnabled(ctx context.Context, id string) error {
	ready := o.registry.Ready(id)
	select {
	case <-ready:
		return nil
	default:
	}
	select {
	case <-ready:
		return nil
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Close has run.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Close cancels every pending stage and release timer and closes all
// subscriptions. State is frozen afterwards.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.stages.Stop()
		o.registry.Close()
		o.hub.Close()
		close(o.done)
		o.logger.Info("orchestrator closed",
			zap.Stringer("stage", o.stages.Stage()),
			zap.Float64("progress", o.registry.Progress()))
	})
}

// stagePublisher stamps registry events with the current stage before they
// reach the hub.
type stagePublisher struct {
	hub    *notify.Hub
	stages *stageclock.Clock
}

func (p stagePublisher) Publish(ev notify.Event) {
	ev.Stage = p.stages.Stage()
	p.hub.Publish(ev)
}
