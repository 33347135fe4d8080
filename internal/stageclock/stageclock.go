package stageclock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/stagegate/internal/clock"
	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/tier"
)

// ErrOffsetsOutOfOrder is returned when offsets are negative or decrease
// along the stage sequence.
var ErrOffsetsOutOfOrder = errors.New("stageclock: offsets out of order")

// Offsets holds the delay from Start at which each stage is entered, indexed
// by stage. The Initial slot is ignored.
type Offsets [tier.StageCount]time.Duration

// DefaultOffsets returns the stock schedule: critical at 0, important at
// 100ms, secondary at 200ms, background at 500ms and complete at 800ms.
func DefaultOffsets() Offsets {
	var o Offsets
	o[tier.StageCritical] = 0
	o[tier.StageImportant] = 100 * time.Millisecond
	o[tier.StageSecondary] = 200 * time.Millisecond
	o[tier.StageBackground] = 500 * time.Millisecond
	o[tier.Complete] = 800 * time.Millisecond
	return o
}

// Validate rejects negative offsets and offsets that decrease along the
// sequence.
func (o Offsets) Validate() error {
	prev := time.Duration(0)
	for _, stage := range tier.Stages()[1:] {
		d := o[stage]
		if d < 0 {
			return fmt.Errorf("%w: %s offset %s is negative", ErrOffsetsOutOfOrder, stage, d)
		}
		if d < prev {
			return fmt.Errorf("%w: %s offset %s precedes %s", ErrOffsetsOutOfOrder, stage, d, prev)
		}
		prev = d
	}
	return nil
}

// Option customizes Clock construction.
type Option func(*Clock)

// WithLogger injects a logger for transition diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Clock) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher sends a stage event for every transition.
func WithPublisher(p notify.Publisher) Option {
	return func(c *Clock) {
		if p != nil {
			c.publisher = p
		}
	}
}

// Clock is the stage sequencer. It is safe for concurrent use.
type Clock struct {
	clk       clock.Clock
	offsets   Offsets
	logger    *zap.Logger
	publisher notify.Publisher

	mu      sync.Mutex
	stage   tier.Stage
	started bool
	stopped bool
	timers  []clock.Timer
}

// New builds a stopped clock at the Initial stage. A nil clk uses real time.
func New(clk clock.Clock, offsets Offsets, opts ...Option) (*Clock, error) {
	if err := offsets.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Clock{
		clk:     clk,
		offsets: offsets,
		logger:  zap.NewNop(),
		stage:   tier.Initial,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Start schedules every stage transition. Later calls, and calls after
// Stop, do nothing.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	for _, stage := range tier.Stages()[1:] {
		target := stage
		c.timers = append(c.timers, c.clk.AfterFunc(c.offsets[target], func() {
			c.advanceTo(target)
		}))
	}
	c.logger.Debug("stage clock started", zap.Duration("complete_after", c.offsets[tier.Complete]))
}

// Stage returns the current stage.
func (c *Clock) Stage() tier.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Started reports whether Start has been called.
func (c *Clock) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Offsets returns the configured schedule.
func (c *Clock) Offsets() Offsets {
	return c.offsets
}

// Stop cancels every pending transition. The stage is frozen afterwards.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	cancelled := 0
	for _, t := range c.timers {
		if t.Stop() {
			cancelled++
		}
	}
	c.timers = nil
	c.logger.Debug("stage clock stopped",
		zap.Stringer("stage", c.stage),
		zap.Int("cancelled", cancelled))
}

func (c *Clock) advanceTo(target tier.Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || target <= c.stage {
		return
	}
	for next := c.stage + 1; next <= target; next++ {
		c.stage = next
		c.logger.Debug("stage advanced", zap.Stringer("stage", next))
		if c.publisher != nil {
			c.publisher.Publish(notify.Event{Kind: notify.KindStage, Stage: next, At: c.clk.Now()})
		}
	}
}
