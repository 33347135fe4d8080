package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stagegate/internal/tier"
)

// ErrInvalidConfig is returned for configuration values the registry cannot
// honour.
var ErrInvalidConfig = errors.New("registry: invalid config")

// DependencyMode selects how unmet dependencies are treated.
type DependencyMode string

const (
	// ModeSnapshot checks dependencies once, at registration.
	ModeSnapshot DependencyMode = "snapshot"
	// ModeGated re-checks dependencies after every penalty window.
	ModeGated DependencyMode = "gated"
)

// ParseDependencyMode resolves a mode name. Empty input means snapshot.
func ParseDependencyMode(raw string) (DependencyMode, error) {
	switch DependencyMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeSnapshot:
		return ModeSnapshot, nil
	case ModeGated:
		return ModeGated, nil
	default:
		return "", fmt.Errorf("%w: dependency mode %q", ErrInvalidConfig, raw)
	}
}

// Config tunes release timing and the progress heuristics.
type Config struct {
	// Delays is the base release delay per tier.
	Delays [tier.Count]time.Duration
	// DependencyPenalty is added when dependencies are unmet.
	DependencyPenalty time.Duration
	// ExpectedTotal is the denominator for overall progress. Values <= 0
	// use the number of registered calls instead.
	ExpectedTotal int
	// ExpectedPerTier is the denominator for per-tier progress. Values <= 0
	// use the number of calls registered with that tier.
	ExpectedPerTier [tier.Count]int
	Mode            DependencyMode
	// MaxDependencyWaits bounds the extra penalty windows in gated mode.
	MaxDependencyWaits int
}

// DefaultConfig returns the stock timings: 0/50/150/400ms base delays, a
// 100ms dependency penalty, ten expected calls overall and 2/4/2/2 per tier.
func DefaultConfig() Config {
	return Config{
		Delays: [tier.Count]time.Duration{
			tier.Critical:   0,
			tier.Important:  50 * time.Millisecond,
			tier.Secondary:  150 * time.Millisecond,
			tier.Background: 400 * time.Millisecond,
		},
		DependencyPenalty:  100 * time.Millisecond,
		ExpectedTotal:      10,
		ExpectedPerTier:    [tier.Count]int{tier.Critical: 2, tier.Important: 4, tier.Secondary: 2, tier.Background: 2},
		Mode:               ModeSnapshot,
		MaxDependencyWaits: 3,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	for _, t := range tier.All() {
		if c.Delays[t] < 0 {
			return fmt.Errorf("%w: %s delay %s is negative", ErrInvalidConfig, t, c.Delays[t])
		}
	}
	if c.DependencyPenalty < 0 {
		return fmt.Errorf("%w: dependency penalty %s is negative", ErrInvalidConfig, c.DependencyPenalty)
	}
	if _, err := ParseDependencyMode(string(c.Mode)); err != nil {
		return err
	}
	if c.MaxDependencyWaits < 0 {
		return fmt.Errorf("%w: max dependency waits must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Delay returns the release delay for a tier given whether its dependencies
// were met.
func (c Config) Delay(t tier.Tier, dependenciesMet bool) time.Duration {
	d := c.Delays[t]
	if !dependenciesMet {
		d += c.DependencyPenalty
	}
	return d
}
