package tier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTier is returned when a tier name or value is outside the
// supported set.
var ErrUnknownTier = errors.New("tier: unknown tier")

// Tier is the priority class of a call. Lower values release sooner.
type Tier int

const (
	Critical Tier = iota
	Important
	Secondary
	Background
)

// Count is the number of valid tiers.
const Count = 4

var tierNames = [Count]string{"critical", "important", "secondary", "background"}

// All returns every tier in release order.
func All() []Tier {
	return []Tier{Critical, Important, Secondary, Background}
}

// Valid reports whether t is one of the four supported tiers.
func (t Tier) Valid() bool {
	return t >= Critical && t <= Background
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Stage returns the stage that corresponds to the tier.
func (t Tier) Stage() Stage {
	if !t.Valid() {
		return Initial
	}
	return Stage(int(t) + 1)
}

// Parse resolves a tier name. Matching is case-insensitive and ignores
// surrounding whitespace.
func Parse(raw string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, candidate := range tierNames {
		if candidate == name {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, raw)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
