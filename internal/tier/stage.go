package tier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStage is returned when a stage name does not match the sequence.
var ErrUnknownStage = errors.New("tier: unknown stage")

// Stage is a point in the fixed global timing sequence. Stages only ever move
// forward.
type Stage int

const (
	Initial Stage = iota
	StageCritical
	StageImportant
	StageSecondary
	StageBackground
	Complete
)

// StageCount is the number of stages in the sequence, Initial and Complete
// included.
const StageCount = 6

var stageNames = [StageCount]string{"initial", "critical", "important", "secondary", "background", "complete"}

// Stages returns the whole sequence in order.
func Stages() []Stage {
	return []Stage{Initial, StageCritical, StageImportant, StageSecondary, StageBackground, Complete}
}

// Valid reports whether s is part of the sequence.
func (s Stage) Valid() bool {
	return s >= Initial && s <= Complete
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Past reports whether the stage has advanced beyond the tier's own stage.
func (s Stage) Past(t Tier) bool {
	if !t.Valid() {
		return false
	}
	return s > t.Stage()
}

// Tier returns the tier a stage belongs to. Initial and Complete have none.
func (s Stage) Tier() (Tier, bool) {
	if s <= Initial || s >= Complete {
		return 0, false
	}
	return Tier(int(s) - 1), true
}

// ParseStage resolves a stage name.
func ParseStage(raw string) (Stage, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, candidate := range stageNames {
		if candidate == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
