package plan

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/stagegate/internal/tier"
)

// ErrCycle is returned when declared calls depend on each other in a loop.
var ErrCycle = errors.New("plan: dependency cycle")

// Registrar is the subset of the orchestrator a plan needs.
type Registrar interface {
	RegisterCall(id string, t tier.Tier, dependencies ...string) error
}

// CallRef declares one call inside a plan.
type CallRef struct {
	ID          string   `json:"id" yaml:"id"`
	Tier        string   `json:"tier" yaml:"tier"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Clone returns a deep copy of the reference.
func (ref CallRef) Clone() CallRef {
	clone := ref
	if len(ref.DependsOn) > 0 {
		clone.DependsOn = append([]string(nil), ref.DependsOn...)
	}
	return clone
}

// ParsedTier resolves the tier name.
func (ref CallRef) ParsedTier() (tier.Tier, error) {
	return tier.Parse(ref.Tier)
}

// Plan is a named set of calls.
type Plan struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Calls       []CallRef `json:"calls" yaml:"calls"`
}

// Load reads and validates a YAML plan file.
func Load(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a YAML plan.
func Parse(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("plan: parse: %w", err)
	}
	p = p.normalized()
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (p Plan) normalized() Plan {
	p.ID = strings.TrimSpace(p.ID)
	calls := make([]CallRef, 0, len(p.Calls))
	for _, ref := range p.Calls {
		ref = ref.Clone()
		ref.ID = strings.TrimSpace(ref.ID)
		ref.Tier = strings.TrimSpace(ref.Tier)
		deps := ref.DependsOn[:0]
		for _, dep := range ref.DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		ref.DependsOn = deps
		calls = append(calls, ref)
	}
	p.Calls = calls
	return p
}

// Validate ensures the plan is self-consistent. Dependencies on calls that
// the plan does not declare are allowed; see Unresolved.
func (p Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan: id is required")
	}
	if len(p.Calls) == 0 {
		return fmt.Errorf("plan %s: at least one call is required", p.ID)
	}
	seen := map[string]struct{}{}
	for idx, ref := range p.Calls {
		if ref.ID == "" {
			return fmt.Errorf("plan %s call[%d]: id is required", p.ID, idx)
		}
		if _, ok := seen[ref.ID]; ok {
			return fmt.Errorf("plan %s: duplicate call id %s", p.ID, ref.ID)
		}
		seen[ref.ID] = struct{}{}
		if _, err := ref.ParsedTier(); err != nil {
			return fmt.Errorf("plan %s call %s: %w", p.ID, ref.ID, err)
		}
	}
	if _, err := p.Order(); err != nil {
		return err
	}
	return nil
}

// Unresolved maps call ids to the dependencies they name that the plan does
// not declare. Such calls still release, after the dependency penalty.
func (p Plan) Unresolved() map[string][]string {
	declared := make(map[string]struct{}, len(p.Calls))
	for _, ref := range p.Calls {
		declared[ref.ID] = struct{}{}
	}
	out := map[string][]string{}
	for _, ref := range p.Calls {
		for _, dep := range ref.DependsOn {
			if _, ok := declared[dep]; !ok {
				out[ref.ID] = append(out[ref.ID], dep)
			}
		}
	}
	return out
}

// Order returns the calls with every declared dependency ahead of its
// dependents. Among calls free to go next, lower tiers come first and ties
// keep declaration order.
func (p Plan) Order() ([]CallRef, error) {
	index := make(map[string]int, len(p.Calls))
	for i, ref := range p.Calls {
		index[ref.ID] = i
	}
	roots := make([]int, len(p.Calls))
	for i := range roots {
		roots[i] = i
	}
	sort.SliceStable(roots, func(a, b int) bool {
		return p.rank(roots[a]) < p.rank(roots[b])
	})

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(p.Calls))
	ordered := make([]CallRef, 0, len(p.Calls))
	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		ref := p.Calls[i]
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, ref.ID), " -> "))
		}
		state[i] = visiting
		path = append(path, ref.ID)
		deps := make([]int, 0, len(ref.DependsOn))
		for _, dep := range ref.DependsOn {
			if j, ok := index[dep]; ok {
				deps = append(deps, j)
			}
		}
		sort.SliceStable(deps, func(a, b int) bool { return p.rank(deps[a]) < p.rank(deps[b]) })
		for _, j := range deps {
			if err := visit(j, path); err != nil {
				return err
			}
		}
		state[i] = done
		ordered = append(ordered, ref.Clone())
		return nil
	}
	for _, i := range roots {
		if err := visit(i, nil); err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	return ordered, nil
}

// Apply registers every call on r in Order. Registration stops at the first
// error.
func (p Plan) Apply(r Registrar) error {
	if r == nil {
		return fmt.Errorf("plan: registrar is required")
	}
	ordered, err := p.Order()
	if err != nil {
		return err
	}
	for _, ref := range ordered {
		t, err := ref.ParsedTier()
		if err != nil {
			return fmt.Errorf("plan %s call %s: %w", p.ID, ref.ID, err)
		}
		if err := r.RegisterCall(ref.ID, t, ref.DependsOn...); err != nil {
			return fmt.Errorf("plan %s call %s: %w", p.ID, ref.ID, err)
		}
	}
	return nil
}

// rank orders by tier, unknown tiers last.
func (p Plan) rank(i int) int {
	t, err := p.Calls[i].ParsedTier()
	if err != nil {
		return tier.Count
	}
	return int(t)
}
