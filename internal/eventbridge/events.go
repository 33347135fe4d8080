package eventbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stagegate/internal/notify"
	"github.com/kingrea/stagegate/internal/orchestrator"
	"github.com/kingrea/stagegate/internal/registry"
	"github.com/kingrea/stagegate/internal/tier"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// RequestSchemaVersion is the currently supported inbound request version.
	RequestSchemaVersion = 1
)

// Backend is the orchestrator surface the bridge exposes.
type Backend interface {
	RegisterCall(id string, t tier.Tier, dependencies ...string) error
	IsCallEnabled(id string) bool
	Entry(id string) (registry.CallEntry, bool)
	Snapshot() orchestrator.Snapshot
	Subscribe() notify.Subscription
}

// RegisterRequest asks the orchestrator to schedule one call.
type RegisterRequest struct {
	Version   int      `json:"version"`
	ID        string   `json:"id"`
	Tier      string   `json:"tier"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
func (r *RegisterRequest) Normalize() {
	if r == nil {
		return
	}
	if r.Version == 0 {
		r.Version = RequestSchemaVersion
	}
	r.ID = strings.TrimSpace(r.ID)
	r.Tier = strings.ToLower(strings.TrimSpace(r.Tier))
	deps := r.DependsOn[:0]
	for _, dep := range r.DependsOn {
		if dep = strings.TrimSpace(dep); dep != "" {
			deps = append(deps, dep)
		}
	}
	r.DependsOn = deps
}

// Validate enforces baseline schema requirements and resolves the tier.
func (r RegisterRequest) Validate() (tier.Tier, error) {
	if r.Version != RequestSchemaVersion {
		return 0, fmt.Errorf("version %d not supported", r.Version)
	}
	if r.ID == "" {
		return 0, errors.New("id is required")
	}
	if r.Tier == "" {
		return 0, errors.New("tier is required")
	}
	return tier.Parse(r.Tier)
}

type healthResponse struct {
	Status   string     `json:"status"`
	Version  string     `json:"version"`
	Run      string     `json:"run"`
	Stage    tier.Stage `json:"stage"`
	Progress float64    `json:"progress"`
}

type registerResponse struct {
	Status     string    `json:"status"`
	ID         string    `json:"id"`
	Enabled    bool      `json:"enabled"`
	ServerTime time.Time `json:"server_time"`
}

type callResponse struct {
	ID      string              `json:"id"`
	Enabled bool                `json:"enabled"`
	Entry   *registry.CallEntry `json:"entry,omitempty"`
}
