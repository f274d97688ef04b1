// Package policy holds the versioned routing policy: risk thresholds and
// tier assignments per task signature class, plus the pure classifier and
// tier selector functions that read them.
package policy

import (
	"time"

	"github.com/opsgate/opsgate/pkg/core"
)

// State is an immutable snapshot of routing policy. The learning cycle is
// the sole writer and always publishes a new version; readers share snapshots
// without locks.
type State struct {
	Version         int64                     `json:"version"`
	RiskThresholds  map[string]core.RiskLevel `json:"risk_thresholds"`
	TierAssignments map[string]core.Tier      `json:"tier_assignments"`
	DerivedAt       time.Time                 `json:"derived_at"`
}

// NewState creates a version-1 state with the given mappings.
func NewState(risks map[string]core.RiskLevel, tiers map[string]core.Tier) *State {
	if risks == nil {
		risks = make(map[string]core.RiskLevel)
	}
	if tiers == nil {
		tiers = make(map[string]core.Tier)
	}
	return &State{
		Version:         1,
		RiskThresholds:  risks,
		TierAssignments: tiers,
		DerivedAt:       time.Now().UTC(),
	}
}

// Next returns a copy-on-write successor of s with version+1. Mutating the
// returned maps never affects s.
func (s *State) Next() *State {
	risks := make(map[string]core.RiskLevel, len(s.RiskThresholds))
	for k, v := range s.RiskThresholds {
		risks[k] = v
	}
	tiers := make(map[string]core.Tier, len(s.TierAssignments))
	for k, v := range s.TierAssignments {
		tiers[k] = v
	}
	return &State{
		Version:         s.Version + 1,
		RiskThresholds:  risks,
		TierAssignments: tiers,
		DerivedAt:       time.Now().UTC(),
	}
}
