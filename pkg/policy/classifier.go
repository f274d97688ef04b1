package policy

import "github.com/opsgate/opsgate/pkg/core"

// Classify returns the risk level for a task under the given policy state.
// Pure and deterministic for identical (signature, version) pairs.
// Unknown signatures default to high: unclassified operations require
// approval.
func Classify(task *core.Task, state *State) core.RiskLevel {
	sig := core.Signature(task)
	if sig == "" || state == nil {
		return core.RiskHigh
	}
	if level, ok := state.RiskThresholds[sig]; ok {
		return level
	}
	// Fall back to a target-wide rule before failing safe.
	if level, ok := state.RiskThresholds[task.Target+":*"]; ok {
		return level
	}
	return core.RiskHigh
}
