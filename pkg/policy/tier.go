package policy

import "github.com/opsgate/opsgate/pkg/core"

// Complexity thresholds for the heuristic fallback. Objective length and
// context size are cheap proxies for how capable a worker the task needs.
const (
	longObjective = 120
	largeContext  = 8
)

// SelectTier returns the execution cost tier for a task under the given
// policy state. The assignment is advisory: dispatch may escalate on
// specific failure classes but never downgrades mid-task.
func SelectTier(task *core.Task, state *State) core.Tier {
	sig := core.Signature(task)
	if state != nil {
		if tier, ok := state.TierAssignments[sig]; ok {
			return tier
		}
		if tier, ok := state.TierAssignments[task.Target+":*"]; ok {
			return tier
		}
	}
	return heuristicTier(task)
}

func heuristicTier(task *core.Task) core.Tier {
	if task == nil {
		return core.TierEconomy
	}
	score := 0
	if len(task.Objective) > longObjective {
		score++
	}
	if len(task.Context) > largeContext {
		score++
	}
	switch score {
	case 0:
		return core.TierEconomy
	case 1:
		return core.TierStandard
	default:
		return core.TierPremium
	}
}
