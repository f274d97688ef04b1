package policy

import (
	"testing"

	"github.com/opsgate/opsgate/pkg/core"
)

func testState() *State {
	return NewState(
		map[string]core.RiskLevel{
			"container-platform:restart": core.RiskHigh,
			"container-platform:list":    core.RiskLow,
			"dns-provider:*":             core.RiskMedium,
		},
		map[string]core.Tier{
			"container-platform:restart": core.TierPremium,
			"dns-provider:*":             core.TierEconomy,
		},
	)
}

func TestClassifyKnownSignatures(t *testing.T) {
	state := testState()
	cases := []struct {
		objective string
		target    string
		want      core.RiskLevel
	}{
		{"restart container X", "container-platform", core.RiskHigh},
		{"list running containers", "container-platform", core.RiskLow},
		{"flush cache zone", "dns-provider", core.RiskMedium},  // target wildcard
		{"delete volume", "container-platform", core.RiskHigh}, // unknown -> fail safe
		{"anything", "unknown-system", core.RiskHigh},
	}
	for _, tc := range cases {
		task := &core.Task{Objective: tc.objective, Target: tc.target}
		if got := Classify(task, state); got != tc.want {
			t.Errorf("Classify(%q/%q) = %s, want %s", tc.target, tc.objective, got, tc.want)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	state := testState()
	task := &core.Task{Objective: "restart container X", Target: "container-platform"}
	first := Classify(task, state)
	for i := 0; i < 10; i++ {
		if got := Classify(task, state); got != first {
			t.Fatalf("classification not deterministic: %s vs %s", got, first)
		}
	}
}

func TestClassifyNilState(t *testing.T) {
	task := &core.Task{Objective: "restart x", Target: "container-platform"}
	if got := Classify(task, nil); got != core.RiskHigh {
		t.Fatalf("expected high for nil state, got %s", got)
	}
}

func TestSelectTierAssignmentsAndHeuristic(t *testing.T) {
	state := testState()
	assigned := &core.Task{Objective: "restart container X", Target: "container-platform"}
	if got := SelectTier(assigned, state); got != core.TierPremium {
		t.Errorf("expected assigned premium, got %s", got)
	}
	wildcard := &core.Task{Objective: "flush cache", Target: "dns-provider"}
	if got := SelectTier(wildcard, state); got != core.TierEconomy {
		t.Errorf("expected wildcard economy, got %s", got)
	}

	short := &core.Task{Objective: "ping host", Target: "net-monitor"}
	if got := SelectTier(short, state); got != core.TierEconomy {
		t.Errorf("expected economy for trivial task, got %s", got)
	}
	long := &core.Task{
		Objective: "investigate sustained packet loss across the tunnel mesh and correlate with recent firmware rollouts on edge gateways, then report",
		Target:    "net-monitor",
	}
	if got := SelectTier(long, state); got != core.TierStandard {
		t.Errorf("expected standard for long objective, got %s", got)
	}
	bigCtx := map[string]string{}
	for i := 0; i < 10; i++ {
		bigCtx[string(rune('a'+i))] = "v"
	}
	complex := &core.Task{Objective: long.Objective, Target: "net-monitor", Context: bigCtx}
	if got := SelectTier(complex, state); got != core.TierPremium {
		t.Errorf("expected premium for complex task, got %s", got)
	}
}

func TestNextIsCopyOnWrite(t *testing.T) {
	state := testState()
	next := state.Next()
	if next.Version != state.Version+1 {
		t.Fatalf("expected version bump")
	}
	next.RiskThresholds["container-platform:list"] = core.RiskHigh
	if state.RiskThresholds["container-platform:list"] != core.RiskLow {
		t.Fatalf("Next mutated the parent snapshot")
	}
}

func TestParseSeed(t *testing.T) {
	data := []byte(`
risk_thresholds:
  container-platform:restart: high
  container-platform:list: low
tier_assignments:
  container-platform:restart: premium
`)
	state, err := ParseSeed(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if state.Version != 1 {
		t.Fatalf("expected version 1")
	}
	if state.RiskThresholds["container-platform:restart"] != core.RiskHigh {
		t.Fatalf("seed risk missing")
	}
	if state.TierAssignments["container-platform:restart"] != core.TierPremium {
		t.Fatalf("seed tier missing")
	}
}

func TestParseSeedRejectsUnknownLevels(t *testing.T) {
	if _, err := ParseSeed([]byte("risk_thresholds:\n  a:b: extreme\n")); err == nil {
		t.Fatalf("expected error for unknown risk level")
	}
	if _, err := ParseSeed([]byte("tier_assignments:\n  a:b: platinum\n")); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}
