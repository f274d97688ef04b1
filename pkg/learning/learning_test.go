// SPDX-License-Identifier: Apache-2.0
package learning

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/store"
)

var outcomeN atomic.Int64

func appendOutcome(t *testing.T, outcomes store.OutcomeStore, sig string, success bool, code string, risk core.RiskLevel) {
	t.Helper()
	err := outcomes.Append(context.Background(), &core.Outcome{
		TaskID:     fmt.Sprintf("t-%s-%d", sig, outcomeN.Add(1)),
		Success:    success,
		ErrorCode:  code,
		RecordedAt: time.Now().UTC(),
		Signature:  sig,
		Risk:       risk,
	})
	if err != nil {
		t.Fatalf("append outcome: %v", err)
	}
}

func newCycleEnv(seedRisks map[string]core.RiskLevel, seedTiers map[string]core.Tier) (*Cycle, *store.MemoryOutcomeStore, *store.MemoryPolicyStore) {
	outcomes := store.NewMemoryOutcomeStore()
	policies := store.NewMemoryPolicyStore(policy.NewState(seedRisks, seedTiers))
	cycle := NewCycle(outcomes, policies, nil, DefaultWeights())
	return cycle, outcomes, policies
}

func TestRunNoOutcomesIsNoOp(t *testing.T) {
	ctx := context.Background()
	cycle, _, policies := newCycleEnv(nil, nil)

	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	latest, err := policies.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 1 {
		t.Fatalf("empty window must not bump the version, got v%d", latest.Version)
	}
}

func TestRunEscalatesFailingSignature(t *testing.T) {
	ctx := context.Background()
	sig := "container-platform:restart"
	cycle, outcomes, policies := newCycleEnv(
		map[string]core.RiskLevel{sig: core.RiskLow},
		map[string]core.Tier{sig: core.TierEconomy},
	)

	appendOutcome(t, outcomes, sig, false, string(errors.CodeTimeout), core.RiskLow)
	appendOutcome(t, outcomes, sig, false, string(errors.CodeToolInvocation), core.RiskLow)
	appendOutcome(t, outcomes, sig, true, "", core.RiskLow)

	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	latest, _ := policies.Latest(ctx)
	if latest.Version != 2 {
		t.Fatalf("expected v2, got v%d", latest.Version)
	}
	if latest.RiskThresholds[sig] != core.RiskMedium {
		t.Fatalf("failing signature should escalate to medium, got %s", latest.RiskThresholds[sig])
	}
	if latest.TierAssignments[sig] != core.TierStandard {
		t.Fatalf("failing signature should escalate tier, got %s", latest.TierAssignments[sig])
	}
}

type capturingEmitter struct {
	events []core.Event
}

func (e *capturingEmitter) Emit(_ context.Context, event core.Event) {
	e.events = append(e.events, event)
}

func TestRunEmitsPolicyPublishedEvent(t *testing.T) {
	ctx := context.Background()
	sig := "container-platform:restart"
	cycle, outcomes, _ := newCycleEnv(map[string]core.RiskLevel{sig: core.RiskLow}, nil)
	emitter := &capturingEmitter{}
	cycle.SetEmitter(emitter)

	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatalf("no-op run must not emit, got %v", emitter.events)
	}

	appendOutcome(t, outcomes, sig, true, "", core.RiskLow)
	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(emitter.events) != 1 || emitter.events[0].Type != core.EventPolicyPublished {
		t.Fatalf("expected one publish event, got %v", emitter.events)
	}
	if emitter.events[0].Payload["version"] != int64(2) {
		t.Fatalf("event version payload: %v", emitter.events[0].Payload)
	}
}

func TestRunRejectionKeepsHighRisk(t *testing.T) {
	ctx := context.Background()
	sig := "hypervisor:decommission"
	cycle, outcomes, policies := newCycleEnv(
		map[string]core.RiskLevel{sig: core.RiskHigh}, nil,
	)

	appendOutcome(t, outcomes, sig, false, string(errors.CodeHumanRejected), core.RiskHigh)

	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	latest, _ := policies.Latest(ctx)
	if latest.RiskThresholds[sig] != core.RiskHigh {
		t.Fatalf("rejected signature must stay high, got %s", latest.RiskThresholds[sig])
	}
}

func TestRunRelaxesCleanSignature(t *testing.T) {
	ctx := context.Background()
	sig := "dns:update"
	cycle, outcomes, policies := newCycleEnv(
		map[string]core.RiskLevel{sig: core.RiskHigh}, nil,
	)

	appendOutcome(t, outcomes, sig, true, "", core.RiskHigh)
	appendOutcome(t, outcomes, sig, true, "", core.RiskHigh)

	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	latest, _ := policies.Latest(ctx)
	if latest.RiskThresholds[sig] != core.RiskMedium {
		t.Fatalf("clean signature should relax to medium, got %s", latest.RiskThresholds[sig])
	}
}

func TestRunHighWaterMarkAdvances(t *testing.T) {
	ctx := context.Background()
	sig := "dns:update"
	cycle, outcomes, policies := newCycleEnv(
		map[string]core.RiskLevel{sig: core.RiskHigh}, nil,
	)

	appendOutcome(t, outcomes, sig, true, "", core.RiskHigh)
	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Same window again: nothing new, no publish.
	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	latest, _ := policies.Latest(ctx)
	if latest.Version != 2 {
		t.Fatalf("replayed window must not publish again, got v%d", latest.Version)
	}
}

// conflictOnce injects one publish conflict, simulating a concurrent writer.
type conflictOnce struct {
	store.PolicyStore
	fired bool
}

func (c *conflictOnce) Publish(ctx context.Context, expected int64, next *policy.State) error {
	if !c.fired {
		c.fired = true
		return errors.New(errors.CodePolicyConflict, "latest version moved", nil)
	}
	return c.PolicyStore.Publish(ctx, expected, next)
}

func TestRunDiscardsOnPublishConflict(t *testing.T) {
	ctx := context.Background()
	sig := "dns:update"
	outcomes := store.NewMemoryOutcomeStore()
	inner := store.NewMemoryPolicyStore(policy.NewState(map[string]core.RiskLevel{sig: core.RiskHigh}, nil))
	policies := &conflictOnce{PolicyStore: inner}
	cycle := NewCycle(outcomes, policies, nil, DefaultWeights())

	appendOutcome(t, outcomes, sig, true, "", core.RiskHigh)

	// Conflict: derivation discarded, no error, no retry.
	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("conflict must not surface as an error: %v", err)
	}
	latest, _ := inner.Latest(ctx)
	if latest.Version != 1 {
		t.Fatalf("conflicting publish must be discarded, got v%d", latest.Version)
	}

	// The window was not consumed; the next pass replays it.
	if err := cycle.Run(ctx); err != nil {
		t.Fatalf("replay run: %v", err)
	}
	latest, _ = inner.Latest(ctx)
	if latest.Version != 2 || latest.RiskThresholds[sig] != core.RiskMedium {
		t.Fatalf("replayed window should publish, got v%d %s", latest.Version, latest.RiskThresholds[sig])
	}
}

func TestForceRunAndLoop(t *testing.T) {
	ctx := context.Background()
	sig := "dns:update"
	cycle, outcomes, policies := newCycleEnv(
		map[string]core.RiskLevel{sig: core.RiskHigh}, nil,
	)
	cycle.Start(time.Hour) // loop idles; ForceRun still works
	defer cycle.Stop()

	appendOutcome(t, outcomes, sig, true, "", core.RiskHigh)
	if err := cycle.ForceRun(ctx); err != nil {
		t.Fatalf("force run: %v", err)
	}
	latest, _ := policies.Latest(ctx)
	if latest.Version != 2 {
		t.Fatalf("force run should publish, got v%d", latest.Version)
	}
}
