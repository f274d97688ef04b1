// SPDX-License-Identifier: Apache-2.0
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/tools"
)

type scriptedInvoker struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many leading calls with a recoverable error
	block    time.Duration
}

func (s *scriptedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.block > 0 {
		select {
		case <-time.After(s.block):
		case <-ctx.Done():
			return nil, errors.New(errors.CodeToolInvocation, "adapter interrupted", ctx.Err()).
				WithRecoverable(true)
		}
	}
	if call <= s.failures {
		return nil, errors.New(errors.CodeToolInvocation, "adapter unavailable", nil).
			WithRecoverable(true)
	}
	return "done", nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestTask(target string, tier core.Tier) *core.Task {
	task := core.NewTask("restart service web", target, nil)
	task.Risk = core.RiskLow
	task.Status = core.StatusAutoExecuting
	task.Tier = tier
	return task
}

func newTestDispatcher(t *testing.T, invoker tools.Invoker, opts Options) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(NewInfraOpsAgent(invoker)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(NewNetworkMonitorAgent(invoker)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewDispatcher(reg, opts)
}

func TestDispatchSuccess(t *testing.T) {
	inv := &scriptedInvoker{}
	d := newTestDispatcher(t, inv, Options{InitialDelay: time.Millisecond})

	task := newTestTask("container-platform", core.TierEconomy)
	outcome, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !outcome.Success || outcome.TaskID != task.ID {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Signature != "container-platform:restart" {
		t.Fatalf("signature not denormalized: %q", outcome.Signature)
	}
	if inv.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", inv.callCount())
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	inv := &scriptedInvoker{failures: 2}
	d := newTestDispatcher(t, inv, Options{MaxAttempts: 3, InitialDelay: time.Millisecond})

	task := newTestTask("container-platform", core.TierEconomy)
	outcome, err := d.Dispatch(context.Background(), task)
	if err != nil {
		t.Fatalf("dispatch should recover: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success after retries, got %+v", outcome)
	}
	if got := inv.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	// Two recoverable failures escalate economy -> standard -> premium.
	if outcome.CostEstimate != tierCost[core.TierPremium] {
		t.Fatalf("expected premium-tier cost after escalation, got %v", outcome.CostEstimate)
	}
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	inv := &scriptedInvoker{failures: 10}
	d := newTestDispatcher(t, inv, Options{MaxAttempts: 2, InitialDelay: time.Millisecond})

	task := newTestTask("vpn", core.TierStandard)
	outcome, err := d.Dispatch(context.Background(), task)
	if errors.CodeOf(err) != errors.CodeToolInvocation {
		t.Fatalf("expected tool invocation failure, got %v", err)
	}
	if outcome == nil || outcome.Success {
		t.Fatalf("expected failure outcome, got %+v", outcome)
	}
	if outcome.ErrorCode != string(errors.CodeToolInvocation) {
		t.Fatalf("outcome error code %q", outcome.ErrorCode)
	}
	if inv.callCount() != 2 {
		t.Fatalf("expected retry budget of 2, got %d attempts", inv.callCount())
	}
}

func TestDispatchWorkerTimeout(t *testing.T) {
	inv := &scriptedInvoker{block: time.Second}
	d := newTestDispatcher(t, inv, Options{WorkerTimeout: 20 * time.Millisecond, MaxAttempts: 1})

	task := newTestTask("container-platform", core.TierEconomy)
	outcome, err := d.Dispatch(context.Background(), task)
	if errors.CodeOf(err) != errors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if outcome == nil || outcome.ErrorCode != string(errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT outcome, got %+v", outcome)
	}
}

func TestDispatchUnknownTarget(t *testing.T) {
	d := newTestDispatcher(t, &scriptedInvoker{}, Options{})
	task := newTestTask("mainframe", core.TierEconomy)
	_, err := d.Dispatch(context.Background(), task)
	if errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("expected validation error for unknown target, got %v", err)
	}
}

func TestDispatchQueuesOnSlot(t *testing.T) {
	inv := &scriptedInvoker{block: 50 * time.Millisecond}
	d := newTestDispatcher(t, inv, Options{Concurrency: 1, MaxAttempts: 1})

	var failed int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := newTestTask("container-platform", core.TierEconomy)
			if _, err := d.Dispatch(context.Background(), task); err != nil {
				atomic.AddInt32(&failed, 1)
			}
		}()
	}
	wg.Wait()
	if failed != 0 {
		t.Fatalf("queued dispatches must not fail for lack of capacity")
	}
	if inv.callCount() != 3 {
		t.Fatalf("all queued dispatches should run, got %d", inv.callCount())
	}
}

func TestRegistryRejectsOverlap(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(NewInfraOpsAgent(&scriptedInvoker{}, "dns")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(NewNetworkMonitorAgent(&scriptedInvoker{}, "dns")); err == nil {
		t.Fatalf("overlapping target classes must be rejected")
	}
}
