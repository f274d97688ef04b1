// SPDX-License-Identifier: Apache-2.0
package router

import (
	"context"
	"testing"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
)

// seedTask plants a task in the given checkpoint state, simulating a
// process that died right after the checkpoint landed.
func seedTask(t *testing.T, e *env, statuses ...core.TaskStatus) *core.Task {
	t.Helper()
	ctx := context.Background()
	task := core.NewTask("decommission cluster east", "hypervisor", nil)
	task.Risk = core.RiskHigh
	task.Tier = core.TierStandard
	if err := e.tasks.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	prev := core.StatusNew
	for _, status := range statuses {
		task.Status = status
		if err := e.tasks.Update(ctx, task, prev); err != nil {
			t.Fatalf("update to %s: %v", status, err)
		}
		prev = status
	}
	return task
}

func TestResumeReissuesLostApprovalRequest(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	// Crash between the suspension checkpoint and the request insert.
	task := seedTask(t, e, core.StatusClassified, core.StatusAwaitingApproval)

	if _, err := e.router.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	req, err := e.approvals.GetByTask(ctx, task.ID)
	if err != nil || !req.Status.Open() {
		t.Fatalf("resume must re-issue the approval request: %+v %v", req, err)
	}
	if e.dispatcher.count() != 0 {
		t.Fatalf("suspended task must not dispatch on resume")
	}
}

func TestResumeAppliesDanglingApproval(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	task := seedTask(t, e, core.StatusClassified, core.StatusAwaitingApproval)
	if _, err := e.gate.RequestApproval(ctx, task); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	// The decision landed but the process died before the task moved.
	if _, err := e.approvals.Resolve(ctx, task.ID, core.ApprovalPending, core.ApprovalApproved, "ok"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := e.router.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForStatus(t, e, task.ID, core.StatusCompleted)
	if e.dispatcher.count() != 1 {
		t.Fatalf("approved task should dispatch once on resume")
	}
}

func TestResumeAppliesDanglingRejection(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	task := seedTask(t, e, core.StatusClassified, core.StatusAwaitingApproval)
	if _, err := e.gate.RequestApproval(ctx, task); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if _, err := e.approvals.Resolve(ctx, task.ID, core.ApprovalPending, core.ApprovalRejected, "no"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := e.router.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := waitForStatus(t, e, task.ID, core.StatusRejected)
	if got.ErrorCode != string(errors.CodeHumanRejected) {
		t.Fatalf("error code %q", got.ErrorCode)
	}
	if e.dispatcher.count() != 0 {
		t.Fatalf("rejected task must never dispatch")
	}
}

func TestResumeRedispatchesInFlightExecution(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	task := seedTask(t, e, core.StatusClassified, core.StatusAutoExecuting)

	if _, err := e.router.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForStatus(t, e, task.ID, core.StatusCompleted)
	if e.dispatcher.count() != 1 {
		t.Fatalf("in-flight task should re-dispatch once, got %d", e.dispatcher.count())
	}
}

func TestResumeSkipsDispatchStillRunningHere(t *testing.T) {
	block := make(chan struct{})
	e := newEnv(t, &fakeDispatcher{block: block})
	ctx := context.Background()

	id, err := e.router.Submit(ctx, "restart service web", "container-platform", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, e, id, core.StatusAutoExecuting)
	deadline := time.Now().Add(time.Second)
	for e.dispatcher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	// The worker is still holding the task in this process; resuming must
	// not start a second execution.
	if _, err := e.router.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := e.router.ResumeAll(ctx); err != nil {
		t.Fatalf("resume all: %v", err)
	}
	if got := e.dispatcher.count(); got != 1 {
		t.Fatalf("task executed %d times while in flight", got)
	}

	close(block)
	waitForStatus(t, e, id, core.StatusCompleted)
	if got := e.dispatcher.count(); got != 1 {
		t.Fatalf("task executed %d times in total", got)
	}
}

func TestResumeTerminalIsIdempotent(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	id, _ := e.router.Submit(ctx, "restart service web", "container-platform", nil)
	waitForStatus(t, e, id, core.StatusCompleted)
	waitForOutcome(t, e, id)

	before := e.dispatcher.count()
	view, err := e.router.Resume(ctx, id)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if view.Task.Status != core.StatusCompleted || view.Outcome == nil {
		t.Fatalf("terminal resume must return the stored result: %+v", view)
	}
	if e.dispatcher.count() != before {
		t.Fatalf("terminal resume must not dispatch")
	}
}

func TestResumeBackfillsLostOutcome(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	// Terminal checkpoint landed but the outcome append was lost.
	task := seedTask(t, e, core.StatusClassified, core.StatusAutoExecuting)
	task.Status = core.StatusFailed
	task.ErrorCode = string(errors.CodeTimeout)
	task.Error = "operation exceeded timeout"
	if err := e.tasks.Update(ctx, task, core.StatusAutoExecuting); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := e.router.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	outcome, err := e.outcomes.GetByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("outcome not backfilled: %v", err)
	}
	if outcome.Success || outcome.ErrorCode != string(errors.CodeTimeout) {
		t.Fatalf("backfilled outcome: %+v", outcome)
	}
}

func TestResumeAllSweepsEveryState(t *testing.T) {
	e := newEnv(t, &fakeDispatcher{})
	ctx := context.Background()

	suspended := seedTask(t, e, core.StatusClassified, core.StatusAwaitingApproval)
	executing := seedTask(t, e, core.StatusClassified, core.StatusAutoExecuting)

	resumed, err := e.router.ResumeAll(ctx)
	if err != nil {
		t.Fatalf("resume all: %v", err)
	}
	if resumed != 2 {
		t.Fatalf("expected 2 resumed tasks, got %d", resumed)
	}
	waitForStatus(t, e, executing.ID, core.StatusCompleted)
	req, err := e.approvals.GetByTask(ctx, suspended.ID)
	if err != nil || !req.Status.Open() {
		t.Fatalf("suspended task should regain its request: %+v %v", req, err)
	}
}

func waitForOutcome(t *testing.T, e *env, taskID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.outcomes.GetByTask(context.Background(), taskID); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("outcome never recorded for %s", taskID)
}
