// SPDX-License-Identifier: Apache-2.0
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
)

// ErrNoPendingApproval reports a decision that found nothing to decide:
// the request was already resolved, or the expiry sweep won the race.
var ErrNoPendingApproval = errors.New(errors.CodeNotFound, "no pending approval for task", nil)

// Resolve applies a human decision to a suspended task. Approval moves the
// task into execution; rejection terminates it with a human_rejected
// outcome. Duplicate and post-expiry decisions return ErrNoPendingApproval.
func (r *Router) Resolve(ctx context.Context, taskID string, decision approval.Decision, reason string) error {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != core.StatusAwaitingApproval {
		return ErrNoPendingApproval
	}

	res, err := r.gate.Resolve(ctx, taskID, decision, reason)
	if err != nil {
		return err
	}
	if !res.Applied {
		return ErrNoPendingApproval
	}
	r.emitter.Emit(ctx, core.NewEvent(core.EventTaskResolved, taskID, map[string]any{
		"decision": string(decision),
	}))

	switch decision {
	case approval.DecisionApprove:
		task.Status = core.StatusAutoExecuting
		if err := r.tasks.Update(ctx, task, core.StatusAwaitingApproval); err != nil {
			// The approval is durable; Resume replays the transition.
			return errors.New(errors.CodeStoreError, "checkpoint approval", err)
		}
		r.startDispatch(task)
		return nil
	case approval.DecisionReject:
		r.terminateSuspended(ctx, task, core.StatusRejected, errors.CodeHumanRejected, reason)
		return nil
	}
	return nil
}

// Cancel withdraws a task. While suspended on the gate it is a rejection
// with reason "cancelled"; in any other state cancellation is refused.
func (r *Router) Cancel(ctx context.Context, taskID string) error {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != core.StatusAwaitingApproval {
		return errors.New(errors.CodeValidation, "task is not cancellable in its current state", nil).
			WithContext("status", string(task.Status))
	}
	return r.Resolve(ctx, taskID, approval.DecisionReject, "cancelled")
}

// onApprovalExpired is the gate sweep callback: the suspended task times
// out with an approval_timeout outcome.
func (r *Router) onApprovalExpired(ctx context.Context, req *core.ApprovalRequest) {
	task, err := r.tasks.Get(ctx, req.TaskID)
	if err != nil {
		r.log.WarnContext(ctx, "router.expire.task_missing",
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()),
		)
		return
	}
	if task.Status != core.StatusAwaitingApproval {
		return
	}
	r.terminateSuspended(ctx, task, core.StatusExpired, errors.CodeApprovalTimeout, "approval window elapsed")
}

// terminateSuspended finalizes a task that never executed: rejection or
// expiry out of the awaiting_approval state.
func (r *Router) terminateSuspended(ctx context.Context, task *core.Task, status core.TaskStatus, code errors.ErrorCode, reason string) {
	task.Status = status
	task.ErrorCode = string(code)
	task.Error = reason
	outcome := &core.Outcome{
		TaskID:     task.ID,
		Success:    false,
		ErrorCode:  string(code),
		Summary:    reason,
		RecordedAt: time.Now().UTC(),
		Signature:  core.Signature(task),
		Risk:       task.Risk,
	}
	r.finalize(ctx, task, outcome, core.StatusAwaitingApproval)
}

var (
	routerMetricsOnce sync.Once
	transitionCounter metric.Int64Counter
)

func initRouterMetrics() {
	routerMetricsOnce.Do(func() {
		meter := otel.Meter("opsgate/router")
		transitionCounter, _ = meter.Int64Counter("opsgate.router.transition.count")
	})
}
