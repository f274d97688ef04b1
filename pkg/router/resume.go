// SPDX-License-Identifier: Apache-2.0
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
)

// Resume reconstructs a task from its durable checkpoints and re-attempts
// only the effects the checkpoint authorized but that never happened.
// Idempotent: resuming a terminal task returns its stored result.
func (r *Router) Resume(ctx context.Context, taskID string) (*StatusView, error) {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch {
	case task.Status.IsTerminal():
		r.backfillOutcome(ctx, task)

	case task.Status == core.StatusNew:
		if err := r.classify(ctx, task); err != nil {
			return nil, err
		}
		if err := r.branch(ctx, task); err != nil {
			return nil, err
		}

	case task.Status == core.StatusClassified:
		if err := r.branch(ctx, task); err != nil {
			return nil, err
		}

	case task.Status == core.StatusAwaitingApproval:
		if err := r.resumeSuspended(ctx, task); err != nil {
			return nil, err
		}

	case task.Status == core.StatusAutoExecuting:
		// The execution checkpoint is durable but no outcome landed.
		// If a worker in this process still holds the task the dispatch
		// is merely slow, not lost; only a dead one is re-run.
		if r.isInflight(taskID) {
			r.log.DebugContext(ctx, "router.resume.inflight", slog.String("task_id", taskID))
			break
		}
		if _, err := r.outcomes.GetByTask(ctx, taskID); err != nil {
			r.log.InfoContext(ctx, "router.resume.redispatch", slog.String("task_id", taskID))
			r.startDispatch(task)
		}
	}

	return r.Status(ctx, taskID)
}

// resumeSuspended repairs the approval branch: a checkpointed suspension
// whose request or notification was lost, or a resolved request whose task
// transition never landed.
func (r *Router) resumeSuspended(ctx context.Context, task *core.Task) error {
	req, err := r.approvals.GetByTask(ctx, task.ID)
	if err != nil {
		if errors.CodeOf(err) != errors.CodeNotFound {
			return err
		}
		// Crash between the suspension checkpoint and the request insert.
		_, err := r.gate.RequestApproval(ctx, task)
		return err
	}

	switch req.Status {
	case core.ApprovalPending:
		// The request survived; the notification may not have.
		r.gate.Renotify(ctx, task, req)
	case core.ApprovalApproved:
		task.Status = core.StatusAutoExecuting
		if err := r.tasks.Update(ctx, task, core.StatusAwaitingApproval); err != nil {
			return errors.New(errors.CodeStoreError, "checkpoint approval", err)
		}
		r.startDispatch(task)
	case core.ApprovalRejected:
		r.terminateSuspended(ctx, task, core.StatusRejected, errors.CodeHumanRejected, req.Reason)
	case core.ApprovalExpired:
		r.terminateSuspended(ctx, task, core.StatusExpired, errors.CodeApprovalTimeout, req.Reason)
	}
	return nil
}

// backfillOutcome records the outcome for a terminal task whose record step
// was lost between the terminal checkpoint and the outcome append.
func (r *Router) backfillOutcome(ctx context.Context, task *core.Task) {
	if _, err := r.outcomes.GetByTask(ctx, task.ID); err == nil {
		return
	}
	summary := task.Result
	if summary == "" {
		summary = task.Error
	}
	outcome := &core.Outcome{
		TaskID:     task.ID,
		Success:    task.Status == core.StatusCompleted,
		ErrorCode:  task.ErrorCode,
		Summary:    summary,
		RecordedAt: time.Now().UTC(),
		Signature:  core.Signature(task),
		Risk:       task.Risk,
	}
	if err := r.recorder.Record(ctx, task, outcome); err != nil {
		r.log.WarnContext(ctx, "router.resume.backfill_failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ResumeAll resumes every non-terminal task, oldest checkpoint state first.
// Called once at startup. Returns the number of tasks touched.
func (r *Router) ResumeAll(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []core.TaskStatus{
		core.StatusNew,
		core.StatusClassified,
		core.StatusAwaitingApproval,
		core.StatusAutoExecuting,
	} {
		tasks, err := r.tasks.ListByStatus(ctx, status)
		if err != nil {
			return resumed, err
		}
		for _, task := range tasks {
			if _, err := r.Resume(ctx, task.ID); err != nil {
				r.log.WarnContext(ctx, "router.resume.failed",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}
