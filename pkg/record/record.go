// SPDX-License-Identifier: Apache-2.0
// Package record persists the terminal outcome of a task as one logical
// operation: append to the outcome log, remember the episode in vector
// memory, and release any approval request still open.
package record

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/memory"
	"github.com/opsgate/opsgate/pkg/store"
)

// Recorder finalizes terminal task transitions.
type Recorder struct {
	outcomes  store.OutcomeStore
	approvals store.ApprovalStore
	memory    memory.Store
	log       *slog.Logger
}

// NewRecorder creates a recorder. memory may be a NullStore when vector
// memory is disabled.
func NewRecorder(outcomes store.OutcomeStore, approvals store.ApprovalStore, mem memory.Store) *Recorder {
	if mem == nil {
		mem = memory.NullStore{}
	}
	return &Recorder{
		outcomes:  outcomes,
		approvals: approvals,
		memory:    mem,
		log:       slog.Default(),
	}
}

// Record appends the outcome and performs the best-effort side effects.
// The outcome append is the one step that must not be lost; its error
// propagates. Memory writes and approval release degrade to log warnings.
func (r *Recorder) Record(ctx context.Context, task *core.Task, outcome *core.Outcome) error {
	if outcome.Signature == "" {
		outcome.Signature = core.Signature(task)
	}
	if outcome.Risk == "" {
		outcome.Risk = task.Risk
	}
	if err := r.outcomes.Append(ctx, outcome); err != nil {
		return errors.New(errors.CodeStoreError, "append outcome", err).
			WithContext("task_id", task.ID)
	}

	if err := r.memory.Write(ctx, memoryEntry(task, outcome)); err != nil {
		r.log.WarnContext(ctx, "recorder.memory.degraded",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	r.releaseApproval(ctx, task)

	r.log.InfoContext(ctx, "recorder.record",
		slog.String("task_id", task.ID),
		slog.Bool("success", outcome.Success),
		slog.String("error_code", outcome.ErrorCode),
		slog.Int64("seq", outcome.Seq),
	)
	return nil
}

// releaseApproval closes a request left pending by an out-of-band terminal
// transition. Usually a no-op: the gate resolved or expired it already.
func (r *Recorder) releaseApproval(ctx context.Context, task *core.Task) {
	req, err := r.approvals.GetByTask(ctx, task.ID)
	if err != nil || !req.Status.Open() {
		return
	}
	if _, err := r.approvals.Resolve(ctx, task.ID, core.ApprovalPending, core.ApprovalExpired, "task reached terminal state"); err != nil {
		r.log.WarnContext(ctx, "recorder.approval.release.failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func memoryEntry(task *core.Task, outcome *core.Outcome) memory.Entry {
	verdict := "succeeded"
	if !outcome.Success {
		verdict = "failed"
		if outcome.ErrorCode != "" {
			verdict = fmt.Sprintf("failed with %s", outcome.ErrorCode)
		}
	}
	content := fmt.Sprintf("%s on %s %s: %s", task.Objective, task.Target, verdict, outcome.Summary)
	return memory.Entry{
		Content:   content,
		TaskID:    task.ID,
		Success:   outcome.Success,
		ErrorCode: outcome.ErrorCode,
		Timestamp: outcome.RecordedAt,
	}
}
