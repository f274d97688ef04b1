// Package store defines the four durable collections backing opsgate:
// tasks with their checkpoint log, approval requests, the append-only
// outcome log, and versioned policy states. Each collection has an
// in-memory implementation for tests and a SQLite implementation for
// production.
package store

import (
	"context"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/policy"
)

// TaskStore persists tasks keyed by id. Every status write appends a
// checkpoint record atomically with the task update; the router relies on
// the checkpoint being durable before any externally visible effect.
type TaskStore interface {
	// Create admits a task and writes its first checkpoint.
	Create(ctx context.Context, task *core.Task) error

	// Get returns the task by id.
	Get(ctx context.Context, id string) (*core.Task, error)

	// Update persists the task if its stored status equals expect
	// (compare-and-set) and appends a checkpoint for the new status.
	Update(ctx context.Context, task *core.Task, expect core.TaskStatus) error

	// ListByStatus returns tasks currently in the given status.
	ListByStatus(ctx context.Context, status core.TaskStatus) ([]*core.Task, error)

	// Checkpoints returns the checkpoint log for a task, oldest first.
	Checkpoints(ctx context.Context, taskID string) ([]core.Checkpoint, error)
}

// ApprovalStore persists approval requests keyed by task id. At most one
// open request may exist per task; Create enforces the invariant.
type ApprovalStore interface {
	// Create inserts a request. Fails if an open request already exists
	// for the task.
	Create(ctx context.Context, req *core.ApprovalRequest) error

	// GetByTask returns the most recent request for a task.
	GetByTask(ctx context.Context, taskID string) (*core.ApprovalRequest, error)

	// Resolve atomically swaps the request status from, to for the task.
	// Returns false without error when the stored status is not from;
	// the expiry sweep and a late human decision race on this.
	Resolve(ctx context.Context, taskID string, from, to core.ApprovalStatus, reason string) (bool, error)

	// ListExpired returns open requests whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]*core.ApprovalRequest, error)
}

// OutcomeStore is the append-only outcome log. Seq is a store-wide
// monotonic sequence used as the learning cycle's high-water mark.
type OutcomeStore interface {
	// Append records an outcome, assigning its sequence number.
	Append(ctx context.Context, outcome *core.Outcome) error

	// GetByTask returns the outcome recorded for a task, if any.
	GetByTask(ctx context.Context, taskID string) (*core.Outcome, error)

	// ListSince returns outcomes with Seq > afterSeq, ordered by Seq.
	ListSince(ctx context.Context, afterSeq int64) ([]*core.Outcome, error)

	// LatestSeq returns the highest assigned sequence number.
	LatestSeq(ctx context.Context) (int64, error)
}

// PolicyStore persists immutable policy versions with a latest-version
// pointer. Publish is a compare-and-set: it fails with
// errors.CodePolicyConflict when the expected latest version has moved.
type PolicyStore interface {
	// Latest returns the current policy state.
	Latest(ctx context.Context) (*policy.State, error)

	// GetVersion returns a specific policy version.
	GetVersion(ctx context.Context, version int64) (*policy.State, error)

	// Publish stores next and advances the latest pointer, provided the
	// current latest version equals expectedLatest.
	Publish(ctx context.Context, expectedLatest int64, next *policy.State) error
}
