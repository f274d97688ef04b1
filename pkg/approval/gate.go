// SPDX-License-Identifier: Apache-2.0
// Package approval implements the human approval gate: high-risk tasks are
// suspended behind a durable approval request and resume only on an explicit
// human decision or expiry.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/notify"
	"github.com/opsgate/opsgate/pkg/resilience"
	"github.com/opsgate/opsgate/pkg/store"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Resolution reports the effect of a resolve call. Applied is false when no
// pending request existed, which covers duplicate decisions and decisions
// arriving after the expiry sweep won the race.
type Resolution struct {
	Applied bool
	Request *core.ApprovalRequest
}

// Gate owns approval requests. The request is persisted before any
// notification leaves the process; a lost notification degrades to an
// eventual expiry, never to a lost task.
type Gate struct {
	approvals store.ApprovalStore
	notifier  notify.Notifier
	timeout   time.Duration
	breaker   *resilience.CircuitBreaker
	log       *slog.Logger

	// onExpired is invoked once per request this process expired. The
	// router uses it to drive the task's terminal transition.
	onExpired func(ctx context.Context, req *core.ApprovalRequest)
}

// SetOnExpired registers the expiry callback. Must be called before the
// sweeper starts.
func (g *Gate) SetOnExpired(fn func(ctx context.Context, req *core.ApprovalRequest)) {
	g.onExpired = fn
}

// NewGate creates a gate persisting into approvals and notifying through
// notifier. timeout is the approval validity window.
func NewGate(approvals store.ApprovalStore, notifier notify.Notifier, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 4 * time.Hour
	}
	return &Gate{
		approvals: approvals,
		notifier:  notifier,
		timeout:   timeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "approval_notifier",
			FailureThreshold: 5,
			Timeout:          time.Minute,
		}),
		log: slog.Default(),
	}
}

// RequestApproval suspends a task behind a new approval request. Exactly one
// open request may exist per task; a second call while one is open fails.
func (g *Gate) RequestApproval(ctx context.Context, task *core.Task) (*core.ApprovalRequest, error) {
	now := time.Now().UTC()
	req := &core.ApprovalRequest{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		RiskSummary: riskSummary(task),
		Status:      core.ApprovalPending,
		IssuedAt:    now,
		ExpiresAt:   now.Add(g.timeout),
		UpdatedAt:   now,
	}
	if err := g.approvals.Create(ctx, req); err != nil {
		return nil, err
	}

	g.notifyBestEffort(ctx, task, req)
	return req, nil
}

// Renotify re-sends the notification for an existing open request. Used when
// resuming after a crash that may have lost the original send.
func (g *Gate) Renotify(ctx context.Context, task *core.Task, req *core.ApprovalRequest) {
	g.notifyBestEffort(ctx, task, req)
}

func (g *Gate) notifyBestEffort(ctx context.Context, task *core.Task, req *core.ApprovalRequest) {
	if g.notifier == nil {
		return
	}
	notice := notify.ApprovalNotice{
		TaskID:      task.ID,
		Objective:   task.Objective,
		Target:      task.Target,
		RiskSummary: req.RiskSummary,
		ExpiresAt:   req.ExpiresAt,
	}
	retry := resilience.DefaultRetryConfig().WithInitialDelay(250 * time.Millisecond)
	err := retry.Do(ctx, func() error {
		return g.breaker.Call(ctx, func() error {
			return g.notifier.Send(ctx, notice)
		})
	})
	if err != nil {
		// Non-fatal: the request is durable and the sweep will expire it
		// if nobody ever sees the notice.
		g.log.WarnContext(ctx, "gate.notify.failed",
			slog.String("task_id", task.ID),
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Resolve applies a human decision to the pending request for taskID. The
// swap is a compare-and-set on the pending status: duplicates and decisions
// that lost the race against expiry come back with Applied=false. A decision
// arriving after the expiry deadline never applies, even before the sweep
// has run; it expires the request instead.
func (g *Gate) Resolve(ctx context.Context, taskID string, decision Decision, reason string) (Resolution, error) {
	var to core.ApprovalStatus
	switch decision {
	case DecisionApprove:
		to = core.ApprovalApproved
	case DecisionReject:
		to = core.ApprovalRejected
	default:
		return Resolution{}, errors.New(errors.CodeValidation,
			fmt.Sprintf("unknown decision %q", decision), nil)
	}

	req, err := g.approvals.GetByTask(ctx, taskID)
	if err != nil {
		return Resolution{}, err
	}
	if req.Status == core.ApprovalPending && time.Now().UTC().After(req.ExpiresAt) {
		return g.expireLate(ctx, taskID, decision, req)
	}

	applied, err := g.approvals.Resolve(ctx, taskID, core.ApprovalPending, to, reason)
	if err != nil {
		return Resolution{}, err
	}
	req, getErr := g.approvals.GetByTask(ctx, taskID)
	if getErr != nil {
		return Resolution{Applied: applied}, getErr
	}
	g.log.InfoContext(ctx, "gate.resolve",
		slog.String("task_id", taskID),
		slog.String("decision", string(decision)),
		slog.Bool("applied", applied),
	)
	return Resolution{Applied: applied, Request: req}, nil
}

// expireLate handles a decision that arrived after the deadline but before
// the sweep: the request is expired, the decision is dropped.
func (g *Gate) expireLate(ctx context.Context, taskID string, decision Decision, req *core.ApprovalRequest) (Resolution, error) {
	applied, err := g.approvals.Resolve(ctx, taskID, core.ApprovalPending, core.ApprovalExpired, "approval window elapsed")
	if err != nil {
		return Resolution{}, err
	}
	if applied && g.onExpired != nil {
		g.onExpired(ctx, req)
	}
	g.log.WarnContext(ctx, "gate.resolve.late",
		slog.String("task_id", taskID),
		slog.String("decision", string(decision)),
	)
	if current, getErr := g.approvals.GetByTask(ctx, taskID); getErr == nil {
		req = current
	}
	return Resolution{Applied: false, Request: req}, nil
}

// ExpireApprovals sweeps open requests past their expiry, swapping each
// pending request to expired. Safe under concurrent sweeps: the CAS makes
// each request expire at most once. Returns the number expired here.
func (g *Gate) ExpireApprovals(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stale, err := g.approvals.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range stale {
		applied, err := g.approvals.Resolve(ctx, req.TaskID, core.ApprovalPending, core.ApprovalExpired, "approval window elapsed")
		if err != nil {
			return expired, err
		}
		if !applied {
			continue
		}
		expired++
		if g.onExpired != nil {
			g.onExpired(ctx, req)
		}
	}
	return expired, nil
}

func riskSummary(task *core.Task) string {
	return fmt.Sprintf("%s risk: %s on %s", task.Risk, task.Objective, task.Target)
}
