// SPDX-License-Identifier: Apache-2.0
// Package router owns the task lifecycle: admission, risk classification,
// the approval branch, dispatch hand-off and terminal recording. Every
// transition is checkpointed before the effect it authorizes becomes
// externally visible, so a restart can always pick up where it stopped.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/guard"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/record"
	"github.com/opsgate/opsgate/pkg/store"
)

// Dispatcher executes a task to completion and reports its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *core.Task) (*core.Outcome, error)
}

// TargetValidator reports whether a target class is dispatchable.
type TargetValidator interface {
	Knows(target string) bool
}

// StatusView is the external view of a task, including its recorded
// outcome once terminal.
type StatusView struct {
	Task    *core.Task    `json:"task"`
	Outcome *core.Outcome `json:"outcome,omitempty"`
}

// Router drives tasks through the state machine.
type Router struct {
	tasks      store.TaskStore
	approvals  store.ApprovalStore
	outcomes   store.OutcomeStore
	policies   store.PolicyStore
	gate       *approval.Gate
	dispatcher Dispatcher
	targets    TargetValidator
	recorder   *record.Recorder
	emitter    core.EventEmitter
	screen     *guard.Screen
	log        *slog.Logger

	// baseCtx scopes async dispatch goroutines; Close cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// inflight holds task ids with a dispatch goroutine running in this
	// process, so a resume never doubles an execution.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a router. The gate's expiry callback is wired here so the
// sweep drives the task's terminal transition.
func New(tasks store.TaskStore, approvals store.ApprovalStore, outcomes store.OutcomeStore,
	policies store.PolicyStore, gate *approval.Gate, dispatcher Dispatcher,
	targets TargetValidator, recorder *record.Recorder, emitter core.EventEmitter) *Router {
	if emitter == nil {
		emitter = core.NoopEventEmitter{}
	}
	initRouterMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		tasks:      tasks,
		approvals:  approvals,
		outcomes:   outcomes,
		policies:   policies,
		gate:       gate,
		dispatcher: dispatcher,
		targets:    targets,
		recorder:   recorder,
		emitter:    emitter,
		log:        slog.Default(),
		baseCtx:    ctx,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}
	gate.SetOnExpired(r.onApprovalExpired)
	return r
}

// SetScreen installs a submission screen. Pass nil to admit everything.
func (r *Router) SetScreen(s *guard.Screen) {
	r.screen = s
}

// Close stops async work and waits for in-flight dispatches to finish.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Submit validates and admits a task, classifies it against the current
// policy and branches on risk. High-risk tasks suspend on the approval
// gate; the rest begin executing asynchronously. Returns the task id.
func (r *Router) Submit(ctx context.Context, objective, target string, taskCtx map[string]string) (string, error) {
	objective = strings.TrimSpace(objective)
	target = strings.TrimSpace(target)
	if objective == "" {
		return "", errors.New(errors.CodeValidation, "objective is required", nil)
	}
	if target == "" {
		return "", errors.New(errors.CodeValidation, "target is required", nil)
	}
	if r.targets != nil && !r.targets.Knows(target) {
		return "", errors.New(errors.CodeValidation,
			fmt.Sprintf("no agent covers target class %q", target), nil)
	}
	if r.screen != nil {
		if finding := r.screen.Check(ctx, objective); finding.Blocked {
			r.log.WarnContext(ctx, "router.submit.refused",
				slog.String("target", target),
				slog.String("checker", finding.CheckerID),
				slog.String("reason", finding.Reason),
			)
			return "", errors.New(errors.CodeValidation,
				"objective refused: "+finding.Reason, nil)
		}
		// Mask credentials before the context hits the checkpoint.
		sanitized, changed := r.screen.Sanitize(taskCtx)
		if changed > 0 {
			r.log.InfoContext(ctx, "router.submit.redacted", slog.Int("values", changed))
		}
		taskCtx = sanitized
	}

	task := core.NewTask(objective, target, taskCtx)
	if err := r.tasks.Create(ctx, task); err != nil {
		return "", errors.New(errors.CodeStoreError, "admit task", err)
	}
	r.emitter.Emit(ctx, core.NewEvent(core.EventTaskSubmitted, task.ID, map[string]any{"target": target}))
	r.log.InfoContext(ctx, "router.submit",
		slog.String("task_id", task.ID),
		slog.String("target", target),
	)

	if err := r.classify(ctx, task); err != nil {
		return task.ID, err
	}
	return task.ID, r.branch(ctx, task)
}

// classify moves NEW -> CLASSIFIED, stamping risk and tier from the current
// policy snapshot. Classification never drops a task; an unreadable policy
// defaults to high risk.
func (r *Router) classify(ctx context.Context, task *core.Task) error {
	state, err := r.policies.Latest(ctx)
	if err != nil {
		// Fail safe: no readable policy means maximum caution.
		r.log.WarnContext(ctx, "router.classify.policy_unavailable",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		state = nil
		task.ErrorCode = string(errors.CodeClassification)
	}
	task.Risk = policy.Classify(task, state)
	task.Tier = policy.SelectTier(task, state)
	task.Status = core.StatusClassified
	if err := r.tasks.Update(ctx, task, core.StatusNew); err != nil {
		return errors.New(errors.CodeStoreError, "checkpoint classification", err)
	}
	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(core.StatusClassified)),
		attribute.String("risk", string(task.Risk)),
	))
	r.emitter.Emit(ctx, core.NewEvent(core.EventTaskClassified, task.ID, map[string]any{
		"risk": string(task.Risk),
		"tier": string(task.Tier),
	}))
	return nil
}

// branch routes a CLASSIFIED task: high risk suspends on the gate, the
// rest start executing. The checkpoint lands before the gate request or
// dispatch goroutine, so neither effect can outrun durability.
func (r *Router) branch(ctx context.Context, task *core.Task) error {
	if task.Risk == core.RiskHigh {
		task.Status = core.StatusAwaitingApproval
		if err := r.tasks.Update(ctx, task, core.StatusClassified); err != nil {
			return errors.New(errors.CodeStoreError, "checkpoint suspension", err)
		}
		if _, err := r.gate.RequestApproval(ctx, task); err != nil {
			// The checkpoint stands; Resume re-attempts the request.
			r.log.WarnContext(ctx, "router.gate.request.failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		r.emitter.Emit(ctx, core.NewEvent(core.EventTaskSuspended, task.ID, nil))
		return nil
	}

	task.Status = core.StatusAutoExecuting
	if err := r.tasks.Update(ctx, task, core.StatusClassified); err != nil {
		return errors.New(errors.CodeStoreError, "checkpoint execution", err)
	}
	r.startDispatch(task)
	return nil
}

// startDispatch runs the task on the dispatcher in the background and
// finalizes the terminal transition. At most one dispatch goroutine runs
// per task id in this process; duplicate starts are dropped.
func (r *Router) startDispatch(task *core.Task) {
	r.inflightMu.Lock()
	if _, running := r.inflight[task.ID]; running {
		r.inflightMu.Unlock()
		return
	}
	r.inflight[task.ID] = struct{}{}
	r.inflightMu.Unlock()

	r.emitter.Emit(r.baseCtx, core.NewEvent(core.EventTaskDispatched, task.ID, nil))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.clearInflight(task.ID)
		r.executeAndFinalize(r.baseCtx, task.Clone())
	}()
}

func (r *Router) clearInflight(taskID string) {
	r.inflightMu.Lock()
	delete(r.inflight, taskID)
	r.inflightMu.Unlock()
}

func (r *Router) isInflight(taskID string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	_, running := r.inflight[taskID]
	return running
}

func (r *Router) executeAndFinalize(ctx context.Context, task *core.Task) {
	outcome, err := r.dispatcher.Dispatch(ctx, task)
	if err != nil {
		task.Status = core.StatusFailed
		task.ErrorCode = string(errors.CodeOf(err))
		task.Error = err.Error()
	} else {
		task.Status = core.StatusCompleted
		task.Result = outcome.Summary
	}
	r.finalize(ctx, task, outcome, core.StatusAutoExecuting)
}

// finalize checkpoints the terminal status and records the outcome.
func (r *Router) finalize(ctx context.Context, task *core.Task, outcome *core.Outcome, expect core.TaskStatus) {
	if err := r.tasks.Update(ctx, task, expect); err != nil {
		r.log.ErrorContext(ctx, "router.finalize.checkpoint_failed",
			slog.String("task_id", task.ID),
			slog.String("status", string(task.Status)),
			slog.String("error", err.Error()),
		)
		return
	}
	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(task.Status)),
		attribute.String("risk", string(task.Risk)),
	))
	event := core.EventTaskCompleted
	if task.Status != core.StatusCompleted {
		event = core.EventTaskFailed
	}
	r.emitter.Emit(ctx, core.NewEvent(event, task.ID, map[string]any{"status": string(task.Status)}))

	if err := r.recorder.Record(ctx, task, outcome); err != nil {
		// The terminal checkpoint is durable; Resume backfills the outcome.
		r.log.ErrorContext(ctx, "router.finalize.record_failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Status returns the task and, once terminal, its recorded outcome.
func (r *Router) Status(ctx context.Context, taskID string) (*StatusView, error) {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Task: task}
	if task.Status.IsTerminal() {
		if outcome, err := r.outcomes.GetByTask(ctx, taskID); err == nil {
			view.Outcome = outcome
		}
	}
	return view, nil
}
