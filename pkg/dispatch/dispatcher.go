// SPDX-License-Identifier: Apache-2.0
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/resilience"
)

// Options tune dispatcher execution.
type Options struct {
	// WorkerTimeout bounds a single execution attempt. Exceeding it fails
	// the task with a TIMEOUT error code.
	WorkerTimeout time.Duration

	// MaxAttempts is the retry budget per dispatch (>= 1).
	MaxAttempts int

	// InitialDelay seeds the exponential backoff between attempts.
	InitialDelay time.Duration

	// Concurrency is the per-variant worker slot count. Excess dispatches
	// queue on the slot; they never fail for lack of capacity.
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = 5 * time.Minute
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 200 * time.Millisecond
	}
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	return o
}

// Dispatcher executes tasks on the agent covering their target class,
// queueing on per-variant worker slots and retrying recoverable failures
// with exponential backoff. The effective tier may escalate between
// attempts; it never downgrades mid-task.
type Dispatcher struct {
	registry *Registry
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *Registry, opts Options) *Dispatcher {
	initDispatchMetrics()
	return &Dispatcher{
		registry: registry,
		opts:     opts.withDefaults(),
		log:      slog.Default(),
		slots:    make(map[string]chan struct{}),
	}
}

// Dispatch executes the task to completion. It returns the successful
// outcome, or a failure outcome alongside the terminal error. The caller
// owns persisting the outcome and the task's terminal transition.
func (d *Dispatcher) Dispatch(ctx context.Context, task *core.Task) (*core.Outcome, error) {
	agent, err := d.registry.Lookup(task.Target)
	if err != nil {
		return failureOutcome(task, 0, err), err
	}

	release, err := d.acquireSlot(ctx, agent.Name())
	if err != nil {
		return failureOutcome(task, 0, err), err
	}
	defer release()

	start := time.Now()
	tier := task.Tier
	var outcome *core.Outcome

	retry := resilience.RetryConfig{
		MaxAttempts:  d.opts.MaxAttempts,
		InitialDelay: d.opts.InitialDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		OnAttempt: func(attempt int, attemptErr error) {
			d.observeAttempt(ctx, agent.Name(), tier, attempt, attemptErr)
		},
	}

	err = retry.Do(ctx, func() error {
		attemptTask := task.Clone()
		attemptTask.Tier = tier

		attemptErr := resilience.WithTimeout(ctx, resilience.TimeoutConfig{Duration: d.opts.WorkerTimeout},
			func(attemptCtx context.Context) error {
				out, execErr := agent.Execute(attemptCtx, attemptTask)
				if execErr != nil {
					return execErr
				}
				outcome = out
				return nil
			})
		if attemptErr != nil {
			// Recoverable tool failures get another attempt one tier up.
			if errors.CodeOf(attemptErr) == errors.CodeToolInvocation && errors.AsOpsError(attemptErr).Recoverable {
				tier = tier.Escalate()
			}
			return attemptErr
		}
		return nil
	})

	latency := time.Since(start)
	dispatchLatencyMs.Record(ctx, float64(latency.Seconds()*1000), metric.WithAttributes(
		attribute.String("agent", agent.Name()),
		attribute.Bool("success", err == nil),
	))

	if err != nil {
		d.log.WarnContext(ctx, "dispatch.failed",
			slog.String("task_id", task.ID),
			slog.String("agent", agent.Name()),
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
		return failureOutcome(task, latency, err), err
	}

	outcome.Latency = latency
	outcome.CostEstimate = tierCost[tier]
	d.log.InfoContext(ctx, "dispatch.complete",
		slog.String("task_id", task.ID),
		slog.String("agent", agent.Name()),
		slog.String("tier", string(tier)),
		slog.Duration("latency", latency),
	)
	return outcome, nil
}

// acquireSlot blocks until a worker slot for the variant is free or the
// context ends.
func (d *Dispatcher) acquireSlot(ctx context.Context, variant string) (func(), error) {
	d.mu.Lock()
	slot, ok := d.slots[variant]
	if !ok {
		slot = make(chan struct{}, d.opts.Concurrency)
		d.slots[variant] = slot
	}
	d.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "canceled while queued for a worker slot", ctx.Err()).
			WithContext("agent", variant)
	}
}

func (d *Dispatcher) observeAttempt(ctx context.Context, agent string, tier core.Tier, attempt int, err error) {
	code := ""
	if err != nil {
		code = string(errors.CodeOf(err))
	}
	attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("tier", string(tier)),
		attribute.String("error_code", code),
	))
	d.log.DebugContext(ctx, "dispatch.attempt",
		slog.String("agent", agent),
		slog.String("tier", string(tier)),
		slog.Int("attempt", attempt),
		slog.String("error_code", code),
	)
}

// failureOutcome builds the terminal outcome for a failed dispatch.
func failureOutcome(task *core.Task, latency time.Duration, err error) *core.Outcome {
	return &core.Outcome{
		TaskID:       task.ID,
		Success:      false,
		ErrorCode:    string(errors.CodeOf(err)),
		Summary:      err.Error(),
		Latency:      latency,
		CostEstimate: tierCost[task.Tier],
		RecordedAt:   time.Now().UTC(),
		Signature:    core.Signature(task),
		Risk:         task.Risk,
	}
}

var (
	dispatchMetricsOnce sync.Once
	attemptCounter      metric.Int64Counter
	dispatchLatencyMs   metric.Float64Histogram
)

func initDispatchMetrics() {
	dispatchMetricsOnce.Do(func() {
		meter := otel.Meter("opsgate/dispatch")
		attemptCounter, _ = meter.Int64Counter("opsgate.dispatch.attempt.count")
		dispatchLatencyMs, _ = meter.Float64Histogram("opsgate.dispatch.latency_ms")
	})
}
