// SPDX-License-Identifier: Apache-2.0
// Package learning derives new policy versions from recorded outcomes. A
// periodic cycle reads the outcome log past its high-water mark, scores each
// signature class, adjusts risk thresholds and tier assignments, and
// publishes the next policy version through a compare-and-set.
package learning

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
	"github.com/opsgate/opsgate/pkg/memory"
	"github.com/opsgate/opsgate/pkg/policy"
	"github.com/opsgate/opsgate/pkg/store"
)

// Weights tune the reward function and adjustment bands.
type Weights struct {
	// Success, Failure and Rejection weigh the respective outcomes in the
	// per-signature reward. A human rejection signals the classifier let a
	// task through that should never have been auto-classified, so it
	// weighs heavier than a plain failure.
	Success   float64
	Failure   float64
	Rejection float64

	// EscalateFailureRate is the failure-rate band above which a
	// signature's risk and tier escalate.
	EscalateFailureRate float64

	// RelaxRejectionRate is the rejection-rate band at or below which a
	// clean signature (no failures) relaxes one risk level.
	RelaxRejectionRate float64
}

// DefaultWeights mirror the configuration defaults.
func DefaultWeights() Weights {
	return Weights{
		Success:             1.0,
		Failure:             1.0,
		Rejection:           3.0,
		EscalateFailureRate: 0.5,
		RelaxRejectionRate:  0.0,
	}
}

// Cycle runs the learning loop. All runs are mutually exclusive; the
// policy store's CAS keeps concurrent publishers (other replicas) safe.
type Cycle struct {
	outcomes store.OutcomeStore
	policies store.PolicyStore
	memory   memory.Store
	weights  Weights
	emitter  core.EventEmitter
	log      *slog.Logger

	mu        sync.Mutex
	highWater int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCycle creates a learning cycle. mem may be a NullStore.
func NewCycle(outcomes store.OutcomeStore, policies store.PolicyStore, mem memory.Store, weights Weights) *Cycle {
	if mem == nil {
		mem = memory.NullStore{}
	}
	initLearningMetrics()
	return &Cycle{
		outcomes: outcomes,
		policies: policies,
		memory:   mem,
		weights:  weights,
		emitter:  core.NoopEventEmitter{},
		log:      slog.Default(),
	}
}

// SetEmitter replaces the event emitter. Must be called before Start.
func (c *Cycle) SetEmitter(emitter core.EventEmitter) {
	if emitter != nil {
		c.emitter = emitter
	}
}

// signatureStats aggregates the outcome window for one signature class.
type signatureStats struct {
	total      int
	successes  int
	failures   int
	rejections int
	reward     float64
	lastRisk   core.RiskLevel
}

// Run executes one learning pass. A window with no new outcomes is a no-op
// and publishes nothing. A publish conflict means another writer derived a
// policy from overlapping data first; this cycle's derivation is discarded
// without retry and the window is replayed next run.
func (c *Cycle) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	window, err := c.outcomes.ListSince(ctx, c.highWater)
	if err != nil {
		return errors.New(errors.CodeStoreError, "read outcome window", err)
	}
	if len(window) == 0 {
		c.log.DebugContext(ctx, "learning.noop", slog.Int64("high_water", c.highWater))
		return nil
	}

	latest, err := c.policies.Latest(ctx)
	if err != nil {
		return errors.New(errors.CodeStoreError, "read latest policy", err)
	}

	stats := c.aggregate(window)
	next := latest.Next()
	adjusted := c.adjust(ctx, next, stats)

	if err := c.policies.Publish(ctx, latest.Version, next); err != nil {
		if errors.CodeOf(err) == errors.CodePolicyConflict {
			conflictCounter.Add(ctx, 1)
			c.log.WarnContext(ctx, "learning.publish.conflict",
				slog.Int64("expected_version", latest.Version),
			)
			return nil
		}
		return err
	}

	c.highWater = window[len(window)-1].Seq
	publishCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("adjusted", adjusted),
	))
	c.emitter.Emit(ctx, core.NewEvent(core.EventPolicyPublished, "", map[string]any{
		"version":  next.Version,
		"adjusted": adjusted,
	}))
	c.log.InfoContext(ctx, "learning.publish",
		slog.Int64("version", next.Version),
		slog.Int("outcomes", len(window)),
		slog.Int("signatures", len(stats)),
		slog.Int("adjusted", adjusted),
		slog.Int64("high_water", c.highWater),
	)
	return nil
}

func (c *Cycle) aggregate(window []*core.Outcome) map[string]*signatureStats {
	stats := make(map[string]*signatureStats)
	for _, out := range window {
		sig := out.Signature
		if sig == "" {
			continue
		}
		s, ok := stats[sig]
		if !ok {
			s = &signatureStats{}
			stats[sig] = s
		}
		s.total++
		s.lastRisk = out.Risk
		switch {
		case out.Success:
			s.successes++
			s.reward += c.weights.Success
		case out.ErrorCode == string(errors.CodeHumanRejected):
			s.rejections++
			s.reward -= c.weights.Rejection
		default:
			s.failures++
			s.reward -= c.weights.Failure
		}
	}
	return stats
}

// adjust mutates next in place and returns the number of signatures whose
// policy moved.
func (c *Cycle) adjust(ctx context.Context, next *policy.State, stats map[string]*signatureStats) int {
	adjusted := 0
	for sig, s := range stats {
		failureRate := float64(s.failures) / float64(s.total)
		rejectionRate := float64(s.rejections) / float64(s.total)

		c.logRelatedIncidents(ctx, sig, s)

		current, known := next.RiskThresholds[sig]
		if !known {
			current = core.RiskHigh
		}

		switch {
		case failureRate >= c.weights.EscalateFailureRate || s.rejections > 0:
			if up := riskUp(current); up != current || !known {
				next.RiskThresholds[sig] = up
				adjusted++
			}
			if tier, ok := next.TierAssignments[sig]; ok {
				next.TierAssignments[sig] = tier.Escalate()
			}
		case s.failures == 0 && rejectionRate <= c.weights.RelaxRejectionRate && s.reward > 0:
			if down := riskDown(current); down != current || !known {
				next.RiskThresholds[sig] = down
				adjusted++
			}
		}
	}
	return adjusted
}

// logRelatedIncidents pulls matching past episodes from vector memory for
// the operator-facing log; retrieval trouble is ignored.
func (c *Cycle) logRelatedIncidents(ctx context.Context, sig string, s *signatureStats) {
	if s.failures == 0 && s.rejections == 0 {
		return
	}
	incidents, err := c.memory.SearchRelated(ctx, sig, 3)
	if err != nil || len(incidents) == 0 {
		return
	}
	c.log.InfoContext(ctx, "learning.related_incidents",
		slog.String("signature", sig),
		slog.Int("count", len(incidents)),
	)
}

func riskUp(level core.RiskLevel) core.RiskLevel {
	switch level {
	case core.RiskLow:
		return core.RiskMedium
	case core.RiskMedium:
		return core.RiskHigh
	default:
		return core.RiskHigh
	}
}

func riskDown(level core.RiskLevel) core.RiskLevel {
	switch level {
	case core.RiskHigh:
		return core.RiskMedium
	case core.RiskMedium:
		return core.RiskLow
	default:
		return core.RiskLow
	}
}

// Start launches the periodic loop. ForceRun remains available while the
// loop runs; the mutex serializes them.
func (c *Cycle) Start(interval time.Duration) {
	if interval <= 0 {
		c.log.Info("learning.disabled", slog.Duration("interval", interval))
		return
	}
	if c.cancel != nil {
		c.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.log.Info("learning.start", slog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				c.log.Info("learning.stop")
				return
			case <-ticker.C:
				if err := c.Run(ctx); err != nil {
					c.log.WarnContext(ctx, "learning.run.error", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// ForceRun triggers an immediate pass, for the control surface.
func (c *Cycle) ForceRun(ctx context.Context) error {
	return c.Run(ctx)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (c *Cycle) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	if c.done != nil {
		<-c.done
	}
	c.cancel = nil
	c.done = nil
}

var (
	learningMetricsOnce sync.Once
	publishCounter      metric.Int64Counter
	conflictCounter     metric.Int64Counter
)

func initLearningMetrics() {
	learningMetricsOnce.Do(func() {
		meter := otel.Meter("opsgate/learning")
		publishCounter, _ = meter.Int64Counter("opsgate.learning.publish.count")
		conflictCounter, _ = meter.Int64Counter("opsgate.learning.publish.conflict.count")
	})
}
