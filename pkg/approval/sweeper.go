// SPDX-License-Identifier: Apache-2.0
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Expirer is implemented by services that can expire pending approvals.
type Expirer interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// Sweeper periodically expires overdue approval requests.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the expirer. interval is the sweep
// period; timeout bounds a single sweep (0 disables the bound).
func NewSweeper(expirer Expirer, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		timeout:  timeout,
		log:      slog.Default(),
	}
}

// Start launches the sweep loop. A second Start replaces a running loop.
func (s *Sweeper) Start() {
	if s.interval <= 0 || s.expirer == nil {
		s.log.Info("sweeper.disabled", slog.Duration("interval", s.interval))
		return
	}
	if s.cancel != nil {
		s.Stop()
	}
	initSweepMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.log.Info("sweeper.start", slog.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				s.log.Info("sweeper.stop")
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	sweepCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		sweepCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	sweepCtx, span := otel.Tracer("opsgate/approval").Start(sweepCtx, "approval.sweep",
		trace.WithAttributes(attribute.String("timeout", s.timeout.String())),
	)
	defer span.End()

	start := time.Now()
	expired, err := s.expirer.ExpireApprovals(sweepCtx)
	durationMs := float64(time.Since(start).Seconds() * 1000)
	sweepCounter.Add(ctx, 1)
	sweepLatencyMs.Record(ctx, durationMs)
	if err != nil {
		sweepErrorCounter.Add(ctx, 1)
		span.RecordError(err)
		s.log.Warn("sweeper.sweep.error",
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	if expired > 0 {
		expiredCounter.Add(ctx, int64(expired))
	}
	span.SetAttributes(
		attribute.Int("expired", expired),
		attribute.Float64("duration_ms", durationMs),
	)
	s.log.Info("sweeper.sweep",
		slog.Int("expired", expired),
		slog.Float64("duration_ms", durationMs),
	)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.done != nil {
		<-s.done
	}
	s.cancel = nil
	s.done = nil
}

var (
	sweepMetricsOnce  sync.Once
	sweepCounter      metric.Int64Counter
	sweepErrorCounter metric.Int64Counter
	expiredCounter    metric.Int64Counter
	sweepLatencyMs    metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("opsgate/approval")
		sweepCounter, _ = meter.Int64Counter("opsgate.approval.sweep.count")
		sweepErrorCounter, _ = meter.Int64Counter("opsgate.approval.sweep.error.count")
		expiredCounter, _ = meter.Int64Counter("opsgate.approval.expired.count")
		sweepLatencyMs, _ = meter.Float64Histogram("opsgate.approval.sweep.latency_ms")
	})
}
