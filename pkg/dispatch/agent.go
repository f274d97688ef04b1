// SPDX-License-Identifier: Apache-2.0
// Package dispatch routes classified tasks to capability-typed agent variants
// and drives their execution with bounded retries and worker timeouts.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsgate/opsgate/pkg/core"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/tools"
)

// Agent executes tasks against a set of target classes it is capable of.
// Implementations are black boxes from the dispatcher's point of view: they
// receive a task and produce an outcome or an error.
type Agent interface {
	// Name identifies the agent variant for logging and telemetry.
	Name() string

	// Capabilities returns the target classes this agent can operate on.
	Capabilities() []string

	// Execute performs the task. The context carries the worker deadline.
	Execute(ctx context.Context, task *core.Task) (*core.Outcome, error)
}

// tierCost estimates the per-attempt cost of running at a tier. Used for the
// outcome's cost accounting, not for billing.
var tierCost = map[core.Tier]float64{
	core.TierEconomy:  0.01,
	core.TierStandard: 0.05,
	core.TierPremium:  0.25,
}

// InfraOpsAgent performs mutating operations (restarts, scaling, config
// pushes) against infrastructure targets through an external tool adapter.
type InfraOpsAgent struct {
	invoker tools.Invoker
	targets []string
}

// NewInfraOpsAgent creates an infra-ops agent over the given invoker.
func NewInfraOpsAgent(invoker tools.Invoker, targets ...string) *InfraOpsAgent {
	if len(targets) == 0 {
		targets = []string{"container-platform", "hypervisor", "dns", "cdn"}
	}
	return &InfraOpsAgent{invoker: invoker, targets: targets}
}

// Name implements Agent.
func (a *InfraOpsAgent) Name() string { return "infra-ops" }

// Capabilities implements Agent.
func (a *InfraOpsAgent) Capabilities() []string { return a.targets }

// Execute implements Agent.
func (a *InfraOpsAgent) Execute(ctx context.Context, task *core.Task) (*core.Outcome, error) {
	return runTool(ctx, a.invoker, task, "infra_operate")
}

// NetworkMonitorAgent runs read-only probes (health checks, reachability,
// DNS resolution) against network targets.
type NetworkMonitorAgent struct {
	invoker tools.Invoker
	targets []string
}

// NewNetworkMonitorAgent creates a network-monitor agent over the given invoker.
func NewNetworkMonitorAgent(invoker tools.Invoker, targets ...string) *NetworkMonitorAgent {
	if len(targets) == 0 {
		targets = []string{"vpn", "adblock-dns", "network"}
	}
	return &NetworkMonitorAgent{invoker: invoker, targets: targets}
}

// Name implements Agent.
func (a *NetworkMonitorAgent) Name() string { return "network-monitor" }

// Capabilities implements Agent.
func (a *NetworkMonitorAgent) Capabilities() []string { return a.targets }

// Execute implements Agent.
func (a *NetworkMonitorAgent) Execute(ctx context.Context, task *core.Task) (*core.Outcome, error) {
	return runTool(ctx, a.invoker, task, "network_probe")
}

// runTool invokes the adapter tool for a task. The tool name can be pinned
// via the task context; otherwise the agent's default tool is used.
func runTool(ctx context.Context, invoker tools.Invoker, task *core.Task, defaultTool string) (*core.Outcome, error) {
	tool := defaultTool
	if name, ok := task.Context["tool"]; ok && name != "" {
		tool = name
	}

	args := map[string]any{
		"objective": task.Objective,
		"target":    task.Target,
	}
	for k, v := range task.Context {
		if k == "tool" {
			continue
		}
		args[k] = v
	}

	start := time.Now()
	result, err := invoker.Invoke(ctx, tool, args)
	latency := time.Since(start)
	if err != nil {
		return nil, errors.AsOpsError(err).
			WithContext("task_id", task.ID).
			WithContext("tool", tool)
	}

	return &core.Outcome{
		TaskID:       task.ID,
		Success:      true,
		Summary:      summarize(result),
		Latency:      latency,
		CostEstimate: tierCost[task.Tier],
		RecordedAt:   time.Now().UTC(),
		Signature:    core.Signature(task),
		Risk:         task.Risk,
	}, nil
}

func summarize(result any) string {
	switch v := result.(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
