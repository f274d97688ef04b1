package core

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel classifies a task's potential for harmful or irreversible effect.
// High-risk tasks require human approval before execution.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Tier is an execution cost tier, ordered cheapest to most capable.
type Tier string

const (
	TierEconomy  Tier = "economy"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// tierOrder gives the escalation ordering of tiers.
var tierOrder = map[Tier]int{
	TierEconomy:  0,
	TierStandard: 1,
	TierPremium:  2,
}

// Less reports whether t is a cheaper tier than other.
func (t Tier) Less(other Tier) bool {
	return tierOrder[t] < tierOrder[other]
}

// Escalate returns the next tier up, or the same tier if already at the top.
func (t Tier) Escalate() Tier {
	switch t {
	case TierEconomy:
		return TierStandard
	case TierStandard:
		return TierPremium
	default:
		return t
	}
}

// Task is the unit of work routed through opsgate. It is owned exclusively
// by the router once admitted; the approval gate and dispatcher reference it
// by ID only.
type Task struct {
	ID        string            `json:"id"`
	Objective string            `json:"objective"`
	Target    string            `json:"target"`
	Risk      RiskLevel         `json:"risk,omitempty"`
	Status    TaskStatus        `json:"status"`
	Tier      Tier              `json:"tier,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Context   map[string]string `json:"context,omitempty"`

	// Terminal result fields, set once when the task reaches an
	// absorbing state.
	Result    string `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewTask creates a task in status new with a generated ID.
func NewTask(objective, target string, taskCtx map[string]string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Objective: objective,
		Target:    target,
		Status:    StatusNew,
		CreatedAt: time.Now().UTC(),
		Context:   taskCtx,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Context != nil {
		out.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			out.Context[k] = v
		}
	}
	return &out
}
