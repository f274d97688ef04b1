package core

import "time"

// Outcome is the append-only record of a terminal task transition.
// It is never mutated after creation; exactly one outcome exists per
// terminal transition.
type Outcome struct {
	TaskID       string        `json:"task_id"`
	Seq          int64         `json:"seq"`
	Success      bool          `json:"success"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Latency      time.Duration `json:"latency"`
	CostEstimate float64       `json:"cost_estimate"`
	RecordedAt   time.Time     `json:"recorded_at"`

	// Signature and Risk are denormalized from the task so the learning
	// cycle can group outcomes without re-reading tasks.
	Signature string    `json:"signature,omitempty"`
	Risk      RiskLevel `json:"risk,omitempty"`
}

// Checkpoint is the durable record of a task transition, written before any
// externally visible effect of that transition.
type Checkpoint struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Seq    int64      `json:"seq"`
	At     time.Time  `json:"at"`
}
