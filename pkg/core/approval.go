package core

import "time"

// ApprovalStatus captures the lifecycle of a human approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Open reports whether the approval is still awaiting a decision.
func (s ApprovalStatus) Open() bool {
	return s == ApprovalPending
}

// ApprovalRequest is the durable record of a suspended task awaiting a human
// decision. At most one open request exists per task at any time.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	RiskSummary string         `json:"risk_summary"`
	Status      ApprovalStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
