// Package notify delivers approval notices through an external channel.
// The transport's security mechanics are out of scope; only delivery
// semantics matter here (best-effort with retry, never task-fatal).
package notify

import (
	"context"
	"log/slog"
	"time"
)

// ApprovalNotice carries enough context for a human decision.
type ApprovalNotice struct {
	TaskID      string    `json:"task_id"`
	Objective   string    `json:"objective"`
	Target      string    `json:"target"`
	RiskSummary string    `json:"risk_summary"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Notifier sends approval notices to the external channel.
type Notifier interface {
	Send(ctx context.Context, notice ApprovalNotice) error
}

// LogNotifier writes notices to the structured log. Useful for development
// and as a fallback when no webhook is configured.
type LogNotifier struct{}

// Send implements Notifier.
func (LogNotifier) Send(ctx context.Context, notice ApprovalNotice) error {
	slog.Default().InfoContext(ctx, "notify.approval",
		slog.String("task_id", notice.TaskID),
		slog.String("objective", notice.Objective),
		slog.String("target", notice.Target),
		slog.String("risk_summary", notice.RiskSummary),
		slog.Time("expires_at", notice.ExpiresAt),
	)
	return nil
}
