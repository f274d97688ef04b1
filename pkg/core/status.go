package core

// TaskStatus describes the lifecycle state of a task. Transitions are
// monotonic along the state graph; a task is never reset to an earlier state.
type TaskStatus string

const (
	StatusNew              TaskStatus = "new"
	StatusClassified       TaskStatus = "classified"
	StatusAutoExecuting    TaskStatus = "auto_executing"
	StatusAwaitingApproval TaskStatus = "awaiting_approval"
	StatusCompleted        TaskStatus = "completed"
	StatusFailed           TaskStatus = "failed"
	StatusRejected         TaskStatus = "rejected"
	StatusExpired          TaskStatus = "expired"
)

// transitions is the closed state graph. Terminal states are absorbing and
// have no outgoing edges.
var transitions = map[TaskStatus][]TaskStatus{
	StatusNew:              {StatusClassified},
	StatusClassified:       {StatusAutoExecuting, StatusAwaitingApproval},
	StatusAutoExecuting:    {StatusCompleted, StatusFailed},
	StatusAwaitingApproval: {StatusAutoExecuting, StatusRejected, StatusExpired},
}

// IsTerminal reports whether the status is absorbing.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
