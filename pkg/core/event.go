package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the router or dispatcher.
type EventType string

const (
	EventTaskSubmitted   EventType = "task.submitted"
	EventTaskClassified  EventType = "task.classified"
	EventTaskDispatched  EventType = "task.dispatched"
	EventTaskSuspended   EventType = "task.suspended"
	EventTaskResolved    EventType = "task.resolved"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
	EventPolicyPublished EventType = "policy.published"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	TaskID    string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, taskID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
