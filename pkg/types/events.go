package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags an Event variant
type EventType string

const (
	EventStallDetected     EventType = "stall_detected"
	EventTimeoutDetected   EventType = "timeout_detected"
	EventCircuitOpened     EventType = "circuit_opened"
	EventEmergencyShutdown EventType = "emergency_shutdown"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventBackupDeployed    EventType = "backup_deployed"
	EventStarvationAlert   EventType = "starvation_alert"
)

// Event is the tagged-variant notification delivered over the supervisor's
// internal channel. TaskID and AgentType are zero-valued when the variant
// does not concern a single task (e.g. emergency_shutdown).
type Event struct {
	Type      EventType              `json:"type"`
	TaskID    uuid.UUID              `json:"task_id,omitempty"`
	AgentType string                 `json:"agent_type,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// WithTask attaches the task identity the event concerns
func (e *Event) WithTask(taskID uuid.UUID, agentType string) *Event {
	e.TaskID = taskID
	e.AgentType = agentType
	return e
}

// WithReason attaches a human-readable cause
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithData attaches a single structured payload field
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}
