package types

import (
	"time"

	"github.com/google/uuid"
)

// Priority determines dispatch order. Higher values dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to a Priority value
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	default:
		return 0, false
	}
}

// TaskState represents the lifecycle state of a tracked task
type TaskState string

const (
	TaskStateNotStarted TaskState = "not_started"
	TaskStateRunning    TaskState = "running"
	TaskStateStalled    TaskState = "stalled"
	TaskStateCompleted  TaskState = "completed"
	TaskStateTimedOut   TaskState = "timed_out"
	TaskStateErrored    TaskState = "errored"
)

// IsTerminal reports whether the state admits no further transitions
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateTimedOut, TaskStateErrored:
		return true
	default:
		return false
	}
}

// TaskDescriptor describes a submitted unit of work. It is immutable for
// the task's lifetime; the payload is opaque to the supervision core.
type TaskDescriptor struct {
	TaskID         uuid.UUID              `json:"task_id"`
	AgentType      string                 `json:"agent_type"`
	Priority       Priority               `json:"priority"`
	Payload        map[string]interface{} `json:"payload"`
	CriticalPath   bool                   `json:"critical_path"`
	OriginTaskID   *uuid.UUID             `json:"origin_task_id,omitempty"`
	AttemptedTypes []string               `json:"attempted_types,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NewTaskDescriptor creates a descriptor for a fresh submission
func NewTaskDescriptor(agentType string, payload map[string]interface{}, priority Priority, criticalPath bool) *TaskDescriptor {
	return &TaskDescriptor{
		TaskID:       uuid.New(),
		AgentType:    agentType,
		Priority:     priority,
		Payload:      payload,
		CriticalPath: criticalPath,
		CreatedAt:    time.Now(),
	}
}

// Redeploy derives a descriptor for a backup attempt of this task. The new
// descriptor carries a fresh task ID, references the original, and records
// the agent types already tried.
func (t *TaskDescriptor) Redeploy(backupType string) *TaskDescriptor {
	origin := t.TaskID
	if t.OriginTaskID != nil {
		origin = *t.OriginTaskID
	}
	attempted := make([]string, 0, len(t.AttemptedTypes)+1)
	attempted = append(attempted, t.AttemptedTypes...)
	attempted = append(attempted, t.AgentType)

	return &TaskDescriptor{
		TaskID:         uuid.New(),
		AgentType:      backupType,
		Priority:       t.Priority,
		Payload:        t.Payload,
		CriticalPath:   t.CriticalPath,
		OriginTaskID:   &origin,
		AttemptedTypes: attempted,
		CreatedAt:      time.Now(),
	}
}

// CheckpointType classifies a progress checkpoint
type CheckpointType string

const (
	CheckpointStart      CheckpointType = "START"
	CheckpointMilestone  CheckpointType = "MILESTONE"
	CheckpointToolUsage  CheckpointType = "TOOL_USAGE"
	CheckpointValidation CheckpointType = "VALIDATION"
	CheckpointCompletion CheckpointType = "COMPLETION"
	CheckpointError      CheckpointType = "ERROR"
)

// IsTerminal reports whether the checkpoint closes its task's ledger
func (c CheckpointType) IsTerminal() bool {
	return c == CheckpointCompletion || c == CheckpointError
}

// ParseCheckpointType converts a checkpoint type name to a
// CheckpointType value
func ParseCheckpointType(s string) (CheckpointType, bool) {
	switch t := CheckpointType(s); t {
	case CheckpointStart, CheckpointMilestone, CheckpointToolUsage,
		CheckpointValidation, CheckpointCompletion, CheckpointError:
		return t, true
	default:
		return "", false
	}
}

// Checkpoint is a single append-only progress marker in a task's ledger
type Checkpoint struct {
	TaskID    uuid.UUID              `json:"task_id"`
	Type      CheckpointType         `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ResourceSnapshot is one periodic sample of host and scheduler load
type ResourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	MemoryMB    float64   `json:"memory_mb"`
	CPUPercent  float64   `json:"cpu_percent"`
	ActiveCount int       `json:"active_count"`
}

// HealthStatus is the derived severity of a resource snapshot
type HealthStatus string

const (
	HealthOK       HealthStatus = "OK"
	HealthAlert    HealthStatus = "ALERT"
	HealthCritical HealthStatus = "CRITICAL"
)

// HealthReport pairs the latest snapshot with its derived status
type HealthReport struct {
	Status   HealthStatus     `json:"status"`
	Snapshot ResourceSnapshot `json:"snapshot"`
	Sampling bool             `json:"sampling_healthy"`
	Reason   string           `json:"reason,omitempty"`
}

// CircuitStateName is the admission state of one agent type's circuit
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "CLOSED"
	CircuitOpen     CircuitStateName = "OPEN"
	CircuitHalfOpen CircuitStateName = "HALF_OPEN"
)

// CircuitSnapshot is a read-only view of one circuit's state
type CircuitSnapshot struct {
	AgentType    string           `json:"agent_type"`
	State        CircuitStateName `json:"state"`
	FailureCount int              `json:"failure_count"`
	OpenedAt     *time.Time       `json:"opened_at,omitempty"`
	Cooldown     time.Duration    `json:"cooldown"`
}

// RecoveryPlan records the backup attempts made for a failed task
type RecoveryPlan struct {
	TaskID           uuid.UUID `json:"task_id"`
	FailedAgentType  string    `json:"failed_agent_type"`
	BackupCandidates []string  `json:"backup_candidates"`
	AttemptsMade     int       `json:"attempts_made"`
}

// Exhausted reports whether every configured candidate has been tried
func (p *RecoveryPlan) Exhausted() bool {
	return p.AttemptsMade >= len(p.BackupCandidates)
}

// FailureReport is the structured record surfaced when recovery is
// exhausted or a critical-path task escalates
type FailureReport struct {
	TaskID       uuid.UUID         `json:"task_id"`
	AgentType    string            `json:"agent_type"`
	FailureChain []string          `json:"failure_chain"`
	AttemptsMade int               `json:"attempts_made"`
	Escalated    bool              `json:"escalated"`
	Snapshot     *ResourceSnapshot `json:"resource_snapshot,omitempty"`
	Reason       string            `json:"reason"`
	Timestamp    time.Time         `json:"timestamp"`
}

// TaskStatus is the per-task view returned by workflow status queries
type TaskStatus struct {
	TaskID       uuid.UUID  `json:"task_id"`
	AgentType    string     `json:"agent_type"`
	Priority     Priority   `json:"priority"`
	State        TaskState  `json:"state"`
	Checkpoints  int        `json:"checkpoints"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// WorkflowStatus aggregates the supervisor's observable state
type WorkflowStatus struct {
	ActiveTasks      []TaskStatus      `json:"active_tasks"`
	CircuitStates    []CircuitSnapshot `json:"circuit_states"`
	ResourceSnapshot ResourceSnapshot  `json:"resource_snapshot"`
	ResourceStatus   HealthStatus      `json:"resource_status"`
	QueueDepth       int               `json:"queue_depth"`
	QueueByPriority  map[string]int    `json:"queue_by_priority"`
	FailureReports   []FailureReport   `json:"failure_reports,omitempty"`
}
