// Package progress tracks per-task checkpoint ledgers and detects
// stalled and timed-out work. Each tracked task carries an append-only
// ledger; a terminal checkpoint is recorded at most once no matter how
// many paths race to close the task.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// AlertFunc is invoked by the sweep loop when a task stalls or times
// out
type AlertFunc func(taskID uuid.UUID, agentType string)

type taskRecord struct {
	taskID       uuid.UUID
	agentType    string
	priority     types.Priority
	state        types.TaskState
	ledger       []types.Checkpoint
	profile      config.TaskProfile
	startedAt    time.Time
	deadline     time.Time
	lastActivity time.Time
	finishedAt   time.Time
	toolUsage    int
}

// Monitor owns the checkpoint ledgers for every tracked task
type Monitor struct {
	config  config.ProgressConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	onStall   AlertFunc
	onTimeout AlertFunc
	onEvict   func(taskID uuid.UUID)

	mu    sync.RWMutex
	tasks map[uuid.UUID]*taskRecord

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewMonitor creates a progress monitor
func NewMonitor(cfg config.ProgressConfig, logger *logging.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		config:  cfg,
		logger:  logger,
		metrics: m,
		tasks:   make(map[uuid.UUID]*taskRecord),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetOnStall registers the stall alert hook. Must be called before
// Start.
func (m *Monitor) SetOnStall(fn AlertFunc) { m.onStall = fn }

// SetOnTimeout registers the timeout alert hook. Must be called before
// Start.
func (m *Monitor) SetOnTimeout(fn AlertFunc) { m.onTimeout = fn }

// SetOnEvict registers the hook fired when a terminal record ages out
// of retention. Must be called before Start.
func (m *Monitor) SetOnEvict(fn func(taskID uuid.UUID)) { m.onEvict = fn }

// Start launches the sweep loop
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.NewValidationError("progress monitor is already running")
	}
	m.running = true
	m.mu.Unlock()

	go m.sweepLoop()
	return nil
}

// Stop halts the sweep loop. Ledgers stay readable after Stop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// Register records a submitted task as NOT_STARTED so its state is
// queryable while it waits for a dispatch slot. No checkpoint is
// appended; the ledger opens with START when the task is tracked.
func (m *Monitor) Register(task *types.TaskDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.TaskID]; exists {
		return errors.NewValidationError(fmt.Sprintf("task %s is already registered", task.TaskID))
	}

	m.tasks[task.TaskID] = &taskRecord{
		taskID:    task.TaskID,
		agentType: task.AgentType,
		priority:  task.Priority,
		state:     types.TaskStateNotStarted,
		profile:   m.config.ProfileFor(task.AgentType),
	}
	return nil
}

// Forget drops a registered task that never entered the queue, undoing
// a Register when submission fails
func (m *Monitor) Forget(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.tasks[taskID]; ok && record.state == types.TaskStateNotStarted {
		delete(m.tasks, taskID)
	}
}

// Track begins monitoring a dispatched task. The ledger opens with a
// START checkpoint and the task's hard deadline is fixed from its
// profile. A task registered at submission moves NOT_STARTED→RUNNING.
func (m *Monitor) Track(task *types.TaskDescriptor) error {
	now := time.Now()
	profile := m.config.ProfileFor(task.AgentType)

	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.tasks[task.TaskID]
	if exists && record.state != types.TaskStateNotStarted {
		return errors.NewValidationError(fmt.Sprintf("task %s is already tracked", task.TaskID))
	}
	if !exists {
		record = &taskRecord{
			taskID:    task.TaskID,
			agentType: task.AgentType,
			priority:  task.Priority,
			profile:   profile,
		}
		m.tasks[task.TaskID] = record
	}

	record.state = types.TaskStateRunning
	record.startedAt = now
	record.deadline = now.Add(profile.Timeout)
	record.lastActivity = now
	record.ledger = append(record.ledger, types.Checkpoint{
		TaskID:    task.TaskID,
		Type:      types.CheckpointStart,
		Timestamp: now,
		Payload:   map[string]interface{}{"agent_type": task.AgentType, "deadline": record.deadline},
	})

	m.metrics.RecordCheckpoint(string(types.CheckpointStart))
	return nil
}

// Checkpoint appends a non-terminal progress marker. TOOL_USAGE resets
// the stall clock and counts toward the minimum tool-usage bar; any
// checkpoint returns a stalled task to running.
func (m *Monitor) Checkpoint(taskID uuid.UUID, checkpointType types.CheckpointType, payload map[string]interface{}) error {
	if checkpointType.IsTerminal() {
		return errors.NewValidationError(fmt.Sprintf("checkpoint type %s is terminal; use Complete or Fail", checkpointType))
	}
	if checkpointType == types.CheckpointStart {
		return errors.NewValidationError("START checkpoints are recorded when tracking begins")
	}

	m.mu.Lock()
	record, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError(fmt.Sprintf("task %s", taskID))
	}
	if record.state.IsTerminal() {
		m.mu.Unlock()
		return errors.NewValidationError(fmt.Sprintf("task %s has already finished", taskID))
	}

	now := time.Now()
	record.ledger = append(record.ledger, types.Checkpoint{
		TaskID:    taskID,
		Type:      checkpointType,
		Timestamp: now,
		Payload:   payload,
	})
	record.lastActivity = now
	if checkpointType == types.CheckpointToolUsage {
		record.toolUsage++
	}

	recovered := record.state == types.TaskStateStalled
	if recovered {
		record.state = types.TaskStateRunning
	}
	agentType := record.agentType
	m.mu.Unlock()

	m.metrics.RecordCheckpoint(string(checkpointType))
	if recovered {
		m.logger.Info("Stalled task resumed activity",
			"task_id", taskID.String(), "agent_type", agentType, "checkpoint", string(checkpointType))
	}
	return nil
}

// Complete closes the ledger with a COMPLETION checkpoint. The boolean
// reports whether this call won the close; false means another path
// already recorded a terminal checkpoint.
func (m *Monitor) Complete(taskID uuid.UUID, payload map[string]interface{}) (bool, error) {
	return m.finish(taskID, types.TaskStateCompleted, types.CheckpointCompletion, "", payload)
}

// Fail closes the ledger with an ERROR checkpoint
func (m *Monitor) Fail(taskID uuid.UUID, reason string, payload map[string]interface{}) (bool, error) {
	return m.finish(taskID, types.TaskStateErrored, types.CheckpointError, reason, payload)
}

// Abort records a terminal ERROR for a task that never started running,
// typically one drained from the queue during shutdown. Aborting an
// untracked task creates its ledger so the disposition is queryable.
func (m *Monitor) Abort(taskID uuid.UUID, agentType string, reason string) bool {
	m.mu.Lock()
	record, ok := m.tasks[taskID]
	if !ok {
		record = &taskRecord{
			taskID:    taskID,
			agentType: agentType,
			state:     types.TaskStateNotStarted,
		}
		m.tasks[taskID] = record
	}
	if record.state.IsTerminal() {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	record.state = types.TaskStateErrored
	record.finishedAt = now
	record.ledger = append(record.ledger, types.Checkpoint{
		TaskID:    taskID,
		Type:      types.CheckpointError,
		Timestamp: now,
		Payload:   map[string]interface{}{"reason": reason},
	})
	m.mu.Unlock()

	m.metrics.RecordCheckpoint(string(types.CheckpointError))
	return true
}

func (m *Monitor) finish(taskID uuid.UUID, state types.TaskState, checkpointType types.CheckpointType, reason string, payload map[string]interface{}) (bool, error) {
	m.mu.Lock()
	record, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return false, errors.NewNotFoundError(fmt.Sprintf("task %s", taskID))
	}
	if record.state.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}

	if reason != "" {
		if payload == nil {
			payload = make(map[string]interface{})
		}
		payload["reason"] = reason
	}

	now := time.Now()
	record.state = state
	record.finishedAt = now
	record.ledger = append(record.ledger, types.Checkpoint{
		TaskID:    taskID,
		Type:      checkpointType,
		Timestamp: now,
		Payload:   payload,
	})
	m.mu.Unlock()

	m.metrics.RecordCheckpoint(string(checkpointType))
	return true, nil
}

// State returns a task's current lifecycle state
func (m *Monitor) State(taskID uuid.UUID) (types.TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.tasks[taskID]
	if !ok {
		return "", errors.NewNotFoundError(fmt.Sprintf("task %s", taskID))
	}
	return record.state, nil
}

// Ledger returns a copy of a task's checkpoint ledger
func (m *Monitor) Ledger(taskID uuid.UUID) ([]types.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("task %s", taskID))
	}

	ledger := make([]types.Checkpoint, len(record.ledger))
	copy(ledger, record.ledger)
	return ledger, nil
}

// Status returns the status view for one task
func (m *Monitor) Status(taskID uuid.UUID) (types.TaskStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.tasks[taskID]
	if !ok {
		return types.TaskStatus{}, errors.NewNotFoundError(fmt.Sprintf("task %s", taskID))
	}
	return record.status(), nil
}

// Snapshot returns status views for every tracked task, terminal ones
// included
func (m *Monitor) Snapshot() []types.TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]types.TaskStatus, 0, len(m.tasks))
	for _, record := range m.tasks {
		statuses = append(statuses, record.status())
	}
	return statuses
}

func (r *taskRecord) status() types.TaskStatus {
	status := types.TaskStatus{
		TaskID:      r.taskID,
		AgentType:   r.agentType,
		Priority:    r.priority,
		State:       r.state,
		Checkpoints: len(r.ledger),
	}
	if !r.startedAt.IsZero() {
		startedAt := r.startedAt
		deadline := r.deadline
		lastActivity := r.lastActivity
		status.StartedAt = &startedAt
		status.Deadline = &deadline
		status.LastActivity = &lastActivity
	}
	return status
}

func (m *Monitor) sweepLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep marks overdue tasks timed out and inactive tasks stalled.
// Alert hooks fire after the lock is released.
func (m *Monitor) sweep(now time.Time) {
	type alert struct {
		taskID    uuid.UUID
		agentType string
		timeout   bool
	}

	m.mu.Lock()
	var alerts []alert
	var evicted []uuid.UUID
	for _, record := range m.tasks {
		if record.state.IsTerminal() {
			if m.config.Retention > 0 && now.Sub(record.finishedAt) > m.config.Retention {
				delete(m.tasks, record.taskID)
				evicted = append(evicted, record.taskID)
			}
			continue
		}
		if record.state == types.TaskStateNotStarted {
			continue
		}

		if now.After(record.deadline) {
			record.state = types.TaskStateTimedOut
			record.finishedAt = now
			record.ledger = append(record.ledger, types.Checkpoint{
				TaskID:    record.taskID,
				Type:      types.CheckpointError,
				Timestamp: now,
				Payload:   map[string]interface{}{"reason": "hard timeout exceeded"},
			})
			alerts = append(alerts, alert{record.taskID, record.agentType, true})
			continue
		}

		if record.state != types.TaskStateRunning {
			continue
		}

		stalled := now.Sub(record.lastActivity) > record.profile.StallTimeout
		if !stalled && record.toolUsage < record.profile.MinToolUsage {
			// A task that has produced no verifiable tool activity by
			// the end of the grace window is treated as stalled even if
			// it keeps emitting other checkpoints.
			stalled = now.Sub(record.startedAt) > m.config.ToolUsageGrace
		}
		if stalled {
			record.state = types.TaskStateStalled
			alerts = append(alerts, alert{record.taskID, record.agentType, false})
		}
	}
	m.mu.Unlock()

	if m.onEvict != nil {
		for _, taskID := range evicted {
			m.onEvict(taskID)
		}
	}

	for _, a := range alerts {
		if a.timeout {
			m.metrics.RecordTimeout(a.agentType)
			m.metrics.RecordCheckpoint(string(types.CheckpointError))
			m.logger.Error("Task exceeded its hard deadline",
				"task_id", a.taskID.String(), "agent_type", a.agentType)
			if m.onTimeout != nil {
				m.onTimeout(a.taskID, a.agentType)
			}
		} else {
			m.metrics.RecordStall(a.agentType)
			m.logger.Warn("Task stalled",
				"task_id", a.taskID.String(), "agent_type", a.agentType)
			if m.onStall != nil {
				m.onStall(a.taskID, a.agentType)
			}
		}
	}
}
