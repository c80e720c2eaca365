package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

func testConfig() config.ProgressConfig {
	return config.ProgressConfig{
		SweepInterval:  10 * time.Millisecond,
		ToolUsageGrace: 100 * time.Millisecond,
		Defaults: config.TaskProfile{
			Timeout:      time.Second,
			StallTimeout: 200 * time.Millisecond,
			MinToolUsage: 1,
		},
	}
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := metrics.NewMetricsWithRegisterer(nil, prometheus.NewRegistry())
	return NewMonitor(testConfig(), logging.GetLogger(), m)
}

// alertRecorder collects stall/timeout hook invocations
type alertRecorder struct {
	mu       sync.Mutex
	stalls   []uuid.UUID
	timeouts []uuid.UUID
}

func (r *alertRecorder) onStall(taskID uuid.UUID, agentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stalls = append(r.stalls, taskID)
}

func (r *alertRecorder) onTimeout(taskID uuid.UUID, agentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = append(r.timeouts, taskID)
}

func (r *alertRecorder) stallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stalls)
}

func (r *alertRecorder) timeoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timeouts)
}

func TestTrackOpensLedgerWithStart(t *testing.T) {
	m := newTestMonitor(t)
	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)

	require.NoError(t, m.Track(task))

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, state)

	ledger, err := m.Ledger(task.TaskID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, types.CheckpointStart, ledger[0].Type)

	// Double tracking is rejected.
	err = m.Track(task)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCheckpointAppendsAndRejectsTerminalTypes(t *testing.T) {
	m := newTestMonitor(t)
	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))

	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointToolUsage, map[string]interface{}{"tool": "grep"}))
	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointMilestone, nil))

	err := m.Checkpoint(task.TaskID, types.CheckpointCompletion, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	err = m.Checkpoint(task.TaskID, types.CheckpointStart, nil)
	require.Error(t, err)

	err = m.Checkpoint(uuid.New(), types.CheckpointMilestone, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	ledger, err := m.Ledger(task.TaskID)
	require.NoError(t, err)
	assert.Len(t, ledger, 3)
}

func TestTerminalCheckpointRecordedOnce(t *testing.T) {
	m := newTestMonitor(t)
	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))

	won, err := m.Complete(task.TaskID, nil)
	require.NoError(t, err)
	assert.True(t, won)

	// A racing failure path loses the close and must not append.
	won, err = m.Fail(task.TaskID, "executor error", nil)
	require.NoError(t, err)
	assert.False(t, won)

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCompleted, state)

	ledger, err := m.Ledger(task.TaskID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, types.CheckpointCompletion, ledger[1].Type)

	// Checkpoints after the close are rejected.
	err = m.Checkpoint(task.TaskID, types.CheckpointToolUsage, nil)
	require.Error(t, err)
}

func TestFailRecordsReason(t *testing.T) {
	m := newTestMonitor(t)
	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))

	won, err := m.Fail(task.TaskID, "executor returned error", nil)
	require.NoError(t, err)
	assert.True(t, won)

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateErrored, state)

	ledger, err := m.Ledger(task.TaskID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, types.CheckpointError, ledger[1].Type)
	assert.Equal(t, "executor returned error", ledger[1].Payload["reason"])
}

func TestSweepMarksStalledTask(t *testing.T) {
	m := newTestMonitor(t)
	rec := &alertRecorder{}
	m.SetOnStall(rec.onStall)

	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))
	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointToolUsage, nil))

	// Past the stall timeout with no further activity.
	m.sweep(time.Now().Add(300 * time.Millisecond))

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateStalled, state)
	assert.Equal(t, 1, rec.stallCount())

	// A second sweep does not re-alert while the task stays stalled.
	m.sweep(time.Now().Add(400 * time.Millisecond))
	assert.Equal(t, 1, rec.stallCount())
}

func TestStalledTaskRecoversOnActivity(t *testing.T) {
	m := newTestMonitor(t)
	rec := &alertRecorder{}
	m.SetOnStall(rec.onStall)

	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))
	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointToolUsage, nil))

	m.sweep(time.Now().Add(300 * time.Millisecond))
	state, _ := m.State(task.TaskID)
	require.Equal(t, types.TaskStateStalled, state)

	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointToolUsage, nil))

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, state)
}

func TestInsufficientToolUsageStallsAfterGrace(t *testing.T) {
	m := newTestMonitor(t)
	rec := &alertRecorder{}
	m.SetOnStall(rec.onStall)

	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))

	// Milestones keep the stall clock fresh but do not count as tool
	// usage.
	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointMilestone, nil))

	// Inside the grace window: still running.
	m.sweep(time.Now().Add(50 * time.Millisecond))
	state, _ := m.State(task.TaskID)
	assert.Equal(t, types.TaskStateRunning, state)

	// Keep activity fresh, then pass the grace window without any tool
	// usage.
	require.NoError(t, m.Checkpoint(task.TaskID, types.CheckpointMilestone, nil))
	m.sweep(time.Now().Add(150 * time.Millisecond))

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateStalled, state)
	assert.Equal(t, 1, rec.stallCount())
}

func TestSweepMarksTimedOutTaskTerminal(t *testing.T) {
	m := newTestMonitor(t)
	rec := &alertRecorder{}
	m.SetOnTimeout(rec.onTimeout)

	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(task))

	m.sweep(time.Now().Add(2 * time.Second))

	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateTimedOut, state)
	assert.Equal(t, 1, rec.timeoutCount())

	ledger, err := m.Ledger(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.CheckpointError, ledger[len(ledger)-1].Type)

	// Timed out is terminal: a late completion loses.
	won, err := m.Complete(task.TaskID, nil)
	require.NoError(t, err)
	assert.False(t, won)

	// Later sweeps skip the terminal record.
	m.sweep(time.Now().Add(3 * time.Second))
	assert.Equal(t, 1, rec.timeoutCount())
}

func TestAbortRecordsLedgerForQueuedTask(t *testing.T) {
	m := newTestMonitor(t)

	// Never tracked: Abort creates the ledger.
	taskID := uuid.New()
	assert.True(t, m.Abort(taskID, "analyzer", "emergency shutdown"))

	state, err := m.State(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateErrored, state)

	ledger, err := m.Ledger(taskID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, types.CheckpointError, ledger[0].Type)
	assert.Equal(t, "emergency shutdown", ledger[0].Payload["reason"])

	// Aborting an already-terminal task is a no-op.
	assert.False(t, m.Abort(taskID, "analyzer", "again"))
}

func TestSnapshotAndStatus(t *testing.T) {
	m := newTestMonitor(t)

	running := types.NewTaskDescriptor("analyzer", nil, types.PriorityHigh, false)
	finished := types.NewTaskDescriptor("builder", nil, types.PriorityLow, false)
	require.NoError(t, m.Track(running))
	require.NoError(t, m.Track(finished))
	_, err := m.Complete(finished.TaskID, nil)
	require.NoError(t, err)

	status, err := m.Status(running.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, status.State)
	assert.Equal(t, types.PriorityHigh, status.Priority)
	require.NotNil(t, status.Deadline)

	snapshot := m.Snapshot()
	assert.Len(t, snapshot, 2)
}

func TestRegisterMakesQueuedTaskObservable(t *testing.T) {
	m := newTestMonitor(t)
	task := types.NewTaskDescriptor("analyzer", nil, types.PriorityHigh, false)

	require.NoError(t, m.Register(task))

	// Queued tasks are queryable before dispatch, with an empty ledger.
	status, err := m.Status(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateNotStarted, status.State)
	assert.Zero(t, status.Checkpoints)
	assert.Nil(t, status.StartedAt)

	err = m.Register(task)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// The sweep leaves queued tasks alone; they have no deadline yet.
	m.sweep(time.Now().Add(time.Hour))
	state, err := m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateNotStarted, state)

	// Dispatch promotes the record and opens the ledger with START.
	require.NoError(t, m.Track(task))
	state, err = m.State(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, state)

	ledger, err := m.Ledger(task.TaskID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, types.CheckpointStart, ledger[0].Type)
}

func TestForgetDropsOnlyQueuedRecords(t *testing.T) {
	m := newTestMonitor(t)

	queued := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Register(queued))
	m.Forget(queued.TaskID)
	_, err := m.State(queued.TaskID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	tracked := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(tracked))
	m.Forget(tracked.TaskID)
	state, err := m.State(tracked.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, state)
}

func TestSweepEvictsTerminalRecordsAfterRetention(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = 50 * time.Millisecond
	m := NewMonitor(cfg, logging.GetLogger(), metrics.NewMetricsWithRegisterer(nil, prometheus.NewRegistry()))

	var evicted []uuid.UUID
	m.SetOnEvict(func(taskID uuid.UUID) { evicted = append(evicted, taskID) })

	finished := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	running := types.NewTaskDescriptor("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, m.Track(finished))
	require.NoError(t, m.Track(running))
	won, err := m.Complete(finished.TaskID, nil)
	require.NoError(t, err)
	require.True(t, won)

	// Within retention the record stays queryable.
	m.sweep(time.Now())
	_, err = m.Status(finished.TaskID)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	m.sweep(time.Now().Add(60 * time.Millisecond))
	_, err = m.Status(finished.TaskID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	require.Len(t, evicted, 1)
	assert.Equal(t, finished.TaskID, evicted[0])

	// Non-terminal records are never evicted.
	_, err = m.Status(running.TaskID)
	require.NoError(t, err)
}
