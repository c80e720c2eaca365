// Package orchestrator wires the supervision components into a single
// façade: resource-gated admission, per-agent-type circuit breaking,
// pooled executors, priority dispatch, checkpoint tracking, and backup
// deployment for failed tasks.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/agentflow-orchestrator/internal/breaker"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/pool"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/progress"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/recovery"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/resource"
	"github.com/NikhilSetiya/agentflow-orchestrator/internal/throttle"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/agent"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/tracing"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// maxFailureReports bounds the in-memory report history; the oldest
// report is dropped once the cap is reached.
const maxFailureReports = 256

// Orchestrator supervises task execution end to end
type Orchestrator struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracing *tracing.TracingService

	resource *resource.Monitor
	breaker  *breaker.Breaker
	pool     *pool.Pool
	throttle *throttle.Throttler
	progress *progress.Monitor
	recovery *recovery.Deployer

	mu          sync.RWMutex
	descriptors map[uuid.UUID]*types.TaskDescriptor
	cancels     map[uuid.UUID]context.CancelFunc
	retries     map[uuid.UUID]int
	reports     []types.FailureReport
	subscribers []chan *types.Event

	runCtx    context.Context
	runCancel context.CancelFunc
	taskWG    sync.WaitGroup

	running      bool
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
}

// New creates an orchestrator and wires its components together
func New(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) *Orchestrator {
	o := &Orchestrator{
		config:      cfg,
		logger:      logger,
		metrics:     m,
		descriptors: make(map[uuid.UUID]*types.TaskDescriptor),
		cancels:     make(map[uuid.UUID]context.CancelFunc),
		retries:     make(map[uuid.UUID]int),
	}

	o.throttle = throttle.NewThrottler(cfg.Throttle, cfg.Progress.ProfileFor, logger, m)
	o.resource = resource.NewMonitor(cfg.Resource, cfg.Throttle.MaxConcurrent, o.throttle.ActiveCount, logger, m)
	o.breaker = breaker.NewBreaker(cfg.Circuit, cfg.Progress.ProfileFor, logger, m)
	o.pool = pool.NewPool(cfg.Pool, logger, m)
	o.progress = progress.NewMonitor(cfg.Progress, logger, m)
	o.recovery = recovery.NewDeployer(cfg.Recovery, logger, m)

	o.throttle.SetAdmitFunc(o.admit)
	o.throttle.SetDispatchFunc(o.dispatch)
	o.throttle.SetStarvationFunc(o.onStarvation)
	o.progress.SetOnStall(o.onStall)
	o.progress.SetOnTimeout(o.onTimeout)
	o.resource.SetOnCritical(o.onCriticalResources)
	o.breaker.SetOnStateChange(o.onCircuitChange)
	o.recovery.SetSubmitFunc(o.resubmit)
	o.progress.SetOnEvict(o.evictTask)

	return o
}

// SetTracing attaches the tracing service so task execution emits
// spans. Optional; must be called before Start.
func (o *Orchestrator) SetTracing(ts *tracing.TracingService) {
	o.tracing = ts
}

// RegisterExecutor registers the executor factory for an agent type.
// Tasks can only be submitted for registered types.
func (o *Orchestrator) RegisterExecutor(agentType string, factory agent.Factory) error {
	return o.pool.RegisterFactory(agentType, factory)
}

// Start launches every supervision loop
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.NewValidationError("orchestrator is already running")
	}
	o.running = true
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	if err := o.resource.Start(o.runCtx); err != nil {
		return err
	}
	if err := o.pool.Start(o.runCtx); err != nil {
		return err
	}
	if err := o.progress.Start(); err != nil {
		return err
	}
	if err := o.throttle.Start(o.runCtx); err != nil {
		return err
	}

	o.logger.Info("Orchestrator started",
		"max_concurrent", o.config.Throttle.MaxConcurrent,
		"pool_size", o.config.Pool.Size)
	return nil
}

// Stop shuts the orchestrator down gracefully: dispatch halts, running
// tasks get until the context deadline to finish, then everything else
// is cancelled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	o.shuttingDown.Store(true)
	o.throttle.Stop()

	// Queued tasks never ran; close their ledgers so no submission ends
	// without a terminal disposition.
	for _, task := range o.throttle.Drain("orchestrator shutdown") {
		o.progress.Abort(task.TaskID, task.AgentType, "orchestrator shutdown")
		o.publish(types.NewEvent(types.EventTaskFailed).
			WithTask(task.TaskID, task.AgentType).
			WithReason("orchestrator shutdown"))
	}

	finished := make(chan struct{})
	go func() {
		o.taskWG.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = errors.NewShutdownError("running tasks did not finish before the shutdown deadline")
		o.runCancel()
		<-finished
	}

	o.progress.Stop()
	o.pool.Stop()
	o.resource.Stop()
	o.runCancel()

	o.mu.Lock()
	for _, ch := range o.subscribers {
		close(ch)
	}
	o.subscribers = nil
	o.mu.Unlock()

	o.logger.Info("Orchestrator stopped")
	return err
}

// SubmitTask validates and enqueues a new task. Submissions for an
// agent type whose circuit is open are rejected immediately rather than
// queued behind a known-bad dependency.
func (o *Orchestrator) SubmitTask(agentType string, payload map[string]interface{}, priority types.Priority, criticalPath bool) (*types.TaskDescriptor, error) {
	if agentType == "" {
		return nil, errors.NewValidationError("agent type cannot be empty")
	}
	if priority.String() == "unknown" {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid priority %d", priority))
	}
	if o.shuttingDown.Load() {
		return nil, errors.NewShutdownError("orchestrator is shutting down")
	}
	if !o.pool.HasFactory(agentType) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("executor factory for agent type %q", agentType))
	}

	if err := o.breaker.Check(agentType, priority); err != nil {
		return nil, err
	}

	task := types.NewTaskDescriptor(agentType, payload, priority, criticalPath)
	if err := o.enqueue(task); err != nil {
		return nil, err
	}

	o.metrics.RecordTaskSubmitted(agentType, priority.String())
	o.logger.Info("Task submitted",
		"task_id", task.TaskID.String(),
		"agent_type", agentType,
		"priority", priority.String(),
		"critical_path", criticalPath)
	return task, nil
}

// resubmit enqueues an internally derived descriptor (retry or backup).
// The circuit is not consulted here; the admission gate applies at
// dispatch time.
func (o *Orchestrator) resubmit(task *types.TaskDescriptor) error {
	if o.shuttingDown.Load() {
		return errors.NewShutdownError("orchestrator is shutting down")
	}
	if err := o.enqueue(task); err != nil {
		return err
	}
	o.metrics.RecordTaskSubmitted(task.AgentType, task.Priority.String())
	return nil
}

// enqueue registers the descriptor so the task is observable as
// NOT_STARTED from the moment it is accepted, then hands it to the
// throttler
func (o *Orchestrator) enqueue(task *types.TaskDescriptor) error {
	o.mu.Lock()
	o.descriptors[task.TaskID] = task
	o.mu.Unlock()

	if err := o.progress.Register(task); err != nil {
		o.mu.Lock()
		delete(o.descriptors, task.TaskID)
		o.mu.Unlock()
		return err
	}

	if err := o.throttle.Submit(task); err != nil {
		o.progress.Forget(task.TaskID)
		o.mu.Lock()
		delete(o.descriptors, task.TaskID)
		o.mu.Unlock()
		return err
	}
	return nil
}

// evictTask drops bookkeeping for a task whose progress record aged
// out of retention
func (o *Orchestrator) evictTask(taskID uuid.UUID) {
	o.mu.Lock()
	delete(o.descriptors, taskID)
	delete(o.cancels, taskID)
	delete(o.retries, taskID)
	o.mu.Unlock()
}

// admit is the throttler's gate: host capacity first, then the agent
// type's circuit
func (o *Orchestrator) admit(task *types.TaskDescriptor) error {
	if ok, reason := o.resource.CheckBeforeSpawn(); !ok {
		return errors.NewResourceExhausted(reason)
	}
	return o.breaker.Allow(task.AgentType, task.Priority)
}

func (o *Orchestrator) dispatch(task *types.TaskDescriptor, done func()) {
	o.taskWG.Add(1)
	go o.executeTask(task, done)
}

func (o *Orchestrator) executeTask(task *types.TaskDescriptor, done func()) {
	defer o.taskWG.Done()
	defer done()

	if err := o.progress.Track(task); err != nil {
		o.logger.Error("Failed to track task", "task_id", task.TaskID.String(), "error", err.Error())
		return
	}

	profile := o.config.Progress.ProfileFor(task.AgentType)
	taskCtx, cancel := context.WithTimeout(o.runCtx, profile.Timeout)
	defer cancel()

	var span oteltrace.Span
	if o.tracing != nil {
		taskCtx, span = o.tracing.StartTaskSpan(taskCtx, "execute", task.TaskID.String(), task.AgentType)
		defer span.End()
	}

	o.mu.Lock()
	o.cancels[task.TaskID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, task.TaskID)
		o.mu.Unlock()
	}()

	entry, err := o.pool.Acquire(taskCtx, task.AgentType)
	if err != nil {
		if won, _ := o.progress.Fail(task.TaskID, err.Error(), nil); won {
			o.logger.Error("Failed to acquire executor",
				"task_id", task.TaskID.String(), "agent_type", task.AgentType, "error", err.Error())
			o.publish(types.NewEvent(types.EventTaskFailed).
				WithTask(task.TaskID, task.AgentType).
				WithReason(err.Error()))
		}
		return
	}

	start := time.Now()
	reporter := &checkpointReporter{progress: o.progress, taskID: task.TaskID}
	result, err := entry.Executor.Execute(taskCtx, task, reporter)
	o.pool.Release(entry.ID)

	if err != nil {
		if span != nil {
			o.tracing.RecordError(span, err)
		}
		o.finishFailed(task, err, time.Since(start))
		return
	}

	var output map[string]interface{}
	if result != nil {
		output = result.Output
	}
	won, ferr := o.progress.Complete(task.TaskID, output)
	if ferr != nil || !won {
		// A stall or timeout path closed the ledger first; its verdict
		// stands.
		return
	}

	o.breaker.RecordSuccess(task.AgentType)
	o.metrics.RecordTaskCompleted(task.AgentType, "completed", time.Since(start))
	o.publish(types.NewEvent(types.EventTaskCompleted).WithTask(task.TaskID, task.AgentType))
	o.logger.Info("Task completed",
		"task_id", task.TaskID.String(),
		"agent_type", task.AgentType,
		"duration", time.Since(start).String())
}

func (o *Orchestrator) finishFailed(task *types.TaskDescriptor, execErr error, duration time.Duration) {
	won, err := o.progress.Fail(task.TaskID, execErr.Error(), nil)
	if err != nil || !won {
		return
	}

	o.breaker.RecordFailure(task.AgentType, task.Priority)
	o.metrics.RecordTaskCompleted(task.AgentType, "errored", duration)
	o.publish(types.NewEvent(types.EventTaskFailed).
		WithTask(task.TaskID, task.AgentType).
		WithReason(execErr.Error()))
	o.logger.Warn("Task failed",
		"task_id", task.TaskID.String(),
		"agent_type", task.AgentType,
		"error", execErr.Error())

	o.recoverTask(task, execErr.Error())
}

// onStall fires from the progress sweep when a running task goes quiet.
// The task is abandoned: its context is cancelled, its ledger closed,
// and recovery decides what runs in its place.
func (o *Orchestrator) onStall(taskID uuid.UUID, agentType string) {
	task := o.descriptor(taskID)
	if task == nil {
		return
	}

	o.cancelTask(taskID)

	stallErr := errors.NewStallTimeout(taskID.String(), agentType)
	won, err := o.progress.Fail(taskID, stallErr.Error(), nil)
	if err != nil || !won {
		return
	}

	o.breaker.RecordFailure(agentType, task.Priority)
	o.publish(types.NewEvent(types.EventStallDetected).
		WithTask(taskID, agentType).
		WithReason(stallErr.Error()))

	o.recoverTask(task, "stall timeout")
}

// onTimeout fires after the sweep has already recorded the terminal
// TIMED_OUT state, so there is no ledger race to win here
func (o *Orchestrator) onTimeout(taskID uuid.UUID, agentType string) {
	task := o.descriptor(taskID)
	if task == nil {
		return
	}

	o.cancelTask(taskID)
	o.breaker.RecordFailure(agentType, task.Priority)
	o.publish(types.NewEvent(types.EventTimeoutDetected).
		WithTask(taskID, agentType).
		WithReason("hard timeout exceeded"))

	o.recoverTask(task, "hard timeout")
}

// recoverTask picks the recovery strategy for a failed task: one
// same-type retry while the failure could be transient, then the backup
// chain, then a failure report.
func (o *Orchestrator) recoverTask(task *types.TaskDescriptor, reason string) {
	if o.shuttingDown.Load() {
		return
	}

	if o.tracing != nil {
		_, span := o.tracing.StartComponentSpan(context.Background(), "recovery", "select")
		span.SetAttributes(attribute.String("task.id", task.TaskID.String()),
			attribute.String("task.agent_type", task.AgentType))
		defer span.End()
	}

	origin := task.TaskID
	if task.OriginTaskID != nil {
		origin = *task.OriginTaskID
	}

	if len(task.AttemptedTypes) == 0 && o.breaker.State(task.AgentType) == types.CircuitClosed {
		o.mu.Lock()
		canRetry := o.retries[origin] < o.config.Recovery.MaxRetrySameType
		if canRetry {
			o.retries[origin]++
		}
		o.mu.Unlock()

		if canRetry {
			retry := &types.TaskDescriptor{
				TaskID:       uuid.New(),
				AgentType:    task.AgentType,
				Priority:     task.Priority,
				Payload:      task.Payload,
				CriticalPath: task.CriticalPath,
				OriginTaskID: &origin,
				CreatedAt:    time.Now(),
			}
			if err := o.resubmit(retry); err == nil {
				o.logger.Info("Retrying task on the same agent type",
					"task_id", retry.TaskID.String(),
					"origin_task_id", origin.String(),
					"agent_type", task.AgentType,
					"reason", reason)
				return
			}
		}
	}

	replacement, plan, err := o.recovery.Deploy(task, reason)
	if err == nil {
		o.publish(types.NewEvent(types.EventBackupDeployed).
			WithTask(replacement.TaskID, replacement.AgentType).
			WithReason(reason).
			WithData("origin_task_id", origin.String()).
			WithData("failed_agent_type", task.AgentType))
		return
	}

	if plan == nil {
		o.logger.Error("Backup deployment failed",
			"task_id", task.TaskID.String(), "agent_type", task.AgentType, "error", err.Error())
		return
	}

	o.recordExhaustion(task, plan, reason)
}

// recordExhaustion files the failure report surfaced when every backup
// candidate has been tried
func (o *Orchestrator) recordExhaustion(task *types.TaskDescriptor, plan *types.RecoveryPlan, reason string) {
	snapshot := o.resource.Snapshot()
	chain := make([]string, 0, len(task.AttemptedTypes)+1)
	chain = append(chain, task.AttemptedTypes...)
	chain = append(chain, task.AgentType)

	report := types.FailureReport{
		TaskID:       plan.TaskID,
		AgentType:    task.AgentType,
		FailureChain: chain,
		AttemptsMade: plan.AttemptsMade,
		Escalated:    task.CriticalPath,
		Snapshot:     &snapshot,
		Reason:       fmt.Sprintf("backup candidates exhausted: %s", reason),
		Timestamp:    time.Now(),
	}

	o.mu.Lock()
	o.reports = append(o.reports, report)
	if len(o.reports) > maxFailureReports {
		o.reports = o.reports[len(o.reports)-maxFailureReports:]
	}
	o.mu.Unlock()

	event := types.NewEvent(types.EventTaskFailed).
		WithTask(plan.TaskID, task.AgentType).
		WithReason(report.Reason).
		WithData("failure_chain", chain).
		WithData("attempts_made", plan.AttemptsMade)
	if report.Escalated {
		event = event.WithData("escalated", true)
		o.logger.Error("Critical-path task exhausted all recovery options",
			"task_id", plan.TaskID.String(),
			"failure_chain", fmt.Sprintf("%v", chain),
			"attempts", plan.AttemptsMade)
	} else {
		o.logger.Error("Task exhausted all recovery options",
			"task_id", plan.TaskID.String(),
			"failure_chain", fmt.Sprintf("%v", chain),
			"attempts", plan.AttemptsMade)
	}
	o.publish(event)
}

// onCriticalResources triggers emergency shutdown when the host crosses
// its critical memory threshold
func (o *Orchestrator) onCriticalResources(reason string) {
	o.EmergencyShutdown(reason)
}

// EmergencyShutdown halts all admission, force-opens every circuit,
// drains the queue with terminal errors, and cancels running tasks. It
// runs at most once.
func (o *Orchestrator) EmergencyShutdown(reason string) {
	o.shutdownOnce.Do(func() {
		o.shuttingDown.Store(true)
		o.logger.Error("Emergency shutdown initiated", "reason", reason)

		o.breaker.ForceOpen(breaker.ForceOpenAll)

		drained := o.throttle.Drain(reason)
		for _, task := range drained {
			o.progress.Abort(task.TaskID, task.AgentType, fmt.Sprintf("emergency shutdown: %s", reason))
			o.publish(types.NewEvent(types.EventTaskFailed).
				WithTask(task.TaskID, task.AgentType).
				WithReason(fmt.Sprintf("emergency shutdown: %s", reason)))
		}

		o.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(o.cancels))
		for _, cancel := range o.cancels {
			cancels = append(cancels, cancel)
		}
		o.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}

		o.metrics.RecordEmergencyShutdown()
		o.publish(types.NewEvent(types.EventEmergencyShutdown).
			WithReason(reason).
			WithData("drained_tasks", len(drained)))
	})
}

// ForceOpen opens the circuit for one agent type, or every circuit when
// agentType is breaker.ForceOpenAll
func (o *Orchestrator) ForceOpen(agentType string) {
	o.breaker.ForceOpen(agentType)
}

func (o *Orchestrator) onCircuitChange(agentType string, from, to types.CircuitStateName) {
	if to == types.CircuitOpen {
		o.publish(types.NewEvent(types.EventCircuitOpened).
			WithTask(uuid.Nil, agentType).
			WithReason(fmt.Sprintf("circuit transitioned %s to %s", from, to)))
	}
}

func (o *Orchestrator) onStarvation(task *types.TaskDescriptor, waited time.Duration) {
	o.publish(types.NewEvent(types.EventStarvationAlert).
		WithTask(task.TaskID, task.AgentType).
		WithReason(fmt.Sprintf("queued for %s without dispatch", waited.Round(time.Millisecond))).
		WithData("priority", task.Priority.String()))
}

// WorkflowStatus returns the aggregate view of tasks, circuits, queue
// depths, and host resources
func (o *Orchestrator) WorkflowStatus() types.WorkflowStatus {
	health := o.resource.HealthReport()

	statuses := o.progress.Snapshot()
	active := make([]types.TaskStatus, 0, len(statuses))
	for _, status := range statuses {
		if !status.State.IsTerminal() {
			active = append(active, status)
		}
	}

	byPriority := make(map[string]int)
	for priority, depth := range o.throttle.DepthByPriority() {
		byPriority[priority.String()] = depth
	}

	o.mu.RLock()
	reports := make([]types.FailureReport, len(o.reports))
	copy(reports, o.reports)
	o.mu.RUnlock()

	return types.WorkflowStatus{
		ActiveTasks:      active,
		CircuitStates:    o.breaker.States(),
		ResourceSnapshot: health.Snapshot,
		ResourceStatus:   health.Status,
		QueueDepth:       o.throttle.QueueDepth(),
		QueueByPriority:  byPriority,
		FailureReports:   reports,
	}
}

// TaskStatus returns the tracked status of one task
func (o *Orchestrator) TaskStatus(taskID uuid.UUID) (types.TaskStatus, error) {
	return o.progress.Status(taskID)
}

// TaskLedger returns a task's checkpoint ledger
func (o *Orchestrator) TaskLedger(taskID uuid.UUID) ([]types.Checkpoint, error) {
	return o.progress.Ledger(taskID)
}

// Checkpoint records external progress for a running task. Embedding
// applications report through the executor's reporter; this entry point
// serves out-of-process agents.
func (o *Orchestrator) Checkpoint(taskID uuid.UUID, checkpointType types.CheckpointType, payload map[string]interface{}) error {
	return o.progress.Checkpoint(taskID, checkpointType, payload)
}

// HealthReport returns the latest resource health view
func (o *Orchestrator) HealthReport() types.HealthReport {
	return o.resource.HealthReport()
}

// Subscribe returns a channel receiving supervision events. Slow
// subscribers drop events rather than stalling the supervisor; the
// channel closes on Stop.
func (o *Orchestrator) Subscribe(buffer int) <-chan *types.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.Event, buffer)

	o.mu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) publish(event *types.Event) {
	o.mu.RLock()
	subscribers := o.subscribers
	o.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
			o.metrics.RecordEventPublished(string(event.Type))
		default:
			o.metrics.RecordEventDropped()
		}
	}
}

func (o *Orchestrator) descriptor(taskID uuid.UUID) *types.TaskDescriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.descriptors[taskID]
}

func (o *Orchestrator) cancelTask(taskID uuid.UUID) {
	o.mu.RLock()
	cancel := o.cancels[taskID]
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// checkpointReporter routes executor progress into the ledger
type checkpointReporter struct {
	progress *progress.Monitor
	taskID   uuid.UUID
}

func (r *checkpointReporter) Report(checkpointType types.CheckpointType, payload map[string]interface{}) error {
	return r.progress.Checkpoint(r.taskID, checkpointType, payload)
}
