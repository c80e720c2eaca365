// Package throttle queues submitted tasks and dispatches them in
// priority order under a fixed concurrency cap. Ties within a priority
// are broken by submission order, so equal-priority tasks run FIFO.
package throttle

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// AdmitFunc decides whether the head-of-queue task may start right now.
// A nil return admits. A circuit-open error skips just this task so a
// different agent type can run; a resource-exhausted error pauses
// dispatch entirely until capacity recovers.
type AdmitFunc func(task *types.TaskDescriptor) error

// DispatchFunc runs an admitted task. Implementations must call done
// exactly once when the task finishes so the slot is returned.
type DispatchFunc func(task *types.TaskDescriptor, done func())

// StarvationFunc is invoked once per task that has waited in the queue
// beyond its starvation deadline
type StarvationFunc func(task *types.TaskDescriptor, waited time.Duration)

type queuedTask struct {
	task       *types.TaskDescriptor
	seq        uint64
	enqueuedAt time.Time
	alerted    bool
	index      int
}

// taskHeap orders by priority descending, then submission sequence
// ascending
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*queuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Throttler admits queued tasks into a bounded set of execution slots
type Throttler struct {
	config     config.ThrottleConfig
	profileFor func(string) config.TaskProfile
	logger     *logging.Logger
	metrics    *metrics.Metrics

	admit        AdmitFunc
	dispatch     DispatchFunc
	onStarvation StarvationFunc

	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	draining bool

	active int64
	slots  chan struct{}
	wakeCh chan struct{}

	stopCh    chan struct{}
	doneCh    chan struct{}
	starveCh  chan struct{}
	running   bool
	runningMu sync.Mutex
}

// NewThrottler creates a throttler. profileFor supplies per-agent-type
// timeouts for starvation deadlines.
func NewThrottler(cfg config.ThrottleConfig, profileFor func(string) config.TaskProfile, logger *logging.Logger, m *metrics.Metrics) *Throttler {
	slots := make(chan struct{}, cfg.MaxConcurrent)
	for i := 0; i < cfg.MaxConcurrent; i++ {
		slots <- struct{}{}
	}

	return &Throttler{
		config:     cfg,
		profileFor: profileFor,
		logger:     logger,
		metrics:    m,
		slots:      slots,
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		starveCh:   make(chan struct{}),
	}
}

// SetAdmitFunc sets the admission gate. Must be called before Start.
func (t *Throttler) SetAdmitFunc(fn AdmitFunc) { t.admit = fn }

// SetDispatchFunc sets the task runner. Must be called before Start.
func (t *Throttler) SetDispatchFunc(fn DispatchFunc) { t.dispatch = fn }

// SetStarvationFunc sets the starvation alert hook. Must be called
// before Start.
func (t *Throttler) SetStarvationFunc(fn StarvationFunc) { t.onStarvation = fn }

// Start launches the dispatcher and starvation sweeper
func (t *Throttler) Start(ctx context.Context) error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return errors.NewValidationError("throttler is already running")
	}
	if t.dispatch == nil {
		return errors.NewValidationError("throttler requires a dispatch function")
	}
	t.running = true

	go t.dispatchLoop(ctx)
	go t.starvationLoop(ctx)
	return nil
}

// Stop halts dispatching. Queued tasks stay queued; Drain collects
// them.
func (t *Throttler) Stop() {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if !t.running {
		return
	}
	t.running = false

	close(t.stopCh)
	<-t.doneCh
	<-t.starveCh
}

// Submit enqueues a task for dispatch
func (t *Throttler) Submit(task *types.TaskDescriptor) error {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return errors.NewShutdownError("task queue is draining")
	}

	t.seq++
	heap.Push(&t.queue, &queuedTask{
		task:       task,
		seq:        t.seq,
		enqueuedAt: time.Now(),
	})
	t.updateDepthGaugesLocked()
	t.mu.Unlock()

	t.wake()
	return nil
}

// ActiveCount returns the number of tasks currently holding slots
func (t *Throttler) ActiveCount() int {
	return int(atomic.LoadInt64(&t.active))
}

// QueueDepth returns the number of queued tasks
func (t *Throttler) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// DepthByPriority returns queued task counts keyed by priority
func (t *Throttler) DepthByPriority() map[types.Priority]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	depths := make(map[types.Priority]int)
	for _, item := range t.queue {
		depths[item.task.Priority]++
	}
	return depths
}

// Drain stops admissions and removes every queued task, returning the
// descriptors so the caller can record their disposition
func (t *Throttler) Drain(reason string) []*types.TaskDescriptor {
	t.mu.Lock()
	t.draining = true

	drained := make([]*types.TaskDescriptor, 0, len(t.queue))
	for t.queue.Len() > 0 {
		item := heap.Pop(&t.queue).(*queuedTask)
		drained = append(drained, item.task)
	}
	t.updateDepthGaugesLocked()
	t.mu.Unlock()

	if len(drained) > 0 {
		t.logger.Warn("Drained task queue", "reason", reason, "tasks", len(drained))
	}
	return drained
}

func (t *Throttler) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *Throttler) dispatchLoop(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-t.wakeCh:
		case <-ticker.C:
		}
		t.dispatchReady(ctx)
	}
}

// dispatchReady starts as many queued tasks as slots and the admission
// gate allow
func (t *Throttler) dispatchReady(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		// Take a slot first so a popped task is never left without one.
		select {
		case <-t.slots:
		default:
			return
		}

		task, ok := t.nextAdmitted()
		if !ok {
			t.slots <- struct{}{}
			return
		}

		atomic.AddInt64(&t.active, 1)
		t.metrics.UpdateActiveTasks(t.ActiveCount())

		var once sync.Once
		done := func() {
			once.Do(func() {
				atomic.AddInt64(&t.active, -1)
				t.metrics.UpdateActiveTasks(t.ActiveCount())
				t.slots <- struct{}{}
				t.wake()
			})
		}

		t.dispatch(task, done)
	}
}

// nextAdmitted pops the highest-priority task the admission gate
// accepts. Tasks blocked by an open circuit are set aside so others can
// run; a resource rejection pauses dispatch with everything left
// queued.
func (t *Throttler) nextAdmitted() (*types.TaskDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var skipped []*queuedTask
	defer func() {
		for _, item := range skipped {
			heap.Push(&t.queue, item)
		}
		t.updateDepthGaugesLocked()
	}()

	for t.queue.Len() > 0 {
		item := heap.Pop(&t.queue).(*queuedTask)

		if t.admit == nil {
			return item.task, true
		}

		err := t.admit(item.task)
		if err == nil {
			return item.task, true
		}

		if errors.IsType(err, errors.ErrorTypeCircuitOpen) {
			// Only this agent type is blocked; let lower-priority work
			// of other types through.
			skipped = append(skipped, item)
			continue
		}

		// Resource pressure or any other rejection applies to every
		// candidate, so stop here.
		skipped = append(skipped, item)
		return nil, false
	}

	return nil, false
}

func (t *Throttler) starvationLoop(ctx context.Context) {
	defer close(t.starveCh)

	ticker := time.NewTicker(t.config.StarvationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.checkStarvation()
		}
	}
}

// checkStarvation alerts once per task that has waited longer than the
// starvation factor times its profile timeout
func (t *Throttler) checkStarvation() {
	now := time.Now()

	type starved struct {
		task   *types.TaskDescriptor
		waited time.Duration
	}

	t.mu.Lock()
	var alerts []starved
	for _, item := range t.queue {
		if item.alerted {
			continue
		}
		limit := time.Duration(t.config.StarvationMaxWaitFactor) * t.profileFor(item.task.AgentType).Timeout
		if waited := now.Sub(item.enqueuedAt); waited > limit {
			item.alerted = true
			alerts = append(alerts, starved{task: item.task, waited: waited})
		}
	}
	t.mu.Unlock()

	for _, a := range alerts {
		t.logger.Warn("Queued task is starving",
			"task_id", a.task.TaskID.String(),
			"agent_type", a.task.AgentType,
			"priority", a.task.Priority.String(),
			"waited", a.waited.String())
		if t.onStarvation != nil {
			t.onStarvation(a.task, a.waited)
		}
	}
}

// updateDepthGaugesLocked refreshes per-priority queue gauges. Caller
// holds t.mu.
func (t *Throttler) updateDepthGaugesLocked() {
	depths := map[types.Priority]int{
		types.PriorityLow:      0,
		types.PriorityMedium:   0,
		types.PriorityHigh:     0,
		types.PriorityCritical: 0,
	}
	for _, item := range t.queue {
		depths[item.task.Priority]++
	}
	for priority, depth := range depths {
		t.metrics.UpdateQueueDepth(priority.String(), depth)
	}
}
