// Package agenttest provides fake executors with scripted behavior for
// pool and orchestrator tests.
package agenttest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/agent"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// FakeExecutor is a scriptable agent.Executor. The zero value succeeds
// immediately after reporting a single TOOL_USAGE checkpoint.
type FakeExecutor struct {
	AgentType string

	// Delay is how long Execute blocks before finishing. A delay longer
	// than the task timeout simulates a hung executor.
	Delay time.Duration

	// Err, when set, is returned by Execute after Delay elapses.
	Err error

	// HealthErr, when set, is returned by HealthCheck.
	HealthErr error

	// Silent suppresses the TOOL_USAGE checkpoint, simulating an
	// executor that claims work but produces nothing verifiable.
	Silent bool

	// OnExecute, when set, is called at the start of each execution.
	OnExecute func(task *types.TaskDescriptor)

	executions int64

	mu     sync.Mutex
	active int
	peak   int
}

var _ agent.Executor = (*FakeExecutor)(nil)

func (f *FakeExecutor) Execute(ctx context.Context, task *types.TaskDescriptor, reporter agent.ProgressReporter) (*agent.Result, error) {
	atomic.AddInt64(&f.executions, 1)

	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.OnExecute != nil {
		f.OnExecute(task)
	}

	if !f.Silent {
		_ = reporter.Report(types.CheckpointToolUsage, map[string]interface{}{"tool": "fake"})
	}

	start := time.Now()
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.Err != nil {
		return nil, f.Err
	}

	return &agent.Result{
		Output:   map[string]interface{}{"agent_type": f.AgentType},
		Duration: time.Since(start),
	}, nil
}

func (f *FakeExecutor) HealthCheck(ctx context.Context) error {
	return f.HealthErr
}

func (f *FakeExecutor) Config() agent.ExecutorConfig {
	return agent.ExecutorConfig{
		AgentType: f.AgentType,
		Version:   "fake",
	}
}

// Executions returns how many times Execute has been called
func (f *FakeExecutor) Executions() int {
	return int(atomic.LoadInt64(&f.executions))
}

// PeakConcurrency returns the highest number of simultaneous executions
// observed on this executor instance
func (f *FakeExecutor) PeakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Factory returns an agent.Factory that hands out this executor for
// every agent type. Tests sharing one instance can observe aggregate
// concurrency across the pool.
func (f *FakeExecutor) Factory() agent.Factory {
	return func(agentType string) (agent.Executor, error) {
		return f, nil
	}
}

// NopReporter discards every checkpoint. Useful for testing executors
// outside the progress monitor.
type NopReporter struct{}

func (NopReporter) Report(types.CheckpointType, map[string]interface{}) error { return nil }
