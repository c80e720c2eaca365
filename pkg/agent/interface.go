package agent

import (
	"context"
	"time"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// Executor is the contract every task executor must implement. The
// supervision core never interprets the payload it hands to Execute; an
// executor is an opaque unit of work bounded only by its context deadline.
type Executor interface {
	// Execute runs the task to completion or until ctx is cancelled.
	// Checkpoints should be reported through the reporter as work is
	// verifiably produced; an executor that never reports TOOL_USAGE is
	// treated as stalled by the progress sweep.
	Execute(ctx context.Context, task *types.TaskDescriptor, reporter ProgressReporter) (*Result, error)

	// HealthCheck verifies the executor is operational
	HealthCheck(ctx context.Context) error

	// Config returns executor configuration and capabilities
	Config() ExecutorConfig
}

// ProgressReporter is handed to an executor so it can emit checkpoints
// for the task it is running. Reports after the task reaches a terminal
// state are rejected.
type ProgressReporter interface {
	Report(checkpointType types.CheckpointType, payload map[string]interface{}) error
}

// Factory builds an executor for an agent type. The pool calls it on
// demand when no idle executor of that type is cached.
type Factory func(agentType string) (Executor, error)

// ExecutorConfig contains configuration and capabilities of an executor
type ExecutorConfig struct {
	AgentType      string        `json:"agent_type"`
	Version        string        `json:"version"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxMemoryMB    int           `json:"max_memory_mb"`
	MaxCPUCores    float64       `json:"max_cpu_cores"`
}

// Result contains the outcome of a completed execution
type Result struct {
	Output   map[string]interface{} `json:"output,omitempty"`
	Duration time.Duration          `json:"duration"`
}
