// Package recovery deploys backup agents for failed tasks. Each agent
// type has an ordered fallback chain; a failed task is resubmitted
// under the next chain entry that has not been tried yet.
package recovery

import (
	"sync"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// SubmitFunc resubmits a derived backup descriptor into the scheduler
type SubmitFunc func(task *types.TaskDescriptor) error

// Deployer selects and submits backup agents along configured fallback
// chains
type Deployer struct {
	config  config.RecoveryConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	submit SubmitFunc
}

// NewDeployer creates a backup deployer
func NewDeployer(cfg config.RecoveryConfig, logger *logging.Logger, m *metrics.Metrics) *Deployer {
	return &Deployer{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// SetSubmitFunc sets the resubmission path. Must be set before Deploy
// is called.
func (d *Deployer) SetSubmitFunc(fn SubmitFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submit = fn
}

// Candidates returns the configured fallback chain for an agent type
func (d *Deployer) Candidates(agentType string) []string {
	chain := d.config.Chains[agentType]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// Deploy resubmits the failed task under the next untried backup type.
// The chain is looked up by the task's original agent type, so repeated
// failures walk one chain rather than chaining off each backup. When
// every candidate has been tried the returned plan records the
// exhausted attempts alongside a deployment-exhausted error.
func (d *Deployer) Deploy(failed *types.TaskDescriptor, reason string) (*types.TaskDescriptor, *types.RecoveryPlan, error) {
	d.mu.RLock()
	submit := d.submit
	d.mu.RUnlock()

	if submit == nil {
		return nil, nil, errors.NewInternalError("backup deployer has no submit function")
	}

	originType := failed.AgentType
	if len(failed.AttemptedTypes) > 0 {
		originType = failed.AttemptedTypes[0]
	}
	chain := d.config.Chains[originType]

	tried := make(map[string]bool, len(failed.AttemptedTypes)+1)
	for _, agentType := range failed.AttemptedTypes {
		tried[agentType] = true
	}
	tried[failed.AgentType] = true

	for _, candidate := range chain {
		if tried[candidate] {
			continue
		}

		replacement := failed.Redeploy(candidate)
		if err := submit(replacement); err != nil {
			return nil, nil, err
		}

		d.metrics.RecordBackupDeployment(failed.AgentType, candidate)
		d.logger.Info("Deployed backup agent",
			"task_id", replacement.TaskID.String(),
			"origin_task_id", originTaskID(failed).String(),
			"failed_agent_type", failed.AgentType,
			"backup_agent_type", candidate,
			"reason", reason)
		return replacement, nil, nil
	}

	attempts := 0
	for _, candidate := range chain {
		if tried[candidate] {
			attempts++
		}
	}

	plan := &types.RecoveryPlan{
		TaskID:           originTaskID(failed),
		FailedAgentType:  failed.AgentType,
		BackupCandidates: append([]string(nil), chain...),
		AttemptsMade:     attempts,
	}

	d.metrics.RecordDeploymentExhausted(originType)
	d.logger.Error("Backup candidates exhausted",
		"task_id", plan.TaskID.String(),
		"agent_type", failed.AgentType,
		"candidates", len(chain),
		"reason", reason)

	return nil, plan, errors.NewDeploymentExhausted(plan.TaskID.String(), failed.AgentType, attempts)
}

func originTaskID(task *types.TaskDescriptor) uuid.UUID {
	if task.OriginTaskID != nil {
		return *task.OriginTaskID
	}
	return task.TaskID
}
