package recovery

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

func newTestDeployer(t *testing.T) (*Deployer, *[]*types.TaskDescriptor) {
	t.Helper()

	cfg := config.RecoveryConfig{
		Chains: map[string][]string{
			"analyzer": {"analyzer-lite", "generic"},
		},
		MaxRetrySameType: 1,
	}
	m := metrics.NewMetricsWithRegisterer(nil, prometheus.NewRegistry())
	d := NewDeployer(cfg, logging.GetLogger(), m)

	submitted := &[]*types.TaskDescriptor{}
	d.SetSubmitFunc(func(task *types.TaskDescriptor) error {
		*submitted = append(*submitted, task)
		return nil
	})
	return d, submitted
}

func TestDeployUsesFirstUntriedCandidate(t *testing.T) {
	d, submitted := newTestDeployer(t)
	failed := types.NewTaskDescriptor("analyzer", map[string]interface{}{"target": "repo"}, types.PriorityHigh, false)

	replacement, plan, err := d.Deploy(failed, "stall detected")
	require.NoError(t, err)
	assert.Nil(t, plan)
	require.NotNil(t, replacement)

	assert.Equal(t, "analyzer-lite", replacement.AgentType)
	assert.NotEqual(t, failed.TaskID, replacement.TaskID)
	require.NotNil(t, replacement.OriginTaskID)
	assert.Equal(t, failed.TaskID, *replacement.OriginTaskID)
	assert.Equal(t, []string{"analyzer"}, replacement.AttemptedTypes)
	assert.Equal(t, failed.Priority, replacement.Priority)
	assert.Equal(t, failed.Payload, replacement.Payload)

	require.Len(t, *submitted, 1)
	assert.Equal(t, replacement.TaskID, (*submitted)[0].TaskID)
}

func TestDeployWalksChainAcrossFailures(t *testing.T) {
	d, _ := newTestDeployer(t)
	original := types.NewTaskDescriptor("analyzer", nil, types.PriorityHigh, false)

	first, _, err := d.Deploy(original, "stall detected")
	require.NoError(t, err)
	require.Equal(t, "analyzer-lite", first.AgentType)

	// The backup itself fails; the chain is still the original type's.
	second, _, err := d.Deploy(first, "executor error")
	require.NoError(t, err)
	assert.Equal(t, "generic", second.AgentType)
	require.NotNil(t, second.OriginTaskID)
	assert.Equal(t, original.TaskID, *second.OriginTaskID)
	assert.Equal(t, []string{"analyzer", "analyzer-lite"}, second.AttemptedTypes)
}

func TestDeployExhaustedReturnsPlan(t *testing.T) {
	d, submitted := newTestDeployer(t)
	original := types.NewTaskDescriptor("analyzer", nil, types.PriorityHigh, true)

	first, _, err := d.Deploy(original, "stall detected")
	require.NoError(t, err)
	second, _, err := d.Deploy(first, "executor error")
	require.NoError(t, err)

	replacement, plan, err := d.Deploy(second, "hard timeout")
	require.Error(t, err)
	assert.Nil(t, replacement)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDeploymentExhausted))

	require.NotNil(t, plan)
	assert.Equal(t, original.TaskID, plan.TaskID)
	assert.Equal(t, "generic", plan.FailedAgentType)
	assert.Equal(t, []string{"analyzer-lite", "generic"}, plan.BackupCandidates)
	assert.Equal(t, 2, plan.AttemptsMade)
	assert.True(t, plan.Exhausted())

	// Nothing further was submitted.
	assert.Len(t, *submitted, 2)
}

func TestDeployWithoutChainExhaustsImmediately(t *testing.T) {
	d, submitted := newTestDeployer(t)
	failed := types.NewTaskDescriptor("unchained", nil, types.PriorityMedium, false)

	replacement, plan, err := d.Deploy(failed, "executor error")
	require.Error(t, err)
	assert.Nil(t, replacement)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDeploymentExhausted))

	require.NotNil(t, plan)
	assert.Equal(t, 0, plan.AttemptsMade)
	assert.Empty(t, plan.BackupCandidates)
	assert.Empty(t, *submitted)
}

func TestCandidatesReturnsCopy(t *testing.T) {
	d, _ := newTestDeployer(t)

	candidates := d.Candidates("analyzer")
	require.Equal(t, []string{"analyzer-lite", "generic"}, candidates)

	candidates[0] = "mutated"
	assert.Equal(t, []string{"analyzer-lite", "generic"}, d.Candidates("analyzer"))
}
