package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentflow-orchestrator/internal/orchestrator"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/agent/agenttest"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Resource: config.ResourceConfig{
			SampleInterval:      50 * time.Millisecond,
			MemoryThresholdMB:   100000,
			CriticalMemoryMB:    200000,
			CPUThresholdPercent: 101,
		},
		Circuit: config.CircuitConfig{
			WindowSize:               time.Minute,
			FailureThreshold:         3,
			FailureThresholdHigh:     5,
			FailureThresholdCritical: 8,
			BaseCooldown:             time.Second,
			MaxCooldown:              time.Minute,
			ProbeTimeout:             time.Second,
		},
		Pool: config.PoolConfig{Size: 2, IdleTimeout: time.Minute, EvictInterval: time.Hour},
		Throttle: config.ThrottleConfig{
			MaxConcurrent:           2,
			PollInterval:            10 * time.Millisecond,
			StarvationMaxWaitFactor: 100,
			StarvationCheckInterval: time.Hour,
		},
		Progress: config.ProgressConfig{
			SweepInterval:  50 * time.Millisecond,
			ToolUsageGrace: time.Minute,
			Defaults: config.TaskProfile{
				Timeout:      time.Minute,
				StallTimeout: time.Minute,
				MinToolUsage: 0,
			},
		},
		Recovery: config.RecoveryConfig{Chains: map[string][]string{}},
	}
}

func newTestServer(t *testing.T) (*gin.Engine, *orchestrator.Orchestrator) {
	t.Helper()

	cfg := testConfig()
	m := metrics.NewMetricsWithRegisterer(nil, prometheus.NewRegistry())
	orch := orchestrator.New(cfg, logging.GetLogger(), m)

	fake := &agenttest.FakeExecutor{AgentType: "analyzer"}
	require.NoError(t, orch.RegisterExecutor("analyzer", fake.Factory()))

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})

	return NewRouter(cfg, orch, logging.GetLogger(), m, nil), orch
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Contains(t, []interface{}{"OK", "ALERT"}, report["status"])
}

func TestSubmitAndFetchTask(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"agent_type": "analyzer",
		"payload":    map[string]interface{}{"target": "repo"},
		"priority":   "high",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)

	data := resp.Data.(map[string]interface{})
	taskID := data["task_id"].(string)
	require.NotEmpty(t, taskID)

	// The ledger should become fetchable once the task is tracked.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = doJSON(router, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
		if w.Code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	fetched := resp.Data.(map[string]interface{})
	assert.NotNil(t, fetched["status"])
	assert.NotNil(t, fetched["ledger"])
}

func TestSubmitValidation(t *testing.T) {
	router, _ := newTestServer(t)

	// Missing agent_type.
	w := doJSON(router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"priority": "high"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bad priority name.
	w = doJSON(router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"agent_type": "analyzer",
		"priority":   "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unregistered agent type.
	w = doJSON(router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"agent_type": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed task id.
	w = doJSON(router, http.MethodGet, "/api/v1/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(router, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Contains(t, data, "queue_depth")
	assert.Contains(t, data, "resource_status")
}

func TestForceOpenRejectsSubmissions(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(router, http.MethodPost, "/api/v1/admin/circuits/force-open", map[string]interface{}{
		"agent_type": "analyzer",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"agent_type": "analyzer"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CIRCUIT_OPEN", resp.Error.Code)
}

func TestEmergencyShutdownEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(router, http.MethodPost, "/api/v1/admin/emergency-shutdown", map[string]interface{}{
		"reason": "operator initiated",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"agent_type": "analyzer"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckpointRejectsUnknownType(t *testing.T) {
	router, orch := newTestServer(t)

	task, err := orch.SubmitTask("analyzer", nil, types.PriorityMedium, false)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/api/v1/tasks/"+task.TaskID.String()+"/checkpoints",
		map[string]interface{}{"type": "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The unknown type never reached the ledger.
	ledger, err := orch.TaskLedger(task.TaskID)
	require.NoError(t, err)
	for _, checkpoint := range ledger {
		assert.NotEqual(t, types.CheckpointType("BOGUS"), checkpoint.Type)
	}
}
