package resource

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

func testConfig() config.ResourceConfig {
	return config.ResourceConfig{
		SampleInterval:      10 * time.Millisecond,
		MemoryThresholdMB:   1024,
		CriticalMemoryMB:    2048,
		CPUThresholdPercent: 85,
	}
}

func testMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.NewMetricsWithRegisterer(nil, prometheus.NewRegistry())
}

func newMonitor(t *testing.T, active ActiveCountFunc) *Monitor {
	t.Helper()
	if active == nil {
		active = func() int { return 0 }
	}
	return NewMonitor(testConfig(), 2, active, logging.GetLogger(), testMetrics(t))
}

func TestCheckBeforeSpawn_OK(t *testing.T) {
	m := newMonitor(t, nil)
	m.SetSampleFunc(func() (float64, float64, error) { return 512, 10, nil })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	ok, reason := m.CheckBeforeSpawn()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCheckBeforeSpawn_MemorySpike(t *testing.T) {
	m := newMonitor(t, nil)
	m.SetSampleFunc(func() (float64, float64, error) { return 4096, 10, nil })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	ok, reason := m.CheckBeforeSpawn()
	assert.False(t, ok)
	assert.Contains(t, reason, "critical threshold")
}

func TestCheckBeforeSpawn_CPUThreshold(t *testing.T) {
	m := newMonitor(t, nil)
	m.SetSampleFunc(func() (float64, float64, error) { return 512, 95, nil })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	ok, reason := m.CheckBeforeSpawn()
	assert.False(t, ok)
	assert.Contains(t, reason, "cpu")
}

func TestCheckBeforeSpawn_ConcurrencyCap(t *testing.T) {
	m := newMonitor(t, func() int { return 2 })
	m.SetSampleFunc(func() (float64, float64, error) { return 512, 10, nil })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	ok, reason := m.CheckBeforeSpawn()
	assert.False(t, ok)
	assert.Contains(t, reason, "concurrency cap")
}

func TestCheckBeforeSpawn_SamplingFailureDegradesConservatively(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	m := newMonitor(t, nil)
	m.SetSampleFunc(func() (float64, float64, error) {
		if failing.Load() {
			return 0, 0, fmt.Errorf("proc unavailable")
		}
		return 512, 10, nil
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	ok, reason := m.CheckBeforeSpawn()
	assert.False(t, ok)
	assert.Contains(t, reason, "sampling unavailable")

	// A successful sample recovers the gate.
	failing.Store(false)
	assert.Eventually(t, func() bool {
		ok, _ := m.CheckBeforeSpawn()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestHealthReport_Severity(t *testing.T) {
	tests := []struct {
		name     string
		memoryMB float64
		cpu      float64
		want     types.HealthStatus
	}{
		{"ok", 512, 10, types.HealthOK},
		{"memory alert", 1500, 10, types.HealthAlert},
		{"cpu alert", 512, 90, types.HealthAlert},
		{"memory critical", 3000, 10, types.HealthCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor(t, nil)
			m.SetSampleFunc(func() (float64, float64, error) { return tt.memoryMB, tt.cpu, nil })

			require.NoError(t, m.Start(context.Background()))
			defer m.Stop()

			report := m.HealthReport()
			assert.Equal(t, tt.want, report.Status)
		})
	}
}

func TestOnCritical_FiredOncePerExcursion(t *testing.T) {
	var memoryMB atomic.Int64
	memoryMB.Store(3000)
	fired := make(chan string, 4)

	m := newMonitor(t, nil)
	m.SetSampleFunc(func() (float64, float64, error) { return float64(memoryMB.Load()), 10, nil })
	m.SetOnCritical(func(reason string) { fired <- reason })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case reason := <-fired:
		assert.Contains(t, reason, "critical threshold")
	case <-time.After(time.Second):
		t.Fatal("critical hook was not fired")
	}

	// Held above the threshold it must not re-fire.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fired)

	// Recovering re-arms the hook.
	memoryMB.Store(512)
	time.Sleep(50 * time.Millisecond)
	memoryMB.Store(3000)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("critical hook did not re-arm after recovery")
	}
}
