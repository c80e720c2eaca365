// Package resource samples host memory/CPU and the active-task count on
// a fixed interval and exposes the go/no-go gate consulted before every
// dispatch.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// ActiveCountFunc reports how many tasks are currently executing
type ActiveCountFunc func() int

// SampleFunc reads host memory (MB) and CPU (percent). Tests substitute
// this to simulate pressure without touching the host.
type SampleFunc func() (memoryMB, cpuPercent float64, err error)

// Monitor periodically samples host resources and gates task dispatch
type Monitor struct {
	config        config.ResourceConfig
	maxConcurrent int
	activeCount   ActiveCountFunc
	sample        SampleFunc
	logger        *logging.Logger
	metrics       *metrics.Metrics

	mu         sync.RWMutex
	snapshot   types.ResourceSnapshot
	samplingOK bool
	sampleErr  string
	critical   bool

	onCritical func(reason string)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewMonitor creates a resource monitor. activeCount is typically the
// throttler's running-task counter.
func NewMonitor(cfg config.ResourceConfig, maxConcurrent int, activeCount ActiveCountFunc, logger *logging.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		config:        cfg,
		maxConcurrent: maxConcurrent,
		activeCount:   activeCount,
		sample:        sampleHost,
		logger:        logger,
		metrics:       m,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetSampleFunc replaces the host sampler. Must be called before Start.
func (m *Monitor) SetSampleFunc(fn SampleFunc) {
	m.sample = fn
}

// SetOnCritical registers the hook fired when a sample crosses the
// critical memory threshold. Fired once per excursion; re-arms after a
// sample recovers below the threshold. Must be called before Start.
func (m *Monitor) SetOnCritical(fn func(reason string)) {
	m.onCritical = fn
}

// Start begins the sampling loop. The first sample is taken
// synchronously so the gate has data before any dispatch.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.NewValidationError("resource monitor is already running")
	}
	m.running = true
	m.mu.Unlock()

	m.collect()

	go m.loop(ctx)
	return nil
}

// Stop stops the sampling loop
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

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	memoryMB, cpuPercent, err := m.sample()
	now := time.Now()

	if err != nil {
		// Degrade conservatively: the gate refuses dispatch until a
		// sample succeeds again. Never surfaced as a task error.
		sampleErr := errors.NewSamplingFailure("host resource sample failed").WithCause(err)
		m.logger.Error("Resource sample failed", "error", sampleErr.Error())
		m.metrics.RecordSamplingFailure()

		m.mu.Lock()
		m.samplingOK = false
		m.sampleErr = err.Error()
		m.mu.Unlock()
		return
	}

	snapshot := types.ResourceSnapshot{
		Timestamp:   now,
		MemoryMB:    memoryMB,
		CPUPercent:  cpuPercent,
		ActiveCount: m.activeCount(),
	}

	m.metrics.UpdateResourceUsage(memoryMB, cpuPercent)

	var fireCritical string
	m.mu.Lock()
	m.snapshot = snapshot
	m.samplingOK = true
	m.sampleErr = ""
	if memoryMB >= m.config.CriticalMemoryMB {
		if !m.critical {
			m.critical = true
			fireCritical = fmt.Sprintf("memory %.0fMB exceeds critical threshold %.0fMB", memoryMB, m.config.CriticalMemoryMB)
		}
	} else {
		m.critical = false
	}
	m.mu.Unlock()

	if fireCritical != "" && m.onCritical != nil {
		m.logger.Error("Critical memory pressure detected", "memory_mb", memoryMB, "critical_mb", m.config.CriticalMemoryMB)
		m.onCritical(fireCritical)
	}
}

// CheckBeforeSpawn is the dispatch gate. Not-ok means the task stays
// queued; it is never converted into a task error.
func (m *Monitor) CheckBeforeSpawn() (bool, string) {
	m.mu.RLock()
	snapshot := m.snapshot
	samplingOK := m.samplingOK
	sampleErr := m.sampleErr
	m.mu.RUnlock()

	if !samplingOK {
		reason := "resource sampling unavailable"
		if sampleErr != "" {
			reason = fmt.Sprintf("resource sampling unavailable: %s", sampleErr)
		}
		m.metrics.RecordSpawnRejection("sampling_failure")
		return false, reason
	}

	if snapshot.MemoryMB >= m.config.CriticalMemoryMB {
		m.metrics.RecordSpawnRejection("memory_critical")
		return false, fmt.Sprintf("memory %.0fMB at or above critical threshold %.0fMB", snapshot.MemoryMB, m.config.CriticalMemoryMB)
	}

	if snapshot.CPUPercent >= m.config.CPUThresholdPercent {
		m.metrics.RecordSpawnRejection("cpu_threshold")
		return false, fmt.Sprintf("cpu %.1f%% at or above threshold %.1f%%", snapshot.CPUPercent, m.config.CPUThresholdPercent)
	}

	if active := m.activeCount(); active >= m.maxConcurrent {
		m.metrics.RecordSpawnRejection("concurrency_cap")
		return false, fmt.Sprintf("active task count %d at concurrency cap %d", active, m.maxConcurrent)
	}

	return true, ""
}

// Snapshot returns a copy of the latest sample
func (m *Monitor) Snapshot() types.ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := m.snapshot
	snapshot.ActiveCount = m.activeCount()
	return snapshot
}

// HealthReport pairs the latest snapshot with its derived severity
func (m *Monitor) HealthReport() types.HealthReport {
	m.mu.RLock()
	snapshot := m.snapshot
	samplingOK := m.samplingOK
	sampleErr := m.sampleErr
	m.mu.RUnlock()

	snapshot.ActiveCount = m.activeCount()

	report := types.HealthReport{
		Status:   types.HealthOK,
		Snapshot: snapshot,
		Sampling: samplingOK,
	}

	switch {
	case !samplingOK:
		report.Status = types.HealthCritical
		report.Reason = fmt.Sprintf("resource sampling unavailable: %s", sampleErr)
	case snapshot.MemoryMB >= m.config.CriticalMemoryMB:
		report.Status = types.HealthCritical
		report.Reason = fmt.Sprintf("memory %.0fMB at or above critical threshold %.0fMB", snapshot.MemoryMB, m.config.CriticalMemoryMB)
	case snapshot.MemoryMB >= m.config.MemoryThresholdMB:
		report.Status = types.HealthAlert
		report.Reason = fmt.Sprintf("memory %.0fMB above threshold %.0fMB", snapshot.MemoryMB, m.config.MemoryThresholdMB)
	case snapshot.CPUPercent >= m.config.CPUThresholdPercent:
		report.Status = types.HealthAlert
		report.Reason = fmt.Sprintf("cpu %.1f%% above threshold %.1f%%", snapshot.CPUPercent, m.config.CPUThresholdPercent)
	}

	return report
}

// sampleHost reads used memory and CPU utilization from the host
func sampleHost() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}

	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, 0, err
	}

	cpuPercent := 0.0
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	return float64(vm.Used) / 1024 / 1024, cpuPercent, nil
}
