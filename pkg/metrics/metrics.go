package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Task metrics
	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	ActiveTasks    prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec

	// Pool metrics
	PoolEntries   *prometheus.GaugeVec
	PoolAcquires  *prometheus.CounterVec
	PoolEvictions *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Progress metrics
	Checkpoints      *prometheus.CounterVec
	StallsDetected   *prometheus.CounterVec
	TimeoutsDetected *prometheus.CounterVec

	// Recovery metrics
	BackupDeployments    *prometheus.CounterVec
	DeploymentsExhausted *prometheus.CounterVec

	// Resource metrics
	MemoryUsedMB       prometheus.Gauge
	CPUPercent         prometheus.Gauge
	SamplingFailures   prometheus.Counter
	SpawnRejections    *prometheus.CounterVec
	EmergencyShutdowns prometheus.Counter

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "agentflow",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics and registers them with the
// default registry
func NewMetrics(config *Config) *Metrics {
	return NewMetricsWithRegisterer(config, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates all Prometheus metrics against a specific
// registerer. Tests pass a fresh registry to avoid duplicate registration.
func NewMetricsWithRegisterer(config *Config, reg prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
			[]string{"method", "path"},
		),

		// Task metrics
		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tasks_submitted_total",
				Help:      "Total number of tasks submitted",
			},
			[]string{"agent_type", "priority"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks reaching a terminal state",
			},
			[]string{"agent_type", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"agent_type", "status"},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_tasks",
				Help:      "Number of tasks currently executing",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "queue_depth",
				Help:      "Number of tasks waiting for dispatch",
			},
			[]string{"priority"},
		),

		// Pool metrics
		PoolEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_entries",
				Help:      "Number of pool entries by state",
			},
			[]string{"state"},
		),
		PoolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_acquires_total",
				Help:      "Total number of pool acquisitions",
			},
			[]string{"agent_type", "outcome"},
		),
		PoolEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_evictions_total",
				Help:      "Total number of idle pool entries evicted",
			},
			[]string{"agent_type"},
		),

		// Circuit breaker metrics
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit state per agent type (0=closed, 1=open, 2=half-open)",
			},
			[]string{"agent_type"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit state transitions",
			},
			[]string{"agent_type", "to_state"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Total number of admissions refused by an open circuit",
			},
			[]string{"agent_type", "priority"},
		),

		// Progress metrics
		Checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "checkpoints_total",
				Help:      "Total number of checkpoints appended",
			},
			[]string{"type"},
		),
		StallsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "stalls_detected_total",
				Help:      "Total number of stalls detected by the sweep",
			},
			[]string{"agent_type"},
		),
		TimeoutsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "timeouts_detected_total",
				Help:      "Total number of hard timeouts detected by the sweep",
			},
			[]string{"agent_type"},
		),

		// Recovery metrics
		BackupDeployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "backup_deployments_total",
				Help:      "Total number of backup deployments",
			},
			[]string{"agent_type", "backup_type"},
		),
		DeploymentsExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "deployments_exhausted_total",
				Help:      "Total number of tasks that exhausted every backup candidate",
			},
			[]string{"agent_type"},
		),

		// Resource metrics
		MemoryUsedMB: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "memory_used_mb",
				Help:      "Host memory in use in megabytes",
			},
		),
		CPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cpu_percent",
				Help:      "Host CPU utilization percentage",
			},
		),
		SamplingFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sampling_failures_total",
				Help:      "Total number of failed resource samples",
			},
		),
		SpawnRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "spawn_rejections_total",
				Help:      "Total number of dispatches deferred by the resource gate",
			},
			[]string{"reason"},
		),
		EmergencyShutdowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "emergency_shutdowns_total",
				Help:      "Total number of emergency shutdowns triggered",
			},
		),

		// Event metrics
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "events_published_total",
				Help:      "Total number of supervision events published",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped on a full subscriber",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.TasksSubmitted,
		m.TasksCompleted,
		m.TaskDuration,
		m.ActiveTasks,
		m.QueueDepth,
		m.PoolEntries,
		m.PoolAcquires,
		m.PoolEvictions,
		m.CircuitState,
		m.CircuitTransitions,
		m.CircuitRejections,
		m.Checkpoints,
		m.StallsDetected,
		m.TimeoutsDetected,
		m.BackupDeployments,
		m.DeploymentsExhausted,
		m.MemoryUsedMB,
		m.CPUPercent,
		m.SamplingFailures,
		m.SpawnRejections,
		m.EmergencyShutdowns,
		m.EventsPublished,
		m.EventsDropped,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordTaskSubmitted records a task submission
func (m *Metrics) RecordTaskSubmitted(agentType, priority string) {
	if m.TasksSubmitted == nil {
		return
	}

	m.TasksSubmitted.WithLabelValues(agentType, priority).Inc()
}

// RecordTaskCompleted records a task reaching a terminal state
func (m *Metrics) RecordTaskCompleted(agentType, status string, duration time.Duration) {
	if m.TasksCompleted == nil {
		return
	}

	m.TasksCompleted.WithLabelValues(agentType, status).Inc()
	m.TaskDuration.WithLabelValues(agentType, status).Observe(duration.Seconds())
}

// UpdateActiveTasks updates the executing-task gauge
func (m *Metrics) UpdateActiveTasks(count int) {
	if m.ActiveTasks == nil {
		return
	}

	m.ActiveTasks.Set(float64(count))
}

// UpdateQueueDepth updates the queue depth gauge for one priority
func (m *Metrics) UpdateQueueDepth(priority string, depth int) {
	if m.QueueDepth == nil {
		return
	}

	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordPoolAcquire records a pool acquisition outcome (reused, created, waited)
func (m *Metrics) RecordPoolAcquire(agentType, outcome string) {
	if m.PoolAcquires == nil {
		return
	}

	m.PoolAcquires.WithLabelValues(agentType, outcome).Inc()
}

// RecordPoolEviction records an idle entry eviction
func (m *Metrics) RecordPoolEviction(agentType string) {
	if m.PoolEvictions == nil {
		return
	}

	m.PoolEvictions.WithLabelValues(agentType).Inc()
}

// UpdatePoolEntries updates busy/idle pool entry gauges
func (m *Metrics) UpdatePoolEntries(busy, idle int) {
	if m.PoolEntries == nil {
		return
	}

	m.PoolEntries.WithLabelValues("busy").Set(float64(busy))
	m.PoolEntries.WithLabelValues("idle").Set(float64(idle))
}

// UpdateCircuitState updates the per-type circuit state gauge
func (m *Metrics) UpdateCircuitState(agentType, state string) {
	if m.CircuitState == nil {
		return
	}

	var value float64
	switch state {
	case "OPEN":
		value = 1
	case "HALF_OPEN":
		value = 2
	}
	m.CircuitState.WithLabelValues(agentType).Set(value)
}

// RecordCircuitTransition records a circuit state transition
func (m *Metrics) RecordCircuitTransition(agentType, toState string) {
	if m.CircuitTransitions == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(agentType, toState).Inc()
}

// RecordCircuitRejection records an admission refused by an open circuit
func (m *Metrics) RecordCircuitRejection(agentType, priority string) {
	if m.CircuitRejections == nil {
		return
	}

	m.CircuitRejections.WithLabelValues(agentType, priority).Inc()
}

// RecordCheckpoint records a checkpoint append
func (m *Metrics) RecordCheckpoint(checkpointType string) {
	if m.Checkpoints == nil {
		return
	}

	m.Checkpoints.WithLabelValues(checkpointType).Inc()
}

// RecordStall records a stall detection
func (m *Metrics) RecordStall(agentType string) {
	if m.StallsDetected == nil {
		return
	}

	m.StallsDetected.WithLabelValues(agentType).Inc()
}

// RecordTimeout records a hard timeout detection
func (m *Metrics) RecordTimeout(agentType string) {
	if m.TimeoutsDetected == nil {
		return
	}

	m.TimeoutsDetected.WithLabelValues(agentType).Inc()
}

// RecordBackupDeployment records a backup deployment
func (m *Metrics) RecordBackupDeployment(agentType, backupType string) {
	if m.BackupDeployments == nil {
		return
	}

	m.BackupDeployments.WithLabelValues(agentType, backupType).Inc()
}

// RecordDeploymentExhausted records a task running out of backup candidates
func (m *Metrics) RecordDeploymentExhausted(agentType string) {
	if m.DeploymentsExhausted == nil {
		return
	}

	m.DeploymentsExhausted.WithLabelValues(agentType).Inc()
}

// UpdateResourceUsage updates host resource gauges
func (m *Metrics) UpdateResourceUsage(memoryMB, cpuPercent float64) {
	if m.MemoryUsedMB != nil {
		m.MemoryUsedMB.Set(memoryMB)
	}
	if m.CPUPercent != nil {
		m.CPUPercent.Set(cpuPercent)
	}
}

// RecordSamplingFailure records a failed resource sample
func (m *Metrics) RecordSamplingFailure() {
	if m.SamplingFailures == nil {
		return
	}

	m.SamplingFailures.Inc()
}

// RecordSpawnRejection records a dispatch deferred by the resource gate
func (m *Metrics) RecordSpawnRejection(reason string) {
	if m.SpawnRejections == nil {
		return
	}

	m.SpawnRejections.WithLabelValues(reason).Inc()
}

// RecordEmergencyShutdown records an emergency shutdown
func (m *Metrics) RecordEmergencyShutdown() {
	if m.EmergencyShutdowns == nil {
		return
	}

	m.EmergencyShutdowns.Inc()
}

// RecordEventPublished records a supervision event publication
func (m *Metrics) RecordEventPublished(eventType string) {
	if m.EventsPublished == nil {
		return
	}

	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped on a full subscriber
func (m *Metrics) RecordEventDropped() {
	if m.EventsDropped == nil {
		return
	}

	m.EventsDropped.Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
