package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Resource ResourceConfig `json:"resource"`
	Circuit  CircuitConfig  `json:"circuit"`
	Pool     PoolConfig     `json:"pool"`
	Throttle ThrottleConfig `json:"throttle"`
	Progress ProgressConfig `json:"progress"`
	Recovery RecoveryConfig `json:"recovery"`
	Redis    RedisConfig    `json:"redis"`
	Tracing  TracingConfig  `json:"tracing"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ResourceConfig contains resource gating thresholds and sampling cadence
type ResourceConfig struct {
	SampleInterval      time.Duration `json:"sample_interval"`
	MemoryThresholdMB   float64       `json:"memory_threshold_mb"`
	CriticalMemoryMB    float64       `json:"critical_memory_mb"`
	CPUThresholdPercent float64       `json:"cpu_threshold_percent"`
}

// CircuitConfig contains circuit breaker tuning
type CircuitConfig struct {
	WindowSize               time.Duration `json:"window_size"`
	FailureThreshold         int           `json:"failure_threshold"`
	FailureThresholdHigh     int           `json:"failure_threshold_high"`
	FailureThresholdCritical int           `json:"failure_threshold_critical"`
	BaseCooldown             time.Duration `json:"base_cooldown"`
	MaxCooldown              time.Duration `json:"max_cooldown"`
	ProbeTimeout             time.Duration `json:"probe_timeout"`
}

// PoolConfig contains executor pool sizing
type PoolConfig struct {
	Size          int           `json:"size"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	EvictInterval time.Duration `json:"evict_interval"`
}

// ThrottleConfig contains dispatch throttling configuration
type ThrottleConfig struct {
	MaxConcurrent           int           `json:"max_concurrent"`
	PollInterval            time.Duration `json:"poll_interval"`
	StarvationMaxWaitFactor int           `json:"starvation_max_wait_factor"`
	StarvationCheckInterval time.Duration `json:"starvation_check_interval"`
}

// TaskProfile contains per-agent-type execution limits
type TaskProfile struct {
	Timeout      time.Duration `json:"timeout"`
	StallTimeout time.Duration `json:"stall_timeout"`
	MinToolUsage int           `json:"min_tool_usage"`
}

// ProgressConfig contains progress tracking configuration. Retention
// bounds how long terminal task records stay queryable before the
// sweep evicts them; zero keeps them forever.
type ProgressConfig struct {
	SweepInterval  time.Duration          `json:"sweep_interval"`
	ToolUsageGrace time.Duration          `json:"tool_usage_grace"`
	Retention      time.Duration          `json:"retention"`
	Defaults       TaskProfile            `json:"defaults"`
	Profiles       map[string]TaskProfile `json:"profiles"`
}

// ProfileFor returns the task profile for an agent type, falling back to
// the configured defaults
func (p *ProgressConfig) ProfileFor(agentType string) TaskProfile {
	if profile, ok := p.Profiles[agentType]; ok {
		return profile
	}
	return p.Defaults
}

// RecoveryConfig contains backup deployment configuration
type RecoveryConfig struct {
	Chains           map[string][]string `json:"chains"`
	MaxRetrySameType int                 `json:"max_retry_same_type"`
}

// RedisConfig contains the optional event relay configuration
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// Enabled reports whether the event relay should be started
func (r *RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	profiles, err := parseTaskProfiles(getEnvString("AGENT_TASK_PROFILES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid AGENT_TASK_PROFILES: %w", err)
	}

	chains, err := parseBackupChains(getEnvString("BACKUP_CHAINS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKUP_CHAINS: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  getEnvStringSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Resource: ResourceConfig{
			SampleInterval:      getEnvDuration("RESOURCE_SAMPLE_INTERVAL", 10*time.Second),
			MemoryThresholdMB:   getEnvFloat("MEMORY_THRESHOLD_MB", 4096),
			CriticalMemoryMB:    getEnvFloat("CRITICAL_MEMORY_MB", 6144),
			CPUThresholdPercent: getEnvFloat("CPU_THRESHOLD_PERCENT", 85),
		},
		Circuit: CircuitConfig{
			WindowSize:               getEnvDuration("CIRCUIT_WINDOW_SIZE", 60*time.Second),
			FailureThreshold:         getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 3),
			FailureThresholdHigh:     getEnvInt("CIRCUIT_FAILURE_THRESHOLD_HIGH", 5),
			FailureThresholdCritical: getEnvInt("CIRCUIT_FAILURE_THRESHOLD_CRITICAL", 8),
			BaseCooldown:             getEnvDuration("CIRCUIT_BASE_COOLDOWN", 30*time.Second),
			MaxCooldown:              getEnvDuration("CIRCUIT_MAX_COOLDOWN", 10*time.Minute),
			ProbeTimeout:             getEnvDuration("CIRCUIT_PROBE_TIMEOUT", 0),
		},
		Pool: PoolConfig{
			Size:          getEnvInt("AGENT_POOL_SIZE", 4),
			IdleTimeout:   getEnvDuration("POOL_IDLE_TIMEOUT", 5*time.Minute),
			EvictInterval: getEnvDuration("POOL_EVICT_INTERVAL", time.Minute),
		},
		Throttle: ThrottleConfig{
			MaxConcurrent:           getEnvInt("MAX_CONCURRENT_AGENTS", 2),
			PollInterval:            getEnvDuration("THROTTLE_POLL_INTERVAL", 500*time.Millisecond),
			StarvationMaxWaitFactor: getEnvInt("STARVATION_MAX_WAIT_FACTOR", 5),
			StarvationCheckInterval: getEnvDuration("STARVATION_CHECK_INTERVAL", 30*time.Second),
		},
		Progress: ProgressConfig{
			SweepInterval:  getEnvDuration("PROGRESS_SWEEP_INTERVAL", 5*time.Second),
			ToolUsageGrace: getEnvDuration("TOOL_USAGE_GRACE", 30*time.Second),
			Retention:      getEnvDuration("TASK_RETENTION", time.Hour),
			Defaults: TaskProfile{
				Timeout:      getEnvDuration("TASK_TIMEOUT", 180*time.Second),
				StallTimeout: getEnvDuration("TASK_STALL_TIMEOUT", 60*time.Second),
				MinToolUsage: getEnvInt("TASK_MIN_TOOL_USAGE", 1),
			},
			Profiles: profiles,
		},
		Recovery: RecoveryConfig{
			Chains:           chains,
			MaxRetrySameType: getEnvInt("RECOVERY_MAX_RETRY_SAME_TYPE", 1),
		},
		Redis: RedisConfig{
			Addr:     getEnvString("REDIS_ADDR", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnvString("REDIS_EVENT_CHANNEL", "agentflow:events"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "agentflow"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Throttle.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_AGENTS must be at least 1")
	}

	if c.Pool.Size < c.Throttle.MaxConcurrent {
		return fmt.Errorf("AGENT_POOL_SIZE (%d) must not be smaller than MAX_CONCURRENT_AGENTS (%d)",
			c.Pool.Size, c.Throttle.MaxConcurrent)
	}

	if c.Resource.MemoryThresholdMB <= 0 {
		return fmt.Errorf("MEMORY_THRESHOLD_MB must be positive")
	}

	if c.Resource.CriticalMemoryMB <= c.Resource.MemoryThresholdMB {
		return fmt.Errorf("CRITICAL_MEMORY_MB (%.0f) must exceed MEMORY_THRESHOLD_MB (%.0f)",
			c.Resource.CriticalMemoryMB, c.Resource.MemoryThresholdMB)
	}

	if c.Resource.CPUThresholdPercent <= 0 || c.Resource.CPUThresholdPercent > 100 {
		return fmt.Errorf("CPU_THRESHOLD_PERCENT must be in (0, 100]")
	}

	if c.Resource.SampleInterval <= 0 {
		return fmt.Errorf("RESOURCE_SAMPLE_INTERVAL must be positive")
	}

	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be at least 1")
	}

	if c.Circuit.BaseCooldown <= 0 || c.Circuit.MaxCooldown < c.Circuit.BaseCooldown {
		return fmt.Errorf("circuit cooldowns invalid: base=%v max=%v", c.Circuit.BaseCooldown, c.Circuit.MaxCooldown)
	}

	if c.Progress.Retention < 0 {
		return fmt.Errorf("TASK_RETENTION must not be negative")
	}

	if c.Progress.Defaults.Timeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive")
	}

	if c.Progress.Defaults.StallTimeout <= 0 || c.Progress.Defaults.StallTimeout >= c.Progress.Defaults.Timeout {
		return fmt.Errorf("TASK_STALL_TIMEOUT (%v) must be positive and shorter than TASK_TIMEOUT (%v)",
			c.Progress.Defaults.StallTimeout, c.Progress.Defaults.Timeout)
	}

	for agentType, profile := range c.Progress.Profiles {
		if profile.Timeout <= 0 {
			return fmt.Errorf("task profile for %q: timeout must be positive", agentType)
		}
		if profile.StallTimeout <= 0 || profile.StallTimeout >= profile.Timeout {
			return fmt.Errorf("task profile for %q: stall timeout (%v) must be positive and shorter than timeout (%v)",
				agentType, profile.StallTimeout, profile.Timeout)
		}
		if profile.MinToolUsage < 0 {
			return fmt.Errorf("task profile for %q: min tool usage must not be negative", agentType)
		}
	}

	if c.Throttle.StarvationMaxWaitFactor < 1 {
		return fmt.Errorf("STARVATION_MAX_WAIT_FACTOR must be at least 1")
	}

	return nil
}

// parseTaskProfiles parses per-agent-type profiles from a compact env form:
// "type:timeout:stall:min_tool_usage,type2:..." where timeout and stall are
// Go durations (e.g. "300s", "5m").
func parseTaskProfiles(raw string) (map[string]TaskProfile, error) {
	profiles := make(map[string]TaskProfile)
	if raw == "" {
		return profiles, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("entry %q: want type:timeout:stall:min_tool_usage", entry)
		}

		agentType := strings.TrimSpace(parts[0])
		if agentType == "" {
			return nil, fmt.Errorf("entry %q: empty agent type", entry)
		}

		timeout, err := time.ParseDuration(parts[1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: bad timeout: %w", entry, err)
		}

		stall, err := time.ParseDuration(parts[2])
		if err != nil {
			return nil, fmt.Errorf("entry %q: bad stall timeout: %w", entry, err)
		}

		minTool, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("entry %q: bad min tool usage: %w", entry, err)
		}

		profiles[agentType] = TaskProfile{
			Timeout:      timeout,
			StallTimeout: stall,
			MinToolUsage: minTool,
		}
	}

	return profiles, nil
}

// parseBackupChains parses ordered fallback lists from a compact env form:
// "type=alt1|alt2,type2=alt3".
func parseBackupChains(raw string) (map[string][]string, error) {
	chains := make(map[string][]string)
	if raw == "" {
		return chains, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("entry %q: want type=alt1|alt2", entry)
		}

		agentType := strings.TrimSpace(parts[0])
		if agentType == "" {
			return nil, fmt.Errorf("entry %q: empty agent type", entry)
		}

		var candidates []string
		for _, candidate := range strings.Split(parts[1], "|") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			if candidate == agentType {
				return nil, fmt.Errorf("entry %q: %q cannot back itself up", entry, agentType)
			}
			candidates = append(candidates, candidate)
		}

		if len(candidates) == 0 {
			return nil, fmt.Errorf("entry %q: no backup candidates", entry)
		}

		chains[agentType] = candidates
	}

	return chains, nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
