package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  "info",
				Format: "invalid",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name:    "nil config uses defaults",
			config:  nil,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	ctx := WithTaskID(context.Background(), "task-123")
	ctx = WithAgentType(ctx, "security-scan")

	logger.WithContext(ctx).Info("test message")

	var logEntry map[string]interface{}
	err = json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "task-123", logEntry["task_id"])
	assert.Equal(t, "security-scan", logEntry["agent_type"])
	assert.Equal(t, "test-service", logEntry["service"])
	assert.Equal(t, "1.0.0", logEntry["version"])
	assert.Equal(t, "test message", logEntry["message"])
}

func TestLogger_LogRequest(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	ctx := WithRequestID(context.Background(), "req-1")
	duration := 100 * time.Millisecond

	logger.LogRequest(ctx, "GET", "/api/v1/status", "127.0.0.1", 200, duration)

	var logEntry map[string]interface{}
	err = json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "GET", logEntry["http_method"])
	assert.Equal(t, "/api/v1/status", logEntry["http_path"])
	assert.Equal(t, float64(200), logEntry["http_status"])
	assert.Equal(t, "127.0.0.1", logEntry["client_ip"])
	assert.Equal(t, float64(100), logEntry["response_time_ms"])
	assert.Equal(t, "req-1", logEntry["request_id"])
}

func TestLogger_LogTaskEvent(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	fields := logrus.Fields{
		"checkpoints": 5,
		"duration":    "30s",
	}

	logger.LogTaskEvent(context.Background(), "task_completed", "task-123", "security-scan", fields)

	var logEntry map[string]interface{}
	err = json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "task_completed", logEntry["event"])
	assert.Equal(t, "task-123", logEntry["task_id"])
	assert.Equal(t, "security-scan", logEntry["agent_type"])
	assert.Equal(t, float64(5), logEntry["checkpoints"])
	assert.Equal(t, "30s", logEntry["duration"])
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "debug", // Enable debug level to see stack trace
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	testErr := assert.AnError
	fields := logrus.Fields{
		"component": "test-component",
	}

	logger.LogError(context.Background(), testErr, "test error message", fields)

	var logEntry map[string]interface{}
	err = json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "test error message", logEntry["message"])
	assert.Equal(t, testErr.Error(), logEntry["error"])
	assert.Equal(t, "test-component", logEntry["component"])
	assert.Contains(t, logEntry, "stack_trace") // Should have stack trace in debug mode
}

func TestContextFieldFunctions(t *testing.T) {
	ctx := context.Background()

	ctx = WithTaskID(ctx, "task-abc")
	ctx = WithAgentType(ctx, "code-review")
	ctx = WithRequestID(ctx, "req-xyz")

	assert.Equal(t, "task-abc", ctx.Value(TaskIDKey))
	assert.Equal(t, "code-review", ctx.Value(AgentTypeKey))
	assert.Equal(t, "req-xyz", ctx.Value(RequestIDKey))
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	fields := logrus.Fields{
		"custom_field": "custom_value",
		"number_field": 42,
	}

	logger.WithFields(fields).Info("test message with fields")

	var logEntry map[string]interface{}
	err = json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "custom_value", logEntry["custom_field"])
	assert.Equal(t, float64(42), logEntry["number_field"])
	assert.Equal(t, "test-service", logEntry["service"])
	assert.Equal(t, "1.0.0", logEntry["version"])
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	testErr := assert.AnError
	logger.WithError(testErr).Error("error occurred")

	var logEntry map[string]interface{}
	err = json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, testErr.Error(), logEntry["error"])
	assert.Contains(t, logEntry["error_type"], "errors.errorString")
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	config := &Config{
		Level:       "info",
		Format:      "text",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(t, err)
	logger.SetOutput(&buf)

	logger.WithFields(logrus.Fields{
		"test_field": "test_value",
	}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "test_field=test_value")
	assert.Contains(t, output, "service=test-service")
}

func BenchmarkLogger_WithContext(b *testing.B) {
	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(b, err)
	logger.SetOutput(&bytes.Buffer{}) // Discard output

	ctx := WithTaskID(context.Background(), "task-123")
	ctx = WithAgentType(ctx, "security-scan")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithContext(ctx).Info("benchmark message")
	}
}

func BenchmarkLogger_WithFields(b *testing.B) {
	config := &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	}

	logger, err := NewLogger(config)
	require.NoError(b, err)
	logger.SetOutput(&bytes.Buffer{}) // Discard output

	fields := logrus.Fields{
		"field1": "value1",
		"field2": "value2",
		"field3": 123,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithFields(fields).Info("benchmark message")
	}
}
