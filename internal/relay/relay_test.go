package relay

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
)

func TestNewRelayFailsFastWhenRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := config.RedisConfig{
		Addr:    "127.0.0.1:1",
		Channel: "agentflow.events",
	}
	m := metrics.NewMetricsWithRegisterer(nil, prometheus.NewRegistry())

	relay, err := NewRelay(ctx, cfg, logging.GetLogger(), m)
	require.Error(t, err)
	assert.Nil(t, relay)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}
