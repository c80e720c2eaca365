// Package relay publishes supervision events to a Redis channel so
// embedding systems can follow task lifecycles without polling the
// admin API. The relay is optional; without a Redis address the
// orchestrator runs standalone.
package relay

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/config"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/errors"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/logging"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/metrics"
	"github.com/NikhilSetiya/agentflow-orchestrator/pkg/types"
)

// Relay forwards supervision events to Redis pub/sub
type Relay struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
	metrics *metrics.Metrics

	doneCh chan struct{}
}

// NewRelay connects to Redis and verifies the connection
func NewRelay(ctx context.Context, cfg config.RedisConfig, logger *logging.Logger, m *metrics.Metrics) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewInternalError("failed to connect to redis").WithCause(err)
	}

	return &Relay{
		client:  client,
		channel: cfg.Channel,
		logger:  logger,
		metrics: m,
		doneCh:  make(chan struct{}),
	}, nil
}

// Start consumes the event channel until it closes. Publish failures
// are logged and counted, never propagated; the supervisor does not
// depend on the relay.
func (r *Relay) Start(ctx context.Context, events <-chan *types.Event) {
	go func() {
		defer close(r.doneCh)

		for event := range events {
			payload, err := json.Marshal(event)
			if err != nil {
				r.metrics.RecordError("relay", "marshal")
				r.logger.Error("Failed to marshal event", "event_type", string(event.Type), "error", err.Error())
				continue
			}

			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.metrics.RecordError("relay", "publish")
				r.logger.Warn("Failed to publish event",
					"event_type", string(event.Type), "channel", r.channel, "error", err.Error())
			}
		}
	}()
}

// Close waits for the event channel to drain and closes the Redis
// connection
func (r *Relay) Close() error {
	<-r.doneCh
	return r.client.Close()
}
