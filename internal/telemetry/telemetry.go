// Package telemetry delivers scheduling events to external consumers.
// Events are advisory: a sink that is down or slow loses events rather than
// slowing down routing.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/redisx"
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel named
// after the event subject.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher connects to addr and returns a publisher bound to it.
func NewRedisPublisher(ctx context.Context, addr string) (*RedisPublisher, error) {
	c, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: c}, nil
}

// Publish marshals payload and publishes it on the subject channel.
func (p *RedisPublisher) Publish(ctx context.Context, subject string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telemetry: marshal %s event: %w", subject, err)
	}
	if err := p.client.Publish(ctx, subject, b).Err(); err != nil {
		return fmt.Errorf("telemetry: publish %s: %w", subject, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher writes events to the debug log. It stands in for a real sink
// when no Redis endpoint is configured.
type LogPublisher struct{}

// Publish implements the publisher contract by logging the event.
func (LogPublisher) Publish(_ context.Context, subject string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	logx.Log.Debug().Str("subject", subject).RawJSON("event", b).Msg("telemetry event")
	return nil
}
