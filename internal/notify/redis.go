package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"repairline/internal/config"
)

// streamAdder is the slice of the redis client the stream sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends each event to a Redis stream with XADD.
type RedisStreamSink struct {
	stream string
	client streamAdder
	close  func() error
}

// NewRedisStreamSink connects to the configured Redis and checks it answers.
func NewRedisStreamSink(ctx context.Context, cfg config.Redis) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return &RedisStreamSink{stream: cfg.Stream, client: client, close: client.Close}, nil
}

// Close releases the redis connection pool.
func (s *RedisStreamSink) Close() {
	if s.close != nil {
		_ = s.close()
	}
}

func (s *RedisStreamSink) Name() string { return "redis " + s.stream }

func (s *RedisStreamSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event_id":        strconv.FormatInt(evt.ID, 10),
			"type":            evt.Type,
			"health_check_id": evt.HealthCheckID,
			"organization_id": evt.OrganizationID,
			"payload":         string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
