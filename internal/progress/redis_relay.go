package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"zipline/internal/config"
	"zipline/internal/logging"
)

// RedisRelay republishes events on a per-requester Redis channel so push
// transports running in other processes can forward them.
type RedisRelay struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisRelay wraps an existing client.
func NewRedisRelay(client *redis.Client, prefix string, logger *slog.Logger) *RedisRelay {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "zipline"
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		logger: logging.NewComponentLogger(logger, "progress-relay"),
	}
}

// DialRedisRelay connects using the [broadcast] settings and verifies the
// server answers.
func DialRedisRelay(ctx context.Context, cfg config.Broadcast, logger *slog.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisRelay(client, cfg.RedisPrefix, logger), nil
}

// Channel is the pub/sub channel for one requester.
func (r *RedisRelay) Channel(requester string) string {
	return r.prefix + ":events:" + requester
}

// Deliver publishes one JSON copy of evt per attached requester.
func (r *RedisRelay) Deliver(ctx context.Context, evt Event) error {
	if len(evt.Requesters) == 0 {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := r.client.Pipeline()
	for _, requester := range evt.Requesters {
		pipe.Publish(ctx, r.Channel(requester), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	r.logger.Debug("event relayed",
		logging.String(logging.FieldJobID, evt.JobID),
		logging.String("event", string(evt.Type)),
		logging.Int("requesters", len(evt.Requesters)),
	)
	return nil
}

// Listen forwards events addressed to requester until ctx ends or fn returns
// false.
func (r *RedisRelay) Listen(ctx context.Context, requester string, fn func(Event) bool) error {
	pubsub := r.client.Subscribe(ctx, r.Channel(requester))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logging.WarnWithContext(r.logger, "undecodable relay message", "progress_relay_decode_failed",
					logging.String("channel", msg.Channel),
					logging.Error(err),
					logging.String(logging.FieldImpact, "message ignored"),
				)
				continue
			}
			if !fn(evt) {
				return nil
			}
		}
	}
}

// Close releases the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
