package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stemflow/internal/config"
	"stemflow/internal/logging"
)

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSink caches the latest state per job and batch and republishes every
// event on a pub/sub channel.
//
// Keys:
//
//	<prefix>:job:<id>     last event for the job (expires after status TTL)
//	<prefix>:batch:<id>   last event for the batch
//	<prefix>:batch:latest last batch-level event
//	<prefix>:events       pub/sub channel
type RedisSink struct {
	client redisClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisSink dials redis and verifies the connection.
func NewRedisSink(cfg config.Events, logger *slog.Logger) (*RedisSink, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis sink: events.redis_addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	sink := newRedisSink(client, cfg.RedisPrefix, time.Duration(cfg.RedisStatusTTL)*time.Second)
	sink.logger = logging.NewComponentLogger(logger, "redis-sink")
	sink.logger.Info("redis sink connected",
		logging.String("addr", cfg.RedisAddr),
		logging.Int("db", cfg.RedisDB),
		logging.String("prefix", sink.prefix),
	)
	return sink, nil
}

func newRedisSink(client redisClient, prefix string, ttl time.Duration) *RedisSink {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "stemflow"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl, logger: logging.NewNop()}
}

func (s *RedisSink) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Deliver implements Sink.
func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var keys []string
	if evt.JobID != "" {
		keys = append(keys, s.key("job", evt.JobID))
	} else {
		keys = append(keys, s.key("batch", evt.BatchID), s.key("batch", "latest"))
	}
	for _, key := range keys {
		start := time.Now()
		if err := s.client.Set(ctx, key, body, s.ttl).Err(); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		s.logger.Debug("event cached",
			logging.String("key", key),
			logging.Duration("duration", time.Since(start)),
		)
	}
	if err := s.client.Publish(ctx, s.key("events"), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.key("events"), err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
