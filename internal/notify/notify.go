// Package notify delivers lifecycle events to their display surface. The
// engine pushes at-least-once; sinks de-duplicate by event id.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexhub/engagement-engine/internal/engine"
)

/* ============================== Slog sink =============================== */

// SlogSink logs every event; the fallback sink in every deployment.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log.With("component", "notify")}
}

func (s *SlogSink) Deliver(ctx context.Context, ev engine.Event) error {
	s.log.Info("lifecycle event", "type", ev.Type, "event_id", ev.ID, "entity_id", ev.EntityID)
	return nil
}

/* ============================== Redis sink ============================== */

// RedisConfig defines connection parameters for the Redis sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool

	// Channel is the pub/sub channel notifications land on.
	Channel string
	// DedupTTL bounds how long delivered event ids are remembered.
	DedupTTL time.Duration
}

// RedisSink publishes events for the dashboard to consume. SET NX on the
// event id absorbs at-least-once re-delivery from the engine.
type RedisSink struct {
	client   *redis.Client
	channel  string
	dedupTTL time.Duration
	log      *slog.Logger
}

func NewRedisSink(cfg RedisConfig, log *slog.Logger) *RedisSink {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "lifecycle.events"
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSink{
		client:   redis.NewClient(opts),
		channel:  channel,
		dedupTTL: ttl,
		log:      log.With("component", "notify.redis"),
	}
}

// Ping verifies Redis connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }

func (s *RedisSink) Deliver(ctx context.Context, ev engine.Event) error {
	key := "lifecycle:event:" + ev.ID.String()
	ok, err := s.client.SetNX(ctx, key, 1, s.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("redis dedup: %w", err)
	}
	if !ok {
		// Already delivered once; at-least-once re-delivery stops here.
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	s.log.Debug("event published", "type", ev.Type, "event_id", ev.ID)
	return nil
}

/* ============================== Fan-out ================================= */

// Multi fans an event out to several sinks; the first error wins but every
// sink sees the event.
type Multi []engine.Sink

func (m Multi) Deliver(ctx context.Context, ev engine.Event) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
