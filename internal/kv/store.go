// Package kv is the worker's interface to the external key-value store.
//
// Three concerns live here: the runtime config object operators toggle, the
// heartbeat record external observers watch, and the date-partitioned
// opportunity log. Every call carries a deadline; a slow or down Redis must
// never stall the worker's loops.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const (
	writeDeadline = 3 * time.Second
	readDeadline  = 3 * time.Second

	opportunityRetention = 30 * 24 * time.Hour
	opportunityCap       = 10_000 // entries kept per daily list
)

// Store wraps the Redis client with the worker's key schema.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New connects a store. The client is not pinged here; the first heartbeat
// surfaces connectivity problems.
func New(cfg config.RedisConfig) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.KeyPrefix)
}

// NewWithClient builds a store over an existing client. Tests inject a mock
// through here.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "crossarb"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) configKey() string    { return s.prefix + ":config" }
func (s *Store) heartbeatKey() string { return s.prefix + ":heartbeat" }

func (s *Store) opportunityKey(day time.Time) string {
	return fmt.Sprintf("%s:opps:%s", s.prefix, day.UTC().Format("2006-01-02"))
}

// RuntimeConfig reads the operator-controlled config object. A missing key
// returns defaults; unknown fields in the stored JSON are ignored so older
// workers tolerate newer writers.
func (s *Store) RuntimeConfig(ctx context.Context) (types.RuntimeConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, readDeadline)
	defer cancel()

	cfg := types.DefaultRuntimeConfig()
	raw, err := s.client.Get(ctx, s.configKey()).Bytes()
	if err == redis.Nil {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read runtime config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return types.DefaultRuntimeConfig(), fmt.Errorf("decode runtime config: %w", err)
	}
	return cfg, nil
}

// WriteRuntimeConfig stores the config object. Operators normally write this
// key from the outside; the worker only writes it for seeding.
func (s *Store) WriteRuntimeConfig(ctx context.Context, cfg types.RuntimeConfig) error {
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode runtime config: %w", err)
	}
	if err := s.client.Set(ctx, s.configKey(), string(raw), 0).Err(); err != nil {
		return fmt.Errorf("write runtime config: %w", err)
	}
	return nil
}

// WriteHeartbeat stores the heartbeat record under the fixed key. The
// deadline is deliberately tight: a slow write is reported to the caller,
// which skips the tick rather than queueing behind it.
func (s *Store) WriteHeartbeat(ctx context.Context, hb types.WorkerHeartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()

	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	if err := s.client.Set(ctx, s.heartbeatKey(), string(raw), 0).Err(); err != nil {
		metrics.HeartbeatWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("write heartbeat: %w", err)
	}
	metrics.HeartbeatWrites.WithLabelValues("ok").Inc()
	return nil
}

// ReadHeartbeat fetches the last written heartbeat. Used by the ops status
// endpoint and tests; external observers read the same key.
func (s *Store) ReadHeartbeat(ctx context.Context) (types.WorkerHeartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, readDeadline)
	defer cancel()

	var hb types.WorkerHeartbeat
	raw, err := s.client.Get(ctx, s.heartbeatKey()).Bytes()
	if err != nil {
		return hb, fmt.Errorf("read heartbeat: %w", err)
	}
	if err := json.Unmarshal(raw, &hb); err != nil {
		return hb, fmt.Errorf("decode heartbeat: %w", err)
	}
	return hb, nil
}

// AppendOpportunity pushes one opportunity onto today's log: LPUSH, trim to
// the per-day cap, refresh the 30-day expiry.
func (s *Store) AppendOpportunity(ctx context.Context, opp types.Opportunity) error {
	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()

	raw, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("encode opportunity: %w", err)
	}

	key := s.opportunityKey(opp.DetectedAt)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, 0, opportunityCap-1)
	pipe.Expire(ctx, key, opportunityRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append opportunity: %w", err)
	}
	return nil
}

// Opportunities reads a day's log, newest first.
func (s *Store) Opportunities(ctx context.Context, day time.Time, limit int64) ([]types.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, readDeadline)
	defer cancel()

	rows, err := s.client.LRange(ctx, s.opportunityKey(day), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read opportunities: %w", err)
	}

	out := make([]types.Opportunity, 0, len(rows))
	for _, row := range rows {
		var opp types.Opportunity
		if err := json.Unmarshal([]byte(row), &opp); err != nil {
			// A malformed row is logged data, not a reason to fail the read.
			continue
		}
		out = append(out, opp)
	}
	return out, nil
}
