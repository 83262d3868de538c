package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	jsonx "runway/internal/shared/json"
)

// Spill mirrors published events to durable storage and serves replays
// that have aged out of the in-memory ring.
type Spill interface {
	// Append stores one event at the tail of the run's list.
	Append(ctx context.Context, runID string, ev Event) error
	// Range returns events with fromSeq <= seq <= toSeq in order.
	Range(ctx context.Context, runID string, fromSeq, toSeq int64) ([]Event, error)
}

// DefaultSpillTimeout is the per-operation Redis timeout. Appends run
// inside the run log's critical section, so this stays short and there
// is no retry loop; a failed append is logged by the bus and skipped.
const DefaultSpillTimeout = 2 * time.Second

// DefaultSpillTTL is how long a run's Redis list lives after its last
// write.
const DefaultSpillTTL = 30 * time.Minute

// DefaultSpillKeyPrefix prefixes per-run list keys.
const DefaultSpillKeyPrefix = "runway:run:"

// RedisSpillConfig configures a RedisSpill.
type RedisSpillConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// KeyPrefix prefixes the per-run list key (default runway:run:).
	KeyPrefix string
	// TTL is refreshed on every write (default 30m).
	TTL time.Duration
	// Timeout is the per-operation timeout (default 2s).
	Timeout time.Duration
}

// RedisSpill keeps each run's events in a Redis list at
// <prefix><runId>:events. Sequence numbers are gap-free from 1, so list
// index i holds the event with seq i+1 and ranged reads map directly to
// LRANGE.
type RedisSpill struct {
	config RedisSpillConfig
	client *goredis.Client
}

// NewRedisSpill creates a Redis-backed spill from the given config.
func NewRedisSpill(cfg RedisSpillConfig) (*RedisSpill, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis spill requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis spill: invalid URL: %w", err)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultSpillKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSpillTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSpillTimeout
	}
	return &RedisSpill{config: cfg, client: goredis.NewClient(opts)}, nil
}

func (s *RedisSpill) key(runID string) string {
	return s.config.KeyPrefix + runID + ":events"
}

// Append RPUSHes the event as JSON and refreshes the list TTL.
func (s *RedisSpill) Append(ctx context.Context, runID string, ev Event) error {
	body, err := jsonx.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis spill: marshal event: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.RPush(opCtx, s.key(runID), body)
	pipe.Expire(opCtx, s.key(runID), s.config.TTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("redis spill: append: %w", err)
	}
	return nil
}

// Range reads events with fromSeq <= seq <= toSeq.
func (s *RedisSpill) Range(ctx context.Context, runID string, fromSeq, toSeq int64) ([]Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq < fromSeq {
		return nil, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	rows, err := s.client.LRange(opCtx, s.key(runID), fromSeq-1, toSeq-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis spill: range: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		var ev Event
		if err := jsonx.Unmarshal([]byte(row), &ev); err != nil {
			return nil, fmt.Errorf("redis spill: decode event: %w", err)
		}
		if ev.Seq < fromSeq || ev.Seq > toSeq {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Len returns the number of spilled events for the run.
func (s *RedisSpill) Len(ctx context.Context, runID string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	n, err := s.client.LLen(opCtx, s.key(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis spill: len: %w", err)
	}
	return n, nil
}

// Close releases the Redis client.
func (s *RedisSpill) Close() error {
	return s.client.Close()
}

var _ Spill = (*RedisSpill)(nil)
