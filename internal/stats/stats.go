// Package stats publishes process-wide relay statistics (guild count and
// number of playing sessions) to an external key/value store, where
// dashboards and bot-list integrations pick them up.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reporter receives periodic statistics.
type Reporter interface {
	SetServerCount(ctx context.Context, n int) error
	SetActiveCount(ctx context.Context, n int) error
}

const (
	defaultPrefix = "soundlink:stats"
	defaultTTL    = 5 * time.Minute
)

// RedisReporter writes statistics to Redis keys under a common prefix. Keys
// expire after a TTL so a crashed process does not leave stale numbers.
type RedisReporter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Reporter = (*RedisReporter)(nil)

// RedisOption configures a RedisReporter.
type RedisOption func(*RedisReporter)

// WithPrefix sets the key prefix. Default: "soundlink:stats".
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisReporter) { r.prefix = prefix }
}

// WithTTL sets how long published values live. Zero keeps them forever.
// Default: 5m.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisReporter) { r.ttl = ttl }
}

// NewRedisReporter wraps an existing client.
func NewRedisReporter(client *redis.Client, opts ...RedisOption) *RedisReporter {
	r := &RedisReporter{client: client, prefix: defaultPrefix, ttl: defaultTTL}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dial connects to the Redis server at rawURL ("redis://host:port/db") and
// verifies the connection with a PING.
func Dial(ctx context.Context, rawURL string, opts ...RedisOption) (*RedisReporter, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("stats: parse kv url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stats: connect to redis: %w", err)
	}
	return NewRedisReporter(client, opts...), nil
}

// SetServerCount publishes the number of guilds the bot is in.
func (r *RedisReporter) SetServerCount(ctx context.Context, n int) error {
	return r.set(ctx, "servers", n)
}

// SetActiveCount publishes the number of sessions currently playing.
func (r *RedisReporter) SetActiveCount(ctx context.Context, n int) error {
	return r.set(ctx, "active", n)
}

func (r *RedisReporter) set(ctx context.Context, name string, n int) error {
	key := r.prefix + ":" + name
	if err := r.client.Set(ctx, key, strconv.Itoa(n), r.ttl).Err(); err != nil {
		return fmt.Errorf("stats: set %s: %w", key, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (r *RedisReporter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisReporter) Close() error {
	return r.client.Close()
}

// LogReporter writes statistics to a logger. It is used when no key/value
// store is configured.
type LogReporter struct {
	Logger *slog.Logger
}

var _ Reporter = LogReporter{}

// SetServerCount logs n at debug level.
func (l LogReporter) SetServerCount(_ context.Context, n int) error {
	l.logger().Debug("stats", "servers", n)
	return nil
}

// SetActiveCount logs n at debug level.
func (l LogReporter) SetActiveCount(_ context.Context, n int) error {
	l.logger().Debug("stats", "active_sessions", n)
	return nil
}

func (l LogReporter) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
