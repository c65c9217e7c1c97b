package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis stream publisher.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Stream   string // default "camstream:events"
	MaxLen   int64  // approximate stream cap; default 10000
}

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "camstream:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":      string(ev.Type),
			"camera_id": ev.CameraID,
			"payload":   string(payload),
		},
	}).Err()
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
