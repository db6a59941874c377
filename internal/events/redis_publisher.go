package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisherConfig configures the Redis Streams event publisher.
type RedisPublisherConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MaxLen       int64
	Logger       *slog.Logger
}

// NewRedisPublisher initialises a publisher backed by Redis Streams. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisPublisher(cfg RedisPublisherConfig) (Publisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "vodforge:videos"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &redisPublisher{
		client: client,
		stream: stream,
		maxLen: cfg.MaxLen,
		logger: logger,
	}, nil
}

type redisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

func (p *redisPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    event.Type,
			"videoId": event.VideoID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	p.logger.Debug("event published", "type", event.Type, "video_id", event.VideoID, "stream", p.stream)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
