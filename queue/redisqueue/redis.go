// Package redisqueue implements queue.Transport on Redis Streams. Each queue
// address maps to one stream; XADD gives durable ordered appends and XREAD
// lets a reconnected consumer drain from any point.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/eap-bridge-go/queue"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed queue. Defaults can be loaded via envdecode.
type Config struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to every stream key. ENV: EAP_QUEUE_KEY_PREFIX
	KeyPrefix string `env:"EAP_QUEUE_KEY_PREFIX,default=eap:queue:"`
	// MaxLen caps each stream (approximate trim); 0 keeps everything.
	// ENV: EAP_QUEUE_MAX_LEN
	MaxLen int64 `env:"EAP_QUEUE_MAX_LEN,default=0"`
	// Block is how long one XREAD waits before re-checking the context.
	Block time.Duration `env:"EAP_QUEUE_BLOCK,default=1s"`
}

type Queue struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "eap:queue:"
	}
	block := cfg.Block
	if block <= 0 {
		block = time.Second
	}
	return &Queue{client: client, keyPrefix: prefix, maxLen: cfg.MaxLen, block: block}, nil
}

// NewFromEnv builds a Queue using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Queue, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisqueue config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (q *Queue) Close() error { return q.client.Close() }

func (q *Queue) streamKey(address string) string { return q.keyPrefix + address }

func (q *Queue) Send(ctx context.Context, address string, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: q.streamKey(address),
		Values: map[string]any{"d": data},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", args.Stream, err)
	}
	return id, nil
}

func (q *Queue) Receive(ctx context.Context, address string, lastID string, handler queue.Handler) error {
	key := q.streamKey(address)
	start := "0"
	if lastID != "" {
		n, err := q.client.XRange(ctx, key, lastID, lastID).Result()
		if err != nil {
			return fmt.Errorf("failed to look up %s in stream %s: %w", lastID, key, err)
		}
		if len(n) == 0 {
			return fmt.Errorf("%w: %s", queue.ErrUnknownID, lastID)
		}
		start = lastID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := q.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 64, Block: q.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", key, err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					// Not written by Send; skip it.
					continue
				}
				if err := handler(ctx, queue.Delivery{ID: m.ID, Data: payload}); err != nil {
					return err
				}
			}
		}
	}
}

func (q *Queue) Purge(ctx context.Context, address string) error {
	key := q.streamKey(address)
	if err := q.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to purge stream %s: %w", key, err)
	}
	return nil
}

var _ queue.Transport = (*Queue)(nil)
