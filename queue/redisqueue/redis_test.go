package redisqueue

import (
	"context"
	"testing"

	"github.com/ggoodman/eap-bridge-go/queue"
	"github.com/ggoodman/eap-bridge-go/queue/queuetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueue(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Use separate DB for queue tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	factory := func(t *testing.T) queue.Transport {
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		q, err := New(ctx, Config{Client: client, KeyPrefix: "eap:test:"})
		if err != nil {
			t.Fatalf("Failed to create Redis queue: %v", err)
		}
		return q
	}

	queuetest.RunTransportTests(t, factory)
}
