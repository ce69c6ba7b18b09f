package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupRedisBackend(t *testing.T) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use DB 1 for tests
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	prefix := fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
	b := NewRedisBackendFromClient(client, prefix)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = b.Close()
	})
	return b
}

func TestRedisBackend(t *testing.T) {
	b := setupRedisBackend(t)
	exerciseBackend(t, b)
}

func TestNewRedisBackendUnreachable(t *testing.T) {
	_, err := NewRedisBackend("127.0.0.1:1", "", 0, "")
	if err == nil {
		t.Fatal("Expected error for unreachable Redis")
	}
}
