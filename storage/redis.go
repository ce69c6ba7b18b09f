package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/triage-edge/types"
)

// ErrNotFound is returned when a generation, entry or pointer does not exist.
var ErrNotFound = fmt.Errorf("cache entry %w", types.ErrNotFound)

// RedisBackend stores cache generations in Redis so several agent processes
// can share them.
//
// Layout under prefix:
//
//	{prefix}:generations          set of generation names
//	{prefix}:gen:{name}:entries   hash key -> serialized asset
//	{prefix}:gen:{name}:order     sorted set key -> insertion sequence
//	{prefix}:seq                  insertion sequence counter
//	{prefix}:current              serialized current generation pointer
type RedisBackend struct {
	client *redis.Client
	prefix string
	codec  *Codec
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, password string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "triage:cache"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		codec:  NewCodec(nil),
	}
}

func (rb *RedisBackend) generationsKey() string { return rb.prefix + ":generations" }
func (rb *RedisBackend) entriesKey(gen string) string {
	return rb.prefix + ":gen:" + gen + ":entries"
}
func (rb *RedisBackend) orderKey(gen string) string { return rb.prefix + ":gen:" + gen + ":order" }
func (rb *RedisBackend) seqKey() string             { return rb.prefix + ":seq" }
func (rb *RedisBackend) currentKey() string         { return rb.prefix + ":current" }

// Open creates generation if it does not exist.
func (rb *RedisBackend) Open(ctx context.Context, generation string) error {
	return rb.client.SAdd(ctx, rb.generationsKey(), generation).Err()
}

// Has reports whether generation exists.
func (rb *RedisBackend) Has(ctx context.Context, generation string) (bool, error) {
	return rb.client.SIsMember(ctx, rb.generationsKey(), generation).Result()
}

// Match returns the asset stored under key in generation.
func (rb *RedisBackend) Match(ctx context.Context, generation, key string) (types.Asset, error) {
	data, err := rb.client.HGet(ctx, rb.entriesKey(generation), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Asset{}, ErrNotFound
		}
		return types.Asset{}, err
	}
	asset, err := rb.codec.DecodeAsset(data)
	if err != nil {
		return types.Asset{}, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return asset, nil
}

// Put stores asset in generation, creating the generation when needed.
func (rb *RedisBackend) Put(ctx context.Context, generation string, asset types.Asset) error {
	asset.Generation = generation
	data, err := rb.codec.EncodeAsset(asset)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", asset.Key, err)
	}
	seq, err := rb.client.Incr(ctx, rb.seqKey()).Result()
	if err != nil {
		return err
	}
	_, err = rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, rb.generationsKey(), generation)
		pipe.HSet(ctx, rb.entriesKey(generation), asset.Key, data)
		pipe.ZAdd(ctx, rb.orderKey(generation), redis.Z{Score: float64(seq), Member: asset.Key})
		return nil
	})
	return err
}

// Delete removes key from generation.
func (rb *RedisBackend) Delete(ctx context.Context, generation, key string) error {
	_, err := rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, rb.entriesKey(generation), key)
		pipe.ZRem(ctx, rb.orderKey(generation), key)
		return nil
	})
	return err
}

// Keys returns the keys of generation, oldest insertion first.
func (rb *RedisBackend) Keys(ctx context.Context, generation string) ([]string, error) {
	return rb.client.ZRange(ctx, rb.orderKey(generation), 0, -1).Result()
}

// Generations lists generation names in lexical order.
func (rb *RedisBackend) Generations(ctx context.Context) ([]string, error) {
	names, err := rb.client.SMembers(ctx, rb.generationsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// DeleteGeneration drops generation and reports whether it existed.
func (rb *RedisBackend) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	var removed *redis.IntCmd
	_, err := rb.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, rb.generationsKey(), generation)
		pipe.Del(ctx, rb.entriesKey(generation), rb.orderKey(generation))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

// Current returns the current generation pointer.
func (rb *RedisBackend) Current(ctx context.Context) (types.CurrentGenerations, error) {
	data, err := rb.client.Get(ctx, rb.currentKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.CurrentGenerations{}, ErrNotFound
		}
		return types.CurrentGenerations{}, err
	}
	current, err := rb.codec.DecodeCurrent(data)
	if err != nil {
		return types.CurrentGenerations{}, fmt.Errorf("decode current generations: %w", err)
	}
	return current, nil
}

// SetCurrent replaces the current generation pointer.
func (rb *RedisBackend) SetCurrent(ctx context.Context, current types.CurrentGenerations) error {
	data, err := rb.codec.EncodeCurrent(current)
	if err != nil {
		return err
	}
	return rb.client.Set(ctx, rb.currentKey(), data, 0).Err()
}

// Close closes the Redis connection.
func (rb *RedisBackend) Close() error {
	return rb.client.Close()
}

// GetClient returns the underlying Redis client.
func (rb *RedisBackend) GetClient() *redis.Client {
	return rb.client
}
