package cache

import (
	"time"
)

// LocalCacheConfig configures the local cache.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	// Asset cost is the body size in bytes.
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	// Recommended: 64
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures a Manager instance.
type Options struct {
	// PodID identifies this agent instance in invalidation events.
	PodID string

	// Version is the cache version; generations are named shell-v<Version>
	// and dynamic-v<Version>.
	Version int

	// MaxDynamicEntries bounds the dynamic generation. Enforced by Trim.
	MaxDynamicEntries int

	// InstallConcurrency bounds concurrent manifest fetches during Install.
	InstallConcurrency int

	// LocalCacheConfig configures the hot layer.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the hot layer. If nil, defaults to Ristretto.
	LocalCacheFactory LocalCacheFactory

	// Backend stores generations. If nil, RedisAddr selects a Redis backend,
	// otherwise an in-memory backend is used.
	Backend Backend

	// RedisAddr is the Redis server address (e.g., "localhost:6379").
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// RedisPrefix namespaces cache keys in Redis.
	RedisPrefix string

	// InvalidationChannel is the Redis pub/sub channel for hot-layer invalidation.
	InvalidationChannel string

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// DebugMode enables debug logging.
	DebugMode bool

	// ContextTimeout bounds backend setup calls.
	ContextTimeout time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default cache options.
func DefaultOptions() Options {
	return Options{
		PodID:               "default-agent",
		Version:             1,
		MaxDynamicEntries:   100,
		InstallConcurrency:  4,
		RedisPrefix:         "triage:cache",
		InvalidationChannel: "triage:cache:invalidate",
		ContextTimeout:      5 * time.Second,
		LocalCacheConfig:    DefaultLocalCacheConfig(),
		LocalCacheFactory:   nil, // Will default to Ristretto in New()
		Logger:              nil, // Will default to no-op in New()
		DebugMode:           false,
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e5,
		MaxCost:            64 << 20, // 64MB of response bodies
		BufferItems:        64,
		IgnoreInternalCost: true,
		MaxSize:            1000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.PodID == "" {
		return ErrInvalidConfig
	}
	if o.Version <= 0 {
		return ErrInvalidConfig
	}
	if o.MaxDynamicEntries <= 0 {
		return ErrInvalidConfig
	}
	if o.RedisAddr != "" && o.InvalidationChannel == "" {
		return ErrInvalidConfig
	}
	if o.LocalCacheFactory == nil {
		if o.LocalCacheConfig.NumCounters <= 0 {
			return ErrInvalidConfig
		}
		if o.LocalCacheConfig.MaxCost <= 0 {
			return ErrInvalidConfig
		}
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}
