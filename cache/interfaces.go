package cache

import (
	"context"

	"github.com/huykn/triage-edge/types"
)

// Logger defines the interface for logging in the agent.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// LocalCache defines the interface for the in-process hot layer kept in
// front of the cache backend.
type LocalCache interface {
	// Get retrieves an asset from the local cache.
	Get(key string) (types.Asset, bool)

	// Set stores an asset in the local cache.
	Set(key string, asset types.Asset, cost int64) bool

	// Delete removes an asset from the local cache.
	Delete(key string)

	// Clear removes all assets from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating local cache implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// Backend is the content-cache primitive: named generations of captured
// responses. Implementations live in the storage package.
type Backend interface {
	// Open creates a generation if it does not exist.
	Open(ctx context.Context, generation string) error

	// Has reports whether a generation exists.
	Has(ctx context.Context, generation string) (bool, error)

	// Match returns the asset stored under key in a generation.
	Match(ctx context.Context, generation, key string) (types.Asset, error)

	// Put stores an asset, creating the generation when needed.
	Put(ctx context.Context, generation string, asset types.Asset) error

	// Delete removes one entry from a generation.
	Delete(ctx context.Context, generation, key string) error

	// Keys lists the keys of a generation, oldest insertion first.
	Keys(ctx context.Context, generation string) ([]string, error)

	// Generations lists every generation name.
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration drops a generation and reports whether it existed.
	DeleteGeneration(ctx context.Context, generation string) (bool, error)

	// Current returns the persisted current generation pointer.
	Current(ctx context.Context) (types.CurrentGenerations, error)

	// SetCurrent persists the current generation pointer.
	SetCurrent(ctx context.Context, current types.CurrentGenerations) error

	// Close releases the backend.
	Close() error
}

// Synchronizer defines the interface for hot-layer invalidation across agent
// instances sharing one backend.
type Synchronizer interface {
	// Subscribe starts listening for invalidation events.
	Subscribe(ctx context.Context) error

	// Publish publishes an invalidation event.
	Publish(ctx context.Context, event types.InvalidationEvent) error

	// OnInvalidate registers a callback for invalidation events.
	OnInvalidate(callback func(event types.InvalidationEvent))

	// Close closes the synchronizer.
	Close() error
}

// InvalidationEvent is an alias for types.InvalidationEvent.
type InvalidationEvent = types.InvalidationEvent

// Action is an alias for types.Action.
type Action = types.Action

// Action constants for cache operations
const (
	ActionSet        = types.Set
	ActionInvalidate = types.Invalidate
	ActionDelete     = types.Delete
	ActionClear      = types.Clear
)

// Stats represents cache statistics.
type Stats struct {
	LocalHits     int64
	LocalMisses   int64
	BackendHits   int64
	BackendMisses int64
	Puts          int64
	Rejected      int64
	Trimmed       int64
	Invalidations int64
}

// GenerationInfo describes one generation for status reports.
type GenerationInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Status is a point-in-time view of the cache generations.
type Status struct {
	Current     types.CurrentGenerations `json:"current"`
	Generations []GenerationInfo         `json:"generations"`
	MaxDynamic  int                      `json:"maxDynamic"`
}
