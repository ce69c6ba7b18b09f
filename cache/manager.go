package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huykn/triage-edge/storage"
	cachesync "github.com/huykn/triage-edge/sync"
	"github.com/huykn/triage-edge/types"
)

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = NewError("cache is closed")

// ErrNotCacheable is returned by Put for responses outside 2xx.
var ErrNotCacheable = NewError("response is not cacheable")

// ErrInstallFailed is returned when any manifest asset could not be fetched.
var ErrInstallFailed = NewError("shell install failed")

// ErrNotInstalled is returned by Activate when the shell for the configured
// version has not been installed.
var ErrNotInstalled = NewError("shell generation not installed")

// FetchFunc fetches one manifest path for Install.
type FetchFunc func(ctx context.Context, path string) (types.Asset, error)

// Manager owns the versioned cache generations: a shell generation filled at
// install time and a bounded dynamic generation filled at runtime. Reads go
// through a local hot layer before the backend.
type Manager struct {
	backend      Backend
	local        LocalCache
	synchronizer Synchronizer
	logger       Logger
	options      Options

	mu      sync.RWMutex
	current types.CurrentGenerations
	active  bool

	closed     int32
	stats      Stats
	statsMutex sync.RWMutex
}

// New creates a Manager. The current generation pointer is loaded from the
// backend so a restarted agent keeps serving the generation it left active.
func New(opts Options) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLFUCacheFactory(opts.LocalCacheConfig)
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if opts.ContextTimeout <= 0 {
		opts.ContextTimeout = 5 * time.Second
	}

	local, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		local:   local,
		logger:  opts.Logger,
		options: opts,
	}

	switch {
	case opts.Backend != nil:
		m.backend = opts.Backend
	case opts.RedisAddr != "":
		redisBackend, err := storage.NewRedisBackend(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
		if err != nil {
			local.Close()
			return nil, err
		}
		m.backend = redisBackend

		synchronizer := cachesync.NewPubSubSynchronizer(redisBackend.GetClient(), opts.InvalidationChannel, opts.PodID)
		ctx, cancel := context.WithTimeout(context.Background(), opts.ContextTimeout)
		err = synchronizer.Subscribe(ctx)
		cancel()
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		synchronizer.OnInvalidate(m.handleInvalidation)
		m.synchronizer = synchronizer
	default:
		m.backend = storage.NewMemoryBackend()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ContextTimeout)
	defer cancel()
	if err := m.reloadCurrent(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	return m, nil
}

func (m *Manager) reloadCurrent(ctx context.Context) error {
	current, err := m.backend.Current(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	m.mu.Lock()
	m.current = current
	m.active = true
	m.mu.Unlock()
	return nil
}

// Current returns the generations serving requests. Before the first
// activation these are the generations of the configured version.
func (m *Manager) Current() types.CurrentGenerations {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active {
		return m.current
	}
	return m.target()
}

// Active reports whether a shell generation has been activated.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) target() types.CurrentGenerations {
	return types.CurrentGenerations{
		Version: m.options.Version,
		Shell:   types.ShellGeneration(m.options.Version),
		Dynamic: types.DynamicGeneration(m.options.Version),
	}
}

func (m *Manager) checkOpen() error {
	if atomic.LoadInt32(&m.closed) != 0 {
		return ErrCacheClosed
	}
	return nil
}

func hotKey(generation, key string) string {
	return generation + "|" + key
}

// OpenNamed creates generation in the backend if it does not exist.
func (m *Manager) OpenNamed(ctx context.Context, generation string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.backend.Open(ctx, generation)
}

// Match looks key up in the current shell generation, then the current
// dynamic generation.
func (m *Manager) Match(ctx context.Context, key string) (types.Asset, error) {
	current := m.Current()
	asset, err := m.MatchIn(ctx, current.Shell, key)
	if err == nil || !errors.Is(err, types.ErrNotFound) {
		return asset, err
	}
	return m.MatchIn(ctx, current.Dynamic, key)
}

// MatchIn looks key up in one generation.
func (m *Manager) MatchIn(ctx context.Context, generation, key string) (types.Asset, error) {
	if err := m.checkOpen(); err != nil {
		return types.Asset{}, err
	}

	if m.options.DebugMode {
		m.logger.Debug("Match: looking up key", "generation", generation, "key", key)
	}

	if asset, found := m.local.Get(hotKey(generation, key)); found {
		m.record(func(s *Stats) { s.LocalHits++ })
		return asset, nil
	}
	m.record(func(s *Stats) { s.LocalMisses++ })

	asset, err := m.backend.Match(ctx, generation, key)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			m.record(func(s *Stats) { s.BackendMisses++ })
		}
		return types.Asset{}, err
	}
	m.record(func(s *Stats) { s.BackendHits++ })

	m.local.Set(hotKey(generation, key), asset, int64(len(asset.Body))+1)
	return asset, nil
}

// Put stores a successful response in the current dynamic generation.
// Responses outside 2xx are rejected with ErrNotCacheable.
func (m *Manager) Put(ctx context.Context, key string, asset types.Asset) error {
	return m.PutIn(ctx, m.Current().Dynamic, key, asset)
}

// PutIn stores a successful response in generation.
func (m *Manager) PutIn(ctx context.Context, generation, key string, asset types.Asset) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if !asset.OK() {
		m.record(func(s *Stats) { s.Rejected++ })
		return fmt.Errorf("%w: status %d for %s", ErrNotCacheable, asset.Status, key)
	}
	return m.store(ctx, generation, key, asset)
}

func (m *Manager) store(ctx context.Context, generation, key string, asset types.Asset) error {
	asset.Key = key
	asset.Generation = generation
	if asset.StoredAt.IsZero() {
		asset.StoredAt = time.Now().UTC()
	}
	if err := m.backend.Put(ctx, generation, asset); err != nil {
		m.reportError(err)
		return err
	}
	m.local.Set(hotKey(generation, key), asset, int64(len(asset.Body))+1)
	m.record(func(s *Stats) { s.Puts++ })
	m.publish(ctx, InvalidationEvent{Key: key, Generation: generation, Action: ActionSet})

	if m.options.DebugMode {
		m.logger.Debug("Put: stored entry", "generation", generation, "key", key, "status", asset.Status)
	}
	return nil
}

// DeleteGeneration removes a generation and reports whether it existed.
func (m *Manager) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	removed, err := m.backend.DeleteGeneration(ctx, name)
	if err != nil {
		m.reportError(err)
		return false, err
	}
	if removed {
		m.local.Clear()
		m.publish(ctx, InvalidationEvent{Key: "*", Generation: name, Action: ActionClear})
		m.logger.Info("Removed cache generation", "generation", name)
	}
	return removed, nil
}

// ListGenerations returns every generation known to the backend.
func (m *Manager) ListGenerations(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.backend.Generations(ctx)
}

// Install fetches every manifest path into the shell generation of the
// configured version. Fetches run concurrently; if any fails or returns a
// non-2xx status nothing is written and the current generations keep serving.
func (m *Manager) Install(ctx context.Context, manifest []string, fetch FetchFunc) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	target := m.target()

	assets := make([]types.Asset, len(manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.options.InstallConcurrency)
	for i, path := range manifest {
		group.Go(func() error {
			asset, err := fetch(groupCtx, path)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			if !asset.OK() {
				return fmt.Errorf("fetch %s: status %d", path, asset.Status)
			}
			if asset.Key == "" {
				asset.Key = types.RequestKey("GET", path)
			}
			assets[i] = asset
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		m.logger.Warn("Install: shell fetch failed", "generation", target.Shell, "error", err)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	replacing := m.Active() && m.Current().Shell == target.Shell
	for i, asset := range assets {
		if err := m.store(ctx, target.Shell, asset.Key, asset); err != nil {
			if !replacing {
				// no partial shell may survive
				_, _ = m.backend.DeleteGeneration(ctx, target.Shell)
				m.local.Clear()
			}
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, manifest[i], err)
		}
	}
	if err := m.backend.Open(ctx, target.Dynamic); err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInstallFailed, target.Dynamic, err)
	}

	m.logger.Info("Installed shell generation", "generation", target.Shell, "assets", len(assets))
	return nil
}

// Activate makes the configured version current, deletes every other
// generation and trims the dynamic generation. It returns the number of
// generations removed; a second call removes nothing.
func (m *Manager) Activate(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	target := m.target()

	installed, err := m.backend.Has(ctx, target.Shell)
	if err != nil {
		return 0, err
	}
	if !installed {
		return 0, fmt.Errorf("%w: %s", ErrNotInstalled, target.Shell)
	}

	if m.Current() != target || !m.Active() {
		if err := m.backend.SetCurrent(ctx, target); err != nil {
			m.reportError(err)
			return 0, err
		}
		m.mu.Lock()
		m.current = target
		m.active = true
		m.mu.Unlock()
		m.publish(ctx, InvalidationEvent{Key: "current", Action: ActionInvalidate})
	}

	names, err := m.backend.Generations(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if target.Contains(name) {
			continue
		}
		ok, err := m.DeleteGeneration(ctx, name)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if _, err := m.Trim(ctx); err != nil {
		return removed, err
	}

	m.logger.Info("Activated cache generations", "shell", target.Shell, "dynamic", target.Dynamic, "removed", removed)
	return removed, nil
}

// Trim deletes the oldest-inserted dynamic entries until at most
// MaxDynamicEntries remain, and returns how many were deleted.
func (m *Manager) Trim(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	generation := m.Current().Dynamic
	keys, err := m.backend.Keys(ctx, generation)
	if err != nil {
		return 0, err
	}
	excess := len(keys) - m.options.MaxDynamicEntries
	if excess <= 0 {
		return 0, nil
	}
	for _, key := range keys[:excess] {
		if err := m.backend.Delete(ctx, generation, key); err != nil {
			m.reportError(err)
			return 0, err
		}
		m.local.Delete(hotKey(generation, key))
		m.publish(ctx, InvalidationEvent{Key: key, Generation: generation, Action: ActionDelete})
	}
	m.record(func(s *Stats) { s.Trimmed += int64(excess) })

	if m.options.DebugMode {
		m.logger.Debug("Trim: removed oldest dynamic entries", "generation", generation, "removed", excess)
	}
	return excess, nil
}

// Status reports every generation with its entry count.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if err := m.checkOpen(); err != nil {
		return Status{}, err
	}
	current := m.Current()
	names, err := m.backend.Generations(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Current:     current,
		Generations: make([]GenerationInfo, 0, len(names)),
		MaxDynamic:  m.options.MaxDynamicEntries,
	}
	for _, name := range names {
		keys, err := m.backend.Keys(ctx, name)
		if err != nil {
			return Status{}, err
		}
		status.Generations = append(status.Generations, GenerationInfo{
			Name:    name,
			Entries: len(keys),
			Current: current.Contains(name) && m.Active(),
		})
	}
	return status, nil
}

// Close closes the manager and releases all resources.
func (m *Manager) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}

	var errs []error

	if m.synchronizer != nil {
		if err := m.synchronizer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.local.Close()

	return errors.Join(errs...)
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	m.statsMutex.RLock()
	defer m.statsMutex.RUnlock()
	return m.stats
}

func (m *Manager) record(update func(*Stats)) {
	m.statsMutex.Lock()
	update(&m.stats)
	m.statsMutex.Unlock()
}

func (m *Manager) reportError(err error) {
	if m.options.OnError != nil {
		m.options.OnError(err)
	}
}

func (m *Manager) publish(ctx context.Context, event InvalidationEvent) {
	if m.synchronizer == nil {
		return
	}
	event.Sender = m.options.PodID
	if err := m.synchronizer.Publish(ctx, event); err != nil {
		m.reportError(err)
		if m.options.DebugMode {
			m.logger.Warn("Sync: failed to publish invalidation", "action", event.Action, "key", event.Key, "error", err)
		}
	}
}

// handleInvalidation applies an invalidation published by a peer instance.
func (m *Manager) handleInvalidation(event InvalidationEvent) {
	if m.options.DebugMode {
		m.logger.Info("Received invalidation event", "action", event.Action, "generation", event.Generation, "key", event.Key, "sender", event.Sender)
	}

	switch event.Action {
	case ActionSet, ActionDelete:
		// The backend is shared; dropping the hot copy is enough.
		m.local.Delete(hotKey(event.Generation, event.Key))

	case ActionClear:
		m.local.Clear()

	case ActionInvalidate:
		ctx, cancel := context.WithTimeout(context.Background(), m.options.ContextTimeout)
		defer cancel()
		if err := m.reloadCurrent(ctx); err != nil {
			m.reportError(err)
		}
		m.local.Clear()

	default:
		if m.options.DebugMode {
			m.logger.Warn("Sync: unknown action", "action", event.Action, "key", event.Key, "sender", event.Sender)
		}
		return
	}
	m.record(func(s *Stats) { s.Invalidations++ })
}
