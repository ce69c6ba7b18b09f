package triageedge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/huykn/triage-edge/bridge"
	"github.com/huykn/triage-edge/cache"
	"github.com/huykn/triage-edge/notify"
	"github.com/huykn/triage-edge/offline"
	"github.com/huykn/triage-edge/router"
	cachesync "github.com/huykn/triage-edge/sync"
	"github.com/huykn/triage-edge/types"
)

// DefaultManifest lists the shell assets cached at install.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/offline.html",
	"/manifest.json",
	"/app.js",
	"/app.css",
	"/icons/icon-192.png",
}

// Config configures an Agent. Tagged fields can be loaded from TRIAGE_*
// environment variables with LoadConfig.
type Config struct {
	// PodID identifies this agent in cache invalidation events.
	PodID string `env:"TRIAGE_POD_ID" envDefault:"triage-agent"`

	// Listen is the address served by the CLI.
	Listen string `env:"TRIAGE_LISTEN" envDefault:"127.0.0.1:8080"`

	// Origin is the upstream application origin.
	Origin string `env:"TRIAGE_ORIGIN" envDefault:"http://localhost:3000"`

	// RemoteURL is the base URL of the patients API. Defaults to Origin.
	RemoteURL string `env:"TRIAGE_REMOTE_URL"`

	// DBPath is the Offline Store file.
	DBPath string `env:"TRIAGE_DB_PATH" envDefault:"triage.db"`

	// CacheVersion names the shell and dynamic generations.
	CacheVersion int `env:"TRIAGE_CACHE_VERSION" envDefault:"1"`

	// Manifest lists the shell paths fetched at install.
	Manifest []string `env:"TRIAGE_MANIFEST" envSeparator:","`

	// MaxDynamicEntries bounds the dynamic generation.
	MaxDynamicEntries int `env:"TRIAGE_MAX_DYNAMIC_ENTRIES" envDefault:"100"`

	// TrimInterval is the period of the dynamic cache cleanup pass.
	TrimInterval time.Duration `env:"TRIAGE_TRIM_INTERVAL" envDefault:"1m"`

	// SyncInterval is the period of the background sync trigger.
	SyncInterval time.Duration `env:"TRIAGE_SYNC_INTERVAL" envDefault:"24h"`

	// ProbeURL is checked every ProbeInterval to detect connectivity.
	// Empty disables probing; /__online and /__offline still work.
	ProbeURL      string        `env:"TRIAGE_PROBE_URL"`
	ProbeInterval time.Duration `env:"TRIAGE_PROBE_INTERVAL" envDefault:"30s"`

	// BridgeTimeout bounds in-process bridge calls.
	BridgeTimeout time.Duration `env:"TRIAGE_BRIDGE_TIMEOUT" envDefault:"5s"`

	// HotLayer selects the local cache: "lfu" (Ristretto) or "lru".
	HotLayer string `env:"TRIAGE_HOT_LAYER" envDefault:"lfu"`

	// LocalCacheConfig configures the hot layer.
	LocalCacheConfig LocalCacheConfig

	// RedisAddr enables a shared Redis cache backend.
	RedisAddr           string `env:"TRIAGE_REDIS_ADDR"`
	RedisPassword       string `env:"TRIAGE_REDIS_PASSWORD"`
	RedisDB             int    `env:"TRIAGE_REDIS_DB" envDefault:"0"`
	RedisPrefix         string `env:"TRIAGE_REDIS_PREFIX" envDefault:"triage:cache"`
	InvalidationChannel string `env:"TRIAGE_INVALIDATION_CHANNEL" envDefault:"triage:cache:invalidate"`

	// OpenCommand opens alert URLs when no foreground is connected,
	// e.g. xdg-open. Empty disables opening.
	OpenCommand string `env:"TRIAGE_OPEN_COMMAND"`

	// DebugMode enables debug logging.
	DebugMode bool `env:"TRIAGE_DEBUG"`

	// ContextTimeout bounds setup calls.
	ContextTimeout time.Duration `env:"TRIAGE_CONTEXT_TIMEOUT" envDefault:"5s"`

	// Logger is the logger for all components.
	// If nil, defaults to no-op logger.
	Logger Logger

	// Fetcher performs network requests. If nil, an http.Client is used.
	Fetcher router.Fetcher

	// Remote receives pending writes. If nil, an HTTP remote at RemoteURL is used.
	Remote cachesync.Remote

	// Scorer assigns a priority to records saved without one.
	Scorer bridge.Scorer

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		PodID:               "triage-agent",
		Listen:              "127.0.0.1:8080",
		Origin:              "http://localhost:3000",
		DBPath:              "triage.db",
		CacheVersion:        1,
		Manifest:            append([]string(nil), DefaultManifest...),
		MaxDynamicEntries:   100,
		TrimInterval:        time.Minute,
		SyncInterval:        24 * time.Hour,
		ProbeInterval:       30 * time.Second,
		BridgeTimeout:       bridge.DefaultTimeout,
		HotLayer:            "lfu",
		LocalCacheConfig:    DefaultLocalCacheConfig(),
		RedisPrefix:         "triage:cache",
		InvalidationChannel: "triage:cache:invalidate",
		ContextTimeout:      5 * time.Second,
		Logger:              nil, // Will default to no-op in New()
		DebugMode:           false,
	}
}

// LoadConfig returns DefaultConfig overridden by TRIAGE_* environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if len(cfg.Manifest) == 0 {
		cfg.Manifest = append([]string(nil), DefaultManifest...)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: db path is required", ErrInvalidConfig)
	}
	origin, err := url.Parse(c.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("%w: origin must be an absolute URL", ErrInvalidConfig)
	}
	if c.CacheVersion <= 0 || c.MaxDynamicEntries <= 0 {
		return fmt.Errorf("%w: cache version and dynamic bound must be positive", ErrInvalidConfig)
	}
	switch c.HotLayer {
	case "", "lfu", "lru":
	default:
		return fmt.Errorf("%w: unknown hot layer %q", ErrInvalidConfig, c.HotLayer)
	}
	return nil
}

// Agent is the offline-first agent: the Offline Store, the edge cache and
// request router, the sync reconciler, the foreground bridge and the
// notification dispatcher, wired together.
type Agent struct {
	cfg    Config
	logger Logger

	store        *offline.Store
	cache        *cache.Manager
	router       *router.Router
	connectivity *cachesync.Connectivity
	reconciler   *cachesync.Reconciler
	hub          *bridge.Hub
	dispatcher   *bridge.Dispatcher
	pipe         *bridge.Pipe
	client       *bridge.Client
	notifier     *notify.Dispatcher
	fetcher      router.Fetcher

	features atomic.Pointer[types.Features]

	ctx    context.Context
	cancel context.CancelFunc
	closed int32
	wg     sync.WaitGroup
}

// New opens the Offline Store and builds every component.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RemoteURL == "" {
		cfg.RemoteURL = cfg.Origin
	}
	if len(cfg.Manifest) == 0 {
		cfg.Manifest = append([]string(nil), DefaultManifest...)
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = time.Minute
	}

	a := &Agent{
		cfg:     cfg,
		logger:  cfg.Logger,
		hub:     bridge.NewHub(),
		fetcher: cfg.Fetcher,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	store, err := offline.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = store

	settings, err := store.GetSettings(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.setFeatures(settings)

	cacheOpts := cache.DefaultOptions()
	cacheOpts.PodID = cfg.PodID
	cacheOpts.Version = cfg.CacheVersion
	cacheOpts.MaxDynamicEntries = cfg.MaxDynamicEntries
	cacheOpts.LocalCacheConfig = cfg.LocalCacheConfig
	if cfg.HotLayer == "lru" {
		cacheOpts.LocalCacheFactory = cache.NewLRUCacheFactory(cfg.LocalCacheConfig.MaxSize)
	}
	cacheOpts.RedisAddr = cfg.RedisAddr
	cacheOpts.RedisPassword = cfg.RedisPassword
	cacheOpts.RedisDB = cfg.RedisDB
	cacheOpts.RedisPrefix = cfg.RedisPrefix
	cacheOpts.InvalidationChannel = cfg.InvalidationChannel
	cacheOpts.Logger = cfg.Logger
	cacheOpts.DebugMode = cfg.DebugMode
	cacheOpts.ContextTimeout = cfg.ContextTimeout
	cacheOpts.OnError = cfg.OnError

	manager, err := cache.New(cacheOpts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cache = manager

	routerOpts := router.DefaultOptions(cfg.Origin)
	routerOpts.Logger = cfg.Logger
	routerOpts.DebugMode = cfg.DebugMode
	routerOpts.OnError = cfg.OnError
	a.router, err = router.New(manager, cfg.Fetcher, routerOpts)
	if err != nil {
		_ = manager.Close()
		_ = store.Close()
		return nil, err
	}

	remote := cfg.Remote
	if remote == nil {
		remote = cachesync.NewHTTPRemote(cfg.RemoteURL, cfg.Fetcher)
	}
	a.connectivity = cachesync.NewConnectivity(true)
	a.reconciler = cachesync.NewReconciler(store, remote, a.connectivity, cachesync.ReconcilerOptions{
		Interval:    cfg.SyncInterval,
		AutoSync:    func(context.Context) bool { return a.Features().AutoSync },
		Broadcaster: a.hub,
		Logger:      cfg.Logger,
	})

	a.dispatcher = bridge.NewDispatcher(cfg.Logger)
	bridge.Register(a.dispatcher, bridge.Services{
		Store:           store,
		Sync:            a.reconciler,
		Cache:           manager,
		Scorer:          cfg.Scorer,
		WriteNoted:      a.reconciler.NoteWrite,
		SettingsChanged: a.setFeatures,
		Logger:          cfg.Logger,
	})
	a.pipe = bridge.NewPipe(a.dispatcher)
	a.client = bridge.NewClient(a.pipe, cfg.BridgeTimeout)

	notifyOpts := notify.Options{
		BaseURL: "http://" + cfg.Listen,
		Enabled: func(context.Context) bool { return a.Features().NotificationsEnabled },
		Logger:  cfg.Logger,
	}
	if cfg.OpenCommand != "" {
		fields := strings.Fields(cfg.OpenCommand)
		notifyOpts.Opener = notify.ExecOpener{Name: fields[0], Args: fields[1:]}
	}
	a.notifier = notify.NewDispatcher(a.hub, notifyOpts)

	a.logger.Info("Agent ready", "db", cfg.DBPath, "schema", store.SchemaVersion(), "cache", manager.Current().Shell)
	return a, nil
}

func (a *Agent) setFeatures(settings types.Settings) {
	features := settings.Features()
	a.features.Store(&features)
}

// Features returns the current feature toggles.
func (a *Agent) Features() types.Features {
	if f := a.features.Load(); f != nil {
		return *f
	}
	return types.DefaultSettings().Features()
}

func (a *Agent) checkOpen() error {
	if atomic.LoadInt32(&a.closed) != 0 {
		return ErrAgentClosed
	}
	return nil
}

// fetchAsset downloads one manifest path from the origin.
func (a *Agent) fetchAsset(ctx context.Context, path string) (types.Asset, error) {
	target := strings.TrimRight(a.cfg.Origin, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return types.Asset{}, err
	}
	resp, err := a.fetcher.Do(req)
	if err != nil {
		return types.Asset{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Asset{}, fmt.Errorf("%w: read %s: %v", ErrNetworkFailure, path, err)
	}
	return types.Asset{
		Key:      types.RequestKey(http.MethodGet, path),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Install caches the shell manifest for the configured version.
func (a *Agent) Install(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.cache.Install(ctx, a.cfg.Manifest, a.fetchAsset)
}

// Activate makes the installed version current and removes stale generations.
func (a *Agent) Activate(ctx context.Context) (int, error) {
	if err := a.checkOpen(); err != nil {
		return 0, err
	}
	return a.cache.Activate(ctx)
}

// Run drives the background work until ctx is done: the periodic cache
// cleanup, the periodic sync trigger and the connectivity probe.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	// Close stops Run as well
	unregister := context.AfterFunc(a.ctx, stop)
	defer unregister()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.reconciler.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.connectivity.RunProbe(ctx, a.fetcher, a.cfg.ProbeURL, a.cfg.ProbeInterval)
	}()

	ticker := time.NewTicker(a.cfg.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			trimmed, err := a.cache.Trim(ctx)
			if err != nil {
				a.reportError(err)
				a.logger.Warn("Cache cleanup failed", "error", err)
				continue
			}
			if trimmed > 0 && a.cfg.DebugMode {
				a.logger.Debug("Cache cleanup removed entries", "removed", trimmed)
			}
		}
	}
}

// Call runs a bridge operation in-process.
func (a *Agent) Call(ctx context.Context, op string, payload any, out any) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	return a.client.Call(ctx, op, payload, out)
}

// Sync runs one reconciliation batch.
func (a *Agent) Sync(ctx context.Context) (cachesync.Result, error) {
	if err := a.checkOpen(); err != nil {
		return cachesync.Result{}, err
	}
	return a.reconciler.Sync(ctx)
}

// SetOnline records a connectivity change reported by the host.
func (a *Agent) SetOnline(online bool) {
	a.connectivity.Set(online)
}

// Handler serves the agent over HTTP:
//
//	POST /__bridge          one bridge call
//	GET  /__bridge/events   broadcast events (server-sent events)
//	POST /__push            inbound push message
//	POST /__push/click      alert interaction
//	POST /__online          connectivity resumed
//	POST /__offline         connectivity lost
//	/                       everything else, through the request router
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/__bridge", bridge.Handler(a.dispatcher))
	mux.Handle("GET /__bridge/events", bridge.EventsHandler(a.hub, a.logger))
	push := notify.PushHandler(a.notifier)
	mux.Handle("/__push", push)
	mux.Handle("/__push/click", push)
	mux.HandleFunc("POST /__online", func(w http.ResponseWriter, r *http.Request) {
		a.SetOnline(true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /__offline", func(w http.ResponseWriter, r *http.Request) {
		a.SetOnline(false)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/", a.router)
	return mux
}

// Store returns the Offline Store.
func (a *Agent) Store() *offline.Store { return a.store }

// Cache returns the edge cache manager.
func (a *Agent) Cache() *cache.Manager { return a.cache }

// Router returns the request router.
func (a *Agent) Router() *router.Router { return a.router }

// Hub returns the broadcast hub.
func (a *Agent) Hub() *bridge.Hub { return a.hub }

// Notifier returns the notification dispatcher.
func (a *Agent) Notifier() *notify.Dispatcher { return a.notifier }

// Close waits for background work to settle and releases every resource.
func (a *Agent) Close() error {
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return nil
	}
	a.cancel()
	a.reconciler.Close()
	a.router.Close()
	a.pipe.Wait()
	a.wg.Wait()

	var errs []error
	if err := a.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Agent) reportError(err error) {
	if a.cfg.OnError != nil {
		a.cfg.OnError(err)
	}
}
