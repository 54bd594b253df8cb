// Package app builds the long-lived services from configuration and owns
// their shutdown. It is the only place that knows which backend implements
// each contract.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/access"
	"github.com/JakeFAU/grokipedia-api/internal/api"
	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/cache"
	"github.com/JakeFAU/grokipedia-api/internal/clock/system"
	"github.com/JakeFAU/grokipedia-api/internal/config"
	"github.com/JakeFAU/grokipedia-api/internal/events"
	collyfetcher "github.com/JakeFAU/grokipedia-api/internal/fetcher/colly"
	"github.com/JakeFAU/grokipedia-api/internal/fetcher/headless"
	"github.com/JakeFAU/grokipedia-api/internal/fetcher/hybrid"
	"github.com/JakeFAU/grokipedia-api/internal/hash/sha256"
	"github.com/JakeFAU/grokipedia-api/internal/headless/detector"
	"github.com/JakeFAU/grokipedia-api/internal/id/uuid"
	"github.com/JakeFAU/grokipedia-api/internal/logging"
	"github.com/JakeFAU/grokipedia-api/internal/normalize"
	"github.com/JakeFAU/grokipedia-api/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/grokipedia-api/internal/publisher/memory"
	"github.com/JakeFAU/grokipedia-api/internal/publisher/pubsub"
	"github.com/JakeFAU/grokipedia-api/internal/retrieval"
	gcsstore "github.com/JakeFAU/grokipedia-api/internal/storage/gcs"
	"github.com/JakeFAU/grokipedia-api/internal/storage/local"
	"github.com/JakeFAU/grokipedia-api/internal/storage/memory"
	"github.com/JakeFAU/grokipedia-api/internal/storage/postgres"
	"github.com/JakeFAU/grokipedia-api/internal/storage/sqlite"
	"github.com/JakeFAU/grokipedia-api/internal/sweeper"
)

// Version is reported by /health and /info.
var Version = "dev"

// KeyStore is an apikey.Store that can create its schema and be closed.
type KeyStore interface {
	apikey.Store
	EnsureSchema(ctx context.Context) error
	Close() error
}

// OpenKeyStore connects the key store selected by cfg.Driver.
func OpenKeyStore(ctx context.Context, cfg config.KeyStoreConfig) (KeyStore, error) {
	switch cfg.Driver {
	case config.BackendMemory:
		return memory.NewKeyStore(), nil
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite key store: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.NewKeyStore(ctx, postgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres key store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown key store driver %q", cfg.Driver)
	}
}

// NewKeyManager wraps store with the production hasher, id generator and clock.
func NewKeyManager(store apikey.Store) *apikey.Manager {
	return apikey.NewManager(store, sha256.New(), uuid.New(), system.New())
}

// App holds the shared, long-lived services of a running server.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	server  *api.Server
	service *retrieval.Service
	keys    *apikey.Manager
	sweeper *sweeper.Scheduler
	closers []func() error
}

// New builds every service described by cfg. On error, anything already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	clock := system.New()

	store, err := OpenKeyStore(ctx, cfg.KeyStore)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure key schema: %w", err)
	}
	a.keys = NewKeyManager(store)

	var rdb redis.UniversalClient
	if cfg.RateLimit.Backend == config.BackendRedis || cfg.Cache.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		rdb = client
	}

	var sweepTargets []namedTarget

	var window ratelimit.Window
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		window = ratelimit.NewRedisWindow(rdb, cfg.Redis.Prefix, cfg.RateLimit.Window(), clock)
	default:
		mw := ratelimit.NewMemoryWindow(cfg.RateLimit.Window(), clock)
		sweepTargets = append(sweepTargets, namedTarget{"rate_windows", mw})
		window = mw
	}

	var cacheStore cache.Store
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		cacheStore = cache.NewRedisStore(rdb, cfg.Redis.Prefix)
	default:
		ms := cache.NewMemoryStore(clock)
		sweepTargets = append(sweepTargets, namedTarget{"article_cache", ms})
		cacheStore = ms
	}
	layer := cache.NewLayer(cacheStore, cache.Config{
		TTL:               cfg.Cache.TTL(),
		PopulationTimeout: cfg.Cache.PopulationTimeout(),
	}, clock, logging.Component(logger, "cache"))

	fetcher, err := a.buildFetcher(cfg)
	if err != nil {
		return nil, err
	}
	archive, err := a.buildArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	notifier, err := a.buildEvents(ctx, cfg.Events)
	if err != nil {
		return nil, err
	}

	a.service, err = retrieval.New(retrieval.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		MaxRetries:     cfg.Upstream.MaxRetries,
		RetryBaseDelay: cfg.Upstream.BackoffInitial(),
		RetryMaxDelay:  cfg.Upstream.BackoffMax(),
	}, retrieval.Deps{
		Fetcher: fetcher,
		Parser:  normalize.New(normalize.Config{MinSummaryChars: cfg.Upstream.MinSummaryChars}),
		Cache:   layer,
		Archive: archive,
		Events:  notifier,
		Clock:   clock,
		Logger:  logging.Component(logger, "retrieval"),
	})
	if err != nil {
		return nil, err
	}

	ctrl := access.NewController(access.Config{
		Required:     cfg.Auth.Required,
		OriginQuota:  cfg.Auth.OriginQuota,
		TouchTimeout: cfg.Auth.TouchTimeout(),
	}, a.keys, window, clock, logging.Component(logger, "access"))

	a.server = api.NewServer(a.service, ctrl, a.keys, clock, api.Options{
		Version:        Version,
		Environment:    cfg.Server.Environment,
		UpstreamURL:    cfg.Upstream.BaseURL,
		AuthRequired:   cfg.Auth.Required,
		OriginQuota:    cfg.Auth.OriginQuota,
		CacheTTL:       cfg.Cache.TTL(),
		AdminToken:     cfg.Auth.AdminToken,
		RequestTimeout: cfg.Server.RequestTimeout(),
	}, logging.Component(logger, "api"))

	if len(sweepTargets) > 0 && cfg.Cache.SweepSchedule != "" {
		a.sweeper, err = sweeper.New(cfg.Cache.SweepSchedule, logging.Component(logger, "sweeper"))
		if err != nil {
			return nil, err
		}
		for _, t := range sweepTargets {
			a.sweeper.Add(t.name, t.target)
		}
	}
	return a, nil
}

type namedTarget struct {
	name   string
	target sweeper.Target
}

func (a *App) buildFetcher(cfg config.Config) (article.Fetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Upstream.RPS, Burst: cfg.Upstream.Burst})
	fetchLogger := logging.Component(a.logger, "fetcher")
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Upstream.UserAgent,
		RespectRobots: cfg.Upstream.RespectRobots,
		Timeout:       cfg.Upstream.Timeout(),
		MaxBodyBytes:  cfg.Upstream.MaxBodyBytes,
	}, limiter, fetchLogger)
	if !cfg.Headless.Enabled {
		fetchLogger.Info("using http fetcher", zap.Stringer("fetcher", static))
		return static, nil
	}

	chrome, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Upstream.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout(),
		SettleDelay:       cfg.Headless.SettleDelay(),
	}, limiter, fetchLogger)
	if err != nil {
		fetchLogger.Warn("headless fetcher init failed, using http fetcher", zap.Error(err))
		return static, nil
	}
	a.closers = append(a.closers, func() error { chrome.Close(); return nil })
	fetchLogger.Info("headless fetcher enabled",
		zap.String("mode", cfg.Headless.Mode),
		zap.Int("max_parallel", cfg.Headless.MaxParallel))
	if cfg.Headless.Mode == config.HeadlessAlways {
		return chrome, nil
	}
	return hybrid.New(static, chrome, detector.NewHeuristic(cfg.Headless.PromoteThreshold), fetchLogger), nil
}

func (a *App) buildArchive(ctx context.Context, cfg config.ArchiveConfig) (article.BlobStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		s, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return s, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcsstore.New(client, gcsstore.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

// buildEvents returns nil when events are disabled. The notifier is closed
// before the sink so in-flight publishes can drain.
func (a *App) buildEvents(ctx context.Context, cfg config.EventsConfig) (*events.Notifier, error) {
	var pub events.Publisher
	switch cfg.Backend {
	case config.BackendMemory:
		pub = pubmemory.New()
	case config.BackendPubSub:
		client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		p := pubsub.New(client.Topic(cfg.Topic))
		a.closers = append(a.closers, func() error { p.Stop(); return nil })
		pub = p
	default:
		return nil, nil
	}
	n := events.NewNotifier(pub, cfg.PublishTimeout(), logging.Component(a.logger, "events"))
	a.closers = append(a.closers, func() error { n.Close(); return nil })
	a.logger.Info("publishing lifecycle events", zap.String("backend", cfg.Backend), zap.String("topic", cfg.Topic))
	return n, nil
}

// Handler is the HTTP entry point.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Service exposes the retrieval service.
func (a *App) Service() *retrieval.Service { return a.service }

// Keys exposes the key manager.
func (a *App) Keys() *apikey.Manager { return a.keys }

// Start launches background work.
func (a *App) Start() {
	if a.sweeper != nil {
		a.sweeper.Start()
	}
}

// Close stops background work and releases connections in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.sweeper != nil {
		timeout := a.cfg.Server.ShutdownTimeout()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.sweeper.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
