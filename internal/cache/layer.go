package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/metrics"
)

// Defaults applied by NewLayer.
const (
	DefaultTTL               = time.Hour
	DefaultPopulationTimeout = 90 * time.Second
)

// PopulateFunc produces the value for a missing key.
type PopulateFunc func(ctx context.Context) (article.Article, error)

// Config controls a Layer.
type Config struct {
	TTL time.Duration
	// PopulationTimeout bounds a population once it has been detached from
	// the request that started it.
	PopulationTimeout time.Duration
}

// Layer fronts a Store with single-flight population.
type Layer struct {
	store  Store
	cfg    Config
	clock  article.Clock
	group  singleflight.Group
	logger *zap.Logger
}

// NewLayer constructs a Layer.
func NewLayer(store Store, cfg Config, clock article.Clock, logger *zap.Logger) *Layer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PopulationTimeout <= 0 {
		cfg.PopulationTimeout = DefaultPopulationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{store: store, cfg: cfg, clock: clock, logger: logger}
}

// TTL reports the configured entry lifetime.
func (l *Layer) TTL() time.Duration {
	return l.cfg.TTL
}

// GetOrPopulate returns the cached article for key, or runs populate. At most
// one populate per key runs at a time; concurrent callers share its result.
// The population is not cancelled when ctx is, and its result is cached even
// if every waiter has gone. Errors are returned to all waiters and never
// cached.
func (l *Layer) GetOrPopulate(ctx context.Context, key string, populate PopulateFunc) (article.Article, error) {
	if a, ok := l.lookup(ctx, key); ok {
		metrics.ObserveCacheRequest("hit")
		return a, nil
	}

	ch := l.group.DoChan(key, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PopulationTimeout)
		defer cancel()
		// A flight that just finished may have stored the value.
		if a, ok := l.lookup(pctx, key); ok {
			return a, nil
		}

		a, err := populate(pctx)
		if err != nil {
			metrics.ObserveCachePopulation(article.KindOf(err))
			return nil, err
		}
		metrics.ObserveCachePopulation("ok")
		entry := Entry{Article: a, StoredAt: l.clock.Now()}
		if err := l.store.Set(pctx, key, entry, l.cfg.TTL); err != nil {
			l.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
		}
		return a, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.ObserveCacheRequest("shared")
		} else {
			metrics.ObserveCacheRequest("miss")
		}
		if res.Err != nil {
			return article.Article{}, res.Err
		}
		return res.Val.(article.Article).Clone(), nil
	case <-ctx.Done():
		return article.Article{}, fmt.Errorf("wait for %q: %w", key, ctx.Err())
	}
}

func (l *Layer) lookup(ctx context.Context, key string) (article.Article, bool) {
	e, err := l.store.Get(ctx, key)
	if err == nil {
		return e.Article, true
	}
	if !errors.Is(err, ErrMiss) {
		l.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	return article.Article{}, false
}

// Invalidate drops key so the next request repopulates it.
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	l.group.Forget(key)
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %q: %w", key, err)
	}
	return nil
}

// Clear drops every entry.
func (l *Layer) Clear(ctx context.Context) error {
	if err := l.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
