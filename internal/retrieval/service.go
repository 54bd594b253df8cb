// Package retrieval orchestrates article lookups: slug normalization, the
// cache, upstream fetching with a bounded retry, and normalization.
package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/cache"
	"github.com/JakeFAU/grokipedia-api/internal/events"
	"github.com/JakeFAU/grokipedia-api/internal/metrics"
	"github.com/JakeFAU/grokipedia-api/internal/normalize"
)

// DefaultBaseURL is the upstream content site.
const DefaultBaseURL = "https://grokipedia.com"

// Config controls a Service.
type Config struct {
	BaseURL string
	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Service answers article, summary, section and stats requests.
type Service struct {
	base    string
	fetcher article.Fetcher
	parser  article.Parser
	cache   *cache.Layer
	archive article.BlobStore
	events  *events.Notifier
	clock   article.Clock
	retry   *RetryPolicy
	logger  *zap.Logger
}

// Deps bundles the collaborators of a Service. Archive and Events may be nil.
type Deps struct {
	Fetcher article.Fetcher
	Parser  article.Parser
	Cache   *cache.Layer
	Archive article.BlobStore
	Events  *events.Notifier
	Clock   article.Clock
	Logger  *zap.Logger
}

// New constructs a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Fetcher == nil || deps.Parser == nil || deps.Cache == nil || deps.Clock == nil {
		return nil, errors.New("retrieval: fetcher, parser, cache and clock are required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("retrieval: base url %q: %w", cfg.BaseURL, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		base:    base,
		fetcher: deps.Fetcher,
		parser:  deps.Parser,
		cache:   deps.Cache,
		archive: deps.Archive,
		events:  deps.Events,
		clock:   deps.Clock,
		retry:   NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:  logger,
	}, nil
}

// PageURL is the upstream location of slug.
func (s *Service) PageURL(slug string) string {
	return s.base + "/page/" + url.PathEscape(slug)
}

// GetArticle returns the structured article for raw, served from the cache
// while fresh.
func (s *Service) GetArticle(ctx context.Context, raw string) (article.Article, error) {
	slug, err := article.NormalizeSlug(raw)
	if err != nil {
		return article.Article{}, fmt.Errorf("slug %q: %w", raw, err)
	}
	return s.cache.GetOrPopulate(ctx, slug, func(pctx context.Context) (article.Article, error) {
		return s.populate(pctx, slug)
	})
}

// GetSummary returns the lightweight projection of an article.
func (s *Service) GetSummary(ctx context.Context, raw string) (article.Summary, error) {
	a, err := s.GetArticle(ctx, raw)
	if err != nil {
		return article.Summary{}, err
	}
	return article.Summary{
		Title:           a.Title,
		Slug:            a.Slug,
		URL:             a.URL,
		Summary:         a.Summary,
		TableOfContents: a.TableOfContents,
		ScrapedAt:       a.ScrapedAt,
	}, nil
}

// GetSection returns the first section whose title matches title exactly
// after folding, else the first whose folded title contains it.
func (s *Service) GetSection(ctx context.Context, raw, title string) (article.SectionResult, error) {
	want := article.SectionKey(title)
	if want == "" {
		return article.SectionResult{}, fmt.Errorf("empty section title: %w", article.ErrSectionNotFound)
	}
	a, err := s.GetArticle(ctx, raw)
	if err != nil {
		return article.SectionResult{}, err
	}
	if sec, ok := findSection(a.Sections, want); ok {
		return article.SectionResult{ArticleTitle: a.Title, URL: a.URL, Section: sec}, nil
	}
	return article.SectionResult{}, fmt.Errorf("section %q in %q: %w", title, a.Slug, article.ErrSectionNotFound)
}

func findSection(sections []article.Section, want string) (article.Section, bool) {
	for _, sec := range sections {
		if article.SectionKey(sec.Title) == want {
			return sec, true
		}
	}
	for _, sec := range sections {
		if strings.Contains(article.SectionKey(sec.Title), want) {
			return sec, true
		}
	}
	return article.Section{}, false
}

// Invalidate drops the cached article for raw.
func (s *Service) Invalidate(ctx context.Context, raw string) (string, error) {
	slug, err := article.NormalizeSlug(raw)
	if err != nil {
		return "", fmt.Errorf("slug %q: %w", raw, err)
	}
	if err := s.cache.Invalidate(ctx, slug); err != nil {
		return slug, err
	}
	s.events.Notify(ctx, events.Event{Type: events.TypeInvalidated, Slug: slug, At: s.clock.Now()})
	return slug, nil
}

// ClearCache drops every cached article.
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	s.events.Notify(ctx, events.Event{Type: events.TypeCacheCleared, At: s.clock.Now()})
	return nil
}

// Stats scrapes the upstream home page. The result is not cached.
func (s *Service) Stats(ctx context.Context) (article.Stats, error) {
	body, err := s.fetch(ctx, s.base+"/")
	if err != nil {
		return article.Stats{}, err
	}
	n, err := normalize.ParseStats(body)
	if err != nil {
		metrics.IncParseFailures()
		return article.Stats{}, err
	}
	return article.Stats{ArticlesAvailable: n, ScrapedAt: s.clock.Now()}, nil
}

func (s *Service) populate(ctx context.Context, slug string) (article.Article, error) {
	pageURL := s.PageURL(slug)
	body, err := s.fetch(ctx, pageURL)
	if err != nil {
		s.logger.Info("upstream fetch failed",
			zap.String("slug", slug),
			zap.String("kind", article.KindOf(err)),
			zap.Error(err),
		)
		return article.Article{}, err
	}
	a, err := s.parser.Parse(body, slug, pageURL)
	if err != nil {
		metrics.IncParseFailures()
		uri := s.archiveRaw(ctx, slug, body, err)
		s.events.Notify(ctx, events.Event{
			Type:     events.TypeParseFailed,
			Slug:     slug,
			URL:      pageURL,
			At:       s.clock.Now(),
			Reason:   err.Error(),
			Archived: uri,
		})
		return article.Article{}, err
	}
	a.Slug = slug
	a.URL = pageURL
	a.ScrapedAt = s.clock.Now()
	s.events.Notify(ctx, events.Event{
		Type:     events.TypeArticleRefreshed,
		Slug:     slug,
		URL:      pageURL,
		At:       a.ScrapedAt,
		Sections: len(a.Sections),
	})
	return a, nil
}

func (s *Service) fetch(ctx context.Context, target string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		body, err := s.fetcher.Fetch(ctx, target)
		if err == nil {
			return body, nil
		}
		if !s.retry.ShouldRetry(err, attempt) || ctx.Err() != nil {
			return nil, err
		}
		metrics.IncUpstreamRetries()
		wait := s.retry.Backoff(attempt)
		s.logger.Debug("retrying upstream fetch",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := sleep(ctx, wait); serr != nil {
			return nil, err
		}
	}
}

// archiveRaw keeps pages the parser rejected so they can be inspected later.
// It returns the archive URI, or "" when nothing was stored.
func (s *Service) archiveRaw(ctx context.Context, slug string, body []byte, cause error) string {
	if s.archive == nil {
		return ""
	}
	path := fmt.Sprintf("unparsed/%s/%s.html", slug, s.clock.Now().UTC().Format("20060102T150405.000000000Z"))
	uri, err := s.archive.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("archive unparsed page failed", zap.String("slug", slug), zap.Error(err))
		return ""
	}
	s.logger.Warn("unrecognized page structure",
		zap.String("slug", slug),
		zap.String("archived", uri),
		zap.Error(cause),
	)
	return uri
}
