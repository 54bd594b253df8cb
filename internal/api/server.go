package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/access"
	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/metrics"
)

// Articles serves structured content.
type Articles interface {
	GetArticle(ctx context.Context, slug string) (article.Article, error)
	GetSummary(ctx context.Context, slug string) (article.Summary, error)
	GetSection(ctx context.Context, slug, title string) (article.SectionResult, error)
	Invalidate(ctx context.Context, slug string) (string, error)
	ClearCache(ctx context.Context) error
	Stats(ctx context.Context) (article.Stats, error)
}

// Authorizer admits or rejects callers.
type Authorizer interface {
	Authorize(ctx context.Context, credential, origin string) (access.Result, error)
}

// KeyAdmin manages issued keys.
type KeyAdmin interface {
	Create(ctx context.Context, owner, email string, quota int, notes string) (apikey.Issued, error)
	List(ctx context.Context, activeOnly bool) ([]apikey.Key, error)
	Info(ctx context.Context, id string) (apikey.Key, error)
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Options carries the settings reported by /info and the admin token.
type Options struct {
	Version      string
	Environment  string
	UpstreamURL  string
	AuthRequired bool
	OriginQuota  int
	CacheTTL     time.Duration
	// AdminToken mounts the admin routes when non-empty.
	AdminToken string
	// RequestTimeout bounds content handlers; zero disables it.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the retrieval service and key admin.
type Server struct {
	router   chi.Router
	articles Articles
	auth     Authorizer
	keys     KeyAdmin
	clock    article.Clock
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. keys may be nil,
// in which case the key admin routes are not mounted.
func NewServer(articles Articles, auth Authorizer, keys KeyAdmin, clock article.Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		articles: articles,
		auth:     auth,
		keys:     keys,
		clock:    clock,
		opts:     opts,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Get("/info", s.info)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.accessMiddleware)
		if opts.RequestTimeout > 0 {
			r.Use(chimw.Timeout(opts.RequestTimeout))
		}
		r.Get("/stats", s.stats)
		r.Route("/article/{slug}", func(r chi.Router) {
			r.Get("/", s.getArticle)
			r.Get("/summary", s.getSummary)
			r.Get("/section/{section_title}", s.getSection)
		})
	})

	if opts.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)
			if keys != nil {
				r.Route("/keys", func(r chi.Router) {
					r.Post("/", s.createKey)
					r.Get("/", s.listKeys)
					r.Get("/{id}", s.keyInfo)
					r.Delete("/{id}", s.revokeKey)
					r.Delete("/{id}/purge", s.deleteKey)
				})
			}
			r.Delete("/cache", s.clearCache)
			r.Delete("/cache/{slug}", s.invalidate)
		})
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
