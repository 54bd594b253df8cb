package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	BaseURL     string    `json:"base_url"`
	Environment string    `json:"environment,omitempty"`
	Version     string    `json:"version,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Timestamp:   s.clock.Now().UTC(),
		BaseURL:     s.opts.UpstreamURL,
		Environment: s.opts.Environment,
		Version:     s.opts.Version,
	})
}

type infoResponse struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	BaseURL     string            `json:"base_url"`
	Endpoints   map[string]string `json:"endpoints"`
	Auth        infoAuth          `json:"auth"`
	CacheTTL    int               `json:"cache_ttl_seconds"`
}

type infoAuth struct {
	Required    bool   `json:"required"`
	Header      string `json:"header"`
	OriginQuota int    `json:"origin_requests_per_window"`
}

func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Name:        "Grokipedia API",
		Version:     s.opts.Version,
		Description: "Structured, cached access to Grokipedia articles",
		BaseURL:     s.opts.UpstreamURL,
		Endpoints: map[string]string{
			"GET /health":                 "Health check",
			"GET /info":                   "This endpoint",
			"GET /metrics":                "Prometheus metrics",
			"GET /stats":                  "Upstream site statistics",
			"GET /article/{slug}":         "Full article",
			"GET /article/{slug}/summary": "Article summary and table of contents",
			"GET /article/{slug}/section/{section_title}": "One section of an article",
		},
		Auth: infoAuth{
			Required:    s.opts.AuthRequired,
			Header:      "X-API-Key",
			OriginQuota: s.opts.OriginQuota,
		},
		CacheTTL: int(s.opts.CacheTTL / time.Second),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.articles.Stats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.articles.GetArticle(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if c, ok := caller(r.Context()); ok {
		s.logger.Debug("article served",
			zap.String("slug", a.Slug),
			zap.String("identity", c.Identity),
			zap.String("key_id", c.KeyID),
		)
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.articles.GetSummary(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) getSection(w http.ResponseWriter, r *http.Request) {
	res, err := s.articles.GetSection(r.Context(), chi.URLParam(r, "slug"), chi.URLParam(r, "section_title"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
