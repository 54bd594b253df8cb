// Package hybrid combines a static fetcher with a headless renderer. Pages are
// fetched statically first and only rendered when a detector says the static
// body is an unrendered shell.
package hybrid

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/metrics"
)

// Detector decides whether a static body needs rendering.
type Detector interface {
	ShouldPromote(body []byte) bool
}

// Fetcher implements article.Fetcher.
type Fetcher struct {
	static   article.Fetcher
	headless article.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New builds a Fetcher.
func New(static, headless article.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{static: static, headless: headless, detector: detector, logger: logger}
}

// Fetch returns the static body unless it needs promotion. A failed render
// falls back to the static body so the parser can still report what it found.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := f.static.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if !f.detector.ShouldPromote(body) {
		return body, nil
	}

	metrics.IncHeadlessPromotions()
	rendered, err := f.headless.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("headless render failed, using static body",
			zap.String("url", url), zap.Error(err))
		return body, nil
	}
	f.logger.Debug("page promoted to headless", zap.String("url", url),
		zap.Int("static_bytes", len(body)), zap.Int("rendered_bytes", len(rendered)))
	return rendered, nil
}
