// Package events announces article lifecycle changes to downstream consumers.
// Publishing is fire-and-forget: a slow or failing sink never delays a
// request.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/metrics"
)

// Event types.
const (
	TypeArticleRefreshed = "article.refreshed"
	TypeParseFailed      = "article.parse_failed"
	TypeInvalidated      = "cache.invalidated"
	TypeCacheCleared     = "cache.cleared"
)

const defaultPublishTimeout = 10 * time.Second

// Event is the published payload.
type Event struct {
	Type     string    `json:"type"`
	Slug     string    `json:"slug,omitempty"`
	URL      string    `json:"url,omitempty"`
	At       time.Time `json:"at"`
	Sections int       `json:"sections,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Archived string    `json:"archived,omitempty"`
}

// Publisher delivers one payload and returns the sink's message ID.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) (string, error)
}

// Notifier publishes events in the background. A nil *Notifier discards
// everything.
type Notifier struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewNotifier wraps pub.
func NewNotifier(pub Publisher, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, timeout: timeout, logger: logger}
}

// Notify publishes ev without waiting for the result. The caller's
// cancellation does not abort the publish.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil || n.pub == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		id, err := n.pub.Publish(pctx, ev.Type, ev)
		if err != nil {
			metrics.ObserveEventPublish(ev.Type, "error")
			n.logger.Warn("event publish failed",
				zap.String("type", ev.Type), zap.String("slug", ev.Slug), zap.Error(err))
			return
		}
		metrics.ObserveEventPublish(ev.Type, "ok")
		n.logger.Debug("event published",
			zap.String("type", ev.Type), zap.String("slug", ev.Slug), zap.String("id", id))
	}()
}

// Close waits for in-flight publishes.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
