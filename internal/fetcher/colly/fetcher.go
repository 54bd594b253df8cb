// Package collyfetcher retrieves upstream pages with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Waiter delays a request until the target host may be contacted.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher makes one bounded GET per call and classifies the outcome.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	waiter Waiter
	logger *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. waiter may be nil.
func New(cfg Config, waiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.ParseHTTPErrorResponse = true
	c.WithTransport(&robotsAwareTransport{base: newHTTPTransport()})
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, base: c, waiter: waiter, logger: logger}
}

type outcome struct {
	status int
	body   []byte
	err    error
}

// Fetch retrieves url. Failures are *article.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	body, err := f.fetch(ctx, url)
	result := "ok"
	if err != nil {
		result = article.KindOf(err)
		f.logger.Debug("upstream fetch failed", zap.String("url", url), zap.Error(err))
	}
	metrics.ObserveUpstreamFetch("colly", result, len(body), time.Since(start))
	return body, err
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	if f.waiter != nil {
		if err := f.waiter.Wait(ctx, url); err != nil {
			return nil, classify(url, 0, err)
		}
	}

	var res outcome
	collector := f.base.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &res)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, classify(url, 0, ctx.Err())
	case err := <-done:
		if err == nil {
			err = res.err
		}
		if err != nil && res.status == 0 {
			return nil, classify(url, 0, err)
		}
		if res.status < 200 || res.status > 299 {
			return nil, classify(url, res.status, err)
		}
		return res.body, nil
	}
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

func classify(url string, status int, err error) error {
	fe := &article.FetchError{URL: url, StatusCode: status, Err: err}
	switch {
	case status == http.StatusNotFound:
		fe.Kind = article.ErrNotFound
	case status != 0:
		fe.Kind = article.ErrHTTPStatus
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		fe.Kind = article.ErrHTTPStatus
	case isTimeout(err):
		fe.Kind = article.ErrTimeout
	default:
		fe.Kind = article.ErrUnreachable
	}
	return fe
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// String describes the fetcher for logs.
func (f *Fetcher) String() string {
	return fmt.Sprintf("colly(timeout=%s, robots=%t)", f.cfg.Timeout, f.cfg.RespectRobots)
}
