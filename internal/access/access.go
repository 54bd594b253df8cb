// Package access decides whether a request may proceed: it applies the
// per-origin quota, resolves the presented credential, and applies the
// per-key quota. Every decision is written to the audit log.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/metrics"
	"github.com/JakeFAU/grokipedia-api/internal/policy/ratelimit"
)

// ErrMissingCredential is returned when auth is required and nothing was
// presented. It matches article.ErrInvalidCredential.
var ErrMissingCredential = fmt.Errorf("%w: no credential presented", article.ErrInvalidCredential)

// Outcomes recorded in audit events and metrics.
const (
	OutcomeAllowed     = "allowed"
	OutcomeAnonymous   = "anonymous"
	OutcomeMissing     = "missing_credential"
	OutcomeUnknown     = "unknown_credential"
	OutcomeRevoked     = "revoked_credential"
	OutcomeOriginQuota = "origin_quota_exceeded"
	OutcomeKeyQuota    = "key_quota_exceeded"
	OutcomeError       = "error"
)

const defaultTouchTimeout = 2 * time.Second

// KeyResolver resolves presented tokens and records their use.
type KeyResolver interface {
	Lookup(ctx context.Context, token string) (apikey.Key, error)
	Touch(ctx context.Context, key apikey.Key) error
}

// Config controls the controller.
type Config struct {
	// Required rejects requests without a credential.
	Required bool
	// OriginQuota is the per-origin requests-per-window ceiling.
	OriginQuota int
	// TouchTimeout bounds the last-used update.
	TouchTimeout time.Duration
}

// QuotaError reports an exhausted window.
type QuotaError struct {
	Identity string
	Limit    int
	ResetAt  time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d requests per window, resets at %s",
		e.Identity, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// Unwrap lets errors.Is match article.ErrQuotaExceeded.
func (e *QuotaError) Unwrap() error {
	return article.ErrQuotaExceeded
}

// RetryAfter is the wait until the window resets, rounded up to a second.
func (e *QuotaError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	if r := d.Truncate(time.Second); r < d {
		return r + time.Second
	}
	return d
}

// Result describes an admitted request. Limit, Remaining and ResetAt come from
// whichever applicable window has the least headroom.
type Result struct {
	Identity  string
	KeyID     string
	Owner     string
	Anonymous bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Controller authorizes requests.
type Controller struct {
	cfg    Config
	keys   KeyResolver
	window ratelimit.Window
	clock  article.Clock
	logger *zap.Logger
}

// NewController wires a Controller.
func NewController(cfg Config, keys KeyResolver, window ratelimit.Window, clock article.Clock, logger *zap.Logger) *Controller {
	if cfg.OriginQuota <= 0 {
		cfg.OriginQuota = apikey.DefaultQuota
	}
	if cfg.TouchTimeout <= 0 {
		cfg.TouchTimeout = defaultTouchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, keys: keys, window: window, clock: clock, logger: logger}
}

// Authorize admits or rejects one request from origin carrying credential
// (possibly empty). Rejections are *QuotaError or wrap
// article.ErrInvalidCredential.
func (c *Controller) Authorize(ctx context.Context, credential, origin string) (Result, error) {
	originID := "ip:" + origin
	originDec := c.allow(ctx, originID, c.cfg.OriginQuota)
	if !originDec.Allowed {
		c.audit(OutcomeOriginQuota, origin, credential, "")
		return Result{}, &QuotaError{Identity: originID, Limit: originDec.Limit, ResetAt: originDec.ResetAt}
	}

	if credential == "" {
		if c.cfg.Required {
			c.audit(OutcomeMissing, origin, "", "")
			return Result{}, ErrMissingCredential
		}
		c.audit(OutcomeAnonymous, origin, "", "")
		return Result{
			Identity:  originID,
			Anonymous: true,
			Limit:     originDec.Limit,
			Remaining: originDec.Remaining,
			ResetAt:   originDec.ResetAt,
		}, nil
	}

	key, err := c.keys.Lookup(ctx, credential)
	switch {
	case errors.Is(err, apikey.ErrKeyNotFound):
		c.audit(OutcomeUnknown, origin, credential, "")
		return Result{}, fmt.Errorf("%w: unknown key", article.ErrInvalidCredential)
	case err != nil:
		c.audit(OutcomeError, origin, credential, "")
		return Result{}, fmt.Errorf("resolve credential: %w", err)
	case !key.Active():
		c.audit(OutcomeRevoked, origin, credential, key.ID)
		return Result{}, fmt.Errorf("%w: key revoked", article.ErrInvalidCredential)
	}

	c.touch(ctx, key)

	keyID := "key:" + key.ID
	keyDec := c.allow(ctx, keyID, key.Quota)
	if !keyDec.Allowed {
		c.audit(OutcomeKeyQuota, origin, credential, key.ID)
		return Result{}, &QuotaError{Identity: keyID, Limit: keyDec.Limit, ResetAt: keyDec.ResetAt}
	}

	c.audit(OutcomeAllowed, origin, credential, key.ID)
	res := Result{
		Identity:  keyID,
		KeyID:     key.ID,
		Owner:     key.Owner,
		Limit:     keyDec.Limit,
		Remaining: keyDec.Remaining,
		ResetAt:   keyDec.ResetAt,
	}
	if originDec.Remaining < keyDec.Remaining {
		res.Limit = originDec.Limit
		res.Remaining = originDec.Remaining
		res.ResetAt = originDec.ResetAt
	}
	return res, nil
}

func (c *Controller) touch(ctx context.Context, key apikey.Key) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TouchTimeout)
	defer cancel()
	if err := c.keys.Touch(tctx, key); err != nil {
		c.logger.Warn("record key usage failed", zap.String("key_id", key.ID), zap.Error(err))
	}
}

// allow consults the window; a failing backend admits the request.
func (c *Controller) allow(ctx context.Context, identity string, limit int) ratelimit.Decision {
	d, err := c.window.Allow(ctx, identity, limit)
	if err != nil {
		metrics.IncRateLimitBackendErrors()
		c.logger.Warn("rate window unavailable, allowing request",
			zap.String("identity", identity), zap.Error(err))
		now := c.clock.Now()
		return ratelimit.Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Truncate(ratelimit.DefaultPeriod).Add(ratelimit.DefaultPeriod),
		}
	}
	return d
}

func (c *Controller) audit(outcome, origin, credential, keyID string) {
	metrics.ObserveAuthDecision(outcome)
	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.String("origin", origin),
	}
	if credential != "" {
		fields = append(fields, zap.String("credential", apikey.AuditPrefix(credential)))
	}
	if keyID != "" {
		fields = append(fields, zap.String("key_id", keyID))
	}
	c.logger.Info("authorization", fields...)
}
