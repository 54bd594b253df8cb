package access_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/grokipedia-api/internal/access"
	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/clock/fake"
	"github.com/JakeFAU/grokipedia-api/internal/hash/sha256"
	"github.com/JakeFAU/grokipedia-api/internal/id/uuid"
	"github.com/JakeFAU/grokipedia-api/internal/policy/ratelimit"
	"github.com/JakeFAU/grokipedia-api/internal/storage/memory"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctrl  *access.Controller
	mgr   *apikey.Manager
	clock *fake.Clock
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T, cfg access.Config) fixture {
	t.Helper()
	clk := fake.New(start)
	mgr := apikey.NewManager(memory.NewKeyStore(), sha256.New(), uuid.New(), clk)
	core, logs := observer.New(zap.InfoLevel)
	ctrl := access.NewController(cfg, mgr, ratelimit.NewMemoryWindow(time.Minute, clk), clk, zap.New(core))
	return fixture{ctrl: ctrl, mgr: mgr, clock: clk, logs: logs}
}

func (f fixture) issue(t *testing.T, quota int) apikey.Issued {
	t.Helper()
	issued, err := f.mgr.Create(context.Background(), "Ada", "ada@example.com", quota, "")
	require.NoError(t, err)
	return issued
}

func TestAuthorizeValidKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true, OriginQuota: 50})
	issued := f.issue(t, 5)

	res, err := f.ctrl.Authorize(context.Background(), issued.Token, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, issued.Key.ID, res.KeyID)
	require.Equal(t, "key:"+issued.Key.ID, res.Identity)
	require.False(t, res.Anonymous)
	require.Equal(t, 5, res.Limit)
	require.Equal(t, 4, res.Remaining)
	require.Equal(t, start.Add(time.Minute), res.ResetAt)

	info, err := f.mgr.Info(context.Background(), issued.Key.ID)
	require.NoError(t, err)
	require.NotNil(t, info.LastUsed)
	require.Equal(t, start, *info.LastUsed)
}

func TestAuthorizeRevokedKeyRejectedImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true})
	issued := f.issue(t, 10)
	ctx := context.Background()

	_, err := f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Revoke(ctx, issued.Key.ID))
	_, err = f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
	require.ErrorIs(t, err, article.ErrInvalidCredential)
	require.Equal(t, "invalid_credential", article.KindOf(err))
}

func TestAuthorizeUnknownAndMissingCredential(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true})
	ctx := context.Background()

	_, err := f.ctrl.Authorize(ctx, "grok_doesnotexist", "10.0.0.1")
	require.ErrorIs(t, err, article.ErrInvalidCredential)
	require.False(t, errors.Is(err, access.ErrMissingCredential))

	_, err = f.ctrl.Authorize(ctx, "", "10.0.0.1")
	require.ErrorIs(t, err, access.ErrMissingCredential)
	require.ErrorIs(t, err, article.ErrInvalidCredential)
}

func TestAuthorizeAnonymousWhenOptional(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: false, OriginQuota: 3})
	ctx := context.Background()

	for i := range 3 {
		res, err := f.ctrl.Authorize(ctx, "", "192.0.2.7")
		require.NoError(t, err)
		require.True(t, res.Anonymous)
		require.Equal(t, "ip:192.0.2.7", res.Identity)
		require.Equal(t, 2-i, res.Remaining)
	}
	_, err := f.ctrl.Authorize(ctx, "", "192.0.2.7")
	var qe *access.QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, "ip:192.0.2.7", qe.Identity)
	require.ErrorIs(t, err, article.ErrQuotaExceeded)
}

func TestAuthorizeKeyQuotaThenReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true, OriginQuota: 100})
	issued := f.issue(t, 2)
	ctx := context.Background()

	for range 2 {
		_, err := f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
		require.NoError(t, err)
	}
	_, err := f.ctrl.Authorize(ctx, issued.Token, "10.0.0.2")
	var qe *access.QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, "key:"+issued.Key.ID, qe.Identity)
	require.Equal(t, 2, qe.Limit)
	require.Equal(t, start.Add(time.Minute), qe.ResetAt)
	require.Equal(t, time.Minute, qe.RetryAfter(start))

	f.clock.Advance(time.Minute)
	_, err = f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
	require.NoError(t, err)
}

func TestAuthorizeOriginQuotaAppliesToKeyedRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true, OriginQuota: 2})
	issued := f.issue(t, 50)
	ctx := context.Background()

	res, err := f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Limit, "origin window is the tighter one")
	require.Equal(t, 1, res.Remaining)

	_, err = f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
	require.NoError(t, err)
	_, err = f.ctrl.Authorize(ctx, issued.Token, "10.0.0.1")
	var qe *access.QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, "ip:10.0.0.1", qe.Identity)

	_, err = f.ctrl.Authorize(ctx, issued.Token, "10.0.0.9")
	require.NoError(t, err)
}

type failingTouch struct {
	access.KeyResolver
}

func (failingTouch) Touch(context.Context, apikey.Key) error {
	return errors.New("database is locked")
}

type brokenWindow struct{}

func (brokenWindow) Allow(context.Context, string, int) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestAuthorizeTouchFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true})
	issued := f.issue(t, 10)
	core, logs := observer.New(zap.WarnLevel)
	ctrl := access.NewController(access.Config{Required: true}, failingTouch{f.mgr},
		ratelimit.NewMemoryWindow(time.Minute, f.clock), f.clock, zap.New(core))

	_, err := ctrl.Authorize(context.Background(), issued.Token, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("record key usage failed").Len())
}

func TestAuthorizeFailsOpenWhenWindowUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{})
	issued := f.issue(t, 1)
	ctrl := access.NewController(access.Config{Required: true}, f.mgr, brokenWindow{}, f.clock, zap.NewNop())

	for range 3 {
		_, err := ctrl.Authorize(context.Background(), issued.Token, "10.0.0.1")
		require.NoError(t, err)
	}
}

func TestAuditLogNeverContainsFullToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, access.Config{Required: true})
	issued := f.issue(t, 10)
	_, err := f.ctrl.Authorize(context.Background(), issued.Token, "10.0.0.1")
	require.NoError(t, err)

	entries := f.logs.FilterMessage("authorization").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, access.OutcomeAllowed, fields["outcome"])
	require.Equal(t, issued.Key.ID, fields["key_id"])
	cred, _ := fields["credential"].(string)
	require.True(t, strings.HasSuffix(cred, "..."))
	require.NotContains(t, cred, issued.Token)
	require.LessOrEqual(t, len(cred), 12)
}

func TestRetryAfterRoundsUpOnlyPartialSeconds(t *testing.T) {
	t.Parallel()

	qe := &access.QuotaError{ResetAt: start.Add(time.Minute)}
	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"whole window left", start, time.Minute},
		{"whole seconds left", start.Add(30 * time.Second), 30 * time.Second},
		{"partial second left", start.Add(59*time.Second + 500*time.Millisecond), time.Second},
		{"fractional remainder", start.Add(20*time.Second + time.Millisecond), 40 * time.Second},
		{"already reset", start.Add(2 * time.Minute), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, qe.RetryAfter(tt.now))
		})
	}
}
