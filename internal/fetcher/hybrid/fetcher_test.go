package hybrid

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/headless/detector"
)

type stubFetcher struct {
	body  []byte
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, string) ([]byte, error) {
	s.calls++
	return s.body, s.err
}

const (
	shell    = `<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`
	rendered = `<html><body><article><h1>Example Page</h1><p>Body.</p></article></body></html>`
)

func TestRenderedPageSkipsHeadless(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{body: []byte(rendered)}
	chrome := &stubFetcher{}
	f := New(static, chrome, detector.NewHeuristic(0), nil)

	body, err := f.Fetch(context.Background(), "https://grokipedia.com/page/Example_Page")
	require.NoError(t, err)
	require.Equal(t, rendered, string(body))
	require.Zero(t, chrome.calls)
}

func TestShellIsPromoted(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{body: []byte(shell)}
	chrome := &stubFetcher{body: []byte(rendered)}
	f := New(static, chrome, detector.NewHeuristic(0), nil)

	body, err := f.Fetch(context.Background(), "https://grokipedia.com/page/Example_Page")
	require.NoError(t, err)
	require.Equal(t, rendered, string(body))
	require.Equal(t, 1, chrome.calls)
}

func TestRenderFailureFallsBackToStaticBody(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{body: []byte(shell)}
	chrome := &stubFetcher{err: &article.FetchError{Kind: article.ErrUnreachable, URL: "x"}}
	f := New(static, chrome, detector.NewHeuristic(0), nil)

	body, err := f.Fetch(context.Background(), "https://grokipedia.com/page/Example_Page")
	require.NoError(t, err)
	require.Equal(t, shell, string(body))
}

func TestRenderFailureAfterCancelIsReturned(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	static := &stubFetcher{body: []byte(shell)}
	chrome := &stubFetcher{err: &article.FetchError{Kind: article.ErrTimeout, URL: "x", Err: context.Canceled}}
	f := New(static, chrome, detector.NewHeuristic(0), nil)

	_, err := f.Fetch(ctx, "https://grokipedia.com/page/Example_Page")
	require.ErrorIs(t, err, article.ErrTimeout)
}

func TestStaticErrorIsReturnedAsIs(t *testing.T) {
	t.Parallel()

	notFound := &article.FetchError{Kind: article.ErrNotFound, URL: "x", StatusCode: 404}
	static := &stubFetcher{err: notFound}
	chrome := &stubFetcher{}
	f := New(static, chrome, detector.NewHeuristic(0), nil)

	_, err := f.Fetch(context.Background(), "https://grokipedia.com/page/Missing")
	require.True(t, errors.Is(err, article.ErrNotFound))
	require.Zero(t, chrome.calls)
}
