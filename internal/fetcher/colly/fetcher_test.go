package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grokipedia-api/internal/article"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page/Example_Page", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><h1>Example</h1></html>"))
	})
	mux.HandleFunc("/page/Missing", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/page/Broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/page/Slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type countingWaiter struct {
	calls atomic.Int32
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return w.err
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t)
	waiter := &countingWaiter{}
	f := New(Config{UserAgent: "grokapi-test", Timeout: time.Second}, waiter, nil)

	for range 2 {
		body, err := f.Fetch(context.Background(), srv.URL+"/page/Example_Page")
		require.NoError(t, err)
		require.Contains(t, string(body), "<h1>Example</h1>")
	}
	require.EqualValues(t, 2, waiter.calls.Load(), "revisits must not be skipped")
}

func TestFetchClassifiesFailures(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t)
	f := New(Config{Timeout: 100 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	_, err := f.Fetch(ctx, srv.URL+"/page/Missing")
	require.ErrorIs(t, err, article.ErrNotFound)

	_, err = f.Fetch(ctx, srv.URL+"/page/Broken")
	require.ErrorIs(t, err, article.ErrHTTPStatus)
	var fe *article.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)

	_, err = f.Fetch(ctx, srv.URL+"/page/Slow")
	require.ErrorIs(t, err, article.ErrTimeout)
}

func TestFetchUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil, nil)
	_, err := f.Fetch(context.Background(), addr+"/page/A")
	require.ErrorIs(t, err, article.ErrUnreachable)
	require.True(t, article.IsTransient(err))
}

func TestFetchHonorsCallerDeadline(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t)
	f := New(Config{Timeout: 5 * time.Second}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL+"/page/Slow")
	require.ErrorIs(t, err, article.ErrTimeout)
}

func TestFetchWaiterError(t *testing.T) {
	t.Parallel()

	f := New(Config{}, &countingWaiter{err: context.DeadlineExceeded}, nil)
	_, err := f.Fetch(context.Background(), "https://grokipedia.com/page/A")
	require.ErrorIs(t, err, article.ErrTimeout)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	hooks := &stubHooks{}
	var res outcome
	f.configureCollectorHooks(hooks, &res)

	body := []byte("body")
	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: body})
	body[0] = 'B'
	require.Equal(t, "body", string(res.body))
	require.Equal(t, http.StatusOK, res.status)

	hooks.onError(&colly.Response{}, errors.New("boom"))
	require.EqualError(t, res.err, "boom")
	require.Equal(t, http.StatusOK, res.status)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, classify("u", 0, colly.ErrRobotsTxtBlocked), article.ErrHTTPStatus)
	require.ErrorIs(t, classify("u", 0, errors.New("dial tcp: refused")), article.ErrUnreachable)
	require.ErrorIs(t, classify("u", 410, nil), article.ErrHTTPStatus)
	require.ErrorIs(t, classify("u", 404, nil), article.ErrNotFound)
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
