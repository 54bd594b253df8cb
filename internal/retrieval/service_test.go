package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grokipedia-api/internal/article"
	"github.com/JakeFAU/grokipedia-api/internal/cache"
	"github.com/JakeFAU/grokipedia-api/internal/clock/fake"
	"github.com/JakeFAU/grokipedia-api/internal/events"
	"github.com/JakeFAU/grokipedia-api/internal/normalize"
	pubmemory "github.com/JakeFAU/grokipedia-api/internal/publisher/memory"
	"github.com/JakeFAU/grokipedia-api/internal/storage/memory"
)

const examplePage = `<html><head>
<meta property="og:description" content="Example Page is a page used in examples. Fact-checked by Grok.">
</head><body><article>
<h1>Example Page</h1>
<h2>Intro</h2><p>Example Page is a page used in examples.</p>
<h2>Early Life</h2><p>Born in a <a href="https://example.org/source">source</a>.</p>
<h3>Education</h3><p>Schooled.</p>
</article></body></html>`

var epoch = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type step struct {
	body string
	err  error
}

// scriptedFetcher replays steps in order, repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	urls  []string
	calls atomic.Int32
	gate  chan struct{}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.urls = append(f.urls, url)
	s := f.steps[min(n, len(f.steps))-1]
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

type fixture struct {
	svc     *Service
	fetcher *scriptedFetcher
	clock   *fake.Clock
	archive *memory.BlobStore
	events  *events.Notifier
	sink    *pubmemory.Publisher
}

func newFixture(t *testing.T, steps ...step) *fixture {
	t.Helper()
	clk := fake.New(epoch)
	f := &scriptedFetcher{steps: steps}
	archive := memory.NewBlobStore()
	sink := pubmemory.New()
	notifier := events.NewNotifier(sink, time.Second, nil)
	layer := cache.NewLayer(cache.NewMemoryStore(clk), cache.Config{TTL: time.Hour}, clk, nil)
	svc, err := New(Config{
		BaseURL:        "https://grokipedia.test/",
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, Deps{
		Fetcher: f,
		Parser:  normalize.New(normalize.Config{}),
		Cache:   layer,
		Archive: archive,
		Events:  notifier,
		Clock:   clk,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, fetcher: f, clock: clk, archive: archive, events: notifier, sink: sink}
}

// published waits for in-flight events and returns their payloads.
func (fx *fixture) published(t *testing.T) []events.Event {
	t.Helper()
	fx.events.Close()
	var out []events.Event
	for _, m := range fx.sink.Messages() {
		ev, ok := m.Payload.(events.Event)
		require.True(t, ok, "payload %T", m.Payload)
		out = append(out, ev)
	}
	return out
}

func TestGetArticleFetchesOncePerTTL(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	ctx := context.Background()

	a, err := fx.svc.GetArticle(ctx, "Example Page")
	require.NoError(t, err)
	require.Equal(t, "Example Page", a.Title)
	require.Equal(t, "Example_Page", a.Slug)
	require.Equal(t, "https://grokipedia.test/page/Example_Page", a.URL)
	require.Equal(t, epoch, a.ScrapedAt)
	require.Equal(t, []string{"https://grokipedia.test/page/Example_Page"}, fx.fetcher.urls)

	fx.clock.Advance(30 * time.Minute)
	again, err := fx.svc.GetArticle(ctx, "Example_Page")
	require.NoError(t, err)
	require.Equal(t, a, again)
	require.EqualValues(t, 1, fx.fetcher.calls.Load())

	fx.clock.Advance(31 * time.Minute)
	fresh, err := fx.svc.GetArticle(ctx, "Example_Page")
	require.NoError(t, err)
	require.EqualValues(t, 2, fx.fetcher.calls.Load())
	require.Equal(t, epoch.Add(61*time.Minute), fresh.ScrapedAt)
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	fx.fetcher.gate = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.GetArticle(context.Background(), "Example_Page")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return fx.fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(fx.fetcher.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, fx.fetcher.calls.Load())
}

func TestGetArticleNotFoundIsNotRetriedOrCached(t *testing.T) {
	t.Parallel()

	notFound := &article.FetchError{Kind: article.ErrNotFound, URL: "u", StatusCode: 404}
	fx := newFixture(t, step{err: notFound}, step{body: examplePage})

	_, err := fx.svc.GetArticle(context.Background(), "Missing")
	require.ErrorIs(t, err, article.ErrNotFound)
	require.EqualValues(t, 1, fx.fetcher.calls.Load())

	_, err = fx.svc.GetArticle(context.Background(), "Missing")
	require.NoError(t, err)
	require.EqualValues(t, 2, fx.fetcher.calls.Load())
}

func TestGetArticleRetriesTransientOnce(t *testing.T) {
	t.Parallel()

	timeout := &article.FetchError{Kind: article.ErrTimeout, URL: "u", Err: context.DeadlineExceeded}
	fx := newFixture(t, step{err: timeout}, step{body: examplePage})

	a, err := fx.svc.GetArticle(context.Background(), "Example_Page")
	require.NoError(t, err)
	require.Equal(t, "Example Page", a.Title)
	require.EqualValues(t, 2, fx.fetcher.calls.Load())
}

func TestGetArticleGivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()

	down := &article.FetchError{Kind: article.ErrUnreachable, URL: "u", Err: errors.New("connection refused")}
	fx := newFixture(t, step{err: down})

	_, err := fx.svc.GetArticle(context.Background(), "Example_Page")
	require.ErrorIs(t, err, article.ErrUnreachable)
	require.EqualValues(t, 2, fx.fetcher.calls.Load())
}

func TestParseErrorIsArchivedAndNotRetried(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: "<html><body><p>maintenance</p></body></html>"})

	_, err := fx.svc.GetArticle(context.Background(), "Example_Page")
	require.ErrorIs(t, err, article.ErrParse)
	require.EqualValues(t, 1, fx.fetcher.calls.Load())

	paths := fx.archive.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "unparsed/Example_Page/"))
	data, contentType, ok := fx.archive.Object(paths[0])
	require.True(t, ok)
	require.Contains(t, string(data), "maintenance")
	require.Equal(t, "text/html; charset=utf-8", contentType)

	evs := fx.published(t)
	require.Len(t, evs, 1)
	require.Equal(t, events.TypeParseFailed, evs[0].Type)
	require.Equal(t, "memory://"+paths[0], evs[0].Archived)
	require.Contains(t, evs[0].Reason, "Example_Page")
}

func TestInvalidSlugNeverFetches(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	_, err := fx.svc.GetArticle(context.Background(), "  ")
	require.ErrorIs(t, err, article.ErrInvalidSlug)
	_, err = fx.svc.GetSummary(context.Background(), "a/b")
	require.ErrorIs(t, err, article.ErrInvalidSlug)
	require.Zero(t, fx.fetcher.calls.Load())
}

func TestGetSummary(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	s, err := fx.svc.GetSummary(context.Background(), "Example_Page")
	require.NoError(t, err)
	require.Equal(t, "Example Page", s.Title)
	require.Equal(t, "Example Page is a page used in examples. Fact-checked by Grok.", s.Summary)
	require.Equal(t, []string{"Intro", "Early Life", "Education"}, s.TableOfContents)
}

func TestGetSectionMatching(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	ctx := context.Background()

	res, err := fx.svc.GetSection(ctx, "Example_Page", "early_life")
	require.NoError(t, err)
	require.Equal(t, "Example Page", res.ArticleTitle)
	require.Equal(t, "Early Life", res.Section.Title)
	require.Equal(t, "Born in a source.\nEducation\nSchooled.", res.Section.Content)

	res, err = fx.svc.GetSection(ctx, "Example_Page", "EDUC")
	require.NoError(t, err)
	require.Equal(t, "Education", res.Section.Title)
	require.Equal(t, 3, res.Section.Level)

	_, err = fx.svc.GetSection(ctx, "Example_Page", "Nonexistent")
	require.ErrorIs(t, err, article.ErrSectionNotFound)
	require.EqualValues(t, 1, fx.fetcher.calls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	ctx := context.Background()

	_, err := fx.svc.GetArticle(ctx, "Example_Page")
	require.NoError(t, err)
	slug, err := fx.svc.Invalidate(ctx, " example  Page ")
	require.NoError(t, err)
	require.Equal(t, "Example_Page", slug)
	_, err = fx.svc.GetArticle(ctx, "Example_Page")
	require.NoError(t, err)
	require.EqualValues(t, 2, fx.fetcher.calls.Load())

	require.NoError(t, fx.svc.ClearCache(ctx))
	_, err = fx.svc.GetArticle(ctx, "Example_Page")
	require.NoError(t, err)
	require.EqualValues(t, 3, fx.fetcher.calls.Load())

	counts := map[string]int{}
	for _, ev := range fx.published(t) {
		counts[ev.Type]++
	}
	require.Equal(t, map[string]int{
		events.TypeArticleRefreshed: 3,
		events.TypeInvalidated:      1,
		events.TypeCacheCleared:     1,
	}, counts)
}

func TestRefreshEventDescribesArticle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	_, err := fx.svc.GetArticle(context.Background(), "Example_Page")
	require.NoError(t, err)

	evs := fx.published(t)
	require.Len(t, evs, 1)
	require.Equal(t, events.Event{
		Type:     events.TypeArticleRefreshed,
		Slug:     "Example_Page",
		URL:      "https://grokipedia.test/page/Example_Page",
		At:       epoch,
		Sections: 3,
	}, evs[0])
}

func TestStats(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: `<html><body><p>Articles Available</p><p>1,234</p></body></html>`})
	st, err := fx.svc.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1234, st.ArticlesAvailable)
	require.Equal(t, epoch, st.ScrapedAt)
	require.Equal(t, []string{"https://grokipedia.test/"}, fx.fetcher.urls)
}

func TestPageURLEscapesSlug(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, step{body: examplePage})
	require.Equal(t, "https://grokipedia.test/page/Caf%C3%A9_%25", fx.svc.PageURL("Café_%"))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(1, 100*time.Millisecond, 150*time.Millisecond)
	timeout := &article.FetchError{Kind: article.ErrTimeout}
	require.True(t, p.ShouldRetry(timeout, 0))
	require.False(t, p.ShouldRetry(timeout, 1))
	require.False(t, p.ShouldRetry(&article.FetchError{Kind: article.ErrHTTPStatus, StatusCode: 503}, 0))
	require.False(t, p.ShouldRetry(&article.ParseError{}, 0))
	require.False(t, p.ShouldRetry(nil, 0))

	for attempt := 0; attempt < 4; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
