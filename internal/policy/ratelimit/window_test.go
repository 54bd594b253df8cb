package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grokipedia-api/internal/clock/fake"
)

var windowStart = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func exhaust(t *testing.T, w Window, identity string, limit int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= limit; i++ {
		d, err := w.Allow(ctx, identity, limit)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		require.Equal(t, limit-i, d.Remaining)
	}
}

func TestMemoryWindowRejectsOverQuotaThenResets(t *testing.T) {
	t.Parallel()

	clk := fake.New(windowStart.Add(10 * time.Second))
	w := NewMemoryWindow(time.Minute, clk)
	ctx := context.Background()

	exhaust(t, w, "key:a", 3)
	d, err := w.Allow(ctx, "key:a", 3)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)
	require.Equal(t, windowStart.Add(time.Minute), d.ResetAt)

	other, err := w.Allow(ctx, "key:b", 3)
	require.NoError(t, err)
	require.True(t, other.Allowed)

	clk.Set(windowStart.Add(time.Minute))
	d, err = w.Allow(ctx, "key:a", 3)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Remaining)
}

func TestMemoryWindowSweep(t *testing.T) {
	t.Parallel()

	clk := fake.New(windowStart)
	w := NewMemoryWindow(time.Minute, clk)
	_, err := w.Allow(context.Background(), "ip:1.2.3.4", 10)
	require.NoError(t, err)
	require.Zero(t, w.Sweep())
	require.Equal(t, 1, w.Len())

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, w.Sweep())
	require.Zero(t, w.Len())
}

func TestMemoryWindowConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow(time.Minute, fake.New(windowStart))
	var (
		mu      sync.Mutex
		allowed int
		wg      sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := w.Allow(context.Background(), "key:x", 7)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 7, allowed)
}

func TestRedisWindow(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := fake.New(windowStart.Add(5 * time.Second))
	w := NewRedisWindow(client, "test", time.Minute, clk)
	ctx := context.Background()

	exhaust(t, w, "key:a", 2)
	d, err := w.Allow(ctx, "key:a", 2)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, windowStart.Add(time.Minute), d.ResetAt)

	key := fmt.Sprintf("test:ratelimit:key:a:%d", windowStart.Unix())
	require.True(t, mr.Exists(key))
	require.Greater(t, mr.TTL(key), time.Duration(0))

	clk.Advance(time.Minute)
	d, err = w.Allow(ctx, "key:a", 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Count)
}

func TestWindowsDoNotCountRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		new  func(t *testing.T, clk *fake.Clock) Window
	}{
		{"memory", func(_ *testing.T, clk *fake.Clock) Window {
			return NewMemoryWindow(time.Minute, clk)
		}},
		{"redis", func(t *testing.T, clk *fake.Clock) Window {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisWindow(client, "test", time.Minute, clk)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := fake.New(windowStart)
			w := tt.new(t, clk)
			ctx := context.Background()

			exhaust(t, w, "key:a", 2)
			for range 3 {
				d, err := w.Allow(ctx, "key:a", 2)
				require.NoError(t, err)
				require.False(t, d.Allowed)
				require.Equal(t, 2, d.Count)
				require.Zero(t, d.Remaining)
			}

			// A larger limit within the same window sees only admitted requests.
			d, err := w.Allow(ctx, "key:a", 4)
			require.NoError(t, err)
			require.True(t, d.Allowed)
			require.Equal(t, 3, d.Count)
			require.Equal(t, 1, d.Remaining)
		})
	}
}

func TestRedisWindowBackendError(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	w := NewRedisWindow(client, "", time.Minute, fake.New(windowStart))
	_, err = w.Allow(context.Background(), "key:a", 1)
	require.Error(t, err)
}
