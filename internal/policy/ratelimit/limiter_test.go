package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second call waits roughly 100ms.
	l := New(Config{RequestsPerSecond: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.dlsite.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.dlsite.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabledAndCanceled(t *testing.T) {
	t.Parallel()

	unlimited := New(Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, unlimited.Wait(context.Background(), "https://a.example"))
	}

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://a.example"))

	slow := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	require.NoError(t, slow.Wait(context.Background(), "https://a.example"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, slow.Wait(ctx, "https://a.example"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "www.getchu.com", hostOf("https://WWW.Getchu.com/soft.phtml?id=1"))
	require.Equal(t, "unknown", hostOf("::bad"))
}
