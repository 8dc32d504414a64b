package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowEmbedder struct {
	HashEmbedder
	delay time.Duration
}

func (s *slowEmbedder) EmbedBatch(ctx context.Context, texts []string) []Result {
	time.Sleep(s.delay)
	return s.HashEmbedder.EmbedBatch(ctx, texts)
}

func TestLimiter_CapsConcurrency(t *testing.T) {
	inner := &slowEmbedder{HashEmbedder: *NewHashEmbedder(8), delay: 20 * time.Millisecond}
	l := NewLimiter(inner, 2, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range l.EmbedBatch(context.Background(), []string{"x"}) {
				assert.NoError(t, r.Err)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, l.Peak(), 2)
	assert.GreaterOrEqual(t, l.Peak(), 1)
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiter_CancelledWhileWaiting(t *testing.T) {
	inner := &slowEmbedder{HashEmbedder: *NewHashEmbedder(8), delay: 200 * time.Millisecond}
	l := NewLimiter(inner, 1, 0)

	go l.EmbedBatch(context.Background(), []string{"hold"})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	results := l.EmbedBatch(ctx, []string{"a", "b"})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, IsTransient(r.Err), "expected transient error, got %v", r.Err)
	}
}

func TestLimiter_RateLimited(t *testing.T) {
	l := NewLimiter(NewHashEmbedder(8), 4, 50)
	start := time.Now()
	for i := 0; i < 60; i++ {
		_, err := l.Embed(context.Background(), "q")
		require.NoError(t, err)
	}
	// 50 burst tokens, then 10 more at 50/s.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
