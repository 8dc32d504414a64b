package embedding

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter caps the number of concurrent calls into an Embedder and, optionally, their rate.
// One Limiter is shared by the indexer and the retriever, so the cap holds across all scopes.
type Limiter struct {
	next     Embedder
	sem      *semaphore.Weighted
	rate     *rate.Limiter
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewLimiter wraps next. maxInFlight below 1 is treated as 1; requestsPerSecond of 0 disables
// rate limiting.
func NewLimiter(next Embedder, maxInFlight int, requestsPerSecond float64) *Limiter {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	l := &Limiter{
		next: next,
		sem:  semaphore.NewWeighted(int64(maxInFlight)),
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return l
}

func (l *Limiter) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return &TransientError{Err: err}
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			l.sem.Release(1)
			return &TransientError{Err: err}
		}
	}
	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

func (l *Limiter) release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// Embed waits for a slot and calls the wrapped embedder.
func (l *Limiter) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.next.Embed(ctx, text)
}

// EmbedBatch waits for a single slot for the whole batch.
func (l *Limiter) EmbedBatch(ctx context.Context, texts []string) []Result {
	if err := l.acquire(ctx); err != nil {
		return failAll(len(texts), err)
	}
	defer l.release()
	return l.next.EmbedBatch(ctx, texts)
}

// Dimensions returns the wrapped embedder's dimension.
func (l *Limiter) Dimensions() int { return l.next.Dimensions() }

// Close closes the wrapped embedder.
func (l *Limiter) Close() error { return l.next.Close() }

// InFlight returns the number of calls currently holding a slot.
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

// Peak returns the highest number of concurrent calls observed.
func (l *Limiter) Peak() int { return int(l.peak.Load()) }
