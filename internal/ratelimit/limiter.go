package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec  = 5
	defaultBurst       = 10
	defaultMaxInFlight = 4
)

// Options describes the outbound call budget toward the exchange.
type Options struct {
	RatePerSec  float64
	Burst       int
	MaxInFlight int
}

// Limiter combines a token bucket with a cap on concurrent in-flight calls.
type Limiter struct {
	bucket *rate.Limiter
	slots  chan struct{}
}

func New(opts Options) *Limiter {
	r := opts.RatePerSec
	if r <= 0 {
		r = defaultRatePerSec
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	inFlight := opts.MaxInFlight
	if inFlight <= 0 {
		inFlight = defaultMaxInFlight
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(r), burst),
		slots:  make(chan struct{}, inFlight),
	}
}

// Acquire blocks until both a concurrency slot and a rate token are available.
// The returned release must be called once the call completes.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := l.bucket.Wait(ctx); err != nil {
		<-l.slots
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Join(ErrBudgetExceeded, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-l.slots })
	}, nil
}

// InFlight reports how many acquired slots have not been released yet.
func (l *Limiter) InFlight() int {
	if l == nil {
		return 0
	}
	return len(l.slots)
}

// ErrBudgetExceeded is returned when the context deadline is shorter than the wait for a token.
var ErrBudgetExceeded = errors.New("rate limit wait exceeds deadline")
