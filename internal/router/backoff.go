package router

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
)

// Backoff configures the subscription retry loop.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter adds up to 25% to each wait so restarted instances spread out.
	Jitter bool

	// MaxAttempts bounds the attempts; zero retries until the context ends.
	MaxAttempts int
}

// DefaultBackoff returns the retry policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

func (b Backoff) normalised() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// next returns the delay following d, capped at Max.
func (b Backoff) next(d time.Duration) time.Duration {
	n := float64(d) * b.Multiplier
	if n > float64(b.Max) {
		return b.Max
	}
	return time.Duration(n)
}

// wait returns the sleep for delay d including jitter.
func (b Backoff) wait(d time.Duration) time.Duration {
	if !b.Jitter || d < 4 {
		return d
	}
	randMu.Lock()
	j := time.Duration(randSource.Int63n(int64(d / 4)))
	randMu.Unlock()
	return d + j
}

// sleep waits for d or until ctx ends, whichever is first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
