package resilience

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so retry loops can be driven deterministically in
// tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Sleep waits d on clock or until ctx is done, whichever comes first. It
// returns ctx.Err() when interrupted. Non-positive durations return at once.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clock == nil {
		clock = SystemClock
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// Backoff yields the wait before retry number attempt (1-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ConstantBackoff waits the same duration before every retry.
type ConstantBackoff time.Duration

// Next implements [Backoff].
func (b ConstantBackoff) Next(int) time.Duration { return time.Duration(b) }

// ExponentialBackoff doubles Initial for each retry, capped at Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next implements [Backoff].
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// RetryBudget counts failed attempts against a fixed ceiling. Once
// exhausted it stays exhausted until [RetryBudget.Reset].
type RetryBudget struct {
	mu       sync.Mutex
	attempts int
	max      int
}

// NewRetryBudget returns a budget allowing max attempts. Values below one are
// raised to one.
func NewRetryBudget(max int) *RetryBudget {
	if max < 1 {
		max = 1
	}
	return &RetryBudget{max: max}
}

// Consume records one failed attempt and reports whether another attempt is
// still allowed.
func (b *RetryBudget) Consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts < b.max {
		b.attempts++
	}
	return b.attempts < b.max
}

// Exhaust spends the whole budget at once.
func (b *RetryBudget) Exhaust() {
	b.mu.Lock()
	b.attempts = b.max
	b.mu.Unlock()
}

// Reset returns the budget to zero attempts.
func (b *RetryBudget) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Exhausted reports whether no attempts remain.
func (b *RetryBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts >= b.max
}

// Attempts returns the number of failed attempts recorded.
func (b *RetryBudget) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Max returns the attempt ceiling.
func (b *RetryBudget) Max() int { return b.max }
