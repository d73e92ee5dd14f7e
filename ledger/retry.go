package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with symmetric jitter.
// Delay(n) = min(Base * Factor^(n-1), Max) * (1 ± Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction in [0, 1]
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	return b.delay(attempt, rand.Float64())
}

func (b Backoff) delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*r-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryTx runs fn in a store transaction and re-runs it on ErrConflict, up
// to attempts times. Used by writers of derived state.
func RetryTx(ctx context.Context, s Store, op string, attempts int, b Backoff, fn func(Tx) error) error {
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.RunTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}
	return &ContentionError{Op: op, Attempts: attempts, Last: last}
}
