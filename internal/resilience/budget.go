package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrBudgetExhausted is returned by [Retry] when the budget has no attempts
// left.
var ErrBudgetExhausted = errors.New("resilience: retry budget exhausted")

// Budget counts the failures a session may absorb. Every failed attempt spends
// one unit; once the guarded resource has been healthy for ResetAfter without
// interruption the budget refills.
type Budget struct {
	max        int
	resetAfter time.Duration
	now        func() time.Time

	mu           sync.Mutex
	left         int
	healthySince time.Time
}

// NewBudget returns a full budget of max units that refills after resetAfter
// of sustained success. A non-positive resetAfter never refills.
func NewBudget(max int, resetAfter time.Duration) *Budget {
	if max < 0 {
		max = 0
	}
	return &Budget{max: max, resetAfter: resetAfter, now: time.Now, left: max}
}

// Spend consumes one unit and ends any healthy streak. It reports false when
// nothing was left to spend.
func (b *Budget) Spend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.healthySince = time.Time{}
	if b.left == 0 {
		return false
	}
	b.left--
	return true
}

// MarkHealthy starts (or continues) a healthy streak.
func (b *Budget) MarkHealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.healthySince.IsZero() {
		b.healthySince = b.now()
	}
}

// MarkUnhealthy ends the current healthy streak without spending.
func (b *Budget) MarkUnhealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.healthySince = time.Time{}
}

// Remaining returns the units left, refilling first if the streak is long
// enough.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.left
}

// Max returns the budget's capacity.
func (b *Budget) Max() int { return b.max }

// refill must be called with b.mu held.
func (b *Budget) refill() {
	if b.resetAfter <= 0 || b.healthySince.IsZero() || b.left == b.max {
		return
	}
	if b.now().Sub(b.healthySince) >= b.resetAfter {
		b.left = b.max
	}
}

// Backoff computes exponential delays: Initial, 2*Initial, 4*Initial, ...
// capped at Max, each stretched by up to Jitter (a fraction, 0..1).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. [Retry] returns the wrapped
// error immediately without spending budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls op until it succeeds, the budget runs out or ctx ends. Each
// failure spends one budget unit and is followed by a backoff sleep.
// onFailure, if non-nil, observes every failed attempt. On success the budget
// is marked healthy. The returned error wraps [ErrBudgetExhausted] together
// with the last failure, unless op returned a [Permanent] error.
func Retry(ctx context.Context, budget *Budget, backoff Backoff, op func(ctx context.Context, attempt int) error, onFailure func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			budget.MarkHealthy()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !budget.Spend() {
			return errors.Join(ErrBudgetExhausted, err)
		}
		if err := Sleep(ctx, backoff.Delay(attempt)); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
