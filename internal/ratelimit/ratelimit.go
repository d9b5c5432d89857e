package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrCancelled is returned by Acquire when the run was cancelled before a token was granted.
var ErrCancelled = errors.New("rate limiter: acquisition cancelled")

// Clock abstracts time so admission can be driven by a simulated clock in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Limiter is a continuously refilling token bucket shared by all workers of one run.
type Limiter struct {
	lim      *rate.Limiter
	clock    Clock
	admitted atomic.Int64
}

func New(perSecond float64, burst int, clock Clock) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("burst must be positive, got %d", burst)
	}
	if clock == nil {
		clock = SystemClock
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	// Anchor the bucket to the injected clock: a full bucket at the clock's current instant.
	lim.SetLimitAt(clock.Now(), rate.Limit(perSecond))
	return &Limiter{lim: lim, clock: clock}, nil
}

// Acquire blocks until one token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	now := l.clock.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter: reservation exceeds burst %d", l.lim.Burst())
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		l.admitted.Add(1)
		return nil
	}
	select {
	case <-l.clock.After(delay):
		if ctx.Err() != nil {
			r.CancelAt(l.clock.Now())
			return ErrCancelled
		}
		l.admitted.Add(1)
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ErrCancelled
	}
}

// AllowAt reports whether a token is available at t and consumes it if so.
func (l *Limiter) AllowAt(t time.Time) bool {
	if l.lim.AllowN(t, 1) {
		l.admitted.Add(1)
		return true
	}
	return false
}

// Admitted is the number of tokens granted so far.
func (l *Limiter) Admitted() int64 {
	return l.admitted.Load()
}

func (l *Limiter) Rate() float64 { return float64(l.lim.Limit()) }
func (l *Limiter) Burst() int    { return l.lim.Burst() }

// ManualClock is a Clock that only moves when Advance is called.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward and fires every timer that became due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}

// Waiters is the number of timers not yet fired.
func (c *ManualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
