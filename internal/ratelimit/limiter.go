package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Limiter caps outbound calls to a fixed number per window. Callers that hit
// the ceiling sleep until the window resets plus a safety buffer.
type Limiter struct {
	ceiling int
	window  time.Duration
	buffer  time.Duration

	mu          sync.Mutex
	count       int
	windowStart time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnWait is called with the delay imposed on a caller, if set.
	OnWait func(d time.Duration)
}

// New creates a limiter allowing ceiling calls per window.
func New(ceiling int, window, buffer time.Duration) *Limiter {
	if ceiling <= 0 {
		ceiling = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		ceiling:     ceiling,
		window:      window,
		buffer:      buffer,
		windowStart: time.Now(),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Acquire records one outbound call, blocking while the window is full.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		l.mu.Lock()
		now := l.now()
		if now.Sub(l.windowStart) >= l.window {
			l.count = 0
			l.windowStart = now
		}
		if l.count < l.ceiling {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart) + l.buffer
		start := l.windowStart
		l.mu.Unlock()

		log.Debug().
			Int("ceiling", l.ceiling).
			Dur("wait", wait).
			Msg("Rate limit reached, waiting for window reset")
		if l.OnWait != nil {
			l.OnWait(wait)
		}

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}

		// Reset unless another caller or the ticker already did.
		l.mu.Lock()
		if l.windowStart.Equal(start) {
			l.count = 0
			l.windowStart = l.now()
		}
		l.mu.Unlock()
	}
}

// Run resets the counter every window until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.reset()
		}
	}
}

func (l *Limiter) reset() {
	l.mu.Lock()
	l.count = 0
	l.windowStart = l.now()
	l.mu.Unlock()
}

// Stats returns the current window count and start.
func (l *Limiter) Stats() (int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, l.windowStart
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
