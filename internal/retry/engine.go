package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"callgate/internal/callerr"
)

// Policy configures backoff between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added at random, 0.2 = up to 20%
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Failover is asked to move to another endpoint after a transient failure.
type Failover interface {
	ReportFailure(ctx context.Context) bool
}

// Engine runs callables under a Policy, classifying failures by callerr.Kind.
type Engine struct {
	policy   Policy
	failover Failover

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	// OnFailure is called for every failed attempt, if set.
	OnFailure func(kind callerr.Kind)
}

// New creates an Engine. failover may be nil.
func New(policy Policy, failover Failover) *Engine {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	return &Engine{
		policy:   policy,
		failover: failover,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Execute calls fn until it succeeds, fails fatally, or maxAttempts is used
// up. A zero maxAttempts or baseDelay falls back to the policy. fn receives
// the zero-based attempt number.
func (e *Engine) Execute(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context, attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = e.policy.MaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = e.policy.BaseDelay
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.Backoff(attempt, baseDelay)); err != nil {
				return err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				log.Debug().Int("attempt", attempt+1).Msg("Call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		// The caller gave up; neither retry nor blame the endpoint.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		kind := callerr.KindOf(err)
		if e.OnFailure != nil {
			e.OnFailure(kind)
		}
		if !kind.Retryable() {
			return err
		}

		log.Debug().
			Err(err).
			Str("kind", kind.String()).
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Msg("Retryable call failure")

		if kind == callerr.TransientNetwork && e.failover != nil && attempt+1 < maxAttempts {
			e.failover.ReportFailure(ctx)
		}
	}

	return &callerr.ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// Backoff returns the wait before attempt: min(MaxDelay, base*2^attempt)
// plus up to Jitter of that delay.
func (e *Engine) Backoff(attempt int, baseDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := e.policy.MaxDelay
	if attempt < 31 {
		if d := baseDelay << uint(attempt); d > 0 && d < delay {
			delay = d
		}
	}
	if e.policy.Jitter > 0 {
		delay += time.Duration(float64(delay) * e.policy.Jitter * e.jitter())
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
