package retry

import (
	"context"
	"time"

	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/types"
)

// Decision tells the orchestrator whether to re-attempt and how long to wait first.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy is a pure function of (attempt count, last status).
type Policy struct {
	maxAttempts   int
	rateLimitBase time.Duration
	rateLimitStep time.Duration
	fixed         time.Duration
	step          time.Duration
}

func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{
		maxAttempts:   cfg.MaxAttempts,
		rateLimitBase: time.Duration(cfg.RateLimitBaseMs) * time.Millisecond,
		rateLimitStep: time.Duration(cfg.RateLimitStepMs) * time.Millisecond,
		fixed:         time.Duration(cfg.FixedMs) * time.Millisecond,
		step:          time.Duration(cfg.StepMs) * time.Millisecond,
	}
}

func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// IsTerminal reports statuses that never retry.
func IsTerminal(status types.Status) bool {
	switch status {
	case types.StatusSuccess, types.StatusAlreadyClaimed, types.StatusCaptchaRequired, types.StatusTimeout:
		return true
	}
	return false
}

// Next decides what follows attempt number attempt (1-based) that ended in status.
func (p *Policy) Next(attempt int, status types.Status) Decision {
	if IsTerminal(status) || attempt >= p.maxAttempts {
		return Decision{}
	}

	n := time.Duration(attempt)
	switch status {
	case types.StatusRateLimited:
		return Decision{Retry: true, Delay: p.rateLimitBase + n*p.rateLimitStep}
	default:
		// error, unknown, proxy_failed after a good connectivity check
		return Decision{Retry: true, Delay: p.fixed + n*p.step}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
