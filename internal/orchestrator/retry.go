package orchestrator

import (
	"context"
	"time"
)

// RetryPolicy controls how often a failed task is re-run. MaxAttempts
// counts the first run; values below 1 mean a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay is the wait before retry n (1-based): BaseDelay × 2^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay << (n - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
