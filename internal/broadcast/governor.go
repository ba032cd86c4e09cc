package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// sleepFunc blocks for d or until ctx ends.
type sleepFunc func(ctx context.Context, d time.Duration) error

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Governor gates every send of one pipeline. After Suspend(d), the next
// Wait blocks for d before any further send to any recipient.
//
// A Governor belongs to a single pipeline goroutine and is not safe for
// concurrent use.
type Governor struct {
	sleep   sleepFunc
	limiter *rate.Limiter
	maxWait time.Duration

	pending time.Duration
}

// NewGovernor builds a governor. ratePerSec > 0 adds a steady per-send
// limiter on top of rate-limit suspensions. maxWait > 0 caps one
// suspension; zero leaves them uncapped.
func NewGovernor(ratePerSec float64, maxWait time.Duration, sleep sleepFunc) *Governor {
	if sleep == nil {
		sleep = timerSleep
	}
	g := &Governor{sleep: sleep, maxWait: maxWait}
	if ratePerSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return g
}

// Suspend records a pipeline-wide pause. Overlapping requests keep the
// longest one. It returns the pause that will actually be applied.
func (g *Governor) Suspend(d time.Duration) time.Duration {
	if g.maxWait > 0 && d > g.maxWait {
		d = g.maxWait
	}
	if d > g.pending {
		g.pending = d
	}
	return g.pending
}

// Wait serves any pending suspension and then the steady limiter. Only the
// suspension is interruptible by ctx; the limiter wait always completes so
// an in-flight batch is never cut short by it.
func (g *Governor) Wait(ctx context.Context) error {
	if d := g.pending; d > 0 {
		g.pending = 0
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}
	if g.limiter != nil {
		return g.limiter.Wait(context.WithoutCancel(ctx))
	}
	return nil
}
