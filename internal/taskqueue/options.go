package taskqueue

import (
	"context"
	"time"

	"github.com/facebookgo/clock"
)

// Option configures the polling queues.
type Option func(*queueOptions)

type queueOptions struct {
	clock        clock.Clock
	pollInterval time.Duration
	prefix       string
}

func buildOptions(opts []Option, defaultPoll time.Duration) queueOptions {
	o := queueOptions{clock: clock.New(), pollInterval: defaultPoll}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock makes the queue decide eligibility with clk instead of the wall
// clock.
func WithClock(clk clock.Clock) Option {
	return func(o *queueOptions) { o.clock = clk }
}

// WithPollInterval sets how long Dequeue sleeps when nothing is eligible.
func WithPollInterval(d time.Duration) Option {
	return func(o *queueOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithPrefix sets the key prefix of the Redis queue.
func WithPrefix(prefix string) Option {
	return func(o *queueOptions) { o.prefix = prefix }
}

// sleep waits for d of wall time or until ctx is done. Polling always runs on
// the wall clock; only eligibility follows the configured clock.
func sleep(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a reusable timer for sleep.
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	return tmr
}
