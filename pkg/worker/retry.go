package worker

import "time"

// RetryBuilder assembles a RetryPolicy for Config.Retry and
// Config.ActivityRetry:
//
//	worker.Retry(5).Exponential(time.Second, 2, time.Minute).Policy()
type RetryBuilder struct {
	p RetryPolicy
}

// Retry starts a policy allowing maxAttempts attempts in total. Values <= 0
// mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{p: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// Exponential waits initial before the first retry and multiplies the delay
// by factor (2 when <= 0) after each one, up to limit (<= 0: unbounded).
func (b RetryBuilder) Exponential(initial time.Duration, factor float64, limit time.Duration) RetryBuilder {
	if factor <= 0 {
		factor = 2
	}
	b.p.InitialBackoff, b.p.BackoffMultiplier, b.p.MaxBackoff = initial, factor, limit
	return b
}

// Constant waits delay before every retry.
func (b RetryBuilder) Constant(delay time.Duration) RetryBuilder {
	b.p.InitialBackoff, b.p.BackoffMultiplier, b.p.MaxBackoff = delay, 1, 0
	return b
}

// NoDelay re-queues failed attempts straight away.
func (b RetryBuilder) NoDelay() RetryBuilder {
	b.p.InitialBackoff, b.p.BackoffMultiplier, b.p.MaxBackoff = 0, 0, 0
	return b
}

func (b RetryBuilder) Policy() RetryPolicy { return b.p }
