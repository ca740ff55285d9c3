// Package retry holds bounded polling and retry policies. The policy decides
// how often and how long to wait; the caller supplies the I/O.
package retry

import (
	"context"
	"errors"
	"time"
)

var ErrExhausted = errors.New("exhausted retries")

// Policy bounds a retry loop. Multiplier > 1 turns the fixed interval into an
// exponential backoff capped at MaxInterval.
type Policy struct {
	Attempts    int
	Interval    time.Duration
	Multiplier  int
	MaxInterval time.Duration
}

// Fixed is a policy with a constant wait between attempts.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{Attempts: attempts, Interval: interval}
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

// Delays lists the waits between consecutive attempts (len = attempts-1).
func (p Policy) Delays() []time.Duration {
	n := p.attempts()
	out := make([]time.Duration, 0, n-1)
	wait := p.Interval
	for i := 1; i < n; i++ {
		d := wait
		if p.MaxInterval > 0 && d > p.MaxInterval {
			d = p.MaxInterval
		}
		out = append(out, d)
		if p.Multiplier > 1 {
			wait *= time.Duration(p.Multiplier)
		}
	}
	return out
}

// Outcome is the terminal state of a poll: confirmed, or timed out after
// Attempts tries. LastErr keeps the last transient error for diagnostics.
type Outcome struct {
	Confirmed bool
	Attempts  int
	LastErr   error
}

func (o Outcome) TimedOut() bool {
	return !o.Confirmed
}

// Poll calls check until it reports true or the policy is exhausted. Errors
// from check count as "not yet".
func Poll(ctx context.Context, p Policy, check func(context.Context) (bool, error)) Outcome {
	delays := p.Delays()
	var out Outcome
	for i := 0; i < p.attempts(); i++ {
		out.Attempts = i + 1
		ok, err := check(ctx)
		if err != nil {
			out.LastErr = err
		}
		if ok {
			out.Confirmed = true
			return out
		}
		if i < len(delays) {
			if err := sleep(ctx, delays[i]); err != nil {
				out.LastErr = err
				return out
			}
		}
	}
	return out
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, op func(context.Context) error, retryable func(error) bool) error {
	delays := p.Delays()
	var err error
	for i := 0; i < p.attempts(); i++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i < len(delays) {
			if serr := sleep(ctx, delays[i]); serr != nil {
				return serr
			}
		}
	}
	if err == nil {
		return ErrExhausted
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
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
