// Package retry centralizes the attempt/backoff loop used by every component
// that talks to a remote endpoint.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. Delay is the wait before the second attempt;
// each further wait is multiplied by Multiplier (values below 1 keep it flat).
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Permanent marks an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Do returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay = next(delay, p)
	}
	return err
}

func next(d time.Duration, p Policy) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
