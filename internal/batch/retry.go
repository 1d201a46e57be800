package batch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/metrics"
)

// Transient marks an error as belonging to the retryable set spec §4.E
// names (throttling, unavailability, timeout, 5xx). Sinks wrap transport
// errors with Transient so the harness below knows to retry them; any
// other error terminates the retry loop immediately.
type Transient struct {
	cause error
}

func (e *Transient) Error() string  { return e.cause.Error() }
func (e *Transient) Unwrap() error  { return e.cause }

// MarkTransient wraps err so RetryPolicy.Do treats it as retryable. A nil
// err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{cause: err}
}

// IsTransient reports whether err (at any wrapping depth) was marked
// Transient.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// RetryPolicy is the bounded, jittered exponential backoff harness shared
// by every sink (spec §4.E): up to MaxRetries additional attempts, sleep
// base*2^attempt capped at Ceiling with jitter, base defaulting to 1s and
// ceiling clamped at 10s unless a sink overrides. Backed by
// github.com/juju/retry's retry.Call, grounded on worker/state/worker.go's
// and provider/azure/utils.go's retry.Call(retry.CallArgs{...}) usage.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Ceiling    time.Duration
	Clock      clock.Clock
	Metrics    *metrics.Registry
}

// NewRetryPolicy builds a RetryPolicy with spec §4.E's defaults, applying
// maxRetries from the sink's own `max-retries` option.
func NewRetryPolicy(maxRetries int, clk clock.Clock) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		Base:       time.Second,
		Ceiling:    10 * time.Second,
		Clock:      clk,
	}
}

// Do calls attempt up to MaxRetries+1 times total. It retries only when
// attempt returns an error satisfying IsTransient; any other error (or nil)
// ends the loop immediately. It honors ctx cancellation at every suspension
// point (sleep boundary), per spec §5: a cancelled retry loop must not
// start a fresh attempt.
func (p RetryPolicy) Do(ctx context.Context, attempt func(attemptNum int) error) error {
	n := -1
	callErr := retry.Call(retry.CallArgs{
		Func: func() error {
			n++
			return attempt(n)
		},
		IsFatalError: func(err error) bool { return !IsTransient(err) },
		NotifyFunc: func(lastErr error, attemptNum int) {
			if p.Metrics != nil {
				p.Metrics.BatchRetries.Inc()
			}
		},
		Attempts: p.MaxRetries + 1,
		Delay:    p.Base,
		MaxDelay: p.Ceiling,
		// base*2^(attempt-1), capped at Ceiling, then moved by up to ±10%.
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			d := p.Base
			for i := 1; i < attempt && (p.Ceiling <= 0 || d < p.Ceiling); i++ {
				d *= 2
			}
			if p.Ceiling > 0 && d > p.Ceiling {
				d = p.Ceiling
			}
			return d + time.Duration((rand.Float64()*0.2-0.1)*float64(d))
		},
		Clock: p.Clock,
		Stop:  ctx.Done(),
	})
	if callErr == nil {
		return nil
	}
	return retry.LastError(callErr)
}

// LinearPolicy is the linear-backoff retry harness the secondary-table
// sink uses instead of RetryPolicy's exponential curve (spec §4.D: "every
// write uses max-retries linear-backoff attempts, delay = base * attempt"),
// also backed by retry.Call, with a BackoffFunc computing a linear
// instead of doubling delay.
type LinearPolicy struct {
	MaxRetries int
	Base       time.Duration
	Clock      clock.Clock
	Metrics    *metrics.Registry
}

// NewLinearPolicy builds a LinearPolicy with a 1s base delay.
func NewLinearPolicy(maxRetries int, clk clock.Clock) LinearPolicy {
	return LinearPolicy{MaxRetries: maxRetries, Base: time.Second, Clock: clk}
}

// Do retries attempt exactly like RetryPolicy.Do, but sleeps base*attempt
// between attempts instead of an exponential curve.
func (p LinearPolicy) Do(ctx context.Context, attempt func(attemptNum int) error) error {
	n := -1
	callErr := retry.Call(retry.CallArgs{
		Func: func() error {
			n++
			return attempt(n)
		},
		IsFatalError: func(err error) bool { return !IsTransient(err) },
		NotifyFunc: func(lastErr error, attemptNum int) {
			if p.Metrics != nil {
				p.Metrics.BatchRetries.Inc()
			}
		},
		Attempts: p.MaxRetries + 1,
		Delay:    p.Base,
		BackoffFunc: func(delay time.Duration, attempt int) time.Duration {
			return p.Base * time.Duration(attempt)
		},
		Clock: p.Clock,
		Stop:  ctx.Done(),
	})
	if callErr == nil {
		return nil
	}
	return retry.LastError(callErr)
}
