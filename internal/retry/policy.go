// Package retry holds the single retry/backoff policy shared by ingestion
// and reverse sync.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	maxDelayFactor     = 16
)

// Policy retries an operation with exponential backoff. MaxAttempts counts
// the first call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Notify, when set, is called before each retry with the failure and
	// the upcoming delay.
	Notify func(err error, delay time.Duration)
}

// DefaultPolicy returns three attempts starting at half a second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs operation until it succeeds, returns a Permanent error, the
// attempts are exhausted, or ctx is done. The last operation error is
// returned; a cancelled context yields ctx.Err().
func (p Policy) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = baseDelay
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = baseDelay * maxDelayFactor
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	strategy := backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return operation(ctx)
	}, strategy, p.Notify)
}
