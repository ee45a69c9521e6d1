// Package poll waits for slow external state transitions by repeatedly
// evaluating a predicate on a fixed interval, bounded by a maximum
// total wait.
package poll

import (
	"context"
	"errors"

	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTimeout reports that the predicate never held within maxWait.
var ErrTimeout = errors.New("poll: timed out waiting for condition")

var errNotReady = errors.New("poll: condition not yet met")

// Until evaluates fn every interval until it reports done, fn returns a
// non-nil error, ctx is cancelled, or maxWait elapses. A maxWait
// expiry surfaces as ErrTimeout; fn errors abort the wait immediately.
func Until(ctx context.Context, interval, maxWait time.Duration, fn func(context.Context) (bool, error)) error {
	backoff := retry.WithMaxDuration(maxWait, retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errNotReady)
		}
		return nil
	})
	if errors.Is(err, errNotReady) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
