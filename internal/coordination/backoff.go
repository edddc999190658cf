// Package coordination holds the mode-partitioned queue, async lock,
// invalidate-sync debouncer, and reconnect backoff policy shared by the
// session/machine sync clients and the rollout reader.
package coordination

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Permanent marks an error that should stop retries immediately, the
// same escape hatch backoff/v5 itself provides — re-exported here so
// callers don't need a second import for it.
func Permanent(err error) error { return backoff.Permanent(err) }

// NewReconnectPolicy returns the base-1s/cap-30s exponential backoff
// policy used by the session and machine sync clients (reconnect loop and
// versioned-write retries). Each interval is randomized by backoff/v5's
// default factor, ±50% around the current interval; this is not full
// jitter.
func NewReconnectPolicy() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(30*time.Second),
	)
}

// Retry runs op under the reconnect policy until it succeeds, op returns a
// Permanent error, or ctx is cancelled.
func Retry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(NewReconnectPolicy()))
	return err
}
