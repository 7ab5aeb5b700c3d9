// Package util provides shared utility functions for velo.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// SubprocessRetryOptions returns retry options for flaky external
// subprocesses (zfs/zpool under transient device contention). Only busy
// errors are retried; everything else fails immediately.
func SubprocessRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(500 * time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsDeviceBusy),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

// LockRetryOptions returns retry options for state-lock acquisition:
// a 100 ms fixed poll for 5 seconds, retrying only while the lock is
// held by a live process.
func LockRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(51), // 50 sleeps x 100ms = the 5s lock budget
		retry.Delay(100 * time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsLockHeld),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDeviceBusy returns true if the error indicates transient ZFS device
// or dataset contention.
func IsDeviceBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "dataset is busy") ||
		strings.Contains(msg, "pool is busy") ||
		strings.Contains(msg, "device is busy")
}

// IsLockHeld returns true if the error indicates the state lock is held
// by another live process.
func IsLockHeld(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "state lock held")
}
