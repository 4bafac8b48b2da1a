package forkcore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff, bounded by maxRetries. If
// retries are exhausted the final error is returned. Used for transient
// filesystem errors during create/save/restore; it must never be used to
// retry across a user-visible side effect such as a rename that may have
// partially succeeded.
func Retry(ctx context.Context, maxRetries uint64, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(50 * time.Millisecond)
	b = retry.WithMaxRetries(maxRetries, b)
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := task(ctx)
		if err == nil {
			return nil
		}
		if !ShouldRetry(err) {
			// Permanent failure: stop retrying immediately.
			return err
		}
		return retry.RetryableError(err)
	}); err != nil {
		slog.Warn("forkcore.Retry: exhausted retries", "error", err)
		return err
	}
	return nil
}

// ShouldRetry reports whether err looks transient and worth retrying. Context
// cancellations and well-known permanent OS conditions are never retryable.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.ENOTEMPTY),
		errors.Is(err, syscall.ELOOP),
		errors.Is(err, syscall.EEXIST),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	if strings.Contains(err.Error(), "read-only file system") {
		return false
	}
	return true
}
