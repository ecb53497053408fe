package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/rtcsocks/internal/util"
)

// Poll calls fn every interval until it reports done, the timeout elapses
// or ctx is cancelled. fn is called once immediately. Errors returned by fn
// are logged and polling continues; the last one is attached to ErrTimeout.
// A timeout <= 0 polls until ctx is cancelled.
func Poll[T any](ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (T, bool, error)) (T, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		v, done, err := fn(ctx)
		if err == nil && done {
			return v, nil
		}
		if err != nil && ctx.Err() == nil {
			if !errors.Is(err, lastErr) {
				util.LogDebug("poll attempt failed: %v", err)
			}
			lastErr = err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return zero, deadlineErr(ctx, lastErr)
		}
	}
}

// deadlineErr maps the end of a poll context to ErrTimeout or the caller's
// cancellation.
func deadlineErr(ctx context.Context, lastErr error) error {
	if !errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return ctx.Err()
	}
	if lastErr != nil {
		return fmt.Errorf("%w (last error: %v)", ErrTimeout, lastErr)
	}
	return ErrTimeout
}

// WaitForKey blocks until key exists and returns its value. Backends that
// implement Watcher are watched; the others are polled every interval. It
// returns ErrTimeout after timeout and ctx.Err() when ctx is cancelled.
func WaitForKey(ctx context.Context, s Store, key string, timeout, interval time.Duration) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if w, ok := s.(Watcher); ok {
		v, err := w.Watch(wctx, key)
		switch {
		case err == nil:
			return v, nil
		case wctx.Err() != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrTimeout
		default:
			util.LogDebug("watch %s failed, polling instead: %v", key, err)
		}
	}

	return Poll(wctx, interval, 0, func(ctx context.Context) (string, bool, error) {
		v, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return v, err == nil, err
	})
}

// Consume waits for key, then deletes it. A failed delete is logged; the
// value is still returned.
func Consume(ctx context.Context, s Store, key string, timeout, interval time.Duration) (string, error) {
	v, err := WaitForKey(ctx, s, key, timeout, interval)
	if err != nil {
		return "", err
	}
	if err := s.Delete(ctx, key); err != nil {
		util.LogWarning("failed to delete %s: %v", key, err)
	}
	return v, nil
}
