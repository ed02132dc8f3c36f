package remote

import (
	"context"
	"time"
)

// WithTimeout races fn against the given budget. fn runs on its own
// goroutine with a context that is canceled when the budget elapses; on
// timeout the caller gets a *TimeoutError and fn's eventual result is
// discarded.
func WithTimeout[T any](ctx context.Context, op string, budget time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return WithTimeoutCleanup(ctx, op, budget, fn, nil)
}

// WithTimeoutCleanup is WithTimeout with a release hook for abandoned
// results. When fn completes successfully after the caller has already
// given up, the result holds live resources (a connection, its goroutines)
// that nobody owns anymore; cleanup receives it from a drain goroutine.
// Failed late results are dropped without cleanup.
func WithTimeoutCleanup[T any](ctx context.Context, op string, budget time.Duration, fn func(ctx context.Context) (T, error), cleanup func(T)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		// fn keeps running; whatever it eventually produces must still be
		// released.
		go func() {
			if r := <-ch; r.err == nil && cleanup != nil {
				cleanup(r.v)
			}
		}()
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, &TimeoutError{Op: op, After: budget}
		}
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
