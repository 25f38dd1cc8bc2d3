// Package groutine starts named goroutines. Names are attached as pprof labels
// so scan loops, connection monitors and delayed GATT work show up in profiles.
package groutine

import (
	"context"
	"runtime/pprof"
	"time"
)

type ctxKey struct{}

// Go runs fn on a new goroutine labelled with name.
// A nil parent means context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// GoAfter runs fn on a named goroutine once delay has elapsed, unless parent is
// cancelled first. The returned stop function cancels a pending run and reports
// whether it did so.
func GoAfter(parent context.Context, name string, delay time.Duration, fn func(ctx context.Context)) (stop func() bool) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	fired := make(chan struct{})

	Go(ctx, name, func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		close(fired)
		fn(ctx)
	})

	return func() bool {
		select {
		case <-fired:
			return false
		default:
		}
		cancel()
		return true
	}
}

// Name returns the goroutine name stored by Go, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}
