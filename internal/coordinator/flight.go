// Package coordinator serializes duplicate gathering runs and bounds
// fan-out when many sources are scraped at once.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned to a caller that waited longer than the
// configured bound for an in-flight duplicate run to finish.
var ErrLockTimeout = errors.New("timed out waiting for in-flight run")

type flightResult[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Flight collapses concurrent calls that share a fingerprint into a single
// execution. Followers block until the leader finishes and receive the
// leader's result, or ErrLockTimeout if the wait bound elapses first.
type Flight[T any] struct {
	mu       sync.Mutex
	inflight map[string]*flightResult[T]
	waitMax  time.Duration
}

// NewFlight builds a flight group. waitMax <= 0 means followers wait as long
// as their context allows.
func NewFlight[T any](waitMax time.Duration) *Flight[T] {
	return &Flight[T]{
		inflight: make(map[string]*flightResult[T]),
		waitMax:  waitMax,
	}
}

// Do runs fn once per fingerprint among concurrent callers. The leader's
// context drives fn; followers only wait.
func (f *Flight[T]) Do(ctx context.Context, fingerprint string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	f.mu.Lock()
	if existing, ok := f.inflight[fingerprint]; ok {
		f.mu.Unlock()
		return f.wait(ctx, existing)
	}

	result := &flightResult[T]{done: make(chan struct{})}
	f.inflight[fingerprint] = result
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inflight, fingerprint)
		f.mu.Unlock()
		close(result.done)
	}()

	result.value, result.err = fn(ctx)
	return result.value, true, result.err
}

// InFlight reports whether a run with this fingerprint is currently active.
func (f *Flight[T]) InFlight(fingerprint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inflight[fingerprint]
	return ok
}

func (f *Flight[T]) wait(ctx context.Context, result *flightResult[T]) (T, bool, error) {
	var timeout <-chan time.Time
	if f.waitMax > 0 {
		timer := time.NewTimer(f.waitMax)
		defer timer.Stop()
		timeout = timer.C
	}

	var zero T
	select {
	case <-result.done:
		return result.value, false, result.err
	case <-timeout:
		return zero, false, ErrLockTimeout
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}
