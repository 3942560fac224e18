package session

import (
	"context"
	"time"
)

// raceTimeout runs fn and a timer of length d concurrently. Whichever finishes
// first settles the result exactly once and the loser is cancelled: if the
// timer fires, fn's context is cancelled and [ErrConnectTimeout] is returned;
// a value fn still produces afterwards is passed to release. Cancelling
// parent returns parent's error the same way.
func raceTimeout[T any](parent context.Context, d time.Duration, fn func(context.Context) (T, error), release func(T)) (T, error) {
	ctx, cancel := context.WithCancel(parent)

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	var lost error
	select {
	case r := <-ch:
		cancel()
		return r.v, r.err
	case <-timer.C:
		lost = ErrConnectTimeout
	case <-parent.Done():
		lost = parent.Err()
	}

	cancel()
	go func() {
		r := <-ch
		if r.err == nil && release != nil {
			release(r.v)
		}
	}()
	return zero, lost
}
