package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadyResolved = errors.New("task: handle already resolved")
	ErrPanicked        = errors.New("task: panicked")
)

type result[T any] struct {
	value T
	err   error
}

// Handle resolves the outcome of one spawned task, at most once.
type Handle[T any] struct {
	name string
	slot chan result[T]
	done chan struct{}

	claimOnce sync.Once
	claimed   chan struct{}
}

// Spawn starts fn on a new goroutine and returns immediately. fn never runs
// inline on the caller's goroutine.
func Spawn[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) *Handle[T] {
	h := &Handle[T]{
		name:    name,
		slot:    make(chan result[T], 1),
		done:    make(chan struct{}),
		claimed: make(chan struct{}),
	}
	go h.run(ctx, fn)
	return h
}

func (h *Handle[T]) run(ctx context.Context, fn func(context.Context) (T, error)) {
	var res result[T]
	defer func() {
		if r := recover(); r != nil {
			res = result[T]{err: fmt.Errorf("%w: %s: %v", ErrPanicked, h.name, r)}
		}
		h.slot <- res
		close(h.done)
	}()
	v, err := fn(ctx)
	res = result[T]{value: v, err: err}
}

func (h *Handle[T]) Name() string {
	return h.name
}

// Done is closed once the task has deposited its result.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Await blocks until the task completes or ctx ends. A context error leaves
// the handle unresolved so the value can still be collected later. Concurrent
// callers each honour their own ctx; only one receives the result.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-h.claimed:
		return zero, fmt.Errorf("%w: %s", ErrAlreadyResolved, h.name)
	default:
	}
	select {
	case res := <-h.slot:
		h.claimOnce.Do(func() { close(h.claimed) })
		return res.value, res.err
	case <-h.claimed:
		return zero, fmt.Errorf("%w: %s", ErrAlreadyResolved, h.name)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
