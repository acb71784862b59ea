// Package coalesce deduplicates concurrent requests for identical work.
//
// A Group keeps at most one in-flight operation per key. The first caller
// for a key becomes the owner and its work function runs; callers arriving
// while the work is outstanding join the same operation and observe the
// same value or error. Once the work returns, the operation is forgotten and
// the next caller for the key starts a fresh one.
//
// Work runs detached from the owner's cancellation: a caller that gives up
// waiting stops waiting, but the shared operation continues for everyone
// else. Work is still cancelled when the Group's base context is done (see
// WithBaseContext). A panic inside the work function is recovered and delivered to all
// callers as a *PanicError.
package coalesce

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key identifies a unit of coalesced work.
type Key interface {
	comparable
	String() string
}

// Group coalesces work by key. The zero value is not usable; use New.
type Group[K Key, V any] struct {
	sf   singleflight.Group
	base context.Context

	mu      sync.Mutex
	idle    *sync.Cond // signalled whenever an operation finishes
	active  map[K]struct{}
	waiters map[K]int
}

// Option configures a Group.
type Option func(*options)

type options struct {
	base context.Context
}

// WithBaseContext bounds every operation's lifetime by ctx. Cancelling ctx
// cancels running work regardless of how many callers are still waiting.
func WithBaseContext(ctx context.Context) Option {
	return func(o *options) { o.base = ctx }
}

// New creates an empty Group.
func New[K Key, V any](opts ...Option) *Group[K, V] {
	o := options{base: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Group[K, V]{
		base:    o.base,
		active:  make(map[K]struct{}),
		waiters: make(map[K]int),
	}
	g.idle = sync.NewCond(&g.mu)
	return g
}

// Result is delivered by DoChan.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

// Do runs fn for key unless an operation for key is already in flight, in
// which case it waits for that operation's outcome. shared reports whether
// the outcome was delivered to more than one caller.
//
// If ctx is done before the outcome is known, Do returns ctx.Err(); the
// operation keeps running.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	select {
	case r := <-g.DoChan(ctx, key, fn):
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

// DoChan is like Do but returns a channel that receives the outcome.
// The channel is buffered; abandoning it does not leak the operation.
func (g *Group[K, V]) DoChan(ctx context.Context, key K, fn func(context.Context) (V, error)) <-chan Result[V] {
	g.mu.Lock()
	g.waiters[key]++
	g.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	in := g.sf.DoChan(key.String(), func() (any, error) {
		return g.run(detached, key, fn)
	})

	out := make(chan Result[V], 1)
	go func() {
		r := <-in
		g.mu.Lock()
		if g.waiters[key]--; g.waiters[key] <= 0 {
			delete(g.waiters, key)
		}
		g.mu.Unlock()

		var val V
		if r.Val != nil {
			val = r.Val.(V)
		}
		out <- Result[V]{Val: val, Err: r.Err, Shared: r.Shared}
	}()
	return out
}

// run executes fn as the owner of key.
func (g *Group[K, V]) run(ctx context.Context, key K, fn func(context.Context) (V, error)) (val any, err error) {
	g.mu.Lock()
	g.active[key] = struct{}{}
	g.mu.Unlock()

	// Caller values survive, cancellation comes from the base only.
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.base, cancel)

	defer func() {
		stop()
		cancel()
		if p := recover(); p != nil {
			val = nil
			err = &PanicError{Key: key.String(), Value: p, Stack: debug.Stack()}
		}
		g.mu.Lock()
		delete(g.active, key)
		g.idle.Broadcast()
		g.mu.Unlock()
	}()

	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// InFlight reports whether an operation for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[key]
	return ok
}

// Waiters returns the number of callers waiting on key, owner included.
func (g *Group[K, V]) Waiters(key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}

// Wait blocks until no operation is in flight.
func (g *Group[K, V]) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.active) > 0 {
		g.idle.Wait()
	}
}

// Len returns the number of keys with an operation in flight.
func (g *Group[K, V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// PanicError carries a panic recovered from a work function.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coalesced work for %s panicked: %v", e.Key, e.Value)
}
