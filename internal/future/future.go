// internal/future/future.go

// Package future holds the polling vocabulary shared by every suspension
// point of the runtime: a Future is polled with a Context carrying the Waker
// that must be invoked once the Future can make progress.
package future

// Future is a resumable computation producing a T.
//
// Poll returns ok=false while the value is not ready. A Future that reports
// not-ready must have arranged for cx.Waker() to be woken, unless the driver
// polling it knows how to make progress by other means.
type Future[T any] interface {
	Poll(cx *Context) (T, bool)
}

// Context is handed to every Poll call.
type Context struct {
	waker Waker
}

// NewContext wraps a waker.
func NewContext(w Waker) *Context {
	return &Context{waker: w}
}

// Waker returns the waker of the computation being polled.
func (cx *Context) Waker() Waker {
	if cx == nil {
		return Waker{}
	}
	return cx.waker
}

// PollFunc adapts a plain function to the Future interface.
type PollFunc[T any] func(cx *Context) (T, bool)

// Poll calls f(cx).
func (f PollFunc[T]) Poll(cx *Context) (T, bool) { return f(cx) }

type ready[T any] struct{ v T }

func (r ready[T]) Poll(*Context) (T, bool) { return r.v, true }

// Ready returns a Future that resolves to v on its first poll.
func Ready[T any](v T) Future[T] {
	return ready[T]{v: v}
}

// Waker is an opaque wake callback. Two wakers built from the same key wake
// the same computation.
type Waker struct {
	key  any
	wake func()
}

// NewWaker builds a waker identified by key. key must be comparable; in
// practice it is a pointer.
func NewWaker(key any, wake func()) Waker {
	return Waker{key: key, wake: wake}
}

// Wake invokes the callback. Waking the zero Waker does nothing.
func (w Waker) Wake() {
	if w.wake != nil {
		w.wake()
	}
}

// WillWake reports whether w and other wake the same computation.
func (w Waker) WillWake(other Waker) bool {
	return w.key != nil && w.key == other.key
}

// Key returns the identity the waker was built with.
func (w Waker) Key() any { return w.key }

// IsZero reports whether w was never initialised.
func (w Waker) IsZero() bool { return w.key == nil && w.wake == nil }
