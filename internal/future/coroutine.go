// internal/future/coroutine.go

package future

import (
	"runtime"
	"sync"
)

// Co is the handle a coroutine body uses to suspend itself.
//
// A coroutine body runs on its own goroutine, but only while the driver that
// polls it is blocked waiting for the body to suspend or finish, so at most
// one of the two executes at any time.
type Co struct {
	cx *Context

	resume chan *Context
	yield  chan struct{}
	done   chan struct{}

	cancel     chan struct{}
	cancelOnce sync.Once
	completed  bool
}

// Context returns the context of the poll currently driving the coroutine.
func (co *Co) Context() *Context { return co.cx }

// suspend hands control back to the driver and blocks until the next poll.
// A cancelled coroutine never returns from suspend.
func (co *Co) suspend() {
	co.yield <- struct{}{}
	cx, ok := co.wait()
	if !ok {
		runtime.Goexit()
	}
	co.cx = cx
}

func (co *Co) wait() (*Context, bool) {
	select {
	case cx := <-co.resume:
		return cx, true
	case <-co.cancel:
		return nil, false
	}
}

// Await polls f until it is ready, suspending the coroutine every time f
// reports not-ready.
func Await[T any](co *Co, f Future[T]) T {
	for {
		if v, ok := f.Poll(co.cx); ok {
			return v
		}
		co.suspend()
	}
}

// Coroutine is a Future backed by a straight-line body that suspends through
// Await.
type Coroutine[T any] struct {
	body     func(co *Co) T
	co       *Co
	result   T
	finished bool
}

// Go creates a coroutine. The body does not start before the first poll.
func Go[T any](body func(co *Co) T) *Coroutine[T] {
	return &Coroutine[T]{body: body}
}

// Poll resumes the body until it suspends or returns.
func (c *Coroutine[T]) Poll(cx *Context) (T, bool) {
	var zero T
	if c.finished {
		return c.result, true
	}
	if c.co == nil {
		c.co = &Co{
			resume: make(chan *Context),
			yield:  make(chan struct{}),
			done:   make(chan struct{}),
			cancel: make(chan struct{}),
		}
		go c.run()
	}

	select {
	case c.co.resume <- cx:
	case <-c.co.done:
		return zero, false
	}

	select {
	case <-c.co.yield:
		return zero, false
	case <-c.co.done:
		if c.co.completed {
			c.finished = true
			return c.result, true
		}
		return zero, false
	}
}

func (c *Coroutine[T]) run() {
	co := c.co
	defer close(co.done)

	cx, ok := co.wait()
	if !ok {
		return
	}
	co.cx = cx
	c.result = c.body(co)
	co.completed = true
}

// Close cancels a suspended body. The body goroutine unwinds through its
// deferred calls the next time it would resume. Close on a finished or never
// polled coroutine is a no-op.
func (c *Coroutine[T]) Close() {
	if c.co == nil {
		return
	}
	c.co.cancelOnce.Do(func() { close(c.co.cancel) })
}

// Finished reports whether the body has returned.
func (c *Coroutine[T]) Finished() bool { return c.finished }
