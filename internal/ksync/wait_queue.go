// internal/ksync/wait_queue.go

package ksync

import (
	"sync"
	"time"

	"trampsched/internal/future"
	"trampsched/internal/waitlist"
)

// WaitQueue parks wakers in FIFO order.
//
// Conditions passed to WaitUntil are evaluated with the queue lock held, so a
// notifier that changes the condition and then calls Notify* cannot slip
// between the check and the registration. Conditions must not touch the
// queue themselves. Wakers are invoked after the lock is released.
//
// A timed waiter is woken by exactly one of its notification and its alarm:
// whichever unlinks the waiter's node first cancels the other. Lock order is
// q.mu before the timer list lock.
type WaitQueue struct {
	mu     sync.Mutex
	list   waitlist.List
	timed  map[*waitlist.Node]*Waiter
	timers *Timers
}

// NewWaitQueue creates a queue. timers is needed by the timeout variants.
func NewWaitQueue(timers *Timers) *WaitQueue {
	return &WaitQueue{timers: timers}
}

// Len returns the number of parked waiters.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// NotifyOne wakes the oldest waiter and reports whether there was one.
func (q *WaitQueue) NotifyOne() bool {
	q.mu.Lock()
	n := q.list.PopFront()
	q.detach(n)
	q.mu.Unlock()
	if n == nil {
		return false
	}
	n.Waker().Wake()
	return true
}

// NotifyAll wakes every waiter, oldest first, and returns how many.
func (q *WaitQueue) NotifyAll() int {
	q.mu.Lock()
	nodes := q.list.Drain()
	for _, n := range nodes {
		q.detach(n)
	}
	q.mu.Unlock()
	for _, n := range nodes {
		n.Waker().Wake()
	}
	return len(nodes)
}

// NotifyTask wakes the waiter registered with w, if it is parked here.
func (q *WaitQueue) NotifyTask(w future.Waker) bool {
	q.mu.Lock()
	n := q.list.Take(w)
	q.detach(n)
	q.mu.Unlock()
	if n == nil {
		return false
	}
	n.Waker().Wake()
	return true
}

// detach forgets an unlinked node and disarms its waiter's alarm. Called
// with q.mu held.
func (q *WaitQueue) detach(n *waitlist.Node) {
	if n == nil {
		return
	}
	w, ok := q.timed[n]
	if !ok {
		return
	}
	delete(q.timed, n)
	w.disarm()
}

// park links a fresh node for w. Called with q.mu held.
func (q *WaitQueue) park(w *Waiter, waker future.Waker) {
	w.node = waitlist.NewNode(waker)
	q.list.PushBack(w.node)
	if !w.timed {
		return
	}
	if q.timed == nil {
		q.timed = make(map[*waitlist.Node]*Waiter)
	}
	q.timed[w.node] = w
	if !w.armed {
		q.timers.SetAlarm(w.deadline, w, w.expire)
		w.armed = true
	}
}

// Wait resolves once a notification has reached the caller.
func (q *WaitQueue) Wait() *Waiter {
	return &Waiter{q: q}
}

// WaitUntil resolves once cond holds. It does not park at all when cond
// already holds on the first poll.
func (q *WaitQueue) WaitUntil(cond func() bool) *Waiter {
	return &Waiter{q: q, cond: cond}
}

// WaitTimeout is Wait bounded by an absolute deadline.
func (q *WaitQueue) WaitTimeout(deadline time.Duration) *Waiter {
	return &Waiter{q: q, timed: true, deadline: deadline}
}

// WaitTimeoutUntil is WaitUntil bounded by an absolute deadline.
func (q *WaitQueue) WaitTimeoutUntil(deadline time.Duration, cond func() bool) *Waiter {
	return &Waiter{q: q, cond: cond, timed: true, deadline: deadline}
}

// Waiter is the future of one wait. It resolves to true when the wait timed
// out and to false when it was notified (or its condition held).
//
// Every field but done is guarded by q.mu.
type Waiter struct {
	q    *WaitQueue
	cond func() bool

	timed    bool
	deadline time.Duration
	armed    bool
	expired  bool

	node *waitlist.Node
	done bool
}

// Poll implements future.Future.
func (w *Waiter) Poll(cx *future.Context) (bool, bool) {
	if w.done {
		panic("ksync: waiter polled after completion")
	}
	q := w.q

	q.mu.Lock()
	defer q.mu.Unlock()
	notified := w.node != nil && !w.node.Linked() && !w.expired
	satisfied := notified
	if w.cond != nil {
		satisfied = w.cond()
	}
	expired := w.timed && (w.expired || q.timers.Now() >= w.deadline)

	if satisfied || expired {
		w.unlink()
		w.done = true
		return !satisfied, true
	}
	if w.node == nil || !w.node.Linked() {
		q.park(w, cx.Waker())
	}
	return false, false
}

// expire is the alarm callback. It wakes the waiter only if no notification
// unlinked it first.
func (w *Waiter) expire() {
	q := w.q
	q.mu.Lock()
	n := w.node
	if !w.armed || n == nil || !q.list.Remove(n) {
		q.mu.Unlock()
		return
	}
	delete(q.timed, n)
	w.armed = false
	w.expired = true
	q.mu.Unlock()
	n.Waker().Wake()
}

// disarm cancels the pending alarm. Called with q.mu held.
func (w *Waiter) disarm() {
	if w.armed {
		w.q.timers.CancelOwner(w)
		w.armed = false
	}
}

// unlink removes the node and the alarm. Called with q.mu held.
func (w *Waiter) unlink() {
	if w.node != nil {
		w.q.list.Remove(w.node)
		delete(w.q.timed, w.node)
		w.node = nil
	}
	w.disarm()
}

// Cancel unlinks a waiter that will not be polled again. Without it an
// abandoned waiter stays parked and may swallow a NotifyOne.
func (w *Waiter) Cancel() {
	if w.done {
		return
	}
	w.q.mu.Lock()
	w.unlink()
	w.q.mu.Unlock()
	w.done = true
}
