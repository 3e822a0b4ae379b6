// internal/ksync/mutex.go

package ksync

import (
	"fmt"
	"sync/atomic"

	"trampsched/internal/future"
	"trampsched/internal/sched"
)

// Mutex is a sleeping lock owned by a task. Contenders park on a wait queue
// instead of spinning. Locking a mutex the caller already owns is fatal.
type Mutex[T any] struct {
	owner atomic.Uint64
	wq    *WaitQueue
	data  T
}

// NewMutex wraps data.
func NewMutex[T any](data T) *Mutex[T] {
	return &Mutex[T]{wq: NewWaitQueue(nil), data: data}
}

func ownerOf(cx *future.Context) uint64 {
	t, ok := sched.TaskFromContext(cx)
	if !ok {
		panic("ksync: mutex used outside a task")
	}
	return uint64(t.ID())
}

// IsLocked reports whether some task owns the mutex.
func (m *Mutex[T]) IsLocked() bool { return m.owner.Load() != 0 }

// Lock resolves to a guard once the polling task owns the mutex.
func (m *Mutex[T]) Lock() future.Future[*MutexGuard[T]] {
	var wait *Waiter
	return future.PollFunc[*MutexGuard[T]](func(cx *future.Context) (*MutexGuard[T], bool) {
		id := ownerOf(cx)
		if m.owner.Load() == id {
			panic(fmt.Sprintf("ksync: task %d tried to acquire a mutex it already owns", id))
		}
		for {
			if m.owner.CompareAndSwap(0, id) {
				if wait != nil {
					wait.Cancel()
					wait = nil
				}
				return &MutexGuard[T]{m: m, owner: id}, true
			}
			if wait == nil {
				wait = m.wq.WaitUntil(func() bool { return m.owner.Load() == 0 })
			}
			if _, ok := wait.Poll(cx); !ok {
				return nil, false
			}
			wait = nil
		}
	})
}

// TryLock takes the mutex if it is free.
func (m *Mutex[T]) TryLock(cx *future.Context) (*MutexGuard[T], bool) {
	id := ownerOf(cx)
	if m.owner.CompareAndSwap(0, id) {
		return &MutexGuard[T]{m: m, owner: id}, true
	}
	return nil, false
}

// MutexGuard gives access to the protected data until Unlock.
type MutexGuard[T any] struct {
	m     *Mutex[T]
	owner uint64
}

// Get returns the protected data.
func (g *MutexGuard[T]) Get() *T {
	if g.m == nil {
		panic("ksync: use of unlocked mutex guard")
	}
	return &g.m.data
}

// Unlock releases the mutex and wakes one contender.
func (g *MutexGuard[T]) Unlock() {
	m := g.m
	if m == nil {
		panic("ksync: mutex guard unlocked twice")
	}
	if !m.owner.CompareAndSwap(g.owner, 0) {
		panic(fmt.Sprintf("ksync: task %d unlocked a mutex owned by %d", g.owner, m.owner.Load()))
	}
	g.m = nil
	m.wq.NotifyOne()
}
