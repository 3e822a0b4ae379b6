package ksync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trampsched/internal/future"
	"trampsched/internal/sched"
)

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) Now() time.Duration      { return time.Duration(c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }
func (c *fakeClock) Set(d time.Duration)     { c.now.Store(int64(d)) }

func newTimers() (*Timers, *fakeClock) {
	c := &fakeClock{}
	return NewTimers(c.Now), c
}

func recorder(log *[]string, name string) future.Waker {
	return future.NewWaker(name, func() { *log = append(*log, name) })
}

func TestWaitQueue_NotifyOneIsFIFO(t *testing.T) {
	timers, _ := newTimers()
	q := NewWaitQueue(timers)

	var woken []string
	waiters := map[string]*Waiter{}
	for _, name := range []string{"A", "B", "C"} {
		w := q.Wait()
		_, ok := w.Poll(future.NewContext(recorder(&woken, name)))
		require.False(t, ok)
		waiters[name] = w
	}
	require.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		assert.True(t, q.NotifyOne())
	}
	assert.False(t, q.NotifyOne())
	assert.Equal(t, []string{"A", "B", "C"}, woken)

	timedOut, ok := waiters["B"].Poll(future.NewContext(recorder(&woken, "B")))
	assert.True(t, ok)
	assert.False(t, timedOut)
}

func TestWaitQueue_SpuriousPollStaysParked(t *testing.T) {
	q := NewWaitQueue(nil)
	var woken []string
	cx := future.NewContext(recorder(&woken, "A"))

	w := q.Wait()
	_, ok := w.Poll(cx)
	require.False(t, ok)
	_, ok = w.Poll(cx)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 1, q.NotifyAll())
	_, ok = w.Poll(cx)
	assert.True(t, ok)
	assert.Panics(t, func() { w.Poll(cx) })
}

func TestWaitQueue_WaitUntilImmediate(t *testing.T) {
	q := NewWaitQueue(nil)
	var woken []string
	timedOut, ok := q.WaitUntil(func() bool { return true }).Poll(future.NewContext(recorder(&woken, "A")))
	assert.True(t, ok)
	assert.False(t, timedOut)
	assert.Zero(t, q.Len())
}

func TestWaitQueue_WaitUntilReparksWhileFalse(t *testing.T) {
	q := NewWaitQueue(nil)
	var woken []string
	cx := future.NewContext(recorder(&woken, "A"))
	var flag atomic.Bool

	w := q.WaitUntil(flag.Load)
	_, ok := w.Poll(cx)
	require.False(t, ok)

	q.NotifyOne()
	_, ok = w.Poll(cx)
	assert.False(t, ok, "condition still false")
	assert.Equal(t, 1, q.Len())

	flag.Store(true)
	q.NotifyAll()
	_, ok = w.Poll(cx)
	assert.True(t, ok)
	assert.Equal(t, []string{"A", "A"}, woken)
}

func TestWaitQueue_NotifyTask(t *testing.T) {
	q := NewWaitQueue(nil)
	var woken []string
	a, b := recorder(&woken, "A"), recorder(&woken, "B")
	q.Wait().Poll(future.NewContext(a))
	q.Wait().Poll(future.NewContext(b))

	assert.True(t, q.NotifyTask(b))
	assert.False(t, q.NotifyTask(b))
	assert.Equal(t, []string{"B"}, woken)
	assert.Equal(t, 1, q.Len())
}

func TestWaitQueue_TimeoutCancelsTheLoser(t *testing.T) {
	timers, clock := newTimers()
	q := NewWaitQueue(timers)
	var woken []string

	// Timer wins: the waiter is unlinked from the queue.
	cx := future.NewContext(recorder(&woken, "A"))
	w := q.WaitTimeout(100 * time.Millisecond)
	_, ok := w.Poll(cx)
	require.False(t, ok)
	assert.Equal(t, 1, timers.Len())

	clock.Set(100 * time.Millisecond)
	assert.Equal(t, 1, timers.CheckEvents(clock.Now()))
	timedOut, ok := w.Poll(cx)
	require.True(t, ok)
	assert.True(t, timedOut)
	assert.Zero(t, q.Len())
	assert.False(t, q.NotifyOne())

	// Notification wins: the alarm is cancelled.
	cx = future.NewContext(recorder(&woken, "B"))
	w = q.WaitTimeoutUntil(clock.Now()+time.Second, func() bool { return false })
	_, ok = w.Poll(cx)
	require.False(t, ok)
	w2 := q.WaitTimeout(clock.Now() + time.Second)
	cx2 := future.NewContext(recorder(&woken, "C"))
	_, ok = w2.Poll(cx2)
	require.False(t, ok)

	q.NotifyTask(cx2.Waker())
	timedOut, ok = w2.Poll(cx2)
	require.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, 1, timers.Len(), "only B's alarm is left")

	clock.Advance(2 * time.Second)
	timers.CheckEvents(clock.Now())
	timedOut, ok = w.Poll(cx)
	require.True(t, ok)
	assert.True(t, timedOut)
	assert.Equal(t, []string{"A", "C", "B"}, woken)
}

func TestWaitQueue_NotifiedWaiterIgnoresLateAlarm(t *testing.T) {
	for name, notify := range map[string]func(q *WaitQueue, w future.Waker){
		"one":  func(q *WaitQueue, _ future.Waker) { q.NotifyOne() },
		"all":  func(q *WaitQueue, _ future.Waker) { q.NotifyAll() },
		"task": func(q *WaitQueue, w future.Waker) { q.NotifyTask(w) },
	} {
		t.Run(name, func(t *testing.T) {
			timers, clock := newTimers()
			q := NewWaitQueue(timers)
			var woken []string
			cx := future.NewContext(recorder(&woken, "A"))

			w := q.WaitTimeout(100 * time.Millisecond)
			_, ok := w.Poll(cx)
			require.False(t, ok)

			notify(q, cx.Waker())
			assert.Zero(t, timers.Len(), "the notification disarms the alarm")
			clock.Set(200 * time.Millisecond)
			timers.CheckEvents(clock.Now())
			assert.Equal(t, []string{"A"}, woken)

			timedOut, ok := w.Poll(cx)
			require.True(t, ok)
			assert.False(t, timedOut)
		})
	}
}

func TestWaitQueue_AlarmAlreadyDueLosesToNotify(t *testing.T) {
	timers, clock := newTimers()
	q := NewWaitQueue(timers)
	var woken []string
	cx := future.NewContext(recorder(&woken, "A"))

	w := q.WaitTimeout(100 * time.Millisecond)
	w.Poll(cx)
	// The alarm has been collected but not run when the notification lands.
	w.expire()
	assert.False(t, q.NotifyOne())
	assert.Equal(t, []string{"A"}, woken)

	w2 := q.WaitTimeout(clock.Now() + time.Second)
	cx2 := future.NewContext(recorder(&woken, "B"))
	w2.Poll(cx2)
	require.True(t, q.NotifyOne())
	w2.expire()
	assert.Equal(t, []string{"A", "B"}, woken)
	timedOut, ok := w2.Poll(cx2)
	require.True(t, ok)
	assert.False(t, timedOut)
}

func TestWaiter_CancelUnlinks(t *testing.T) {
	timers, _ := newTimers()
	q := NewWaitQueue(timers)
	var woken []string
	w := q.WaitTimeout(time.Second)
	w.Poll(future.NewContext(recorder(&woken, "A")))
	w.Cancel()
	assert.Zero(t, q.Len())
	assert.Zero(t, timers.Len())
	assert.False(t, q.NotifyOne())
}

func TestTimers_SleepUntilRequeuedOnce(t *testing.T) {
	timers, clock := newTimers()
	var woken []string
	cx := future.NewContext(recorder(&woken, "S"))

	sleep := timers.SleepUntil(100 * time.Millisecond)
	_, ok := sleep.Poll(cx)
	require.False(t, ok)

	clock.Set(99 * time.Millisecond)
	assert.Zero(t, timers.CheckEvents(clock.Now()))
	clock.Set(150 * time.Millisecond)
	assert.Equal(t, 1, timers.CheckEvents(clock.Now()))
	assert.Zero(t, timers.CheckEvents(clock.Now()))
	assert.Equal(t, []string{"S"}, woken)

	_, ok = sleep.Poll(cx)
	assert.True(t, ok)
	assert.Zero(t, timers.Len())
}

func TestTimers_EarlyPollKeepsOneAlarm(t *testing.T) {
	timers, _ := newTimers()
	var woken []string
	cx := future.NewContext(recorder(&woken, "S"))

	sleep := timers.Sleep(time.Second)
	sleep.Poll(cx)
	sleep.Poll(cx)
	assert.Equal(t, 1, timers.Len())
	d, ok := timers.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestMutex_ContendedLockHandsOver(t *testing.T) {
	fifo := sched.NewFIFO()
	body := &sched.CoroutineBody{Fut: future.Ready[int32](0)}
	a := sched.NewTask(body, "a", fifo)
	b := sched.NewTask(body, "b", fifo)
	cxA := future.NewContext(sched.WakerFromTask(a))
	cxB := future.NewContext(sched.WakerFromTask(b))

	m := NewMutex(0)
	g, ok := m.Lock().Poll(cxA)
	require.True(t, ok)
	*g.Get() = 41

	lockB := m.Lock()
	_, ok = lockB.Poll(cxB)
	require.False(t, ok)
	_, ok = m.TryLock(cxB)
	assert.False(t, ok)

	g.Unlock()
	assert.Panics(t, g.Unlock)
	assert.Same(t, b, fifo.PickNextTask(), "unlock wakes the contender")

	gb, ok := lockB.Poll(cxB)
	require.True(t, ok)
	*gb.Get()++
	assert.Equal(t, 42, *gb.Get())
	assert.True(t, m.IsLocked())
	gb.Unlock()
	assert.False(t, m.IsLocked())
}

func TestMutex_RelockByOwnerPanics(t *testing.T) {
	task := sched.NewTask(&sched.CoroutineBody{Fut: future.Ready[int32](0)}, "a", sched.NewFIFO())
	cx := future.NewContext(sched.WakerFromTask(task))
	m := NewMutex(struct{}{})
	_, ok := m.Lock().Poll(cx)
	require.True(t, ok)
	assert.Panics(t, func() { m.Lock().Poll(cx) })
	assert.Panics(t, func() { m.Lock().Poll(future.NewContext(future.Waker{})) })
}
