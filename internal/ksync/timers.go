// internal/ksync/timers.go

// Package ksync holds the suspension primitives tasks park on: the runtime
// timer list, wait queues and a sleeping mutex.
package ksync

import (
	"sync"
	"time"

	"trampsched/internal/future"
	"trampsched/internal/timerlist"
)

// wakeupEvent either wakes a task or, when fire is set, runs fire. Events
// armed with SetAlarm are identified by owner instead of by waker.
type wakeupEvent struct {
	waker future.Waker
	owner any
	fire  func()
}

func (e wakeupEvent) Callback(time.Duration) {
	if e.fire != nil {
		e.fire()
		return
	}
	e.waker.Wake()
}

// Timers is the timer list shared by every CPU. Expired wakers are invoked
// after the lock is released.
type Timers struct {
	mu   sync.Mutex
	list *timerlist.TimerList[wakeupEvent]
	now  func() time.Duration
}

// NewTimers creates an empty list reading time from now.
func NewTimers(now func() time.Duration) *Timers {
	return &Timers{list: timerlist.New[wakeupEvent](), now: now}
}

// Now returns the current time since boot.
func (t *Timers) Now() time.Duration { return t.now() }

// SetAlarmWakeup wakes w once deadline has passed.
func (t *Timers) SetAlarmWakeup(deadline time.Duration, w future.Waker) {
	t.mu.Lock()
	t.list.Set(deadline, wakeupEvent{waker: w})
	t.mu.Unlock()
}

// CancelAlarm drops every pending alarm of the computation w wakes.
func (t *Timers) CancelAlarm(w future.Waker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Cancel(func(e wakeupEvent) bool { return e.fire == nil && e.waker.WillWake(w) })
}

// SetAlarm runs fire once deadline has passed. fire is called without the
// list lock held. owner identifies the alarm for CancelOwner.
func (t *Timers) SetAlarm(deadline time.Duration, owner any, fire func()) {
	t.mu.Lock()
	t.list.Set(deadline, wakeupEvent{owner: owner, fire: fire})
	t.mu.Unlock()
}

// CancelOwner drops the pending alarms armed by SetAlarm for owner.
func (t *Timers) CancelOwner(owner any) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Cancel(func(e wakeupEvent) bool { return e.fire != nil && e.owner == owner })
}

// CheckEvents fires every event due at now and returns how many fired.
func (t *Timers) CheckEvents(now time.Duration) int {
	var due []wakeupEvent
	t.mu.Lock()
	for {
		_, e, ok := t.list.ExpireOne(now)
		if !ok {
			break
		}
		due = append(due, e)
	}
	t.mu.Unlock()

	for _, e := range due {
		e.Callback(now)
	}
	return len(due)
}

// NextDeadline returns the earliest armed deadline.
func (t *Timers) NextDeadline() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.NextDeadline()
}

// Len returns the number of armed alarms.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}

// SleepUntil resolves once deadline has passed. A poll before the deadline
// (re)arms the alarm.
func (t *Timers) SleepUntil(deadline time.Duration) future.Future[struct{}] {
	armed := false
	return future.PollFunc[struct{}](func(cx *future.Context) (struct{}, bool) {
		w := cx.Waker()
		if t.Now() >= deadline {
			if armed {
				t.CancelAlarm(w)
			}
			return struct{}{}, true
		}
		if armed {
			// Woken early by something else; keep exactly one alarm.
			t.CancelAlarm(w)
		}
		t.SetAlarmWakeup(deadline, w)
		armed = true
		return struct{}{}, false
	})
}

// Sleep is SleepUntil(now + d).
func (t *Timers) Sleep(d time.Duration) future.Future[struct{}] {
	return t.SleepUntil(t.Now() + d)
}
