// internal/sched/waker.go

package sched

import "trampsched/internal/future"

// WakerFromTask returns the waker of t. Waking it puts t back on its owning
// scheduler's run queue; the task state is left alone. Waking an exited task
// does nothing.
func WakerFromTask(t *Task) future.Waker {
	return future.NewWaker(t, func() {
		if t.IsExited() {
			return
		}
		t.Scheduler().PutPrevTask(t, false)
	})
}

// TaskFromWaker recovers the task a waker was built for.
func TaskFromWaker(w future.Waker) (*Task, bool) {
	t, ok := w.Key().(*Task)
	return t, ok
}

// TaskFromContext returns the task being polled with cx.
func TaskFromContext(cx *future.Context) (*Task, bool) {
	return TaskFromWaker(cx.Waker())
}
