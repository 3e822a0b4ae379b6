// internal/kernel/api.go

package kernel

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trampsched/internal/arch"
	"trampsched/internal/future"
	"trampsched/internal/sched"
)

// ErrNotInTask is returned by calls that need a calling task.
var ErrNotInTask = errors.New("not called from a task")

// callerExecutor is the executor of the task polled with cx, or the kernel
// executor outside any task.
func (rt *Runtime) callerExecutor(cx *future.Context) *Executor {
	if t, ok := sched.TaskFromContext(cx); ok {
		if e, err := rt.executors.get(t.ExecutorID()); err == nil {
			return e
		}
	}
	return rt.kexec
}

func (rt *Runtime) addTask(e *Executor, t *sched.Task) {
	t.SetExecutorID(e.id)
	if b, ok := t.Body().(*sched.UserBody); ok && b.Top == nil {
		b.Top = rt.userTaskTop(t, b)
	}
	e.taskAdded()
	rt.rememberTask(t)
	e.sched.AddTask(t)

	ev := sched.StatusEvent{Kind: sched.StatusEnqueue, CPU: sched.NoCPU, Executor: e.id, TaskID: t.ID(), Name: t.Name(), Vruntime: sched.VruntimeOf(t)}
	rt.emit(ev)
	rt.log.Debug("spawn",
		zap.Uint64("task", uint64(t.ID())),
		zap.String("name", t.Name()),
		zap.Uint64("executor", e.id))
}

// SpawnRaw creates a Runable task running body on the caller's executor.
// cx is the context of the calling task; nil spawns on the kernel executor.
func (rt *Runtime) SpawnRaw(cx *future.Context, body sched.Body, name string) *sched.Task {
	e := rt.callerExecutor(cx)
	t := sched.NewTask(body, name, e.sched)
	rt.addTask(e, t)
	return t
}

// Spawn is SpawnRaw without a name.
func (rt *Runtime) Spawn(cx *future.Context, body sched.Body) *sched.Task {
	return rt.SpawnRaw(cx, body, "")
}

// Go spawns a coroutine task running fn.
func (rt *Runtime) Go(cx *future.Context, name string, fn func(co *future.Co) int32) *sched.Task {
	return rt.SpawnRaw(cx, &sched.CoroutineBody{Fut: future.Go(fn)}, name)
}

// SpawnInit creates the init task on the kernel executor. Its exit halts
// the runtime with its exit code. There is exactly one init task.
func (rt *Runtime) SpawnInit(body sched.Body) *sched.Task {
	if !rt.initSpawned.CompareAndSwap(false, true) {
		panic("kernel: init task spawned twice")
	}
	t := sched.NewInitTask(body, rt.kexec.sched)
	rt.addTask(rt.kexec, t)
	return t
}

// InitUser creates a process executor with its own address space and a user
// task entering at entry with user stack sp.
func (rt *Runtime) InitUser(cx *future.Context, name string, space arch.AddressSpace, entry, sp uint64) (*sched.Task, *Executor, error) {
	if space == nil {
		return nil, nil, fmt.Errorf("init user %q: no address space", name)
	}
	s, err := rt.newSched(rt.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init user %q: %w", name, err)
	}
	e := rt.executors.add(rt.callerExecutor(cx).id, s, space)
	t := sched.NewTask(&sched.UserBody{Frame: arch.InitUserContext(entry, sp)}, name, s)
	rt.addTask(e, t)
	rt.log.Info("user process created",
		zap.String("name", name),
		zap.Uint64("executor", e.id),
		zap.Uint64("entry", entry))
	return t, e, nil
}

// ReapExecutor unregisters a process executor whose tasks have all exited
// and returns its exit code.
func (rt *Runtime) ReapExecutor(id uint64) (int32, error) {
	e, err := rt.executors.remove(id)
	if err != nil {
		return 0, err
	}
	return e.ExitCode(), nil
}

// Join resolves to the exit code of t. It resolves on the first poll when t
// has already exited.
func Join(t *sched.Task) future.Future[int32] {
	return future.PollFunc[int32](func(cx *future.Context) (int32, bool) {
		if t.IsExited() || !t.AddJoiner(cx.Waker()) {
			return t.ExitCode(), true
		}
		return 0, false
	})
}

// YieldNow gives up the CPU once: the caller is requeued at the tail of its
// run queue.
func YieldNow() future.Future[struct{}] {
	yielded := false
	return future.PollFunc[struct{}](func(cx *future.Context) (struct{}, bool) {
		if yielded {
			return struct{}{}, true
		}
		yielded = true
		cx.Waker().Wake()
		return struct{}{}, false
	})
}

// Sleep suspends the caller for at least d of machine time.
func (rt *Runtime) Sleep(d time.Duration) future.Future[struct{}] {
	return rt.timers.Sleep(d)
}

// SleepUntil suspends the caller until the machine clock reaches deadline.
func (rt *Runtime) SleepUntil(deadline time.Duration) future.Future[struct{}] {
	return rt.timers.SleepUntil(deadline)
}

// Now returns the machine time since boot.
func (rt *Runtime) Now() time.Duration { return rt.machine.CurrentTime() }

// CurrentTask returns the task polled with cx.
func (rt *Runtime) CurrentTask(cx *future.Context) (*sched.Task, error) {
	t, ok := sched.TaskFromContext(cx)
	if !ok {
		return nil, ErrNotInTask
	}
	return t, nil
}

// CurrentExecutor returns the executor of the task polled with cx.
func (rt *Runtime) CurrentExecutor(cx *future.Context) (*Executor, error) {
	t, ok := sched.TaskFromContext(cx)
	if !ok {
		return nil, ErrNotInTask
	}
	return rt.executors.get(t.ExecutorID())
}

// SetPriority changes the priority of the calling task under its policy.
func (rt *Runtime) SetPriority(cx *future.Context, prio int) bool {
	t, ok := sched.TaskFromContext(cx)
	if !ok {
		return false
	}
	if !t.Scheduler().SetPriority(t, prio) {
		return false
	}
	ev := sched.StatusEvent{Kind: sched.StatusPriorityUpdate, CPU: t.CPU(), Executor: t.ExecutorID(), TaskID: t.ID(), Name: t.Name(), Vruntime: sched.VruntimeOf(t)}
	ev.Detail = fmt.Sprintf("prio=%d", prio)
	rt.emit(ev)
	return true
}
