// internal/kernel/trampoline.go

package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"trampsched/internal/arch"
	"trampsched/internal/future"
	"trampsched/internal/kstack"
	"trampsched/internal/sched"
)

// Trampoline is the single kernel entry point of a CPU.
//
//   - hasTrap && !fromUser: an interrupt taken while kernel code ran on this
//     CPU. It is handled and, if the running task has to give up its slice,
//     the task is preempted. The call returns to the interrupted code with tf
//     holding the state to resume, possibly on another CPU.
//   - hasTrap && fromUser: the current user task trapped. Its frame is marked
//     Blocked and the call returns to the loop that dropped to user mode,
//     which polls the task's trap handler next.
//   - !hasTrap: boot. The CPU enters the scheduling loop on its current stack.
//
// Boot returns once the runtime halts or the stack has handed its CPU over to
// a resumed preempted execution.
func (c *CPU) Trampoline(tf *arch.TrapFrame, hasTrap, fromUser bool) {
	switch {
	case hasTrap && !fromUser:
		c.kernelTrap(tf)
	case hasTrap:
		c.userTrap(tf)
	default:
		c.rt.schedule(c.pool.CurrentStack())
	}
}

// userTrap records the trap of the current user task.
func (c *CPU) userTrap(tf *arch.TrapFrame) {
	t := c.Current()
	if t == nil {
		panic(fmt.Sprintf("kernel: user trap %s on cpu %d with no current task", tf.Cause(), c.id))
	}
	if _, ok := t.Body().(*sched.UserBody); !ok {
		panic(fmt.Sprintf("kernel: user trap on cpu %d from task %d with body %T", c.id, t.ID(), t.Body()))
	}
	t.Stat.Enter(c.rt.machine.CurrentTime(), false)
	tf.TrapStatus = arch.TrapBlocked
	ev := taskEvent(sched.StatusTrap, c, t)
	ev.Detail = tf.Cause().String()
	c.rt.emit(ev)
}

// startLoop runs a scheduling loop on a fresh stack.
func (rt *Runtime) startLoop(s *kstack.TaskStack) {
	rt.loops.Add(1)
	go func() {
		defer rt.loops.Done()
		rt.schedule(s)
	}()
}

// schedule is the scheduling loop of one kernel stack. The CPU is looked up
// again on every round since a stack that was parked by preemption may be
// resumed on another CPU.
func (rt *Runtime) schedule(s *kstack.TaskStack) {
	for !rt.isHalted() {
		c := rt.cpus[s.CPU()]
		t := c.pickNext()
		if t == nil {
			continue
		}
		if ctx := t.TakePreemptCtx(); ctx != nil {
			c.restore(t, ctx)
			return
		}
		c.dispatch(t)
		rt.runTask(t, s)
	}
}

// restore hands the CPU to the execution parked in ctx. The calling loop's
// stack goes to the free list and the caller must return.
func (c *CPU) restore(t *sched.Task, ctx *sched.PreemptCtx) {
	c.setCurrent(t)
	c.resetRan()
	t.SetCPU(c.id)
	c.pool.PutPrevStack(ctx.Stack)
	c.rt.emit(taskEvent(sched.StatusResume, c, t))
	ctx.Stack.Resume(c.id)
}

// wakerOf is the task waker, reporting a Wake event when it requeues t.
func (rt *Runtime) wakerOf(t *sched.Task) future.Waker {
	w := sched.WakerFromTask(t)
	return future.NewWaker(t, func() {
		queued := t.Queued()
		w.Wake()
		if !queued && t.Queued() {
			ev := sched.StatusEvent{
				Kind:     sched.StatusWake,
				CPU:      sched.NoCPU,
				Executor: t.ExecutorID(),
				TaskID:   t.ID(),
				Name:     t.Name(),
				Vruntime: sched.VruntimeOf(t),
			}
			rt.emit(ev)
		}
	})
}

// runTask runs t, which is current on the CPU of s, until it suspends or
// exits.
func (rt *Runtime) runTask(t *sched.Task, s *kstack.TaskStack) {
	t.LockOnCPU(s.CPU())
	defer t.UnlockOnCPU()

	if t.IsExited() {
		// A wakeup raced with the exit of the task.
		rt.cpus[s.CPU()].clearCurrent()
		return
	}
	cx := future.NewContext(rt.wakerOf(t))

	switch b := t.Body().(type) {
	case *sched.CoroutineBody:
		code, done := b.Fut.Poll(cx)
		c := rt.cpus[s.CPU()]
		if done {
			c.exitTask(t, code)
			return
		}
		c.clearCurrent()
	case *sched.UserBody:
		rt.runUser(t, b, s, cx)
	default:
		panic(fmt.Sprintf("kernel: task %d has unsupported body %T", t.ID(), b))
	}
}

// runUser alternates user-mode execution and trap handling until the task
// blocks inside the kernel or exits.
func (rt *Runtime) runUser(t *sched.Task, b *sched.UserBody, s *kstack.TaskStack, cx *future.Context) {
	for {
		c := rt.cpus[s.CPU()]
		if b.Frame.TrapStatus == arch.TrapDone {
			c.userReturn(t, &b.Frame)
		}
		if rt.isHalted() {
			return
		}
		code, done := b.Top.Poll(cx)
		c = rt.cpus[s.CPU()]
		if done {
			c.exitTask(t, code)
			return
		}
		if b.Frame.TrapStatus != arch.TrapDone {
			c.clearCurrent()
			return
		}
	}
}

// userReturn drops to user mode with tf and comes back on the next trap.
func (c *CPU) userReturn(t *sched.Task, tf *arch.TrapFrame) {
	m := c.rt.machine
	c.rt.emit(taskEvent(sched.StatusUserReturn, c, t))

	t.Stat.Enter(m.CurrentTime(), true)
	m.UserReturn(c.id, tf)
	if c.rt.isHalted() {
		return
	}
	c.Trampoline(tf, true, true)
}

// clearChildTID zeroes the thread id word registered by a user task.
func (rt *Runtime) clearChildTID(t *sched.Task, e *Executor) {
	addr := t.ClearChildTID()
	if addr == 0 {
		return
	}
	mem, ok := e.space.(arch.UserMemory)
	if !ok {
		return
	}
	if err := mem.WriteUser(addr, make([]byte, 4)); err != nil {
		rt.log.Debug("clear child tid", zap.Uint64("task", uint64(t.ID())), zap.Error(err))
	}
}

// exitTask is the exit path: the task is marked Exited, joiners are woken
// and the task is dropped from every runtime table. The exit of the init
// task halts the system.
func (c *CPU) exitTask(t *sched.Task, code int32) {
	rt := c.rt
	ran := c.resetRan()
	rt.forgetTask(t)
	if e, err := rt.executors.get(t.ExecutorID()); err == nil {
		rt.clearChildTID(t, e)
		e.taskExited(code)
	}
	t.Exit(code)
	c.clearCurrent()

	ev := taskEvent(sched.StatusFinish, c, t)
	ev.RanTicks = ran
	ev.Detail = fmt.Sprintf("exit=%d", code)
	rt.emit(ev)
	rt.log.Debug("task exited",
		zap.Uint64("task", uint64(t.ID())),
		zap.String("name", t.Name()),
		zap.Int32("code", code))

	if !t.IsInit() {
		return
	}
	if t.Queued() || t.HasPreemptCtx() {
		panic(fmt.Sprintf("kernel: init task %d exits while still referenced (queued=%v preempted=%v)",
			t.ID(), t.Queued(), t.HasPreemptCtx()))
	}
	for _, other := range rt.cpus {
		if other != c && other.Current() == t {
			panic(fmt.Sprintf("kernel: init task %d exits while current on cpu %d", t.ID(), other.id))
		}
	}
	rt.log.Info("init task exited, halting", zap.Int32("code", code))
	rt.Halt(code)
}
