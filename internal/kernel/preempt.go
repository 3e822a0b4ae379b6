// internal/kernel/preempt.go

package kernel

import (
	"fmt"
	"runtime"

	"trampsched/internal/arch"
	"trampsched/internal/future"
	"trampsched/internal/sched"
)

// kernelTrap handles a trap taken by kernel code. Only interrupts are
// supported; a kernel exception means the kernel is broken.
func (c *CPU) kernelTrap(tf *arch.TrapFrame) {
	cause := tf.Cause()
	if !cause.Interrupt {
		panic(fmt.Sprintf("kernel: unsupported kernel trap %v at pc %#x, stval %#x", cause, tf.Sepc, tf.Stval))
	}
	m := c.rt.machine
	m.DisableIRQs(c.id)
	c.rt.handleIRQ(c.id, int(cause.Code))
	m.EnableIRQs(c.id)

	if !c.rt.cfg.Preempt {
		return
	}
	t := c.Current()
	if t == nil || t.IsUser() || !t.PreemptPending() || !t.CanPreempt() {
		return
	}
	c.preempt(t, tf)
}

// preempt parks the execution of t, which is running on the CPU's current
// stack, and lets the CPU continue scheduling on a fresh stack. It returns
// once t has been picked again, with tf restored from the copy saved on the
// parked stack.
func (c *CPU) preempt(t *sched.Task, tf *arch.TrapFrame) {
	rt := c.rt
	t.TakePreemptPending()

	frame, err := tf.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("kernel: save trap frame of task %d: %v", t.ID(), err))
	}
	prev := c.pool.PickCurrentStack()
	off := prev.Push(frame)
	t.SetPreemptCtx(&sched.PreemptCtx{Stack: prev, Frame: off})

	ran := c.resetRan()
	c.clearCurrent()
	ev := taskEvent(sched.StatusPreempt, c, t)
	ev.RanTicks = ran
	rt.emit(ev)

	rt.wakerOf(t).Wake()
	rt.startLoop(c.pool.CurrentStack())

	if _, ok := prev.Park(rt.halted); !ok {
		runtime.Goexit()
	}
	if err := tf.UnmarshalBinary(prev.Pop(off, arch.FrameSize)); err != nil {
		panic(fmt.Sprintf("kernel: restore trap frame of task %d: %v", t.ID(), err))
	}
}

// SafePoint is where a running kernel task can take a pending interrupt.
// state is the task's live register state; when an interrupt is taken it is
// passed through the trampoline and written back, so after a preemption the
// task continues with exactly the registers it was interrupted with. It
// reports whether an interrupt was taken.
func (rt *Runtime) SafePoint(cx *future.Context, state *arch.TrapFrame) bool {
	t, ok := sched.TaskFromContext(cx)
	if !ok {
		return false
	}
	cpu := t.CPU()
	if cpu < 0 || !rt.machine.IRQsEnabled(cpu) {
		return false
	}
	irq, ok := rt.machine.PendingIRQ(cpu)
	if !ok {
		return false
	}

	tf := *state
	tf.Scause = arch.InterruptCause(irq)
	rt.cpus[cpu].Trampoline(&tf, true, false)

	state.Regs = tf.Regs
	state.Sepc = tf.Sepc
	state.Sstatus = tf.Sstatus
	state.FS = tf.FS
	return true
}
