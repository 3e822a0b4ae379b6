// internal/kernel/usertop.go

package kernel

import (
	"fmt"

	"fortio.org/safecast"
	"go.uber.org/zap"

	"trampsched/internal/arch"
	"trampsched/internal/future"
	"trampsched/internal/sched"
)

// SIGSEGV is the exit code of a task killed by an unresolvable page fault.
const SIGSEGV = -11

// userTaskTop is the kernel side of a user task: it handles one trap, marks
// the frame Done and stays suspended until the task traps again.
func (rt *Runtime) userTaskTop(t *sched.Task, b *sched.UserBody) future.Future[int32] {
	return future.Go(func(co *future.Co) int32 {
		tf := &b.Frame
		for {
			if code, exited := rt.handleUserTrap(co, t, tf); exited {
				return code
			}
			tf.TrapStatus = arch.TrapDone
			future.Await(co, future.PollFunc[struct{}](func(*future.Context) (struct{}, bool) {
				return struct{}{}, tf.TrapStatus != arch.TrapDone
			}))
		}
	})
}

func (rt *Runtime) handleUserTrap(co *future.Co, t *sched.Task, tf *arch.TrapFrame) (int32, bool) {
	cause := tf.Cause()
	switch {
	case cause.Interrupt:
		irq, err := safecast.Conv[int](cause.Code)
		if err != nil {
			panic(fmt.Sprintf("kernel: interrupt number %d out of range", cause.Code))
		}
		rt.handleIRQ(t.CPU(), irq)
		if t.TakePreemptPending() {
			ev := taskEvent(sched.StatusPreempt, rt.cpus[t.CPU()], t)
			ev.RanTicks = rt.cpus[t.CPU()].resetRan()
			rt.emit(ev)
			future.Await(co, YieldNow())
		}

	case cause.Code == arch.ExcUserEnvCall:
		tf.AdvancePC()
		id := tf.SyscallID()
		ret := future.Await(co, rt.syscall(id, tf.SyscallArgs()))
		if id == arch.SysExit || id == arch.SysExitGroup {
			return exitCode(tf.Regs[arch.RegA0]), true
		}
		if ret == -arch.ERESTART {
			tf.RewindPC()
		} else {
			tf.SetRetCode(uint64(ret))
		}

	case cause.IsPageFault():
		space := rt.spaceOf(t)
		if space == nil {
			rt.log.Warn("page fault without address space", zap.Uint64("task", uint64(t.ID())), zap.Uint64("addr", tf.Stval))
			return SIGSEGV, true
		}
		if err := future.Await(co, space.HandlePageFault(tf.Stval, cause.AccessFlags())); err != nil {
			rt.log.Warn("segmentation fault",
				zap.Uint64("task", uint64(t.ID())),
				zap.Uint64("addr", tf.Stval),
				zap.Stringer("access", cause.AccessFlags()),
				zap.Error(err))
			return SIGSEGV, true
		}
		rt.machine.FlushTLB(t.CPU())

	default:
		panic(fmt.Sprintf("kernel: task %d: unsupported user trap %v at pc %#x, stval %#x", t.ID(), cause, tf.Sepc, tf.Stval))
	}
	return 0, false
}

func (rt *Runtime) syscall(id uint64, args [6]uint64) future.Future[int64] {
	if rt.syscalls == nil {
		return future.Ready[int64](-38) // ENOSYS
	}
	return rt.syscalls.HandleSyscall(id, args)
}

func (rt *Runtime) spaceOf(t *sched.Task) arch.AddressSpace {
	e, err := rt.executors.get(t.ExecutorID())
	if err != nil {
		return nil
	}
	return e.space
}

// exitCode reads an exit status register the way the exit syscall does:
// values that do not fit an int32 keep their low 8 bits.
func exitCode(a0 uint64) int32 {
	code, err := safecast.Conv[int32](int64(a0))
	if err != nil {
		return int32(a0 & 0xff)
	}
	return code
}
