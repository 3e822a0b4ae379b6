// internal/kernel/cpu.go

package kernel

import (
	"sync"

	"go.uber.org/zap"

	"trampsched/internal/kstack"
	"trampsched/internal/sched"
)

// CPU is the per-core context: the task and executor it currently serves and
// its kernel stack pool. Only code running on the CPU changes them.
type CPU struct {
	id   int
	rt   *Runtime
	pool *kstack.Pool

	mu      sync.Mutex
	current *sched.Task
	exec    *Executor
	ran     int64 // ticks since the current task was dispatched
	inited  bool
}

func newCPU(rt *Runtime, id int) *CPU {
	return &CPU{id: id, rt: rt, pool: kstack.NewPool(rt.arena, id)}
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// Pool returns the CPU's kernel stack pool.
func (c *CPU) Pool() *kstack.Pool { return c.pool }

// Current returns the task running on the CPU, or nil.
func (c *CPU) Current() *sched.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *CPU) setCurrent(t *sched.Task) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// clearCurrent drops the current-task marker. The task itself lives on in
// whatever queue references it.
func (c *CPU) clearCurrent() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Executor returns the executor the CPU serves.
func (c *CPU) Executor() *Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

func (c *CPU) setExecutor(e *Executor) {
	c.mu.Lock()
	c.exec = e
	c.mu.Unlock()
}

func (c *CPU) tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.ran++
	}
	return c.ran
}

func (c *CPU) resetRan() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ran := c.ran
	c.ran = 0
	return ran
}

// init installs the boot stack and the kernel executor.
func (c *CPU) init() {
	c.mu.Lock()
	if c.inited {
		c.mu.Unlock()
		return
	}
	c.inited = true
	c.exec = c.rt.kexec
	c.mu.Unlock()

	c.pool.Init()
	c.rt.machine.EnableIRQs(c.id)
}

// turnToKernelExecutor makes the CPU serve the kernel executor again.
func (c *CPU) turnToKernelExecutor() {
	if c.Executor().IsKernel() {
		return
	}
	c.switchTo(c.rt.kexec)
}

func (c *CPU) switchTo(e *Executor) {
	c.setExecutor(e)
	e.Enter(c.rt.machine, c.id)
	c.rt.emit(sched.StatusEvent{Kind: sched.StatusSwitch, CPU: c.id, Executor: e.id, Detail: e.String()})
}

// pickNext chooses the next task with two-level scheduling: the current
// executor first, then the kernel executor, then the lowest-id process
// executor with ready work. With nothing ready the CPU idles until an
// interrupt and nil is returned.
func (c *CPU) pickNext() *sched.Task {
	exec := c.Executor()
	if t := exec.sched.PickNextTask(); t != nil {
		return t
	}
	if !exec.IsKernel() {
		c.turnToKernelExecutor()
		if t := c.rt.kexec.sched.PickNextTask(); t != nil {
			return t
		}
	}
	if e := c.rt.executors.readyProcess(); e != nil {
		c.switchTo(e)
		if t := e.sched.PickNextTask(); t != nil {
			return t
		}
	}
	c.idle()
	return nil
}

func (c *CPU) idle() {
	if c.rt.isHalted() {
		return
	}
	if n := c.pool.Shrink(1); n > 0 {
		c.rt.log.Debug("released kernel stacks", zap.Int("cpu", c.id), zap.Int("stacks", n))
	}
	c.rt.emit(sched.StatusEvent{Kind: sched.StatusIdle, CPU: c.id, Executor: c.Executor().id})
	c.rt.machine.WaitForIRQs(c.id)
}

// dispatch makes t current after it was picked from a run queue.
func (c *CPU) dispatch(t *sched.Task) {
	t.TakePreemptPending()
	c.setCurrent(t)
	c.resetRan()
	c.rt.log.Debug("dispatch",
		zap.Int("cpu", c.id),
		zap.Uint64("task", uint64(t.ID())),
		zap.String("name", t.Name()))
	c.rt.emit(taskEvent(sched.StatusDispatch, c, t))
}
