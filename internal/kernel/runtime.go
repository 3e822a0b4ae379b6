// internal/kernel/runtime.go

// Package kernel is the task runtime: per-CPU scheduling loops, executors,
// the spawn/join/yield/sleep API and the trampoline that bridges coroutine
// polling with user-mode trap/return cycles and kernel preemption.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trampsched/internal/arch"
	"trampsched/internal/kstack"
	"trampsched/internal/ksync"
	"trampsched/internal/sched"
)

// Options configures a Runtime.
type Options struct {
	Config   sched.Config
	Machine  arch.Machine
	Syscalls arch.SyscallHandler
	Logger   *zap.Logger
	// Events receives every status event. It is called from CPU loops and
	// must not block for long.
	Events func(sched.StatusEvent)
	// NewScheduler overrides the policy chosen by Config.Policy.
	NewScheduler func(sched.Config) (sched.Scheduler, error)
}

// Runtime is the scheduler context shared by every CPU: kernel executor,
// executor registry, task table, timers and the per-CPU contexts. It is set
// up once and only torn down by halting.
type Runtime struct {
	cfg      sched.Config
	machine  arch.Machine
	syscalls arch.SyscallHandler
	log      *zap.Logger
	events   func(sched.StatusEvent)
	newSched func(sched.Config) (sched.Scheduler, error)

	timers    *ksync.Timers
	arena     *kstack.Arena
	cpus      []*CPU
	kexec     *Executor
	executors *registry
	clock     *sched.TickClock // jiffies

	irqMu sync.RWMutex
	irqs  map[int]func(c *CPU)

	tasksMu     sync.Mutex
	tasks       map[sched.TaskID]*sched.Task
	initSpawned atomic.Bool

	loops    sync.WaitGroup
	halted   chan struct{}
	haltOnce sync.Once
	exitCode atomic.Int32
}

// New builds a runtime for opts.Machine. Nothing runs until Run.
func New(opts Options) (*Runtime, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("kernel: no machine")
	}
	cfg := opts.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	rt := &Runtime{
		cfg:      cfg,
		machine:  opts.Machine,
		syscalls: opts.Syscalls,
		log:      opts.Logger,
		events:   opts.Events,
		newSched: opts.NewScheduler,
		arena:    kstack.NewArena(cfg.StackSize, cfg.StackCount),
		clock:    sched.NewTickClock(1),
		irqs:     make(map[int]func(c *CPU)),
		tasks:    make(map[sched.TaskID]*sched.Task),
		halted:   make(chan struct{}),
	}
	if rt.log == nil {
		rt.log = zap.NewNop()
	}
	if rt.newSched == nil {
		rt.newSched = sched.NewScheduler
	}
	rt.timers = ksync.NewTimers(opts.Machine.CurrentTime)

	s, err := rt.newSched(cfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: kernel scheduler: %w", err)
	}
	rt.kexec = &Executor{id: KernelExecutorID, sched: s}
	rt.executors = newRegistry(rt.kexec)

	n := opts.Machine.CPUCount()
	if n <= 0 {
		return nil, fmt.Errorf("kernel: machine reports %d cpus", n)
	}
	for i := 0; i < n; i++ {
		rt.cpus = append(rt.cpus, newCPU(rt, i))
	}
	rt.irqs[arch.IRQSupervisorTimer] = rt.OnTimerTick
	return rt, nil
}

// Config returns the configuration the runtime was built with.
func (rt *Runtime) Config() sched.Config { return rt.cfg }

// Machine returns the machine the runtime drives.
func (rt *Runtime) Machine() arch.Machine { return rt.machine }

// Timers returns the runtime timer list.
func (rt *Runtime) Timers() *ksync.Timers { return rt.timers }

// CPU returns the per-CPU context of cpu.
func (rt *Runtime) CPU(cpu int) *CPU { return rt.cpus[cpu] }

// NumCPU returns the number of CPUs.
func (rt *Runtime) NumCPU() int { return len(rt.cpus) }

// KernelExecutor returns executor 0.
func (rt *Runtime) KernelExecutor() *Executor { return rt.kexec }

// Executor looks an executor up by id.
func (rt *Runtime) Executor(id uint64) (*Executor, error) { return rt.executors.get(id) }

// Jiffies is the number of timer ticks taken so far, all CPUs included.
func (rt *Runtime) Jiffies() int64 { return rt.clock.Count() }

// InitScheduler brings up the boot CPU: boot stack, kernel executor and
// interrupt vector.
func (rt *Runtime) InitScheduler() {
	rt.machine.InitInterrupt(rt.handleIRQ)
	rt.cpus[0].init()
}

// InitSchedulerSecondary brings up a secondary CPU.
func (rt *Runtime) InitSchedulerSecondary(cpu int) {
	if cpu <= 0 || cpu >= len(rt.cpus) {
		panic(fmt.Sprintf("kernel: no secondary cpu %d", cpu))
	}
	rt.cpus[cpu].init()
}

// RegisterIRQ installs the handler of an interrupt number. The timer
// interrupt is handled by OnTimerTick unless replaced.
func (rt *Runtime) RegisterIRQ(irq int, h func(c *CPU)) {
	rt.irqMu.Lock()
	rt.irqs[irq] = h
	rt.irqMu.Unlock()
}

func (rt *Runtime) handleIRQ(cpu, irq int) {
	rt.irqMu.RLock()
	h := rt.irqs[irq]
	rt.irqMu.RUnlock()
	if h == nil {
		rt.log.Warn("unhandled interrupt", zap.Int("cpu", cpu), zap.Int("irq", irq))
		return
	}
	h(rt.cpus[cpu])
}

// OnTimerTick is the timer interrupt handler: it fires expired timers and
// lets the policy decide whether the running task should yield.
func (rt *Runtime) OnTimerTick(c *CPU) {
	rt.clock.Tick()
	ran := c.tick()
	rt.emit(sched.StatusEvent{Kind: sched.StatusTick, CPU: c.id, RanTicks: ran})

	rt.timers.CheckEvents(rt.machine.CurrentTime())

	if t := c.Current(); t != nil {
		if t.Scheduler().TaskTick(t) {
			t.SetPreemptPending()
		}
	}
}

// Run boots every CPU and returns once the runtime has halted, either because
// the init task exited or because ctx was cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.InitScheduler()
	for i := 1; i < len(rt.cpus); i++ {
		rt.InitSchedulerSecondary(i)
	}
	if rt.cfg.Preempt {
		rt.log.Info("kernel preemption enabled", zap.String("policy", rt.kexec.sched.Name()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range rt.cpus {
		c := c
		g.Go(func() error {
			c.Trampoline(nil, false, false)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-rt.halted:
			return nil
		case <-gctx.Done():
			rt.Halt(-1)
			return gctx.Err()
		}
	})
	err := g.Wait()
	rt.loops.Wait()
	if err != nil {
		return fmt.Errorf("kernel: run: %w", err)
	}
	return nil
}

// Halt powers the machine off, stops every CPU loop and cancels every
// suspended task. The first call's code wins.
func (rt *Runtime) Halt(code int32) {
	rt.haltOnce.Do(func() {
		rt.exitCode.Store(code)
		close(rt.halted)
		rt.clock.Stop()
		rt.machine.Terminate(code)

		rt.tasksMu.Lock()
		live := make([]*sched.Task, 0, len(rt.tasks))
		for _, t := range rt.tasks {
			live = append(live, t)
		}
		rt.tasksMu.Unlock()
		for _, t := range live {
			t.CloseBody()
		}
		rt.log.Info("halted", zap.Int32("code", code), zap.Int("live_tasks", len(live)))
	})
}

// Halted is closed once the runtime has halted.
func (rt *Runtime) Halted() <-chan struct{} { return rt.halted }

func (rt *Runtime) isHalted() bool {
	select {
	case <-rt.halted:
		return true
	default:
		return false
	}
}

// ExitCode is the exit code of the init task (or of Halt).
func (rt *Runtime) ExitCode() int32 { return rt.exitCode.Load() }

// Task looks a live task up by id.
func (rt *Runtime) Task(id sched.TaskID) (*sched.Task, bool) {
	rt.tasksMu.Lock()
	defer rt.tasksMu.Unlock()
	t, ok := rt.tasks[id]
	return t, ok
}

// NumTasks returns the number of live tasks.
func (rt *Runtime) NumTasks() int {
	rt.tasksMu.Lock()
	defer rt.tasksMu.Unlock()
	return len(rt.tasks)
}

func (rt *Runtime) rememberTask(t *sched.Task) {
	rt.tasksMu.Lock()
	rt.tasks[t.ID()] = t
	rt.tasksMu.Unlock()
}

func (rt *Runtime) forgetTask(t *sched.Task) {
	rt.tasksMu.Lock()
	delete(rt.tasks, t.ID())
	rt.tasksMu.Unlock()
}

func (rt *Runtime) emit(ev sched.StatusEvent) {
	if rt.events == nil {
		return
	}
	ev.Time = time.Now()
	ev.At = rt.machine.CurrentTime()
	rt.events(ev)
}

func taskEvent(kind sched.StatusKind, c *CPU, t *sched.Task) sched.StatusEvent {
	return sched.StatusEvent{
		Kind:     kind,
		CPU:      c.id,
		Executor: t.ExecutorID(),
		TaskID:   t.ID(),
		Name:     t.Name(),
		Vruntime: sched.VruntimeOf(t),
	}
}
