package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"trampsched/internal/arch"
	"trampsched/internal/arch/sim"
	"trampsched/internal/future"
	"trampsched/internal/sched"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	rt *Runtime
	m  *sim.Machine

	mu     sync.Mutex
	events []sched.StatusEvent
	trace  []string
}

func newHarness(t *testing.T, cfg sched.Config, simOpts sim.Options) *harness {
	t.Helper()
	cfg.Normalize()
	simOpts.CPUs = cfg.CPUs
	simOpts.Tick = cfg.Tick()
	h := &harness{m: sim.New(simOpts)}
	rt, err := New(Options{
		Config:  cfg,
		Machine: h.m,
		Events: func(ev sched.StatusEvent) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.rt = rt
	t.Cleanup(func() { h.m.Terminate(0) })
	return h
}

func (h *harness) run(t *testing.T, init func(co *future.Co) int32) int32 {
	t.Helper()
	h.rt.SpawnInit(&sched.CoroutineBody{Fut: future.Go(init)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Run(ctx))
	return h.rt.ExitCode()
}

func (h *harness) log(s string) {
	h.mu.Lock()
	h.trace = append(h.trace, s)
	h.mu.Unlock()
}

func (h *harness) count(kind sched.StatusKind, id sched.TaskID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Kind == kind && ev.TaskID == id {
			n++
		}
	}
	return n
}

func (h *harness) eventsOf(kind sched.StatusKind, id sched.TaskID) []sched.StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sched.StatusEvent
	for _, ev := range h.events {
		if ev.Kind == kind && ev.TaskID == id {
			out = append(out, ev)
		}
	}
	return out
}

func fifo() sched.Config { return sched.DefaultConfig() }

func TestRuntime_FIFOInterleavesYieldingTasks(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	step := func(name string) func(co *future.Co) int32 {
		return func(co *future.Co) int32 {
			h.log(name + "p1")
			future.Await(co, YieldNow())
			h.log(name + "p2")
			return 0
		}
	}
	code := h.run(t, func(co *future.Co) int32 {
		t1 := rt.Go(co.Context(), "T1", step("T1"))
		t2 := rt.Go(co.Context(), "T2", step("T2"))
		future.Await(co, Join(t1))
		future.Await(co, Join(t2))
		return 0
	})

	assert.Equal(t, int32(0), code)
	assert.Equal(t, []string{"T1p1", "T2p1", "T1p2", "T2p2"}, h.trace)
	assert.Equal(t, 0, rt.NumTasks())
}

func TestRuntime_JoinWakesEveryJoinerOnce(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	var child *sched.Task
	code := h.run(t, func(co *future.Co) int32 {
		cx := co.Context()
		child = rt.Go(cx, "child", func(co *future.Co) int32 {
			future.Await(co, YieldNow())
			return 7
		})
		joiner := func(co *future.Co) int32 { return future.Await(co, Join(child)) }
		j1 := rt.Go(cx, "j1", joiner)
		j2 := rt.Go(cx, "j2", joiner)

		a := future.Await(co, Join(j1))
		b := future.Await(co, Join(j2))
		c := future.Await(co, Join(child))
		return a + b + c
	})

	assert.Equal(t, int32(21), code)
	require.True(t, child.IsExited())
	v, ok := Join(child).Poll(future.NewContext(future.Waker{}))
	assert.True(t, ok, "joining an exited task resolves on the first poll")
	assert.Equal(t, int32(7), v)
}

func TestRuntime_SleepUntilRequeuedOnce(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	var start, woke time.Duration
	h.run(t, func(co *future.Co) int32 {
		start = rt.Now()
		future.Await(co, rt.SleepUntil(start+55*time.Millisecond))
		woke = rt.Now()
		return 0
	})

	assert.GreaterOrEqual(t, woke, start+55*time.Millisecond)
	id := h.events[0].TaskID
	assert.Equal(t, 2, h.count(sched.StatusDispatch, id))
	wakes := h.eventsOf(sched.StatusWake, id)
	require.Len(t, wakes, 1)
	assert.Equal(t, sched.NoCPU, wakes[0].CPU, "a parked task is woken off-CPU")
}

func TestRuntime_InitExitHaltsWithItsCode(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	code := h.run(t, func(co *future.Co) int32 {
		// Left sleeping: the halt must unwind it.
		rt.Go(co.Context(), "sleeper", func(co *future.Co) int32 {
			future.Await(co, rt.Sleep(time.Hour))
			return 0
		})
		future.Await(co, YieldNow())
		return 3
	})

	assert.Equal(t, int32(3), code)
	assert.Equal(t, int32(3), h.m.ExitCode())
	assert.True(t, h.m.Terminated())
	assert.Panics(t, func() {
		rt.SpawnInit(&sched.CoroutineBody{Fut: future.Go(func(*future.Co) int32 { return 0 })})
	})
}

func TestRuntime_ContextCancelHalts(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt
	rt.SpawnInit(&sched.CoroutineBody{Fut: future.Go(func(co *future.Co) int32 {
		future.Await(co, rt.Sleep(1<<62))
		return 0
	})})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rt.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(-1), rt.ExitCode())
}

// spin keeps a recognisable register state live across safe points and
// counts how often it came back different.
func spin(rt *Runtime, id uint64, rounds int, taken, corrupt *atomic.Int64) func(co *future.Co) int32 {
	return func(co *future.Co) int32 {
		var tf arch.TrapFrame
		for r := range tf.Regs {
			tf.Regs[r] = id<<32 | uint64(r)
		}
		tf.Sepc = 0x8020_0000 + id<<4
		tf.Sstatus = 0x100
		tf.FS = [2]uint64{id, ^id}
		want := tf
		for i := 0; i < rounds; i++ {
			if rt.SafePoint(co.Context(), &tf) {
				taken.Add(1)
			}
			if tf != want {
				corrupt.Add(1)
			}
		}
		return 0
	}
}

func TestRuntime_PreemptionKeepsRegisterState(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.Policy = sched.PolicyRR
	cfg.SliceTicks = 1
	cfg.Preempt = true
	h := newHarness(t, cfg, sim.Options{})
	rt := h.rt

	var taken, corrupt atomic.Int64
	var t1, t2 *sched.Task
	h.run(t, func(co *future.Co) int32 {
		t1 = rt.Go(co.Context(), "spin1", spin(rt, 1, 40, &taken, &corrupt))
		t2 = rt.Go(co.Context(), "spin2", spin(rt, 2, 40, &taken, &corrupt))
		future.Await(co, Join(t1))
		future.Await(co, Join(t2))
		return 0
	})

	assert.Zero(t, corrupt.Load())
	assert.Positive(t, taken.Load())
	assert.Positive(t, h.count(sched.StatusPreempt, t1.ID()))
	assert.Positive(t, h.count(sched.StatusResume, t1.ID()))
	assert.Positive(t, h.count(sched.StatusPreempt, t2.ID()))
}

func TestRuntime_PreemptionGating(t *testing.T) {
	tests := []struct {
		name    string
		preempt bool
		disable bool
	}{
		{name: "kernel preemption off", preempt: false},
		{name: "preemption disabled by the task", preempt: true, disable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sched.DefaultConfig()
			cfg.Policy = sched.PolicyRR
			cfg.SliceTicks = 1
			cfg.Preempt = tt.preempt
			h := newHarness(t, cfg, sim.Options{})
			rt := h.rt

			var taken, corrupt atomic.Int64
			var task *sched.Task
			h.run(t, func(co *future.Co) int32 {
				body := spin(rt, 1, 40, &taken, &corrupt)
				task = rt.Go(co.Context(), "spin", func(co *future.Co) int32 {
					if tt.disable {
						self, err := rt.CurrentTask(co.Context())
						if err != nil {
							return 1
						}
						self.DisablePreempt()
						defer self.EnablePreempt()
					}
					return body(co)
				})
				return future.Await(co, Join(task))
			})

			assert.Equal(t, int32(0), rt.ExitCode())
			assert.Positive(t, taken.Load(), "interrupts are still taken")
			assert.Zero(t, corrupt.Load())
			assert.Zero(t, h.count(sched.StatusPreempt, task.ID()))
		})
	}
}

func TestRuntime_MultiCPU(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.CPUs = 4
	h := newHarness(t, cfg, sim.Options{})
	rt := h.rt

	var done atomic.Int64
	h.run(t, func(co *future.Co) int32 {
		var tasks []*sched.Task
		for i := 0; i < 16; i++ {
			d := time.Duration(i%4+1) * time.Millisecond
			tasks = append(tasks, rt.Go(co.Context(), "", func(co *future.Co) int32 {
				for j := 0; j < 5; j++ {
					future.Await(co, rt.Sleep(d))
					future.Await(co, YieldNow())
					done.Add(1)
				}
				return 0
			}))
		}
		for _, task := range tasks {
			future.Await(co, Join(task))
		}
		return 0
	})

	assert.Equal(t, int64(80), done.Load())
	assert.Equal(t, 4, rt.NumCPU())
	assert.Equal(t, 0, rt.NumTasks())
}

func TestRuntime_CFSPrefersHeavierTask(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.Policy = sched.PolicyCFS
	cfg.Preempt = true
	h := newHarness(t, cfg, sim.Options{})
	rt := h.rt

	var taken, corrupt atomic.Int64
	var set atomic.Bool
	var light *sched.Task
	h.run(t, func(co *future.Co) int32 {
		heavy := rt.Go(co.Context(), "heavy", func(co *future.Co) int32 {
			set.Store(rt.SetPriority(co.Context(), sched.MinPriority))
			return spin(rt, 1, 40, &taken, &corrupt)(co)
		})
		light = rt.Go(co.Context(), "light", spin(rt, 2, 40, &taken, &corrupt))
		future.Await(co, Join(heavy))
		future.Await(co, Join(light))
		return 0
	})

	assert.True(t, set.Load())
	assert.Zero(t, corrupt.Load())
	assert.False(t, rt.SetPriority(nil, 0), "outside a task")
	finish := h.eventsOf(sched.StatusFinish, light.ID())
	require.Len(t, finish, 1)
	assert.Positive(t, finish[0].Vruntime, "events carry the fair policy's vruntime")
}

const (
	codeBase = 0x10000
	dataBase = 0x20000
	stackTop = 0x30000
)

func newUserSpace(t *testing.T, m *sim.Machine, prog sim.Program) *sim.Space {
	t.Helper()
	s := m.NewSpace()
	require.NoError(t, s.Map(sim.Region{Start: codeBase, End: codeBase + sim.PageSize, Perm: arch.AccessRead | arch.AccessExecute}))
	require.NoError(t, s.Map(sim.Region{Start: dataBase, End: stackTop, Perm: arch.AccessRead | arch.AccessWrite}))
	require.NoError(t, s.Load(codeBase, prog))
	return s
}

func TestRuntime_UserProcessExitAndReap(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	space := newUserSpace(t, h.m, func(u *sim.User) int32 {
		u.Store(dataBase+0x10, []byte("hi"))
		u.Compute(3)
		buf := make([]byte, 2)
		u.Load(dataBase+0x10, buf)
		if string(buf) != "hi" {
			return 1
		}
		return 5
	})

	var joined, reaped int32
	var reapErr, again error
	var exec *Executor
	h.run(t, func(co *future.Co) int32 {
		task, e, err := rt.InitUser(co.Context(), "user", space, codeBase, stackTop)
		if err != nil {
			return 1
		}
		exec = e
		joined = future.Await(co, Join(task))
		reaped, reapErr = rt.ReapExecutor(e.ID())
		_, again = rt.ReapExecutor(e.ID())
		return 0
	})

	assert.Equal(t, int32(5), joined)
	require.NoError(t, reapErr)
	assert.Equal(t, int32(5), reaped)
	assert.ErrorIs(t, again, ErrNoSuchExecutor)
	assert.True(t, exec.IsZombie())
	assert.Equal(t, KernelExecutorID, int(exec.ParentID()))
	assert.Equal(t, 1, space.Faults())
	assert.Positive(t, h.m.TLBFlushes(0))
	assert.Positive(t, h.m.UserTraps())
	assert.Eventually(t, func() bool { return h.m.Threads() == 0 }, time.Second, time.Millisecond)
}

func TestRuntime_UserSegfaultExits(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	space := newUserSpace(t, h.m, func(u *sim.User) int32 {
		u.Store(0x90000, []byte{1})
		return 0
	})
	var joined int32
	h.run(t, func(co *future.Co) int32 {
		task, _, err := rt.InitUser(co.Context(), "segv", space, codeBase, stackTop)
		if err != nil {
			return 1
		}
		joined = future.Await(co, Join(task))
		return 0
	})
	assert.Equal(t, int32(SIGSEGV), joined)
}

func TestRuntime_UserTaskYieldsOnExpiredSlice(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.Policy = sched.PolicyRR
	cfg.SliceTicks = 2
	h := newHarness(t, cfg, sim.Options{})
	rt := h.rt

	space := newUserSpace(t, h.m, func(u *sim.User) int32 {
		u.Compute(40)
		return 0
	})
	var task *sched.Task
	h.run(t, func(co *future.Co) int32 {
		var err error
		task, _, err = rt.InitUser(co.Context(), "busy", space, codeBase, stackTop)
		if err != nil {
			return 1
		}
		return future.Await(co, Join(task))
	})

	assert.Equal(t, int32(0), rt.ExitCode())
	assert.Positive(t, h.count(sched.StatusPreempt, task.ID()))
	assert.Greater(t, h.count(sched.StatusTrap, task.ID()), 4)
	assert.Positive(t, task.Stat.User)
}

func TestRuntime_UserTrapsEnterThroughTrampoline(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	space := newUserSpace(t, h.m, func(u *sim.User) int32 {
		u.Compute(3)
		u.Store(dataBase, []byte{1})
		return 0
	})
	var task *sched.Task
	h.run(t, func(co *future.Co) int32 {
		var err error
		task, _, err = rt.InitUser(co.Context(), "user", space, codeBase, stackTop)
		if err != nil {
			return 1
		}
		return future.Await(co, Join(task))
	})

	traps := h.eventsOf(sched.StatusTrap, task.ID())
	require.NotEmpty(t, traps)
	assert.EqualValues(t, h.m.UserTraps(), len(traps), "every user trap is reported on entry")
	assert.Equal(t, h.count(sched.StatusUserReturn, task.ID()), len(traps))
	assert.Equal(t, "Exception(UserEnvCall)", traps[len(traps)-1].Detail, "the last trap is the exit ecall")
}

func TestRuntime_UserTrapNeedsCurrentUserTask(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	c := h.rt.CPU(0)
	tf := arch.TrapFrame{Scause: arch.ExceptionCause(arch.ExcUserEnvCall)}
	assert.Panics(t, func() { c.Trampoline(&tf, true, true) }, "no current task")

	k := sched.NewTask(&sched.CoroutineBody{Fut: future.Ready[int32](0)}, "k", sched.NewFIFO())
	c.setCurrent(k)
	defer c.clearCurrent()
	assert.Panics(t, func() { c.Trampoline(&tf, true, true) }, "kernel task")
}

func TestRuntime_InitExitWhileReferencedPanics(t *testing.T) {
	tests := []struct {
		name  string
		leave func(h *harness, init *sched.Task)
	}{
		{name: "still queued", leave: func(*harness, *sched.Task) {}},
		{name: "current on another cpu", leave: func(h *harness, init *sched.Task) {
			require.Same(t, init, init.Scheduler().PickNextTask())
			h.rt.cpus[1].setCurrent(init)
		}},
		{name: "carries a preempt context", leave: func(h *harness, init *sched.Task) {
			require.Same(t, init, init.Scheduler().PickNextTask())
			init.SetPreemptCtx(&sched.PreemptCtx{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fifo()
			cfg.CPUs = 2
			h := newHarness(t, cfg, sim.Options{})
			init := h.rt.SpawnInit(&sched.CoroutineBody{Fut: future.Ready[int32](0)})
			tt.leave(h, init)

			assert.Panics(t, func() { h.rt.cpus[0].exitTask(init, 0) })
			assert.False(t, h.m.Terminated(), "no halt after the check fails")
		})
	}
}

func TestRuntime_RegisterIRQ(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	rt := h.rt

	const irqUART = 10
	var uart []int
	rt.RegisterIRQ(irqUART, func(c *CPU) { uart = append(uart, c.ID()) })
	rt.handleIRQ(0, irqUART)
	rt.handleIRQ(0, irqUART+1)
	assert.Equal(t, []int{0}, uart, "unregistered numbers are dropped")

	var ticks atomic.Int64
	rt.RegisterIRQ(arch.IRQSupervisorTimer, func(c *CPU) {
		ticks.Add(1)
		rt.OnTimerTick(c)
	})
	h.run(t, func(co *future.Co) int32 {
		future.Await(co, rt.Sleep(30*time.Millisecond))
		return 0
	})
	assert.GreaterOrEqual(t, ticks.Load(), int64(3))
	assert.Equal(t, rt.Jiffies(), ticks.Load())
}

func TestRuntime_KernelExceptionPanics(t *testing.T) {
	h := newHarness(t, fifo(), sim.Options{})
	tf := arch.TrapFrame{Scause: arch.ExceptionCause(arch.ExcIllegalInstruction), Sepc: 0x8020_1000}
	assert.Panics(t, func() { h.rt.CPU(0).Trampoline(&tf, true, false) })
}

func TestRuntime_NewRejectsUnknownPolicy(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.Policy = "lottery"
	m := sim.New(sim.Options{})
	defer m.Terminate(0)
	_, err := New(Options{Config: cfg, Machine: m})
	assert.ErrorIs(t, err, sched.ErrUnknownPolicy)
}
