// internal/sched/task.go

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trampsched/internal/arch"
	"trampsched/internal/future"
	"trampsched/internal/kstack"
)

// TaskID uniquely identifies a task. Ids are assigned from 1 upwards.
type TaskID uint64

var nextTaskID atomic.Uint64

func allocTaskID() TaskID { return TaskID(nextTaskID.Add(1)) }

// TaskState is the scheduling state of a task.
type TaskState int32

const (
	// Runable tasks may be picked by their scheduler.
	Runable TaskState = iota + 1
	// Blocking marks a task in the act of giving up the CPU; preemption
	// requests against it are ignored.
	Blocking
	// Blocked tasks are parked off every run queue.
	Blocked
	// Exited is terminal.
	Exited
)

func (s TaskState) String() string {
	switch s {
	case Runable:
		return "Runable"
	case Blocking:
		return "Blocking"
	case Blocked:
		return "Blocked"
	case Exited:
		return "Exited"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// Body is what a task runs: either *CoroutineBody or *UserBody.
type Body interface {
	isBody()
}

// CoroutineBody is a kernel computation resolving to an exit code.
type CoroutineBody struct {
	Fut future.Future[int32]
}

// UserBody is a user program represented by its saved trap context.
// Top is the kernel loop handling the traps of the task; it is installed by
// the runtime when the task is created.
type UserBody struct {
	Frame arch.TrapFrame
	Top   future.Future[int32]
}

func (*CoroutineBody) isBody() {}
func (*UserBody) isBody()      {}

// PreemptCtx is the state of a task interrupted inside the kernel: the
// kernel stack it was running on and the offset of the trap frame saved on
// that stack.
type PreemptCtx struct {
	Stack *kstack.TaskStack
	Frame int
}

// TimeStat accumulates the time a task spent in user and kernel mode.
// It is only updated by the CPU the task is running on.
type TimeStat struct {
	User   time.Duration
	Kernel time.Duration

	mark    time.Duration
	inUser  bool
	started bool
}

// Enter switches the accounted mode at now.
func (ts *TimeStat) Enter(now time.Duration, user bool) {
	if ts.started {
		if ts.inUser {
			ts.User += now - ts.mark
		} else {
			ts.Kernel += now - ts.mark
		}
	}
	ts.mark = now
	ts.inUser = user
	ts.started = true
}

// Task is the schedulable unit.
type Task struct {
	id     TaskID
	name   string
	isInit bool
	body   Body

	state    atomic.Int32
	exitCode atomic.Int32

	mu         sync.Mutex
	sched      Scheduler
	joiners    []future.Waker
	preemptCtx *PreemptCtx

	queued         atomic.Bool
	preemptPending atomic.Bool
	preemptDisable atomic.Int32
	clearChildTID  atomic.Uint64
	cpu            atomic.Int32
	executorID     atomic.Uint64

	// onCPU is held while a CPU runs the task, so a task woken during its
	// own poll is not picked up elsewhere before that poll returns.
	onCPU sync.Mutex

	// Entity holds policy bookkeeping, guarded by the owning scheduler.
	Entity Entity

	Stat TimeStat
}

// Entity is the per-task data the scheduling policies keep.
type Entity struct {
	Priority int
	Weight   float64
	V        float64
	Slice    int
	seq      int64
}

// NewTask creates a Runable task owned by s. It is not queued yet.
func NewTask(body Body, name string, s Scheduler) *Task {
	if body == nil {
		panic("sched: task without body")
	}
	t := &Task{
		id:    allocTaskID(),
		name:  name,
		body:  body,
		sched: s,
	}
	t.state.Store(int32(Runable))
	t.cpu.Store(-1)
	return t
}

// NewInitTask creates the init task. Its exit halts the system.
func NewInitTask(body Body, s Scheduler) *Task {
	t := NewTask(body, "main", s)
	t.isInit = true
	return t
}

func (t *Task) ID() TaskID { return t.id }

func (t *Task) Name() string { return t.name }

func (t *Task) IsInit() bool { return t.isInit }

func (t *Task) Body() Body { return t.body }

// IsUser reports whether the task runs a user program.
func (t *Task) IsUser() bool {
	_, ok := t.body.(*UserBody)
	return ok
}

func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) SetState(s TaskState) { t.state.Store(int32(s)) }

func (t *Task) IsRunable() bool { return t.State() == Runable }

func (t *Task) IsBlocking() bool { return t.State() == Blocking }

func (t *Task) IsBlocked() bool { return t.State() == Blocked }

func (t *Task) IsExited() bool { return t.State() == Exited }

func (t *Task) ExitCode() int32 { return t.exitCode.Load() }

// Scheduler returns the scheduler currently owning the task.
func (t *Task) Scheduler() Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

// SetScheduler moves ownership to s, e.g. when the task changes executor.
func (t *Task) SetScheduler(s Scheduler) {
	t.mu.Lock()
	t.sched = s
	t.mu.Unlock()
}

// ExecutorID is the executor the task belongs to.
func (t *Task) ExecutorID() uint64 { return t.executorID.Load() }

func (t *Task) SetExecutorID(id uint64) { t.executorID.Store(id) }

// CPU returns the CPU the task runs on, or -1.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// SetCPU records a migration of the running task, e.g. when a preempted
// execution is resumed on another CPU.
func (t *Task) SetCPU(cpu int) { t.cpu.Store(int32(cpu)) }

// Queued reports whether the task sits on a run queue.
func (t *Task) Queued() bool { return t.queued.Load() }

func (t *Task) markQueued() bool { return t.queued.CompareAndSwap(false, true) }

func (t *Task) clearQueued() { t.queued.Store(false) }

// ClearChildTID is the user address zeroed when the task exits.
func (t *Task) ClearChildTID() uint64 { return t.clearChildTID.Load() }

func (t *Task) SetClearChildTID(addr uint64) { t.clearChildTID.Store(addr) }

// AddJoiner queues w to be woken on exit. It reports false when the task has
// already exited; the caller must then read the exit code itself. A waker
// already queued is not queued twice.
func (t *Task) AddJoiner(w future.Waker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.IsExited() {
		return false
	}
	for _, j := range t.joiners {
		if j.WillWake(w) {
			return true
		}
	}
	t.joiners = append(t.joiners, w)
	return true
}

// Exit marks the task Exited with code and wakes every joiner once.
func (t *Task) Exit(code int32) {
	t.mu.Lock()
	if t.IsExited() {
		t.mu.Unlock()
		panic(fmt.Sprintf("sched: task %d exited twice", t.id))
	}
	t.exitCode.Store(code)
	t.SetState(Exited)
	joiners := t.joiners
	t.joiners = nil
	t.mu.Unlock()

	for _, w := range joiners {
		w.Wake()
	}
}

// SetPreemptCtx attaches the state of an interrupted kernel execution. A task
// holds at most one.
func (t *Task) SetPreemptCtx(ctx *PreemptCtx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.preemptCtx != nil {
		panic(fmt.Sprintf("sched: task %d already carries a preempt context", t.id))
	}
	t.preemptCtx = ctx
}

// TakePreemptCtx detaches the preempt context, if any.
func (t *Task) TakePreemptCtx() *PreemptCtx {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx := t.preemptCtx
	t.preemptCtx = nil
	return ctx
}

// HasPreemptCtx reports whether a preempt context is attached.
func (t *Task) HasPreemptCtx() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preemptCtx != nil
}

// SetPreemptPending records that the timer asked the task to yield.
func (t *Task) SetPreemptPending() { t.preemptPending.Store(true) }

// PreemptPending reports a pending preemption request.
func (t *Task) PreemptPending() bool { return t.preemptPending.Load() }

// TakePreemptPending clears the request and reports whether it was set.
func (t *Task) TakePreemptPending() bool { return t.preemptPending.Swap(false) }

// DisablePreempt nests.
func (t *Task) DisablePreempt() { t.preemptDisable.Add(1) }

func (t *Task) EnablePreempt() {
	if t.preemptDisable.Add(-1) < 0 {
		panic(fmt.Sprintf("sched: task %d preempt count underflow", t.id))
	}
}

// CanPreempt reports whether preempting the task is allowed right now.
func (t *Task) CanPreempt() bool {
	if t.preemptDisable.Load() != 0 {
		return false
	}
	switch t.State() {
	case Exited, Blocking:
		return false
	}
	return true
}

// LockOnCPU is taken by a CPU before running the task and released with
// UnlockOnCPU once its poll has returned.
func (t *Task) LockOnCPU(cpu int) {
	t.onCPU.Lock()
	t.SetCPU(cpu)
}

func (t *Task) UnlockOnCPU() {
	t.SetCPU(-1)
	t.onCPU.Unlock()
}

// CloseBody cancels a coroutine body that is still suspended.
func (t *Task) CloseBody() {
	var f any
	switch b := t.body.(type) {
	case *CoroutineBody:
		f = b.Fut
	case *UserBody:
		f = b.Top
	}
	if c, ok := f.(interface{ Close() }); ok {
		c.Close()
	}
}

func (t *Task) String() string {
	if t.name == "" {
		return fmt.Sprintf("Task(%d)", t.id)
	}
	return fmt.Sprintf("Task(%d, %q)", t.id, t.name)
}
