// internal/arch/sim/machine.go

// Package sim is a simulated machine: a virtual clock driving one timer
// interrupt per CPU, user programs written as Go functions that trap into the
// kernel, and lazily backed address spaces.
package sim

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"trampsched/internal/arch"
	"trampsched/internal/sched"
)

// Options configures a Machine.
type Options struct {
	CPUs int
	// Tick is the timer interrupt period of every CPU.
	Tick time.Duration
	// UserCost is the virtual time one user step consumes.
	UserCost time.Duration
	// SafePointCost is the virtual time charged to kernel code between two
	// safe points.
	SafePointCost time.Duration
	// Realtime paces idle CPUs on the wall clock instead of jumping the
	// virtual clock straight to the next tick.
	Realtime bool
}

func (o *Options) normalize() {
	if o.CPUs <= 0 {
		o.CPUs = 1
	}
	if o.Tick <= 0 {
		o.Tick = 10 * time.Millisecond
	}
	if o.UserCost <= 0 {
		o.UserCost = o.Tick / 4
	}
	if o.SafePointCost <= 0 {
		o.SafePointCost = o.Tick / 4
	}
}

type cpuState struct {
	mu         sync.Mutex
	nextTick   time.Duration
	irqOn      bool
	root       uint64
	tlbFlushes int
}

var (
	_ arch.Machine      = (*Machine)(nil)
	_ arch.AddressSpace = (*Space)(nil)
	_ arch.UserMemory   = (*Space)(nil)
)

// Machine implements arch.Machine.
type Machine struct {
	opts Options
	now  atomic.Int64 // virtual nanoseconds since boot
	cpus []*cpuState

	handlerMu sync.RWMutex
	handler   arch.IRQHandler

	spaceMu sync.Mutex
	spaces  map[uint64]*Space
	threads map[*arch.TrapFrame]*thread

	pace *sched.TickClock

	done      chan struct{}
	doneOnce  sync.Once
	exitCode  atomic.Int32
	userTraps atomic.Int64
}

// New builds a machine. Nothing ticks before a CPU idles or reaches a safe
// point.
func New(opts Options) *Machine {
	opts.normalize()
	m := &Machine{
		opts:    opts,
		spaces:  make(map[uint64]*Space),
		threads: make(map[*arch.TrapFrame]*thread),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.CPUs; i++ {
		m.cpus = append(m.cpus, &cpuState{nextTick: opts.Tick})
	}
	if opts.Realtime {
		m.pace = sched.NewTickClock(1)
		m.pace.Start(opts.Tick)
	}
	return m
}

func (m *Machine) CPUCount() int { return len(m.cpus) }

func (m *Machine) CurrentTime() time.Duration { return time.Duration(m.now.Load()) }

// Advance moves the virtual clock forward by d.
func (m *Machine) Advance(d time.Duration) { m.now.Add(int64(d)) }

func (m *Machine) advanceTo(t time.Duration) {
	for {
		cur := m.now.Load()
		if int64(t) <= cur || m.now.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}

func (m *Machine) InitInterrupt(h arch.IRQHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// takeTick consumes the timer interrupt of cpu if it is due.
func (m *Machine) takeTick(cpu int) bool {
	c := m.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.CurrentTime() < c.nextTick {
		return false
	}
	c.nextTick += m.opts.Tick
	return true
}

// PendingIRQ charges SafePointCost to cpu and reports a due timer interrupt.
func (m *Machine) PendingIRQ(cpu int) (int, bool) {
	m.Advance(m.opts.SafePointCost)
	if !m.IRQsEnabled(cpu) || !m.takeTick(cpu) {
		return 0, false
	}
	return arch.IRQSupervisorTimer, true
}

// WaitForIRQs jumps the clock to the next tick of cpu, or waits for it on
// the wall clock when pacing, and delivers it.
func (m *Machine) WaitForIRQs(cpu int) {
	if m.pace != nil {
		select {
		case <-m.pace.Ch:
		case <-m.done:
			return
		}
	}
	if m.Terminated() {
		return
	}
	c := m.cpus[cpu]
	c.mu.Lock()
	next := c.nextTick
	c.mu.Unlock()
	m.advanceTo(next)
	if !m.takeTick(cpu) {
		runtime.Gosched()
		return
	}

	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()
	if h != nil {
		h(cpu, arch.IRQSupervisorTimer)
	}
	runtime.Gosched()
}

func (m *Machine) EnableIRQs(cpu int)  { m.setIRQ(cpu, true) }
func (m *Machine) DisableIRQs(cpu int) { m.setIRQ(cpu, false) }

func (m *Machine) setIRQ(cpu int, on bool) {
	c := m.cpus[cpu]
	c.mu.Lock()
	c.irqOn = on
	c.mu.Unlock()
}

func (m *Machine) IRQsEnabled(cpu int) bool {
	c := m.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irqOn
}

// Threads returns the number of live user threads.
func (m *Machine) Threads() int {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()
	return len(m.threads)
}

func (m *Machine) FlushTLB(cpu int) {
	c := m.cpus[cpu]
	c.mu.Lock()
	c.tlbFlushes++
	c.mu.Unlock()
}

// TLBFlushes returns how many times the TLB of cpu was flushed.
func (m *Machine) TLBFlushes(cpu int) int {
	c := m.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlbFlushes
}

func (m *Machine) WritePageTableRoot0(cpu int, root uint64) {
	c := m.cpus[cpu]
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
}

// Root returns the page table root installed on cpu.
func (m *Machine) Root(cpu int) uint64 {
	c := m.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// UserTraps is the number of traps taken from user mode.
func (m *Machine) UserTraps() int64 { return m.userTraps.Load() }

// Terminate powers off: every user thread is unwound and pacing stops.
func (m *Machine) Terminate(code int32) {
	m.doneOnce.Do(func() {
		m.exitCode.Store(code)
		close(m.done)
		if m.pace != nil {
			m.pace.Stop()
		}
	})
}

// Terminated reports whether Terminate was called.
func (m *Machine) Terminated() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// ExitCode is the code passed to Terminate.
func (m *Machine) ExitCode() int32 { return m.exitCode.Load() }
