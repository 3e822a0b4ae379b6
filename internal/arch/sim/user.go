// internal/arch/sim/user.go

package sim

import (
	"fmt"
	"runtime"

	"trampsched/internal/arch"
)

// Program is the code of a user thread. It runs between UserReturn and the
// next trap and returns its exit status.
type Program func(u *User) int32

type thread struct {
	m      *Machine
	space  *Space
	tf     *arch.TrapFrame
	cpu    int
	resume chan struct{}
	trap   chan struct{}
}

// User is the view a program has of its own thread.
type User struct {
	t *thread
}

// UserReturn resumes the user thread of tf on cpu until it traps. A timer
// interrupt that comes due while the thread computes traps it first.
func (m *Machine) UserReturn(cpu int, tf *arch.TrapFrame) {
	if m.Terminated() {
		return
	}
	th := m.threadOf(cpu, tf)
	th.cpu = cpu

	m.Advance(m.opts.UserCost)
	if m.takeTick(cpu) {
		m.trapInterrupt(tf)
		return
	}
	select {
	case th.resume <- struct{}{}:
	case <-m.done:
		return
	}
	select {
	case <-th.trap:
		m.userTraps.Add(1)
	case <-m.done:
	}
}

func (m *Machine) trapInterrupt(tf *arch.TrapFrame) {
	tf.Scause = arch.InterruptCause(arch.IRQSupervisorTimer)
	tf.Stval = 0
	m.userTraps.Add(1)
}

func (m *Machine) threadOf(cpu int, tf *arch.TrapFrame) *thread {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()
	if th, ok := m.threads[tf]; ok {
		return th
	}
	token := m.Root(cpu)
	space, ok := m.spaces[token]
	if !ok {
		panic(fmt.Sprintf("sim: cpu %d returns to user with unknown page table %#x", cpu, token))
	}
	prog, ok := space.program(tf.Sepc)
	if !ok {
		panic(fmt.Sprintf("sim: no program at %#x in space %#x", tf.Sepc, token))
	}
	th := &thread{
		m:      m,
		space:  space,
		tf:     tf,
		cpu:    cpu,
		resume: make(chan struct{}),
		trap:   make(chan struct{}),
	}
	m.threads[tf] = th
	go th.run(prog)
	return th
}

func (th *thread) run(prog Program) {
	if !th.wait() {
		return
	}
	u := &User{t: th}
	code := prog(u)
	u.Exit(code)
}

// wait blocks until the kernel resumes the thread. It reports false once the
// machine is off.
func (th *thread) wait() bool {
	select {
	case <-th.resume:
		return true
	case <-th.m.done:
		return false
	}
}

// enter traps into the kernel with the cause already in the frame and blocks
// until the next UserReturn. A thread the kernel never resumes unwinds when
// the machine is terminated.
func (th *thread) enter() {
	select {
	case th.trap <- struct{}{}:
	case <-th.m.done:
		runtime.Goexit()
	}
	if !th.wait() {
		runtime.Goexit()
	}
}

// exit traps with the exit syscall already in the frame and retires the
// thread. The kernel never resumes an exited thread.
func (th *thread) exit() {
	select {
	case th.trap <- struct{}{}:
	case <-th.m.done:
	}
	th.m.spaceMu.Lock()
	delete(th.m.threads, th.tf)
	th.m.spaceMu.Unlock()
	runtime.Goexit()
}

// Reg returns register r.
func (u *User) Reg(r int) uint64 { return u.t.tf.Regs[r] }

// SetReg writes register r. Callee-visible state survives every trap.
func (u *User) SetReg(r int, v uint64) { u.t.tf.Regs[r] = v }

// CPU returns the CPU the thread was last resumed on.
func (u *User) CPU() int { return u.t.cpu }

// Syscall issues an ecall. A syscall the kernel restarts is issued again
// transparently. exit and exit_group do not return.
func (u *User) Syscall(id uint64, args ...uint64) int64 {
	if len(args) > 6 {
		panic("sim: more than six syscall arguments")
	}
	tf := u.t.tf
	for {
		tf.Regs[arch.RegA7] = id
		for i, a := range args {
			tf.Regs[arch.RegA0+i] = a
		}
		pc := tf.Sepc
		tf.Scause = arch.ExceptionCause(arch.ExcUserEnvCall)
		tf.Stval = 0
		if id == arch.SysExit || id == arch.SysExitGroup {
			u.t.exit()
		}
		u.t.enter()
		if tf.Sepc != pc {
			return int64(tf.Regs[arch.RegA0])
		}
	}
}

// Exit issues the exit syscall. It never returns.
func (u *User) Exit(code int32) {
	u.Syscall(arch.SysExit, uint64(int64(code)))
	panic("sim: exit syscall returned")
}

// Compute burns n user steps; timer interrupts that come due trap the thread
// in between.
func (u *User) Compute(n int) {
	m := u.t.m
	for i := 0; i < n; i++ {
		m.Advance(m.opts.UserCost)
		if m.takeTick(u.t.cpu) {
			m.trapInterruptFrom(u.t)
		}
	}
}

func (m *Machine) trapInterruptFrom(th *thread) {
	th.tf.Scause = arch.InterruptCause(arch.IRQSupervisorTimer)
	th.tf.Stval = 0
	th.enter()
}

// Load reads len(p) bytes at addr, faulting pages in through the kernel.
func (u *User) Load(addr uint64, p []byte) {
	u.touch(addr, uint64(len(p)), arch.ExcLoadPageFault)
	if err := u.t.space.ReadUser(addr, p); err != nil {
		panic(fmt.Sprintf("sim: load after fault-in: %v", err))
	}
}

// Store writes p at addr, faulting pages in through the kernel.
func (u *User) Store(addr uint64, p []byte) {
	u.touch(addr, uint64(len(p)), arch.ExcStorePageFault)
	if err := u.t.space.WriteUser(addr, p); err != nil {
		panic(fmt.Sprintf("sim: store after fault-in: %v", err))
	}
}

func (u *User) touch(addr, n uint64, code uint64) {
	s := u.t.space
	for page := addr &^ (PageSize - 1); page < addr+n; page += PageSize {
		for !s.Mapped(page) {
			u.t.tf.Scause = arch.ExceptionCause(code)
			u.t.tf.Stval = max(page, addr)
			u.t.enter()
		}
	}
}
