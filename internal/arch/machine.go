// internal/arch/machine.go

package arch

import (
	"time"

	"trampsched/internal/future"
)

// IRQHandler is installed by InitInterrupt and invoked for interrupts taken
// while a CPU idles in WaitForIRQs.
type IRQHandler func(cpu int, irq int)

// Machine is the architecture/boot layer the runtime consumes.
type Machine interface {
	// CPUCount is the number of cores brought up.
	CPUCount() int
	// CurrentTime is the monotonic time since boot.
	CurrentTime() time.Duration
	// InitInterrupt installs the trap vector.
	InitInterrupt(h IRQHandler)
	// PendingIRQ takes the highest priority interrupt pending on cpu, if any.
	// It is polled at kernel safe points.
	PendingIRQ(cpu int) (irq int, ok bool)
	// WaitForIRQs idles cpu until an interrupt has been delivered.
	WaitForIRQs(cpu int)
	EnableIRQs(cpu int)
	DisableIRQs(cpu int)
	IRQsEnabled(cpu int) bool
	FlushTLB(cpu int)
	WritePageTableRoot0(cpu int, root uint64)
	// UserReturn restores tf and drops to user mode on cpu. It comes back when
	// the user program traps again, with tf holding the trapped state.
	UserReturn(cpu int, tf *TrapFrame)
	// Terminate powers the machine off.
	Terminate(code int32)
}

// AddressSpace is the memory layer of one process.
type AddressSpace interface {
	// PageTableToken is the root written on executor switch; 0 means the
	// kernel address space.
	PageTableToken() uint64
	HandlePageFault(addr uint64, flags AccessFlags) future.Future[error]
}

// UserMemory is implemented by address spaces that let the kernel copy
// to and from user pages.
type UserMemory interface {
	ReadUser(addr uint64, p []byte) error
	WriteUser(addr uint64, p []byte) error
}

// SyscallHandler is the syscall table.
type SyscallHandler interface {
	HandleSyscall(id uint64, args [6]uint64) future.Future[int64]
}

// Syscall numbers the trap loop itself has to recognise.
const (
	SysExit      = 93
	SysExitGroup = 94
)

// ERESTART returned (negated) by a syscall asks the trap loop to rewind the
// PC so the syscall is issued again.
const ERESTART = 85
