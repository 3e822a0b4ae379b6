// internal/arch/cause.go

package arch

import "fmt"

const interruptBit = uint64(1) << 63

// Interrupt codes.
const (
	IRQSupervisorSoft     = 1
	IRQSupervisorTimer    = 5
	IRQSupervisorExternal = 9
)

// Exception codes.
const (
	ExcInstructionMisaligned = 0
	ExcInstructionFault      = 1
	ExcIllegalInstruction    = 2
	ExcBreakpoint            = 3
	ExcLoadFault             = 5
	ExcStoreFault            = 7
	ExcUserEnvCall           = 8
	ExcInstructionPageFault  = 12
	ExcLoadPageFault         = 13
	ExcStorePageFault        = 15
)

// Trap is a decoded scause value plus the faulting value (stval).
type Trap struct {
	Interrupt bool
	Code      uint64
	Value     uint64
}

// DecodeCause splits an scause word.
func DecodeCause(scause uint64) Trap {
	return Trap{Interrupt: scause&interruptBit != 0, Code: scause &^ interruptBit}
}

// InterruptCause encodes an interrupt number as scause.
func InterruptCause(irq int) uint64 { return interruptBit | uint64(irq) }

// ExceptionCause encodes an exception code as scause.
func ExceptionCause(code uint64) uint64 { return code &^ interruptBit }

// Scause re-encodes t.
func (t Trap) Scause() uint64 {
	if t.Interrupt {
		return interruptBit | t.Code
	}
	return t.Code
}

// IsPageFault reports whether t is one of the three page fault exceptions.
func (t Trap) IsPageFault() bool {
	if t.Interrupt {
		return false
	}
	switch t.Code {
	case ExcInstructionPageFault, ExcLoadPageFault, ExcStorePageFault:
		return true
	}
	return false
}

// AccessFlags returns the access that faulted.
func (t Trap) AccessFlags() AccessFlags {
	switch t.Code {
	case ExcInstructionPageFault:
		return AccessUser | AccessExecute
	case ExcLoadPageFault:
		return AccessUser | AccessRead
	case ExcStorePageFault:
		return AccessUser | AccessWrite
	}
	return 0
}

func (t Trap) String() string {
	if t.Interrupt {
		switch t.Code {
		case IRQSupervisorTimer:
			return "Interrupt(SupervisorTimer)"
		case IRQSupervisorSoft:
			return "Interrupt(SupervisorSoft)"
		case IRQSupervisorExternal:
			return "Interrupt(SupervisorExternal)"
		}
		return fmt.Sprintf("Interrupt(%d)", t.Code)
	}
	switch t.Code {
	case ExcUserEnvCall:
		return "Exception(UserEnvCall)"
	case ExcInstructionPageFault:
		return "Exception(InstructionPageFault)"
	case ExcLoadPageFault:
		return "Exception(LoadPageFault)"
	case ExcStorePageFault:
		return "Exception(StorePageFault)"
	case ExcIllegalInstruction:
		return "Exception(IllegalInstruction)"
	case ExcBreakpoint:
		return "Exception(Breakpoint)"
	}
	return fmt.Sprintf("Exception(%d)", t.Code)
}

// AccessFlags describe the access of a page fault.
type AccessFlags uint8

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
	AccessExecute
	AccessUser
)

func (f AccessFlags) String() string {
	b := []byte("----")
	if f&AccessRead != 0 {
		b[0] = 'r'
	}
	if f&AccessWrite != 0 {
		b[1] = 'w'
	}
	if f&AccessExecute != 0 {
		b[2] = 'x'
	}
	if f&AccessUser != 0 {
		b[3] = 'u'
	}
	return string(b)
}
