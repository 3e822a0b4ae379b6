// internal/arch/trapframe.go

// Package arch describes the machine the runtime is driven by: the saved trap
// context layout and the collaborator interfaces the architecture, memory and
// syscall layers implement.
package arch

import (
	"encoding/binary"
	"fmt"
)

// Register indices into GeneralRegisters (RISC-V numbering).
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

// GeneralRegisters are x0..x31.
type GeneralRegisters [32]uint64

// TrapStatus records whether the kernel has finished handling the latest
// trap of a task.
type TrapStatus uint64

const (
	TrapDone TrapStatus = iota
	TrapBlocked
	TrapUnknown
)

func (s TrapStatus) String() string {
	switch s {
	case TrapDone:
		return "Done"
	case TrapBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// TrapFrame is the register state saved on a trap.
type TrapFrame struct {
	Regs       GeneralRegisters
	Sepc       uint64
	Sstatus    uint64
	FS         [2]uint64
	Scause     uint64
	Stval      uint64
	TrapStatus TrapStatus
	// KernelSP is the kernel stack top recorded when entering user mode.
	KernelSP uint64
}

// FrameSize is the encoded size of a TrapFrame on a kernel stack.
const FrameSize = (len(GeneralRegisters{}) + 8) * 8

const (
	sstatusSIE  = 1 << 1
	sstatusSPIE = 1 << 5
	sstatusSPP  = 1 << 8
)

// InitUserContext builds the first frame of a user task: entry PC, user stack
// pointer, previous privilege user and interrupts enabled on return.
func InitUserContext(entry, userSP uint64) TrapFrame {
	var tf TrapFrame
	tf.Regs[RegSP] = userSP
	tf.Sepc = entry
	tf.Sstatus = sstatusSPIE &^ (sstatusSPP | sstatusSIE)
	tf.TrapStatus = TrapDone
	return tf
}

// SetRetCode stores a syscall return value.
func (tf *TrapFrame) SetRetCode(v uint64) { tf.Regs[RegA0] = v }

// SetTLS sets the thread pointer.
func (tf *TrapFrame) SetTLS(v uint64) { tf.Regs[RegTP] = v }

// SP returns the stack pointer.
func (tf *TrapFrame) SP() uint64 { return tf.Regs[RegSP] }

// SetPC moves the program counter.
func (tf *TrapFrame) SetPC(pc uint64) { tf.Sepc = pc }

// AdvancePC steps over the ecall instruction.
func (tf *TrapFrame) AdvancePC() { tf.Sepc += 4 }

// RewindPC moves the PC back onto the ecall so the syscall runs again.
func (tf *TrapFrame) RewindPC() { tf.Sepc -= 4 }

// SyscallID returns a7.
func (tf *TrapFrame) SyscallID() uint64 { return tf.Regs[RegA7] }

// SyscallArgs returns a0..a5.
func (tf *TrapFrame) SyscallArgs() [6]uint64 {
	var args [6]uint64
	copy(args[:], tf.Regs[RegA0:RegA0+6])
	return args
}

// Cause decodes scause.
func (tf *TrapFrame) Cause() Trap { return DecodeCause(tf.Scause) }

// MarshalBinary lays the frame out the way the trap entry pushes it.
func (tf *TrapFrame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FrameSize)
	tf.put(buf)
	return buf, nil
}

func (tf *TrapFrame) put(buf []byte) {
	le := binary.LittleEndian
	off := 0
	word := func(v uint64) {
		le.PutUint64(buf[off:], v)
		off += 8
	}
	for _, r := range tf.Regs {
		word(r)
	}
	word(tf.Sepc)
	word(tf.Sstatus)
	word(tf.FS[0])
	word(tf.FS[1])
	word(tf.Scause)
	word(tf.Stval)
	word(uint64(tf.TrapStatus))
	word(tf.KernelSP)
}

// UnmarshalBinary restores a frame previously written by MarshalBinary.
func (tf *TrapFrame) UnmarshalBinary(buf []byte) error {
	if len(buf) < FrameSize {
		return fmt.Errorf("trap frame: need %d bytes, have %d", FrameSize, len(buf))
	}
	le := binary.LittleEndian
	off := 0
	word := func() uint64 {
		v := le.Uint64(buf[off:])
		off += 8
		return v
	}
	for i := range tf.Regs {
		tf.Regs[i] = word()
	}
	tf.Sepc = word()
	tf.Sstatus = word()
	tf.FS[0] = word()
	tf.FS[1] = word()
	tf.Scause = word()
	tf.Stval = word()
	tf.TrapStatus = TrapStatus(word())
	tf.KernelSP = word()
	return nil
}
