// internal/kstack/stack.go

// Package kstack manages kernel stacks: an arena of fixed-size buffers
// addressed by handle, and per-CPU pools that track which stack a CPU is
// currently executing on.
//
// A stack doubles as the execution context bound to it. When the code running
// on a stack is interrupted and the CPU moves on to a fresh stack, the old
// one is parked; Resume later hands it the CPU again.
package kstack

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultStackSize matches the kernel task stack size.
const DefaultStackSize = 64 * 1024

// ErrExhausted is returned when the arena has no room for another stack.
var ErrExhausted = errors.New("kstack: stack arena exhausted")

// Handle addresses a stack inside its arena.
type Handle uint32

// TaskStack is one kernel stack.
type TaskStack struct {
	handle Handle
	buf    []byte
	isInit bool

	// sp is the low-water mark of frames saved on the stack; frames are
	// pushed downwards from the top.
	mu sync.Mutex
	sp int

	cpu    atomic.Int32
	resume chan int
}

func newStack(h Handle, size int, isInit bool) *TaskStack {
	s := &TaskStack{
		handle: h,
		buf:    make([]byte, size),
		isInit: isInit,
		sp:     size,
		resume: make(chan int, 1),
	}
	s.cpu.Store(-1)
	return s
}

// Handle returns the arena handle.
func (s *TaskStack) Handle() Handle { return s.handle }

// Size is the usable size in bytes.
func (s *TaskStack) Size() int { return len(s.buf) }

// Top is the highest offset (exclusive).
func (s *TaskStack) Top() int { return len(s.buf) }

// Down is the lowest offset.
func (s *TaskStack) Down() int { return 0 }

// IsInit reports whether this is a boot stack, which is never deallocated.
func (s *TaskStack) IsInit() bool { return s.isInit }

// CPU returns the CPU the stack is current on, or -1.
func (s *TaskStack) CPU() int { return int(s.cpu.Load()) }

// Contains reports whether off lies in [Down, Top).
func (s *TaskStack) Contains(off int) bool { return off >= 0 && off < len(s.buf) }

// Push copies frame below the previously pushed data and returns its offset.
// Overflowing the stack is fatal.
func (s *TaskStack) Push(frame []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(frame) > s.sp {
		panic(fmt.Sprintf("kstack: overflow of stack %d pushing %d bytes (%d free)", s.handle, len(frame), s.sp))
	}
	s.sp -= len(frame)
	copy(s.buf[s.sp:], frame)
	return s.sp
}

// Pop returns a copy of the n bytes saved at off and releases everything
// pushed at or below off.
func (s *TaskStack) Pop(off, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < s.sp || off+n > len(s.buf) {
		panic(fmt.Sprintf("kstack: frame [%#x, %#x) is not live on stack %d (sp %#x)", off, off+n, s.handle, s.sp))
	}
	out := make([]byte, n)
	copy(out, s.buf[off:off+n])
	s.sp = off + n
	return out
}

// Park blocks the caller, which must be the code executing on s, until
// Resume hands it a CPU. It reports false when halt closes first.
func (s *TaskStack) Park(halt <-chan struct{}) (int, bool) {
	select {
	case cpu := <-s.resume:
		return cpu, true
	case <-halt:
		return -1, false
	}
}

// Resume restarts the code parked on s on the given CPU. It may be called
// before the parked side reached Park.
func (s *TaskStack) Resume(cpu int) {
	s.cpu.Store(int32(cpu))
	select {
	case s.resume <- cpu:
	default:
		panic(fmt.Sprintf("kstack: stack %d resumed twice", s.handle))
	}
}

func (s *TaskStack) reset() {
	s.mu.Lock()
	s.sp = len(s.buf)
	s.mu.Unlock()
	s.cpu.Store(-1)
}
