// internal/syscall/table.go

// Package syscall is a small syscall table for user tasks: console I/O,
// exit, sleeping, yielding and process/thread ids.
package syscall

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"fortio.org/safecast"
	"go.uber.org/zap"

	"trampsched/internal/arch"
	"trampsched/internal/future"
	"trampsched/internal/kernel"
	"trampsched/internal/ksync"
	"trampsched/internal/sched"
)

// Syscall numbers (RISC-V Linux).
const (
	SysRead        = 63
	SysWrite       = 64
	SysExit        = arch.SysExit
	SysExitGroup   = arch.SysExitGroup
	SysSetTidAddr  = 96
	SysNanosleep   = 101
	SysSchedYield  = 124
	SysGetPID      = 172
	SysGetTID      = 178
	maxIOChunk     = 1 << 16
	timespecLength = 16
)

// Error numbers returned negated.
const (
	EBADF    = 9
	EFAULT   = 14
	EINVAL   = 22
	ENOSYS   = 38
	ERESTART = arch.ERESTART
)

// Table dispatches syscalls. It is bound to a runtime after both are built.
type Table struct {
	outMu sync.Mutex
	out   io.Writer
	log   *zap.Logger

	rt    *kernel.Runtime
	input *ksync.WaitQueue

	mu  sync.Mutex
	buf []byte
}

var _ arch.SyscallHandler = (*Table)(nil)

// NewTable writes fds 1 and 2 to out.
func NewTable(out io.Writer, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{out: out, log: log}
}

// Bind attaches the runtime whose tasks issue the syscalls.
func (t *Table) Bind(rt *kernel.Runtime) {
	t.rt = rt
	t.input = ksync.NewWaitQueue(rt.Timers())
}

// Feed appends console input and wakes blocked readers.
func (t *Table) Feed(p []byte) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	t.mu.Unlock()
	if t.input != nil {
		t.input.NotifyAll()
	}
}

func (t *Table) HandleSyscall(id uint64, args [6]uint64) future.Future[int64] {
	if t.rt == nil {
		panic("syscall: table used before Bind")
	}
	switch id {
	case SysWrite:
		return t.write(args)
	case SysRead:
		return t.read(args)
	case SysExit, SysExitGroup:
		return future.Ready[int64](0)
	case SysNanosleep:
		return t.nanosleep(args)
	case SysSchedYield:
		y := kernel.YieldNow()
		return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
			_, ok := y.Poll(cx)
			return 0, ok
		})
	case SysGetPID:
		return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
			e, err := t.rt.CurrentExecutor(cx)
			if err != nil {
				return -EINVAL, true
			}
			return signed(e.ID()), true
		})
	case SysSetTidAddr:
		return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
			task, ok := sched.TaskFromContext(cx)
			if !ok {
				return -EINVAL, true
			}
			task.SetClearChildTID(args[0])
			return signed(uint64(task.ID())), true
		})
	case SysGetTID:
		return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
			task, ok := sched.TaskFromContext(cx)
			if !ok {
				return -EINVAL, true
			}
			return signed(uint64(task.ID())), true
		})
	}
	t.log.Debug("unknown syscall", zap.Uint64("id", id))
	return future.Ready[int64](-ENOSYS)
}

func signed(v uint64) int64 {
	n, err := safecast.Conv[int64](v)
	if err != nil {
		return -EINVAL
	}
	return n
}

func (t *Table) memory(cx *future.Context) (arch.UserMemory, bool) {
	e, err := t.rt.CurrentExecutor(cx)
	if err != nil {
		return nil, false
	}
	m, ok := e.Space().(arch.UserMemory)
	return m, ok
}

func ioLength(v uint64) (int, bool) {
	n, err := safecast.Conv[int](v)
	if err != nil || n < 0 || n > maxIOChunk {
		return 0, false
	}
	return n, true
}

func (t *Table) write(args [6]uint64) future.Future[int64] {
	return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
		if args[0] != 1 && args[0] != 2 {
			return -EBADF, true
		}
		n, ok := ioLength(args[2])
		if !ok {
			return -EINVAL, true
		}
		mem, ok := t.memory(cx)
		if !ok {
			return -EFAULT, true
		}
		p := make([]byte, n)
		if err := mem.ReadUser(args[1], p); err != nil {
			return -EFAULT, true
		}
		t.outMu.Lock()
		w, err := t.out.Write(p)
		t.outMu.Unlock()
		if err != nil {
			t.log.Warn("console write", zap.Error(err))
		}
		return int64(w), true
	})
}

// read returns buffered input. With nothing buffered it parks the caller on
// the input queue and then asks for a restart, so the read is issued again
// from user mode.
func (t *Table) read(args [6]uint64) future.Future[int64] {
	var w *ksync.Waiter
	return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
		if w == nil {
			if args[0] != 0 {
				return -EBADF, true
			}
			n, ok := ioLength(args[2])
			if !ok {
				return -EINVAL, true
			}
			if got, ok := t.take(n); ok {
				mem, ok := t.memory(cx)
				if !ok {
					return -EFAULT, true
				}
				if err := mem.WriteUser(args[1], got); err != nil {
					return -EFAULT, true
				}
				return int64(len(got)), true
			}
			w = t.input.WaitUntil(t.buffered)
		}
		if _, ok := w.Poll(cx); !ok {
			return 0, false
		}
		return -ERESTART, true
	})
}

func (t *Table) buffered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf) > 0
}

func (t *Table) take(n int) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return nil, false
	}
	n = min(n, len(t.buf))
	got := append([]byte(nil), t.buf[:n]...)
	t.buf = t.buf[n:]
	return got, true
}

// nanosleep reads a {sec, nsec int64} timespec from user memory.
func (t *Table) nanosleep(args [6]uint64) future.Future[int64] {
	var sleep future.Future[struct{}]
	return future.PollFunc[int64](func(cx *future.Context) (int64, bool) {
		if sleep == nil {
			d, err := t.timespec(cx, args[0])
			if err != nil {
				t.log.Debug("nanosleep", zap.Error(err))
				return -EINVAL, true
			}
			sleep = t.rt.Sleep(d)
		}
		if _, ok := sleep.Poll(cx); !ok {
			return 0, false
		}
		return 0, true
	})
}

func (t *Table) timespec(cx *future.Context, addr uint64) (time.Duration, error) {
	mem, ok := t.memory(cx)
	if !ok {
		return 0, fmt.Errorf("timespec at %#x: no user memory", addr)
	}
	var raw [timespecLength]byte
	if err := mem.ReadUser(addr, raw[:]); err != nil {
		return 0, fmt.Errorf("timespec at %#x: %w", addr, err)
	}
	sec, err := safecast.Conv[int64](binary.LittleEndian.Uint64(raw[0:8]))
	if err != nil {
		return 0, fmt.Errorf("timespec sec: %w", err)
	}
	nsec, err := safecast.Conv[int64](binary.LittleEndian.Uint64(raw[8:16]))
	if err != nil || nsec >= int64(time.Second) {
		return 0, fmt.Errorf("timespec nsec %d out of range", nsec)
	}
	if sec > int64(1<<62)/int64(time.Second) {
		return 0, fmt.Errorf("timespec sec %d out of range", sec)
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}
