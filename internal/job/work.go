// internal/job/work.go

package job

import (
	"encoding/binary"
	"fmt"
	"time"

	"trampsched/internal/arch"
	"trampsched/internal/arch/sim"
	"trampsched/internal/future"
	"trampsched/internal/kernel"
	"trampsched/internal/sched"
	"trampsched/internal/syscall"
)

// SpinWork burns rounds safe points of kernel work. Its register state lives
// in a trap frame that every safe point may save and restore, and the body
// exits with 1 if it ever came back different.
func SpinWork(rt *kernel.Runtime, seed uint64, rounds int) Work {
	return func(co *future.Co) int32 {
		var tf arch.TrapFrame
		for r := range tf.Regs {
			tf.Regs[r] = seed<<32 | uint64(r)
		}
		tf.Sepc = 0x8020_0000 + seed<<4
		want := tf
		for i := 0; i < rounds; i++ {
			rt.SafePoint(co.Context(), &tf)
			if tf != want {
				return 1
			}
		}
		return 0
	}
}

// User program layout used by HelloProgram.
const (
	UserCode  = 0x1_0000
	UserData  = 0x2_0000
	UserStack = 0x3_0000
)

// HelloProgram writes msg to stdout, computes for steps, sleeps for nap and
// exits with code.
func HelloProgram(msg string, steps int, nap time.Duration, code int32) sim.Program {
	return func(u *sim.User) int32 {
		u.Store(UserData, []byte(msg))
		u.Syscall(syscall.SysWrite, 1, UserData, uint64(len(msg)))
		u.Compute(steps)
		if nap > 0 {
			var ts [16]byte
			binary.LittleEndian.PutUint64(ts[0:], uint64(nap/time.Second))
			binary.LittleEndian.PutUint64(ts[8:], uint64(nap%time.Second))
			u.Store(UserData+0x800, ts[:])
			u.Syscall(syscall.SysNanosleep, UserData+0x800, 0)
		}
		return code
	}
}

// NewUserSpace maps code, data and stack for prog on m.
func NewUserSpace(m *sim.Machine, prog sim.Program) (*sim.Space, error) {
	s := m.NewSpace()
	if err := s.Map(sim.Region{Start: UserCode, End: UserCode + sim.PageSize, Perm: arch.AccessRead | arch.AccessExecute}); err != nil {
		return nil, err
	}
	if err := s.Map(sim.Region{Start: UserData, End: UserStack, Perm: arch.AccessRead | arch.AccessWrite}); err != nil {
		return nil, err
	}
	if err := s.Load(UserCode, prog); err != nil {
		return nil, err
	}
	return s, nil
}

// Mix describes a demo workload.
type Mix struct {
	Sleepers int
	Spinners int
	PingPong int // rounds; 0 disables
	Users    int
}

// Init returns the init task body of a demo run: it spawns the mix, joins
// everything and exits with the number of tasks that failed.
func Init(rt *kernel.Runtime, m *sim.Machine, mix Mix) Work {
	return func(co *future.Co) int32 {
		cx := co.Context()
		var tasks []*sched.Task
		for i := 0; i < mix.Sleepers; i++ {
			tasks = append(tasks, rt.Go(cx, fmt.Sprintf("sleep-%d", i), SleepWork(rt, int64(20*(i+1)))))
		}
		for i := 0; i < mix.Spinners; i++ {
			tasks = append(tasks, rt.Go(cx, fmt.Sprintf("spin-%d", i), SpinWork(rt, uint64(i+1), 40)))
		}
		if mix.PingPong > 0 {
			ping, pong := PingPong(rt, mix.PingPong)
			tasks = append(tasks, rt.Go(cx, "ping", ping), rt.Go(cx, "pong", pong))
		}
		for i := 0; i < mix.Users; i++ {
			msg := fmt.Sprintf("hello from user %d\n", i)
			space, err := NewUserSpace(m, HelloProgram(msg, 8*(i+1), 15*time.Millisecond, 0))
			if err != nil {
				return 1
			}
			t, _, err := rt.InitUser(cx, fmt.Sprintf("user-%d", i), space, UserCode, UserStack)
			if err != nil {
				return 1
			}
			tasks = append(tasks, t)
		}

		var failed int32
		for _, t := range tasks {
			if future.Await(co, kernel.Join(t)) != 0 {
				failed++
			}
		}
		return failed
	}
}
