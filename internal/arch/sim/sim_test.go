package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"trampsched/internal/arch"
	"trampsched/internal/future"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMachine_WaitForIRQsJumpsToNextTick(t *testing.T) {
	m := New(Options{CPUs: 2, Tick: 10 * time.Millisecond})
	defer m.Terminate(0)

	var got []int
	m.InitInterrupt(func(cpu, irq int) {
		assert.Equal(t, arch.IRQSupervisorTimer, irq)
		got = append(got, cpu)
	})
	m.WaitForIRQs(1)
	assert.Equal(t, 10*time.Millisecond, m.CurrentTime())
	m.WaitForIRQs(1)
	assert.Equal(t, 20*time.Millisecond, m.CurrentTime())
	assert.Equal(t, []int{1, 1}, got)

	// cpu 0 is behind: its tick is already due, the clock does not move.
	m.WaitForIRQs(0)
	assert.Equal(t, 20*time.Millisecond, m.CurrentTime())
	assert.Equal(t, []int{1, 1, 0}, got)
}

func TestMachine_PendingIRQNeedsInterruptsEnabled(t *testing.T) {
	m := New(Options{Tick: 4 * time.Millisecond, SafePointCost: time.Millisecond})
	defer m.Terminate(0)

	for i := 0; i < 4; i++ {
		_, ok := m.PendingIRQ(0)
		require.False(t, ok)
	}
	// The tick came due at 4ms while masked and is still pending.
	m.EnableIRQs(0)
	irq, ok := m.PendingIRQ(0)
	require.True(t, ok)
	assert.Equal(t, arch.IRQSupervisorTimer, irq)
	_, ok = m.PendingIRQ(0)
	assert.False(t, ok, "one tick is delivered once")
}

func TestSpace_LazyFaultIn(t *testing.T) {
	m := New(Options{})
	defer m.Terminate(0)
	s := m.NewSpace()
	require.NoError(t, s.Map(Region{Start: 0x1000, End: 0x3000, Perm: arch.AccessRead | arch.AccessWrite}))
	require.Error(t, s.Map(Region{Start: 0x2000, End: 0x4000, Perm: arch.AccessRead}))

	require.Error(t, s.WriteUser(0x1800, []byte("x")))
	err, _ := s.HandlePageFault(0x1800, arch.AccessUser|arch.AccessWrite).Poll(future.NewContext(future.Waker{}))
	require.NoError(t, err)
	require.NoError(t, s.WriteUser(0x1ffe, []byte("hi")))

	buf := make([]byte, 2)
	require.NoError(t, s.ReadUser(0x1ffe, buf))
	assert.Equal(t, "hi", string(buf))
	assert.Equal(t, 1, s.Faults())

	err, _ = s.HandlePageFault(0x1000, arch.AccessUser|arch.AccessExecute).Poll(nil)
	assert.ErrorIs(t, err, ErrSegv)
	err, _ = s.HandlePageFault(0x9000, arch.AccessUser|arch.AccessRead).Poll(nil)
	assert.ErrorIs(t, err, ErrSegv)
}

func TestMachine_UserThreadTrapsOnSyscall(t *testing.T) {
	m := New(Options{Tick: time.Second, UserCost: time.Microsecond})
	defer m.Terminate(0)

	s := m.NewSpace()
	require.NoError(t, s.Map(Region{Start: 0x10000, End: 0x11000, Perm: arch.AccessRead | arch.AccessExecute}))
	require.NoError(t, s.Load(0x10000, func(u *User) int32 {
		n := u.Syscall(64, 1, 2, 3)
		return int32(n)
	}))
	m.WritePageTableRoot0(0, s.PageTableToken())

	tf := arch.InitUserContext(0x10000, 0x20000)
	m.UserReturn(0, &tf)
	require.Equal(t, uint64(arch.ExcUserEnvCall), tf.Cause().Code)
	assert.Equal(t, uint64(64), tf.SyscallID())
	assert.Equal(t, [6]uint64{1, 2, 3, 0, 0, 0}, tf.SyscallArgs())

	// Restart: the PC stays on the ecall and the thread issues it again.
	tf.AdvancePC()
	tf.RewindPC()
	m.UserReturn(0, &tf)
	assert.Equal(t, uint64(64), tf.SyscallID())

	tf.AdvancePC()
	tf.SetRetCode(7)
	m.UserReturn(0, &tf)
	assert.Equal(t, uint64(arch.SysExit), tf.SyscallID())
	assert.Equal(t, uint64(7), tf.Regs[arch.RegA0])
	assert.Equal(t, int64(3), m.UserTraps())
	assert.Eventually(t, func() bool { return m.Threads() == 0 },
		time.Second, time.Millisecond, "an exited thread is retired without Terminate")
}
