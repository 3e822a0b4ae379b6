package job

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"trampsched/internal/arch/sim"
	"trampsched/internal/future"
	"trampsched/internal/kernel"
	"trampsched/internal/sched"
	"trampsched/internal/syscall"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func boot(t *testing.T, cfg sched.Config) (*kernel.Runtime, *sim.Machine, *bytes.Buffer) {
	t.Helper()
	cfg.Normalize()
	m := sim.New(sim.Options{CPUs: cfg.CPUs, Tick: cfg.Tick()})
	t.Cleanup(func() { m.Terminate(0) })
	var out bytes.Buffer
	tbl := syscall.NewTable(&out, nil)
	rt, err := kernel.New(kernel.Options{Config: cfg, Machine: m, Syscalls: tbl})
	require.NoError(t, err)
	tbl.Bind(rt)
	return rt, m, &out
}

func run(t *testing.T, rt *kernel.Runtime, init Work) {
	t.Helper()
	rt.SpawnInit(&sched.CoroutineBody{Fut: future.Go(init)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Run(ctx))
}

func TestSleepWork_SleepsMachineTime(t *testing.T) {
	rt, m, _ := boot(t, sched.DefaultConfig())
	run(t, rt, SleepWork(rt, 35))
	assert.GreaterOrEqual(t, m.CurrentTime(), 35*time.Millisecond)
	assert.Equal(t, int32(0), rt.ExitCode())
}

func TestPingPong_Alternates(t *testing.T) {
	rt, _, _ := boot(t, sched.DefaultConfig())
	ping, pong := PingPong(rt, 5)
	run(t, rt, func(co *future.Co) int32 {
		a := rt.Go(co.Context(), "pong", pong)
		b := rt.Go(co.Context(), "ping", ping)
		return future.Await(co, kernel.Join(a)) + future.Await(co, kernel.Join(b))
	})
	assert.Equal(t, int32(0), rt.ExitCode())
}

func TestInit_MixedWorkload(t *testing.T) {
	policies := []string{sched.PolicyFIFO, sched.PolicyRR, sched.PolicyCFS, sched.PolicyMOIC}
	for _, policy := range policies {
		t.Run(policy, func(t *testing.T) {
			cfg := sched.DefaultConfig()
			cfg.Policy = policy
			cfg.Preempt = true
			cfg.CPUs = 2
			rt, m, out := boot(t, cfg)
			run(t, rt, Init(rt, m, Mix{Sleepers: 2, Spinners: 2, PingPong: 3, Users: 2}))

			assert.Equal(t, int32(0), rt.ExitCode(), "no task failed")
			assert.Contains(t, out.String(), "hello from user 0\n")
			assert.Contains(t, out.String(), "hello from user 1\n")
		})
	}
}
