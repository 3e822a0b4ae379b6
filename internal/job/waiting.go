package job

import (
	"sync/atomic"
	"time"

	"trampsched/internal/future"
	"trampsched/internal/kernel"
	"trampsched/internal/ksync"
)

// Work is the body of a demo coroutine task.
type Work func(co *future.Co) int32

// SleepWork returns a task body that just sleeps for the given duration of
// machine time, in steps of at most one tick so it shows up in the event
// stream.
func SleepWork(rt *kernel.Runtime, ms int64) Work {
	remaining := time.Duration(ms) * time.Millisecond
	step := rt.Config().Tick()
	return func(co *future.Co) int32 {
		for remaining > 0 {
			d := min(step, remaining)
			future.Await(co, rt.Sleep(d))
			remaining -= d
		}
		return 0
	}
}

// PingPong returns two task bodies passing a token back and forth rounds
// times. Each side parks on a wait queue until the shared counter says it is
// its turn, then bumps the counter under a sleeping mutex.
func PingPong(rt *kernel.Runtime, rounds int) (ping, pong Work) {
	q := ksync.NewWaitQueue(rt.Timers())
	counter := ksync.NewMutex(0)
	var turn atomic.Int64 // even is ping's turn

	side := func(parity int64) Work {
		return func(co *future.Co) int32 {
			mine := func() bool { return turn.Load()%2 == parity }
			for i := 0; i < rounds; i++ {
				future.Await[bool](co, q.WaitUntil(mine))

				g := future.Await(co, counter.Lock())
				*g.Get()++
				turn.Store(int64(*g.Get()))
				g.Unlock()
				q.NotifyAll()
			}
			return 0
		}
	}
	return side(0), side(1)
}
