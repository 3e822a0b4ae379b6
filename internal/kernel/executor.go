// internal/kernel/executor.go

package kernel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"trampsched/internal/arch"
	"trampsched/internal/sched"
)

// KernelExecutorID is the id of the executor that is never destroyed.
const KernelExecutorID = 0

// ErrNoSuchExecutor is returned for an executor id that is not registered.
var ErrNoSuchExecutor = errors.New("no such executor")

// ErrExecutorAlive is returned when reaping an executor that still runs tasks.
var ErrExecutorAlive = errors.New("executor still has live tasks")

// Executor is a scheduling domain: one scheduler plus, for processes, an
// address space. CPUs first choose an executor, then its scheduler chooses a
// task.
type Executor struct {
	id     uint64
	parent uint64
	sched  sched.Scheduler
	space  arch.AddressSpace

	live     atomic.Int64
	zombie   atomic.Bool
	exitCode atomic.Int32
}

func (e *Executor) ID() uint64 { return e.id }

func (e *Executor) ParentID() uint64 { return e.parent }

func (e *Executor) Scheduler() sched.Scheduler { return e.sched }

// Space is nil for the kernel executor.
func (e *Executor) Space() arch.AddressSpace { return e.space }

func (e *Executor) IsKernel() bool { return e.id == KernelExecutorID }

// IsZombie reports whether every task of a process executor has exited.
func (e *Executor) IsZombie() bool { return e.zombie.Load() }

func (e *Executor) ExitCode() int32 { return e.exitCode.Load() }

// LiveTasks returns the number of tasks not yet exited.
func (e *Executor) LiveTasks() int64 { return e.live.Load() }

func (e *Executor) taskAdded() { e.live.Add(1) }

func (e *Executor) taskExited(code int32) {
	if e.live.Add(-1) == 0 && !e.IsKernel() {
		e.exitCode.Store(code)
		e.zombie.Store(true)
	}
}

// Enter switches cpu into the executor's address space.
func (e *Executor) Enter(m arch.Machine, cpu int) {
	var root uint64
	if e.space != nil {
		root = e.space.PageTableToken()
	}
	m.WritePageTableRoot0(cpu, root)
	m.FlushTLB(cpu)
}

func (e *Executor) String() string {
	if e.IsKernel() {
		return "Executor(kernel)"
	}
	return fmt.Sprintf("Executor(%d)", e.id)
}

// registry maps executor ids to executors.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Executor
	ids    []uint64
}

func newRegistry(kernel *Executor) *registry {
	return &registry{
		nextID: KernelExecutorID + 1,
		byID:   map[uint64]*Executor{KernelExecutorID: kernel},
		ids:    []uint64{KernelExecutorID},
	}
}

func (r *registry) add(parent uint64, s sched.Scheduler, space arch.AddressSpace) *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Executor{id: r.nextID, parent: parent, sched: s, space: space}
	r.nextID++
	r.byID[e.id] = e
	r.ids = append(r.ids, e.id)
	return e
}

func (r *registry) get(id uint64) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("executor %d: %w", id, ErrNoSuchExecutor)
	}
	return e, nil
}

func (r *registry) remove(id uint64) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || id == KernelExecutorID {
		return nil, fmt.Errorf("executor %d: %w", id, ErrNoSuchExecutor)
	}
	if !e.IsZombie() {
		return nil, fmt.Errorf("executor %d: %w", id, ErrExecutorAlive)
	}
	delete(r.byID, id)
	i := sort.Search(len(r.ids), func(i int) bool { return r.ids[i] >= id })
	r.ids = append(r.ids[:i], r.ids[i+1:]...)
	return e, nil
}

// readyProcess returns the lowest-id process executor with a ready task.
func (r *registry) readyProcess() *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ids {
		if id == KernelExecutorID {
			continue
		}
		if e := r.byID[id]; e.sched.Len() > 0 {
			return e
		}
	}
	return nil
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
