// internal/sched/moic.go

package sched

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// MOIC defaults.
const (
	DefaultMOICLevels   = 8
	DefaultMOICCapacity = 1024
	maxMOICLevels       = 64
)

type moicEntry struct {
	prio int
	seq  int64
	task *Task
}

func moicCmp(a, b any) int {
	ea, eb := a.(moicEntry), b.(moicEntry)
	switch {
	case ea.prio < eb.prio:
		return -1
	case ea.prio > eb.prio:
		return 1
	case ea.seq < eb.seq:
		return -1
	case ea.seq > eb.seq:
		return 1
	default:
		return 0
	}
}

// moicDevice emulates a hardware priority task queue: a bounded heap of
// task handles plus a ready bitmap register with one bit per priority level.
type moicDevice struct {
	heap     *binaryheap.Heap
	capacity int
	counts   []int
	bitmap   uint64
}

func (d *moicDevice) push(e moicEntry) {
	if d.heap.Size() >= d.capacity {
		panic(fmt.Sprintf("sched: moic queue full (%d entries)", d.capacity))
	}
	d.heap.Push(e)
	d.counts[e.prio]++
	d.bitmap |= 1 << uint(e.prio)
}

func (d *moicDevice) pop() (moicEntry, bool) {
	v, ok := d.heap.Pop()
	if !ok {
		return moicEntry{}, false
	}
	e := v.(moicEntry)
	d.counts[e.prio]--
	if d.counts[e.prio] == 0 {
		d.bitmap &^= 1 << uint(e.prio)
	}
	return e, true
}

// highest returns the best pending priority level, or -1.
func (d *moicDevice) highest() int {
	if d.bitmap == 0 {
		return -1
	}
	return bits.TrailingZeros64(d.bitmap)
}

// MOIC is the hardware-assisted policy. Priority 0 is the highest. A running
// task is preempted when a strictly higher priority task becomes ready or
// its quantum runs out.
type MOIC struct {
	mu         sync.Mutex
	dev        moicDevice
	levels     int
	sliceTicks int
	seq        int64
	frontSeq   int64
}

func NewMOIC(levels, capacity, sliceTicks int) *MOIC {
	if levels <= 0 || levels > maxMOICLevels {
		levels = DefaultMOICLevels
	}
	if capacity <= 0 {
		capacity = DefaultMOICCapacity
	}
	if sliceTicks <= 0 {
		sliceTicks = DefaultSliceTicks
	}
	return &MOIC{
		dev: moicDevice{
			heap:     binaryheap.NewWith(moicCmp),
			capacity: capacity,
			counts:   make([]int, levels),
		},
		levels:     levels,
		sliceTicks: sliceTicks,
	}
}

func (s *MOIC) Init() {}

func (s *MOIC) Name() string { return PolicyMOIC }

// DefaultPriority is the level new tasks start at.
func (s *MOIC) DefaultPriority() int { return s.levels / 2 }

func (s *MOIC) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	if t.Entity.Weight == 0 {
		t.Entity.Priority = s.DefaultPriority()
		t.Entity.Weight = 1
	}
	t.Entity.Slice = s.sliceTicks
	s.push(t, false)
}

func (s *MOIC) push(t *Task, front bool) {
	var seq int64
	if front {
		s.frontSeq--
		seq = s.frontSeq
	} else {
		s.seq++
		seq = s.seq
	}
	s.dev.push(moicEntry{prio: t.Entity.Priority, seq: seq, task: t})
}

func (s *MOIC) PickNextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dev.pop()
	if !ok {
		return nil
	}
	e.task.clearQueued()
	return e.task
}

func (s *MOIC) PutPrevTask(t *Task, front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	if t.Entity.Weight == 0 {
		t.Entity.Priority = s.DefaultPriority()
		t.Entity.Weight = 1
	}
	if !front || t.Entity.Slice <= 0 {
		t.Entity.Slice = s.sliceTicks
		front = false
	}
	s.push(t, front)
}

func (s *MOIC) TaskTick(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Entity.Slice--
	if h := s.dev.highest(); h >= 0 && h < t.Entity.Priority {
		return true
	}
	return t.Entity.Slice <= 0
}

// SetPriority takes effect the next time the task is queued.
func (s *MOIC) SetPriority(t *Task, prio int) bool {
	if prio < 0 || prio >= s.levels {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Entity.Priority = prio
	t.Entity.Weight = 1
	return true
}

func (s *MOIC) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.heap.Size()
}

// ReadyBitmap returns the ready register.
func (s *MOIC) ReadyBitmap() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.bitmap
}
