// internal/sched/cfs.go

package sched

import (
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// Nice range of the fair policy.
const (
	MinPriority = -20
	MaxPriority = 19
)

const nice0Weight = 1024

// niceWeights maps nice -20..19 to load weights.
var niceWeights = [40]float64{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

func clampNice(prio int) int {
	if prio < MinPriority {
		return MinPriority
	}
	if prio > MaxPriority {
		return MaxPriority
	}
	return prio
}

// CFS orders tasks by virtual runtime. Every tick charges the running task
// nice0Weight/weight, so heavier tasks age slower.
type CFS struct {
	mu          sync.Mutex
	rbt         *redblacktree.Tree // ordered by vruntime, then sequence
	minVruntime float64            // vruntime of the leftmost task last picked
	seq         int64              // tail sequence
	frontSeq    int64              // head sequence, counts down
}

func NewCFS() *CFS { return &CFS{rbt: redblacktree.NewWith(cmp)} }

func (s *CFS) Init() {}

func (s *CFS) Name() string { return PolicyCFS }

// AddTask starts a new task at the current minimum so it neither starves
// others nor gets starved.
func (s *CFS) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	if t.Entity.Weight == 0 {
		t.Entity.Priority = 0
		t.Entity.Weight = niceWeights[0-MinPriority]
	}
	t.Entity.V = s.minVruntime
	s.put(t, false)
}

func (s *CFS) put(t *Task, front bool) {
	if front {
		if t.Entity.V > s.minVruntime {
			t.Entity.V = s.minVruntime
		}
		s.frontSeq--
		t.Entity.seq = s.frontSeq
	} else {
		s.seq++
		t.Entity.seq = s.seq
	}
	s.rbt.Put(nodeKey{vruntime: t.Entity.V, seq: t.Entity.seq}, t)
}

func (s *CFS) PickNextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.rbt.Left()
	if node == nil {
		return nil
	}
	key := node.Key.(nodeKey)
	t := node.Value.(*Task)
	s.rbt.Remove(key)
	if key.vruntime > s.minVruntime {
		s.minVruntime = key.vruntime
	}
	t.clearQueued()
	return t
}

func (s *CFS) PutPrevTask(t *Task, front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	if t.Entity.Weight == 0 {
		t.Entity.Weight = nice0Weight
	}
	s.put(t, front)
}

// TaskTick charges one tick and asks for preemption once the task has run
// past the leftmost queued task.
func (s *CFS) TaskTick(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Entity.Weight == 0 {
		t.Entity.Weight = nice0Weight
	}
	t.Entity.V += nice0Weight / t.Entity.Weight
	first := s.rbt.Left()
	if first == nil {
		return false
	}
	return t.Entity.V > first.Key.(nodeKey).vruntime
}

// SetPriority changes the nice value. A queued task is reinserted under
// its current vruntime.
func (s *CFS) SetPriority(t *Task, prio int) bool {
	if prio < MinPriority || prio > MaxPriority {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nodeKey{vruntime: t.Entity.V, seq: t.Entity.seq}
	v, found := s.rbt.Get(key)
	queued := found && v.(*Task) == t
	if queued {
		s.rbt.Remove(key)
	}
	t.Entity.Priority = clampNice(prio)
	t.Entity.Weight = niceWeights[t.Entity.Priority-MinPriority]
	if queued {
		s.rbt.Put(key, t)
	}
	return true
}

func (s *CFS) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rbt.Size()
}

// Vruntime returns the virtual runtime charged to t so far.
func (s *CFS) Vruntime(t *Task) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.Entity.V
}

// MinVruntime returns the floor new tasks start from.
func (s *CFS) MinVruntime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minVruntime
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	vruntime float64
	seq      int64
}

// cmp orders nodeKeys by vruntime, then insertion sequence.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.vruntime < kb.vruntime:
		return -1
	case ka.vruntime > kb.vruntime:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
