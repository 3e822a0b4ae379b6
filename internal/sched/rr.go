// internal/sched/rr.go

package sched

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// DefaultSliceTicks is the round-robin quantum.
const DefaultSliceTicks = 5

// RR is FIFO with a fixed quantum per task.
type RR struct {
	mu         sync.Mutex
	sliceTicks int
	ready      *doublylinkedlist.List
}

func NewRR(sliceTicks int) *RR {
	if sliceTicks <= 0 {
		sliceTicks = DefaultSliceTicks
	}
	return &RR{sliceTicks: sliceTicks, ready: doublylinkedlist.New()}
}

func (s *RR) Init() {}

func (s *RR) Name() string { return PolicyRR }

func (s *RR) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	t.Entity.Slice = s.sliceTicks
	s.ready.Add(t)
}

func (s *RR) PickNextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return popFront(s.ready)
}

// PutPrevTask keeps a task with quantum left at the head when front is set.
// Everything else gets a fresh quantum at the tail.
func (s *RR) PutPrevTask(t *Task, front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	if front && t.Entity.Slice > 0 {
		s.ready.Prepend(t)
		return
	}
	t.Entity.Slice = s.sliceTicks
	s.ready.Add(t)
}

// TaskTick consumes one tick of quantum and reports exhaustion.
func (s *RR) TaskTick(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := t.Entity.Slice
	t.Entity.Slice--
	return old <= 1
}

func (s *RR) SetPriority(*Task, int) bool { return false }

func (s *RR) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Size()
}
