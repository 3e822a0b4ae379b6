// internal/sched/fifo.go

package sched

import (
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// FIFO runs tasks in the order they became ready and never preempts.
type FIFO struct {
	mu    sync.Mutex
	ready *doublylinkedlist.List
}

func NewFIFO() *FIFO { return &FIFO{ready: doublylinkedlist.New()} }

func (s *FIFO) Init() {}

func (s *FIFO) Name() string { return PolicyFIFO }

func (s *FIFO) AddTask(t *Task) { s.PutPrevTask(t, false) }

func (s *FIFO) PickNextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return popFront(s.ready)
}

func (s *FIFO) PutPrevTask(t *Task, front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.markQueued() {
		return
	}
	if front {
		s.ready.Prepend(t)
	} else {
		s.ready.Add(t)
	}
}

func (s *FIFO) TaskTick(*Task) bool { return false }

func (s *FIFO) SetPriority(*Task, int) bool { return false }

func (s *FIFO) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Size()
}

func popFront(l *doublylinkedlist.List) *Task {
	v, ok := l.Get(0)
	if !ok {
		return nil
	}
	l.Remove(0)
	t := v.(*Task)
	t.clearQueued()
	return t
}
