// internal/timerlist/timerlist.go

// Package timerlist keeps one-shot events ordered by deadline.
package timerlist

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// Event is fired once its deadline has passed.
type Event interface {
	Callback(now time.Duration)
}

// eventKey orders events by deadline, then by arming order.
type eventKey struct {
	deadline time.Duration
	seq      uint64
}

func cmp(a, b any) int {
	ka, kb := a.(eventKey), b.(eventKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// TimerList is a deadline sorted set of pending events. It is not
// synchronised.
type TimerList[E Event] struct {
	rbt *redblacktree.Tree
	seq uint64
}

// New creates an empty list.
func New[E Event]() *TimerList[E] {
	return &TimerList[E]{rbt: redblacktree.NewWith(cmp)}
}

// Set arms e to fire at deadline (absolute time since boot).
func (l *TimerList[E]) Set(deadline time.Duration, e E) {
	l.seq++
	l.rbt.Put(eventKey{deadline: deadline, seq: l.seq}, e)
}

// Cancel removes every pending event matching pred and returns how many were
// removed.
func (l *TimerList[E]) Cancel(pred func(E) bool) int {
	var doomed []eventKey
	it := l.rbt.Iterator()
	for it.Next() {
		if pred(it.Value().(E)) {
			doomed = append(doomed, it.Key().(eventKey))
		}
	}
	for _, k := range doomed {
		l.rbt.Remove(k)
	}
	return len(doomed)
}

// ExpireOne pops the earliest event whose deadline is not after now.
func (l *TimerList[E]) ExpireOne(now time.Duration) (time.Duration, E, bool) {
	var zero E
	node := l.rbt.Left()
	if node == nil {
		return 0, zero, false
	}
	key := node.Key.(eventKey)
	if key.deadline > now {
		return 0, zero, false
	}
	e := node.Value.(E)
	l.rbt.Remove(key)
	return key.deadline, e, true
}

// NextDeadline returns the earliest pending deadline.
func (l *TimerList[E]) NextDeadline() (time.Duration, bool) {
	node := l.rbt.Left()
	if node == nil {
		return 0, false
	}
	return node.Key.(eventKey).deadline, true
}

// Len returns the number of pending events.
func (l *TimerList[E]) Len() int { return l.rbt.Size() }

// IsEmpty reports whether no event is pending.
func (l *TimerList[E]) IsEmpty() bool { return l.rbt.Empty() }
