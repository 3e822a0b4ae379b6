// internal/waitlist/waitlist.go

// Package waitlist is an intrusive FIFO of parked wakers.
//
// A Node carries its own links, so whoever parked it can unlink it from the
// middle of the list in O(1) (cancellation) without scanning. The list is not
// synchronised; owners guard it with their own lock.
package waitlist

import (
	"fmt"

	"trampsched/internal/future"
)

// Node wraps one parked waker.
type Node struct {
	waker      future.Waker
	prev, next *Node
	list       *List
}

// NewNode wraps w.
func NewNode(w future.Waker) *Node {
	return &Node{waker: w}
}

// Waker returns the parked waker.
func (n *Node) Waker() future.Waker { return n.waker }

// Linked reports whether the node is currently on a list.
func (n *Node) Linked() bool { return n.list != nil }

// List is a doubly linked FIFO of nodes. The zero value is empty.
type List struct {
	head, tail *Node
	n          int
}

// Len returns the number of parked nodes.
func (l *List) Len() int { return l.n }

// Empty reports whether nothing is parked.
func (l *List) Empty() bool { return l.n == 0 }

// PushBack parks n at the tail. Parking a node that is already linked is a
// corruption of the list and panics.
func (l *List) PushBack(n *Node) {
	if n.list != nil {
		panic(fmt.Sprintf("waitlist: node %p is already linked", n))
	}
	n.list = l
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.n++
}

// Remove unlinks n if it is on l and reports whether it was.
func (l *List) Remove(n *Node) bool {
	if n == nil || n.list != l {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.n--
	return true
}

// Front returns the oldest node without unlinking it.
func (l *List) Front() *Node { return l.head }

// PopFront unlinks and returns the oldest node, or nil.
func (l *List) PopFront() *Node {
	n := l.head
	if n == nil {
		return nil
	}
	l.Remove(n)
	return n
}

// Take unlinks the first node whose waker wakes the same computation as w.
func (l *List) Take(w future.Waker) *Node {
	for n := l.head; n != nil; n = n.next {
		if n.waker.WillWake(w) {
			l.Remove(n)
			return n
		}
	}
	return nil
}

// Drain unlinks every node, oldest first.
func (l *List) Drain() []*Node {
	out := make([]*Node, 0, l.n)
	for n := l.PopFront(); n != nil; n = l.PopFront() {
		out = append(out, n)
	}
	return out
}
