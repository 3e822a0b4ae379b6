// internal/kstack/pool.go

package kstack

import (
	"fmt"
	"sync"
)

// Arena owns every stack buffer. Slots are reused after Release.
type Arena struct {
	mu        sync.Mutex
	stackSize int
	limit     int
	slots     []*TaskStack
	free      []Handle
	inUse     int
}

// NewArena creates an arena of stacks of stackSize bytes. limit caps the
// number of live stacks; 0 means unlimited.
func NewArena(stackSize, limit int) *Arena {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	return &Arena{stackSize: stackSize, limit: limit}
}

// StackSize returns the size of every stack in the arena.
func (a *Arena) StackSize() int { return a.stackSize }

// NewInit registers the boot stack of a CPU.
func (a *Arena) NewInit() *TaskStack {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Handle(len(a.slots))
	s := newStack(h, a.stackSize, true)
	a.slots = append(a.slots, s)
	a.inUse++
	return s
}

// Alloc borrows a fresh stack.
func (a *Arena) Alloc() (*TaskStack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		s := newStack(h, a.stackSize, false)
		a.slots[h] = s
		a.inUse++
		return s, nil
	}
	if a.limit > 0 && a.inUse >= a.limit {
		return nil, ErrExhausted
	}
	h := Handle(len(a.slots))
	s := newStack(h, a.stackSize, false)
	a.slots = append(a.slots, s)
	a.inUse++
	return s, nil
}

// Release returns s to the arena. Boot stacks are never released.
func (a *Arena) Release(s *TaskStack) {
	if s.isInit {
		panic(fmt.Sprintf("kstack: boot stack %d cannot be deallocated", s.handle))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(s.handle) >= len(a.slots) || a.slots[s.handle] != s {
		panic(fmt.Sprintf("kstack: stack %d released twice", s.handle))
	}
	a.slots[s.handle] = nil
	a.free = append(a.free, s.handle)
	a.inUse--
}

// Get looks a live stack up by handle.
func (a *Arena) Get(h Handle) (*TaskStack, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h) >= len(a.slots) || a.slots[h] == nil {
		return nil, false
	}
	return a.slots[h], true
}

// InUse returns the number of live stacks, boot stacks included.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Pool is the per-CPU stack pool: one current stack plus a free list.
type Pool struct {
	mu      sync.Mutex
	arena   *Arena
	cpu     int
	current *TaskStack
	free    []*TaskStack
}

// NewPool creates the pool of cpu. Init must be called before use.
func NewPool(arena *Arena, cpu int) *Pool {
	return &Pool{arena: arena, cpu: cpu}
}

// Init installs the boot stack as current.
func (p *Pool) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		panic(fmt.Sprintf("kstack: pool of cpu %d initialised twice", p.cpu))
	}
	p.current = p.arena.NewInit()
	p.current.cpu.Store(int32(p.cpu))
}

func (p *Pool) alloc() *TaskStack {
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		s.reset()
		return s
	}
	s, err := p.arena.Alloc()
	if err != nil {
		panic(fmt.Sprintf("kstack: cpu %d: %v", p.cpu, err))
	}
	return s
}

// PickCurrentStack installs a fresh stack as current and returns the
// previous current one, which the caller now borrows.
func (p *Pool) PickCurrentStack() *TaskStack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		panic(fmt.Sprintf("kstack: pool of cpu %d has no current stack", p.cpu))
	}
	prev := p.current
	p.current = p.alloc()
	p.current.cpu.Store(int32(p.cpu))
	return prev
}

// CurrentStack returns the stack the CPU is executing on.
func (p *Pool) CurrentStack() *TaskStack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		panic(fmt.Sprintf("kstack: pool of cpu %d has no current stack", p.cpu))
	}
	return p.current
}

// PutPrevStack makes a borrowed stack current again and moves the stack it
// replaces onto the free list.
func (p *Pool) PutPrevStack(s *TaskStack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		panic(fmt.Sprintf("kstack: pool of cpu %d has no current stack", p.cpu))
	}
	if s == p.current {
		panic(fmt.Sprintf("kstack: stack %d is already current on cpu %d", s.handle, p.cpu))
	}
	p.free = append(p.free, p.current)
	p.current = s
	s.cpu.Store(int32(p.cpu))
}

// FreeLen returns the length of the free list.
func (p *Pool) FreeLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Shrink gives free stacks back to the arena until at most keep remain.
// Boot stacks on the free list are kept.
func (p *Pool) Shrink(keep int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	released := 0
	kept := p.free[:0]
	for _, s := range p.free {
		if len(p.free)-released > keep && !s.isInit {
			p.arena.Release(s)
			released++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = kept
	return released
}
