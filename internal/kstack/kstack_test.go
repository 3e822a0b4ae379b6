package kstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_PickAndPutPrev(t *testing.T) {
	arena := NewArena(4096, 0)
	p := NewPool(arena, 0)
	p.Init()

	boot := p.CurrentStack()
	require.True(t, boot.IsInit())
	assert.Equal(t, 0, boot.CPU())

	prev := p.PickCurrentStack()
	assert.Same(t, boot, prev)
	fresh := p.CurrentStack()
	assert.NotSame(t, boot, fresh)
	assert.False(t, fresh.IsInit())
	assert.Equal(t, 2, arena.InUse())

	p.PutPrevStack(prev)
	assert.Same(t, boot, p.CurrentStack())
	assert.Equal(t, 1, p.FreeLen())

	// The next pick reuses the stack on the free list.
	_ = p.PickCurrentStack()
	assert.Same(t, fresh, p.CurrentStack())
	assert.Equal(t, 0, p.FreeLen())
	assert.Equal(t, 2, arena.InUse())
}

func TestPool_PutPrevCurrentPanics(t *testing.T) {
	p := NewPool(NewArena(4096, 0), 1)
	p.Init()
	assert.Panics(t, func() { p.PutPrevStack(p.CurrentStack()) })
	assert.Panics(t, func() { p.Init() })
}

func TestArena_LimitAndRelease(t *testing.T) {
	arena := NewArena(1024, 2)
	boot := arena.NewInit()
	s, err := arena.Alloc()
	require.NoError(t, err)

	_, err = arena.Alloc()
	assert.ErrorIs(t, err, ErrExhausted)

	assert.Panics(t, func() { arena.Release(boot) })

	arena.Release(s)
	assert.Panics(t, func() { arena.Release(s) })
	_, ok := arena.Get(s.Handle())
	assert.False(t, ok)

	again, err := arena.Alloc()
	require.NoError(t, err)
	assert.Equal(t, s.Handle(), again.Handle())
}

func TestPool_Shrink(t *testing.T) {
	arena := NewArena(1024, 0)
	p := NewPool(arena, 0)
	p.Init()

	var borrowed []*TaskStack
	for i := 0; i < 3; i++ {
		borrowed = append(borrowed, p.PickCurrentStack())
	}
	for i := len(borrowed) - 1; i >= 0; i-- {
		p.PutPrevStack(borrowed[i])
	}
	require.Equal(t, 3, p.FreeLen())
	require.Equal(t, 4, arena.InUse())

	assert.Equal(t, 2, p.Shrink(1))
	assert.Equal(t, 1, p.FreeLen())
	assert.Equal(t, 2, arena.InUse())
}

func TestTaskStack_PushPop(t *testing.T) {
	arena := NewArena(256, 0)
	s, err := arena.Alloc()
	require.NoError(t, err)

	a := s.Push([]byte{1, 2, 3, 4})
	b := s.Push([]byte{5, 6})
	assert.Equal(t, 252, a)
	assert.Equal(t, 250, b)
	assert.True(t, s.Contains(b))
	assert.False(t, s.Contains(s.Top()))

	assert.Equal(t, []byte{5, 6}, s.Pop(b, 2))
	assert.Equal(t, []byte{1, 2, 3, 4}, s.Pop(a, 4))
	assert.Panics(t, func() { s.Pop(a, 4) })
	assert.Panics(t, func() { s.Push(make([]byte, 257)) })
}

func TestTaskStack_ParkResume(t *testing.T) {
	s, err := NewArena(256, 0).Alloc()
	require.NoError(t, err)
	halt := make(chan struct{})

	got := make(chan int)
	go func() {
		cpu, ok := s.Park(halt)
		if ok {
			got <- cpu
		}
	}()
	s.Resume(3)
	assert.Equal(t, 3, <-got)
	assert.Equal(t, 3, s.CPU())

	// Parking with nobody to resume returns on halt.
	done := make(chan bool)
	go func() {
		_, ok := s.Park(halt)
		done <- ok
	}()
	close(halt)
	assert.False(t, <-done)
}
