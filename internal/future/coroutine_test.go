package future

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// countdown is ready after n polls and wakes its waker on every pending poll.
type countdown struct {
	n     int
	wakes int
}

func (c *countdown) Poll(cx *Context) (int, bool) {
	if c.n == 0 {
		return 42, true
	}
	c.n--
	c.wakes++
	cx.Waker().Wake()
	return 0, false
}

func TestCoroutine_AwaitSuspendsUntilReady(t *testing.T) {
	defer goleak.VerifyNone(t)

	woken := 0
	cx := NewContext(NewWaker(&woken, func() { woken++ }))
	inner := &countdown{n: 2}

	var steps []string
	co := Go(func(co *Co) int32 {
		steps = append(steps, "start")
		v := Await[int](co, inner)
		steps = append(steps, "resumed")
		return int32(v)
	})

	_, ok := co.Poll(cx)
	require.False(t, ok)
	_, ok = co.Poll(cx)
	require.False(t, ok)

	v, ok := co.Poll(cx)
	require.True(t, ok)
	assert.Equal(t, int32(42), v)
	assert.Equal(t, []string{"start", "resumed"}, steps)
	assert.Equal(t, 2, woken)

	// a finished coroutine keeps reporting its result
	v, ok = co.Poll(cx)
	assert.True(t, ok)
	assert.Equal(t, int32(42), v)
}

func TestCoroutine_CloseUnwindsSuspendedBody(t *testing.T) {
	defer goleak.VerifyNone(t)

	cx := NewContext(Waker{})
	unwound := make(chan struct{})
	co := Go(func(co *Co) int {
		defer close(unwound)
		Await[int](co, PollFunc[int](func(*Context) (int, bool) { return 0, false }))
		return 1
	})

	_, ok := co.Poll(cx)
	require.False(t, ok)

	co.Close()
	<-unwound

	_, ok = co.Poll(cx)
	assert.False(t, ok)
	assert.False(t, co.Finished())
}

func TestCoroutine_CloseBeforeFirstPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	co := Go(func(*Co) int { return 1 })
	co.Close()
	assert.False(t, co.Finished())
}

func TestWaker_WillWake(t *testing.T) {
	a, b := new(int), new(int)
	wa := NewWaker(a, func() {})
	assert.True(t, wa.WillWake(NewWaker(a, nil)))
	assert.False(t, wa.WillWake(NewWaker(b, nil)))
	assert.False(t, Waker{}.WillWake(Waker{}))
	assert.True(t, Waker{}.IsZero())
}
