package sync

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"runtime"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockPanic(t *testing.T) *[]interface{} {
	var calls []interface{}
	orig := panicFn
	panicFn = func(e interface{}) { calls = append(calls, e) }
	t.Cleanup(func() { panicFn = orig })
	return &calls
}

func TestSpinlock(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         = NewSpinlock("test")
		wg         gosync.WaitGroup
		numWorkers = 10
		owner      = cpu.New(0)
	)

	sl.Acquire(owner)
	require.True(t, sl.Holding(owner))

	other := cpu.New(1)
	if sl.TryToAcquire(other) != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}
	assert.Equal(t, 0, other.Noff, "failed TryToAcquire must undo its PushOff")

	var inside int32
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer wg.Done()
			c := cpu.New(worker + 1)
			sl.Acquire(c)
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("worker %d: %d harts inside the critical section", worker, n)
			}
			atomic.AddInt32(&inside, -1)
			sl.Release(c)
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	sl.Release(owner)
	wg.Wait()
	assert.False(t, sl.Holding(owner))
	assert.Equal(t, "test", sl.Name())
}

func TestSpinlockTwoHarts(t *testing.T) {
	var (
		sl       Spinlock
		hart0    = cpu.New(0)
		hart1    = cpu.New(1)
		acquired = make(chan struct{})
	)

	sl.Acquire(hart0)

	go func() {
		sl.Acquire(hart1)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second hart acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	assert.True(t, sl.Holding(hart0))
	assert.False(t, sl.Holding(hart1))

	sl.Release(hart0)
	<-acquired

	assert.True(t, sl.Holding(hart1))
	assert.False(t, sl.Holding(hart0))
	sl.Release(hart1)
}

func TestSpinlockInterruptState(t *testing.T) {
	var (
		a, b Spinlock
		c    = cpu.New(0)
	)

	c.IntrOn()
	a.Acquire(c)
	assert.False(t, c.IntrGet(), "interrupts must be off while a lock is held")
	assert.True(t, c.Intena)

	b.Acquire(c)
	assert.Equal(t, 2, c.Noff)

	a.Release(c)
	assert.False(t, c.IntrGet(), "interrupts stay off until the outermost release")

	b.Release(c)
	assert.True(t, c.IntrGet())
	assert.Equal(t, 0, c.Noff)

	c.IntrOff()
	a.Acquire(c)
	a.Release(c)
	assert.False(t, c.IntrGet(), "interrupts that were off stay off")
}

func TestSpinlockFatalConditions(t *testing.T) {
	t.Run("release unheld", func(t *testing.T) {
		calls := mockPanic(t)
		var sl Spinlock
		sl.Release(cpu.New(0))
		require.Len(t, *calls, 1)
		assert.Equal(t, errReleaseUnheld, (*calls)[0])
	})

	t.Run("release by another hart", func(t *testing.T) {
		calls := mockPanic(t)
		var sl Spinlock
		owner := cpu.New(0)
		sl.Acquire(owner)
		sl.Release(cpu.New(1))
		require.Len(t, *calls, 1)
		assert.True(t, sl.Holding(owner))
	})

	t.Run("acquire held", func(t *testing.T) {
		calls := mockPanic(t)
		var sl Spinlock
		c := cpu.New(0)
		sl.Acquire(c)
		sl.Acquire(c)
		require.Len(t, *calls, 1)
		assert.Equal(t, errAcquireHeld, (*calls)[0])
	})

	t.Run("pop without push", func(t *testing.T) {
		calls := mockPanic(t)
		PopOff(cpu.New(0))
		require.Len(t, *calls, 1)
		assert.Equal(t, errPopOffDepth, (*calls)[0])
	})

	t.Run("pop while interruptible", func(t *testing.T) {
		calls := mockPanic(t)
		c := cpu.New(0)
		PushOff(c)
		c.IntrOn()
		PopOff(c)
		require.Len(t, *calls, 1)
		assert.IsType(t, &kernel.Error{}, (*calls)[0])
		assert.Equal(t, errPopOffIntr, (*calls)[0])
	})
}

func TestPopOffDeliversPendingInterrupt(t *testing.T) {
	c := cpu.New(0)
	taken := 0
	c.SetTrapHandler(func(c *cpu.CPU) {
		taken++
		c.Clear(cpu.SipSSIP)
	})

	c.IntrOn()
	PushOff(c)
	c.Raise(cpu.SipSSIP)
	assert.Equal(t, 0, taken)

	PopOff(c)
	assert.Equal(t, 1, taken)
}
