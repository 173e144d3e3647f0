package cpu

import (
	"rvos/kernel"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	syscpu "golang.org/x/sys/cpu"
)

func TestInterruptEnable(t *testing.T) {
	c := New(0)
	require.False(t, c.IntrGet())

	c.IntrOn()
	assert.True(t, c.IntrGet())

	c.IntrOff()
	assert.False(t, c.IntrGet())
}

func TestRaiseClear(t *testing.T) {
	c := New(0)

	_, ok := c.Pending()
	require.False(t, ok)

	c.Raise(SipSSIP)
	cause, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, IntrSoftware, cause)

	c.Raise(SipSEIP)
	cause, _ = c.Pending()
	assert.Equal(t, IntrExternal, cause, "external interrupts take priority")

	c.Clear(SipSEIP | SipSSIP)
	_, ok = c.Pending()
	assert.False(t, ok)
}

func TestInterruptDelivery(t *testing.T) {
	t.Run("not delivered while disabled", func(t *testing.T) {
		c := New(0)
		calls := 0
		c.SetTrapHandler(func(*CPU) { calls++ })

		c.Raise(SipSSIP)
		c.IntrOff()
		assert.Equal(t, 0, calls)
	})

	t.Run("delivered on enable with trap entry state", func(t *testing.T) {
		c := New(0)
		var (
			calls      int
			seenStatus uint64
			seenCause  uint64
		)
		c.SetTrapHandler(func(c *CPU) {
			calls++
			seenStatus, seenCause = c.Sstatus(), c.Scause
			c.Clear(SipSSIP)
		})

		c.Sepc = 0x1234
		c.Raise(SipSSIP)
		c.IntrOn()

		require.Equal(t, 1, calls)
		assert.Equal(t, IntrSoftware, seenCause)
		assert.Zero(t, seenStatus&SstatusSIE, "handler must run with interrupts off")
		assert.NotZero(t, seenStatus&SstatusSPP, "trap taken from supervisor mode")
		assert.NotZero(t, seenStatus&SstatusSPIE)

		assert.True(t, c.IntrGet(), "sret restores the interrupt enable bit")
		assert.Equal(t, uint64(0x1234), c.Sepc)
	})

	t.Run("all pending interrupts are drained", func(t *testing.T) {
		c := New(0)
		var causes []uint64
		c.SetTrapHandler(func(c *CPU) {
			causes = append(causes, c.Scause)
			switch c.Scause {
			case IntrExternal:
				c.Clear(SipSEIP)
			case IntrSoftware:
				c.Clear(SipSSIP)
			}
		})

		c.Raise(SipSSIP | SipSEIP)
		c.IntrOn()
		assert.Equal(t, []uint64{IntrExternal, IntrSoftware}, causes)
	})
}

func TestPowerOff(t *testing.T) {
	c := New(3)
	assert.Equal(t, NoProc, c.Proc)
	assert.False(t, c.Off())
	c.PowerOff()
	assert.True(t, c.Off())
}

func TestWaitForInterrupt(t *testing.T) {
	defer func(orig func()) { idleFn = orig }(idleFn)

	idled := 0
	idleFn = func() { idled++ }

	c := New(0)
	c.WaitForInterrupt()
	assert.Equal(t, 1, idled)

	c.Raise(SipSSIP)
	c.WaitForInterrupt()
	assert.Equal(t, 1, idled, "a pending interrupt must not idle the hart")
}

func TestHalt(t *testing.T) {
	assert.PanicsWithValue(t, errHalted, Halt)

	halted := func() (r interface{}) {
		defer func() { r = recover() }()
		Halt()
		return nil
	}()
	assert.True(t, IsHalt(halted))
	assert.False(t, IsHalt(nil))
	assert.False(t, IsHalt("system halted"))
	assert.False(t, IsHalt(&kernel.Error{Module: "cpu", Message: "system halted"}))
}

func TestPadding(t *testing.T) {
	pad := unsafe.Sizeof(syscpu.CacheLinePad{})
	assert.Equal(t, pad, unsafe.Offsetof(CPU{}.ID), "no hart field shares the leading cache line")
	assert.GreaterOrEqual(t, unsafe.Sizeof(CPU{}), 2*pad)
}

func TestCauseName(t *testing.T) {
	assert.Equal(t, "environment call from U-mode", CauseName(ExcUserEcall))
	assert.Equal(t, "unknown", CauseName(42))
}
