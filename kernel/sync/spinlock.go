// Package sync provides the kernel's mutual exclusion primitives: spinlocks
// that keep interrupts off while held and sleeplocks that block through the
// scheduler.
package sync

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is called between failed acquire attempts so that the host
	// thread backing the owning hart gets a chance to run.
	yieldFn = runtime.Gosched

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errAcquireHeld   = &kernel.Error{Module: "sync", Message: "acquire: lock already held by this cpu"}
	errReleaseUnheld = &kernel.Error{Module: "sync", Message: "release: lock not held by this cpu"}
	errPopOffIntr    = &kernel.Error{Module: "sync", Message: "pop_off: interruptible"}
	errPopOffDepth   = &kernel.Error{Module: "sync", Message: "pop_off: not pushed"}
)

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available. Interrupts stay disabled on the owning
// hart for as long as the lock is held.
type Spinlock struct {
	state uint32
	owner atomic.Pointer[cpu.CPU]
	name  string
}

// NewSpinlock returns an unlocked spinlock.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Init names the lock. It must be called before the lock is shared.
func (l *Spinlock) Init(name string) {
	l.name = name
}

// Name returns the diagnostic name of the lock.
func (l *Spinlock) Name() string {
	return l.name
}

// Acquire blocks until the lock can be acquired by hart c. Acquiring a lock
// that c already holds is fatal.
func (l *Spinlock) Acquire(c *cpu.CPU) {
	PushOff(c)
	if l.Holding(c) {
		panicFn(errAcquireHeld)
		return
	}

	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		yieldFn()
	}
	l.owner.Store(c)
}

// TryToAcquire attempts to acquire the lock without spinning and returns
// true if the lock was acquired.
func (l *Spinlock) TryToAcquire(c *cpu.CPU) bool {
	PushOff(c)
	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		PopOff(c)
		return false
	}
	l.owner.Store(c)
	return true
}

// Release relinquishes a lock held by hart c. Releasing a lock that c does
// not hold is fatal.
func (l *Spinlock) Release(c *cpu.CPU) {
	if !l.Holding(c) {
		panicFn(errReleaseUnheld)
		return
	}

	l.owner.Store(nil)
	atomic.StoreUint32(&l.state, 0)
	PopOff(c)
}

// Holding reports whether hart c holds the lock.
func (l *Spinlock) Holding(c *cpu.CPU) bool {
	return atomic.LoadUint32(&l.state) == 1 && l.owner.Load() == c
}
