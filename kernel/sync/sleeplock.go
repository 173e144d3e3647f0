package sync

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
)

var errSleepReleaseUnheld = &kernel.Error{Module: "sync", Message: "releasesleep: lock not held"}

// Sleeper is implemented by kernel threads that can block: they know the
// hart they run on and can sleep on and wake up channels.
type Sleeper interface {
	// CPU returns the hart the thread is currently running on.
	CPU() *cpu.CPU

	// Pid identifies the thread.
	Pid() int

	// Sleep atomically releases lk and blocks on ch; lk is held again
	// when Sleep returns.
	Sleep(ch interface{}, lk *Spinlock)

	// Wakeup makes every thread sleeping on ch runnable.
	Wakeup(ch interface{})
}

// SleepLock is a long-term lock: threads waiting for it sleep instead of
// spinning, and its holder may itself sleep while holding it.
type SleepLock struct {
	lk     Spinlock
	locked bool
	pid    int
	name   string
}

// Init names the lock and its internal spinlock.
func (l *SleepLock) Init(name string) {
	l.lk.Init("sleep lock")
	l.name = name
}

// Name returns the diagnostic name of the lock.
func (l *SleepLock) Name() string {
	return l.name
}

// Acquire blocks t until the lock is free and then takes it.
func (l *SleepLock) Acquire(t Sleeper) {
	l.lk.Acquire(t.CPU())
	for l.locked {
		t.Sleep(l, &l.lk)
	}
	l.locked = true
	l.pid = t.Pid()
	l.lk.Release(t.CPU())
}

// Release gives up the lock and wakes every thread waiting for it.
func (l *SleepLock) Release(t Sleeper) {
	if !l.Holding(t) {
		panicFn(errSleepReleaseUnheld)
		return
	}

	c := t.CPU()
	l.lk.Acquire(c)
	l.locked = false
	l.pid = 0
	l.lk.Release(c)

	t.Wakeup(l)
}

// Holding reports whether t holds the lock.
func (l *SleepLock) Holding(t Sleeper) bool {
	c := t.CPU()
	l.lk.Acquire(c)
	r := l.locked && l.pid == t.Pid()
	l.lk.Release(c)
	return r
}
