package cpu

import "runtime"

// Context is the saved state of a kernel thread. A process context starts
// out with RA set to its entry point; the first Switch into it launches the
// thread, later switches resume it where it last called Switch.
type Context struct {
	// RA is the function the thread starts executing.
	RA func()

	// SP is the top of the kernel stack the thread runs on.
	SP uint64

	resume  chan struct{}
	started bool
}

// Switch suspends the calling kernel thread, saving it in old, and transfers
// control to new. It returns once another thread switches back to old.
//
// Switch is the only place where control moves between kernel threads.
// Every kernel thread is a goroutine and exactly one of them runs per hart:
// the caller parks on old's channel after handing the hart to new. A thread
// whose context has been retired never returns from Switch.
func Switch(old, new *Context) {
	if old.resume == nil {
		old.resume = make(chan struct{}, 1)
	}
	wait := old.resume
	old.started = true

	switch {
	case !new.started:
		if new.RA == nil {
			panic("swtch: context has no entry point")
		}
		new.started = true
		if new.resume == nil {
			new.resume = make(chan struct{}, 1)
		}
		go run(new.RA)
	default:
		new.resume <- struct{}{}
	}

	if _, ok := <-wait; !ok {
		runtime.Goexit()
	}
}

// Retire releases a context whose thread will never be switched to again.
// The parked thread exits and the context can be reinitialized.
func (ctx *Context) Retire() {
	if ctx.resume != nil {
		close(ctx.resume)
	}
	*ctx = Context{}
}

func run(entry func()) {
	entry()
	panic("swtch: kernel thread returned")
}
