package file

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/sync"
)

// PipeSize is the capacity of a pipe's buffer.
const PipeSize = 512

// ErrTableFull is returned when no file table entry is free.
var ErrTableFull = &kernel.Error{Module: "file", Message: "file table full"}

// Pipe is a bounded byte channel between a read end and a write end.
type Pipe struct {
	lock sync.Spinlock
	data [PipeSize]byte

	// nread and nwrite count the bytes ever read and written; they are
	// also the channels readers and writers sleep on.
	nread  uint64
	nwrite uint64

	readOpen  bool
	writeOpen bool
}

// NewPipe creates a pipe and returns its read and write ends.
func (t *Table) NewPipe(c *cpu.CPU) (r, w *File, err *kernel.Error) {
	if r = t.Alloc(c); r == nil {
		return nil, nil, ErrTableFull
	}
	if w = t.Alloc(c); w == nil {
		t.lock.Acquire(c)
		r.ref = 0
		t.lock.Release(c)
		return nil, nil, ErrTableFull
	}

	p := &Pipe{readOpen: true, writeOpen: true}
	p.lock.Init("pipe")

	r.kind, r.pipe, r.readable, r.writable = KindPipe, p, true, false
	w.kind, w.pipe, w.readable, w.writable = KindPipe, p, false, true
	return r, w, nil
}

// Close shuts one end of the pipe and wakes anyone waiting on the other.
func (p *Pipe) Close(t sync.Sleeper, writable bool) {
	c := t.CPU()
	p.lock.Acquire(c)
	if writable {
		p.writeOpen = false
		t.Wakeup(&p.nread)
	} else {
		p.readOpen = false
		t.Wakeup(&p.nwrite)
	}
	p.lock.Release(c)
}

// Write copies src into the pipe, sleeping while it is full. It returns the
// number of bytes written, or -1 if the read end is closed or the caller is
// killed.
func (p *Pipe) Write(t Thread, src []byte) int {
	c := t.CPU()
	p.lock.Acquire(c)

	i := 0
	for i < len(src) {
		if !p.readOpen || t.Killed() {
			p.lock.Release(t.CPU())
			return -1
		}
		if p.nwrite == p.nread+PipeSize {
			t.Wakeup(&p.nread)
			t.Sleep(&p.nwrite, &p.lock)
			continue
		}
		p.data[p.nwrite%PipeSize] = src[i]
		p.nwrite++
		i++
	}

	t.Wakeup(&p.nread)
	p.lock.Release(t.CPU())
	return i
}

// Read copies up to len(dst) bytes out of the pipe, sleeping while it is
// empty and the write end is open. It returns 0 at end of file and -1 if
// the caller is killed.
func (p *Pipe) Read(t Thread, dst []byte) int {
	p.lock.Acquire(t.CPU())

	for p.nread == p.nwrite && p.writeOpen {
		if t.Killed() {
			p.lock.Release(t.CPU())
			return -1
		}
		t.Sleep(&p.nread, &p.lock)
	}

	i := 0
	for ; i < len(dst) && p.nread != p.nwrite; i++ {
		dst[i] = p.data[p.nread%PipeSize]
		p.nread++
	}

	t.Wakeup(&p.nwrite)
	p.lock.Release(t.CPU())
	return i
}
