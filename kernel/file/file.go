// Package file implements open file objects: the system-wide file table,
// reference counting, and reads and writes dispatched to pipes, inodes and
// device drivers.
package file

import (
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/fs"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/sync"
)

// Kind identifies what an open file refers to.
type Kind uint8

const (
	KindNone Kind = iota
	KindPipe
	KindInode
	KindDevice
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errDupFree   = &kernel.Error{Module: "file", Message: "filedup"}
	errCloseFree = &kernel.Error{Module: "file", Message: "fileclose"}
	errBadMajor  = &kernel.Error{Module: "file", Message: "device major out of range"}
	errRead      = &kernel.Error{Module: "file", Message: "fileread"}
	errWrite     = &kernel.Error{Module: "file", Message: "filewrite"}
)

// Thread is the process on whose behalf a file operation runs.
type Thread interface {
	sync.Sleeper

	// Killed reports whether the process has been asked to exit.
	Killed() bool

	// Pagetable returns the process's user page table.
	Pagetable() vmm.PageTable
}

// Device is a character device driver reachable through a device inode.
type Device interface {
	Read(t Thread, dst []byte) int
	Write(t Thread, src []byte) int
}

// File is an open file.
type File struct {
	table *Table

	// ref is guarded by table.lock.
	ref int

	kind     Kind
	readable bool
	writable bool
	pipe     *Pipe
	ip       fs.Inode
	major    int16

	// off is guarded by ip's lock.
	off uint64
}

// Kind returns what f refers to.
func (f *File) Kind() Kind {
	return f.kind
}

// Readable reports whether f was opened for reading.
func (f *File) Readable() bool {
	return f.readable
}

// Writable reports whether f was opened for writing.
func (f *File) Writable() bool {
	return f.writable
}

// Table is the system-wide table of open files, together with the device
// switch that maps major numbers to drivers.
type Table struct {
	lock  sync.Spinlock
	files [kernel.NFILE]File
	devsw [kernel.NDEV]Device
}

// NewTable returns an empty file table with no devices registered.
func NewTable() *Table {
	t := &Table{}
	t.lock.Init("ftable")
	for i := range t.files {
		t.files[i].table = t
	}
	return t
}

// Register installs the driver for a device major number.
func (t *Table) Register(major int16, d Device) *kernel.Error {
	if major < 0 || int(major) >= len(t.devsw) {
		return errBadMajor
	}
	t.devsw[major] = d
	return nil
}

// device returns the driver for major, or nil.
func (t *Table) device(major int16) Device {
	if major < 0 || int(major) >= len(t.devsw) {
		return nil
	}
	return t.devsw[major]
}

// Alloc returns an unused file with one reference, or nil if the table is
// full.
func (t *Table) Alloc(c *cpu.CPU) *File {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	for i := range t.files {
		f := &t.files[i]
		if f.ref == 0 {
			f.ref = 1
			return f
		}
	}
	return nil
}

// InUse returns the number of files with at least one reference.
func (t *Table) InUse(c *cpu.CPU) int {
	t.lock.Acquire(c)
	defer t.lock.Release(c)

	n := 0
	for i := range t.files {
		if t.files[i].ref > 0 {
			n++
		}
	}
	return n
}

// OpenInode turns f into an open inode or device file. It takes over the
// caller's reference to ip.
func (f *File) OpenInode(ip fs.Inode, readable, writable bool) {
	f.kind = KindInode
	if ip.Type() == abi.TDevice {
		f.kind = KindDevice
		f.major = ip.Major()
	}
	f.ip = ip
	f.off = 0
	f.readable = readable
	f.writable = writable
}

// Dup adds a reference to f.
func (f *File) Dup(c *cpu.CPU) {
	t := f.table
	t.lock.Acquire(c)
	if f.ref < 1 {
		panicFn(errDupFree)
	}
	f.ref++
	t.lock.Release(c)
}

// Close drops a reference to f. The last reference closes the underlying
// pipe end or releases the inode.
func (f *File) Close(th sync.Sleeper) {
	t := f.table
	c := th.CPU()

	t.lock.Acquire(c)
	if f.ref < 1 {
		panicFn(errCloseFree)
	}
	f.ref--
	if f.ref > 0 {
		t.lock.Release(c)
		return
	}

	kind, pipe, writable, ip := f.kind, f.pipe, f.writable, f.ip
	f.kind, f.pipe, f.ip = KindNone, nil, nil
	f.readable, f.writable = false, false
	f.off, f.major = 0, 0
	t.lock.Release(c)

	switch kind {
	case KindPipe:
		pipe.Close(th, writable)
	case KindInode, KindDevice:
		ip.Put(th)
	}
}

// Stat copies the metadata of an inode or device file to user address
// addr. It returns 0 on success and -1 otherwise.
func (f *File) Stat(t Thread, addr uint64) int {
	if f.kind != KindInode && f.kind != KindDevice {
		return -1
	}

	f.ip.Lock(t)
	st := f.ip.Stat()
	f.ip.Unlock(t)

	if err := t.Pagetable().CopyOut(addr, st.Marshal()); err != nil {
		return -1
	}
	return 0
}

// Read reads up to len(dst) bytes from f and returns the number read, or
// -1 on error.
func (f *File) Read(t Thread, dst []byte) int {
	if !f.readable {
		return -1
	}

	switch f.kind {
	case KindPipe:
		return f.pipe.Read(t, dst)
	case KindDevice:
		d := f.table.device(f.major)
		if d == nil {
			return -1
		}
		return d.Read(t, dst)
	case KindInode:
		f.ip.Lock(t)
		defer f.ip.Unlock(t)

		n, err := f.ip.ReadAt(dst, f.off)
		if err != nil {
			if err == fs.ErrRange {
				return 0
			}
			return -1
		}
		f.off += uint64(n)
		return n
	}

	panicFn(errRead)
	return -1
}

// Write writes src to f and returns the number of bytes written, or -1 on
// error.
func (f *File) Write(t Thread, src []byte) int {
	if !f.writable {
		return -1
	}

	switch f.kind {
	case KindPipe:
		return f.pipe.Write(t, src)
	case KindDevice:
		d := f.table.device(f.major)
		if d == nil {
			return -1
		}
		return d.Write(t, src)
	case KindInode:
		f.ip.Lock(t)
		defer f.ip.Unlock(t)

		n, err := f.ip.WriteAt(src, f.off)
		f.off += uint64(n)
		if err != nil || n != len(src) {
			return -1
		}
		return n
	}

	panicFn(errWrite)
	return -1
}
