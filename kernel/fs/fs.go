// Package fs defines the file system interface used by the file layer and
// the file system calls, together with the path helpers shared by file
// system implementations.
package fs

import (
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/sync"
	"strings"
)

// DIRSIZ is the longest name a directory entry holds.
const DIRSIZ = 14

// DirentSize is the size of a directory entry as read by user programs: a
// 16-bit inode number followed by a zero-padded name.
const DirentSize = 2 + DIRSIZ

var (
	ErrNotFound  = &kernel.Error{Module: "fs", Message: "no such file or directory"}
	ErrExists    = &kernel.Error{Module: "fs", Message: "file exists"}
	ErrNotDir    = &kernel.Error{Module: "fs", Message: "not a directory"}
	ErrIsDir     = &kernel.Error{Module: "fs", Message: "is a directory"}
	ErrNotEmpty  = &kernel.Error{Module: "fs", Message: "directory not empty"}
	ErrCrossLink = &kernel.Error{Module: "fs", Message: "cannot link directories"}
	ErrBadName   = &kernel.Error{Module: "fs", Message: "invalid name"}
	ErrRange     = &kernel.Error{Module: "fs", Message: "offset out of range"}
)

// Inode is an in-memory reference to a file, directory or device node.
// Reference counting (Dup, Put) does not need the inode lock; everything
// else requires the caller to hold it.
type Inode interface {
	Dup(c *cpu.CPU)
	Put(t sync.Sleeper)

	Lock(t sync.Sleeper)
	Unlock(t sync.Sleeper)

	Type() int16
	Major() int16
	Stat() abi.Stat

	// ReadAt and WriteAt transfer data at byte offset off and return the
	// number of bytes moved.
	ReadAt(dst []byte, off uint64) (int, *kernel.Error)
	WriteAt(src []byte, off uint64) (int, *kernel.Error)

	// Truncate discards the contents of a regular file.
	Truncate()
}

// FileSystem resolves paths and changes the name space. Paths are
// resolved relative to cwd unless they start with a slash.
type FileSystem interface {
	Init(t sync.Sleeper)
	Root(c *cpu.CPU) Inode

	// Namei returns a reference to the inode at path.
	Namei(t sync.Sleeper, cwd Inode, path string) (Inode, *kernel.Error)

	// Create makes a new inode of the given type at path and returns it
	// locked. Creating a regular file over an existing file or device
	// returns the existing inode.
	Create(t sync.Sleeper, cwd Inode, path string, typ, major, minor int16) (Inode, *kernel.Error)

	// Link adds the name newPath for the file at oldPath.
	Link(t sync.Sleeper, cwd Inode, oldPath, newPath string) *kernel.Error

	// Unlink removes a name. Directories must be empty.
	Unlink(t sync.Sleeper, cwd Inode, path string) *kernel.Error
}

// SkipElem splits the first element off path. It returns the element and
// the remainder with leading slashes removed; ok is false if path holds no
// element. Elements longer than DIRSIZ are truncated.
//
//	SkipElem("a/bb/c") = "a", "bb/c", true
//	SkipElem("///a//bb") = "a", "bb", true
//	SkipElem("a") = "a", "", true
//	SkipElem("") = SkipElem("////") = "", "", false
func SkipElem(path string) (name, rest string, ok bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", "", false
	}

	name = path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		name, rest = path[:i], path[i:]
	}
	if len(name) > DIRSIZ {
		name = name[:DIRSIZ]
	}
	return name, strings.TrimLeft(rest, "/"), true
}

// IsDir reports whether typ is the directory type.
func IsDir(typ int16) bool {
	return typ == abi.TDir
}
