// Package memfs is an in-memory file system with xv6 semantics: inodes
// with link counts and per-inode sleep locks, directories holding "." and
// ".." entries, and path names resolved one element at a time.
package memfs

import (
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/fs"
	"rvos/kernel/kfmt"
	"rvos/kernel/sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// RootIno is the inode number of the root directory.
const RootIno = 1

// nameKey identifies a directory entry in the name cache.
type nameKey struct {
	dir  uint32
	name string
}

// nameEntry is a cached lookup result: the entry's inode and its position
// in the directory. A position made stale by an unlink fails validation and
// the lookup falls back to a scan.
type nameEntry struct {
	inum uint32
	idx  int
}

// FS is an in-memory file system.
type FS struct {
	dev int32
	log *zap.Logger

	// lock guards the inode map and every inode's ref count.
	lock   sync.Spinlock
	inodes map[uint32]*Inode
	next   uint32

	// names caches directory lookups; entries are dropped when the name
	// is unlinked.
	names  *lru.Cache[nameKey, nameEntry]
	hits   atomic.Uint64
	misses atomic.Uint64

	root   *Inode
	inited atomic.Bool
}

// New returns an empty file system holding only the root directory. Up to
// cacheSize directory lookups are cached.
func New(dev int32, cacheSize int) (*FS, error) {
	names, err := lru.New[nameKey, nameEntry](cacheSize)
	if err != nil {
		return nil, err
	}

	f := &FS{
		dev:    dev,
		log:    kfmt.Log("fs"),
		inodes: make(map[uint32]*Inode),
		next:   RootIno,
		names:  names,
	}
	f.lock.Init("itable")

	f.root = f.alloc(abi.TDir)
	f.root.nlink = 1
	f.root.dir = []dirent{{RootIno, "."}, {RootIno, ".."}}
	return f, nil
}

// alloc creates an unlinked inode of the given type with no references.
// The caller holds f.lock or owns f exclusively.
func (f *FS) alloc(typ int16) *Inode {
	ip := &Inode{fs: f, inum: f.next, typ: typ}
	ip.lock.Init("inode")
	f.inodes[ip.inum] = ip
	f.next++
	return ip
}

// get returns a new reference to inode inum.
func (f *FS) get(c *cpu.CPU, inum uint32) *Inode {
	f.lock.Acquire(c)
	ip := f.inodes[inum]
	if ip != nil {
		ip.ref++
	}
	f.lock.Release(c)
	return ip
}

// Init runs from the first process. It only logs the mount since there is
// no on-disk log to recover.
func (f *FS) Init(t sync.Sleeper) {
	if f.inited.CompareAndSwap(false, true) {
		f.log.Info("file system ready", zap.Int32("dev", f.dev), zap.Int("inodes", f.Inodes()))
	}
}

// Inodes returns the number of live inodes.
func (f *FS) Inodes() int {
	return len(f.inodes)
}

// CachedNames returns the number of cached directory lookups.
func (f *FS) CachedNames() int {
	return f.names.Len()
}

// CacheStats returns how many directory lookups were answered by the name
// cache and how many needed a directory scan.
func (f *FS) CacheStats() (hits, misses uint64) {
	return f.hits.Load(), f.misses.Load()
}

// Root returns a reference to the root directory.
func (f *FS) Root(c *cpu.CPU) fs.Inode {
	return f.get(c, RootIno)
}

func (f *FS) start(c *cpu.CPU, cwd fs.Inode, path string) *Inode {
	if len(path) > 0 && path[0] == '/' {
		return f.get(c, RootIno)
	}
	if ip, ok := cwd.(*Inode); ok && ip != nil {
		ip.Dup(c)
		return ip
	}
	return f.get(c, RootIno)
}

// namex looks up path and returns its inode. If parent is set it returns
// the inode of the parent directory instead, along with the final path
// element.
func (f *FS) namex(t sync.Sleeper, cwd fs.Inode, path string, parent bool) (*Inode, string, *kernel.Error) {
	ip := f.start(t.CPU(), cwd, path)

	var name string
	for {
		var ok bool
		name, path, ok = fs.SkipElem(path)
		if !ok {
			break
		}

		ip.Lock(t)
		if ip.typ != abi.TDir {
			ip.unlockPut(t)
			return nil, "", fs.ErrNotDir
		}
		if parent && path == "" {
			// Stop one level early.
			ip.Unlock(t)
			return ip, name, nil
		}

		inum, _, found := ip.lookup(name)
		var next *Inode
		if found {
			next = f.get(t.CPU(), inum)
		}
		ip.unlockPut(t)
		if next == nil {
			return nil, "", fs.ErrNotFound
		}
		ip = next
	}

	if parent {
		ip.Put(t)
		return nil, "", fs.ErrBadName
	}
	return ip, name, nil
}

// Namei returns a reference to the inode at path.
func (f *FS) Namei(t sync.Sleeper, cwd fs.Inode, path string) (fs.Inode, *kernel.Error) {
	ip, _, err := f.namex(t, cwd, path, false)
	if err != nil {
		return nil, err
	}
	return ip, nil
}

// Create makes a new inode at path and returns it locked.
func (f *FS) Create(t sync.Sleeper, cwd fs.Inode, path string, typ, major, minor int16) (fs.Inode, *kernel.Error) {
	dp, name, err := f.namex(t, cwd, path, true)
	if err != nil {
		return nil, err
	}
	c := t.CPU()

	dp.Lock(t)
	if inum, _, ok := dp.lookup(name); ok {
		ip := f.get(c, inum)
		dp.unlockPut(t)
		ip.Lock(t)
		if typ == abi.TFile && (ip.typ == abi.TFile || ip.typ == abi.TDevice) {
			return ip, nil
		}
		ip.unlockPut(t)
		return nil, fs.ErrExists
	}

	f.lock.Acquire(c)
	ip := f.alloc(typ)
	ip.ref = 1
	f.lock.Release(c)

	ip.Lock(t)
	ip.major, ip.minor = major, minor
	ip.nlink = 1

	if typ == abi.TDir {
		// No nlink++ for ".": avoid a cyclic ref count.
		ip.dir = []dirent{{ip.inum, "."}, {dp.inum, ".."}}
	}

	if err := dp.link(name, ip.inum); err != nil {
		ip.nlink = 0
		ip.unlockPut(t)
		dp.unlockPut(t)
		return nil, err
	}

	if typ == abi.TDir {
		// Now that success is guaranteed, count the ".." link.
		dp.nlink++
	}

	dp.unlockPut(t)
	return ip, nil
}

// Link creates the name newPath for the existing file oldPath.
func (f *FS) Link(t sync.Sleeper, cwd fs.Inode, oldPath, newPath string) *kernel.Error {
	ip, _, err := f.namex(t, cwd, oldPath, false)
	if err != nil {
		return err
	}

	ip.Lock(t)
	if ip.typ == abi.TDir {
		ip.unlockPut(t)
		return fs.ErrCrossLink
	}
	ip.nlink++
	ip.Unlock(t)

	dp, name, err := f.namex(t, cwd, newPath, true)
	if err == nil {
		dp.Lock(t)
		err = dp.link(name, ip.inum)
		dp.unlockPut(t)
	}

	if err != nil {
		ip.Lock(t)
		ip.nlink--
		ip.unlockPut(t)
		return err
	}

	ip.Put(t)
	return nil
}

// Unlink removes the name path. Directories must be empty; "." and ".."
// cannot be unlinked.
func (f *FS) Unlink(t sync.Sleeper, cwd fs.Inode, path string) *kernel.Error {
	dp, name, err := f.namex(t, cwd, path, true)
	if err != nil {
		return err
	}

	dp.Lock(t)
	if name == "." || name == ".." {
		dp.unlockPut(t)
		return fs.ErrBadName
	}

	inum, off, ok := dp.lookup(name)
	if !ok {
		dp.unlockPut(t)
		return fs.ErrNotFound
	}

	ip := f.get(t.CPU(), inum)
	ip.Lock(t)

	if ip.nlink < 1 {
		panicFn(errLinkCount)
	}
	if ip.typ == abi.TDir && !ip.isEmpty() {
		ip.unlockPut(t)
		dp.unlockPut(t)
		return fs.ErrNotEmpty
	}

	dp.unlinkAt(off)
	if ip.typ == abi.TDir {
		dp.nlink--
	}
	dp.unlockPut(t)

	ip.nlink--
	ip.unlockPut(t)
	return nil
}
