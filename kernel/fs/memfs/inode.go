package memfs

import (
	"encoding/binary"
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/fs"
	"rvos/kernel/kfmt"
	"rvos/kernel/sync"
)

// maxFileSize matches a disk inode with 12 direct blocks and one indirect
// block of 256 entries, 1KiB each.
const maxFileSize = (12 + 256) * 1024

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errFileTooLarge = &kernel.Error{Module: "memfs", Message: "file too large"}
	errLinkCount    = &kernel.Error{Module: "memfs", Message: "unlink: nlink < 1"}
)

type dirent struct {
	inum uint32
	name string
}

// Inode is a file, directory or device node.
type Inode struct {
	fs   *FS
	inum uint32

	// ref is guarded by fs.lock.
	ref int

	// lock protects everything below.
	lock  sync.SleepLock
	typ   int16
	major int16
	minor int16
	nlink int16
	data  []byte
	dir   []dirent
}

// Inum returns the inode number.
func (ip *Inode) Inum() uint32 {
	return ip.inum
}

// Dup adds a reference to ip.
func (ip *Inode) Dup(c *cpu.CPU) {
	ip.fs.lock.Acquire(c)
	ip.ref++
	ip.fs.lock.Release(c)
}

// Put drops a reference to ip. Once the last reference to an inode with no
// links is gone the inode and its contents are freed.
func (ip *Inode) Put(t sync.Sleeper) {
	f := ip.fs
	c := t.CPU()

	f.lock.Acquire(c)
	ip.ref--
	if ip.ref == 0 && ip.nlink == 0 {
		delete(f.inodes, ip.inum)
		ip.data, ip.dir = nil, nil
		ip.typ = 0
	}
	f.lock.Release(c)
}

// Lock acquires the inode's sleep lock.
func (ip *Inode) Lock(t sync.Sleeper) {
	ip.lock.Acquire(t)
}

// Unlock releases the inode's sleep lock.
func (ip *Inode) Unlock(t sync.Sleeper) {
	ip.lock.Release(t)
}

// unlockPut is the common idiom of unlocking and then dropping a reference.
func (ip *Inode) unlockPut(t sync.Sleeper) {
	ip.Unlock(t)
	ip.Put(t)
}

// Type returns the file type.
func (ip *Inode) Type() int16 {
	return ip.typ
}

// Major returns the device number of a device node.
func (ip *Inode) Major() int16 {
	return ip.major
}

func (ip *Inode) size() uint64 {
	if ip.typ == abi.TDir {
		return uint64(len(ip.dir) * fs.DirentSize)
	}
	return uint64(len(ip.data))
}

// Stat returns the inode metadata.
func (ip *Inode) Stat() abi.Stat {
	return abi.Stat{
		Dev:   ip.fs.dev,
		Ino:   ip.inum,
		Type:  ip.typ,
		Nlink: ip.nlink,
		Size:  ip.size(),
	}
}

// ReadAt reads from the inode at offset off. Directories read as a
// sequence of fixed-size entries.
func (ip *Inode) ReadAt(dst []byte, off uint64) (int, *kernel.Error) {
	var src []byte
	switch ip.typ {
	case abi.TDir:
		src = ip.dirBytes()
	default:
		src = ip.data
	}

	if off > uint64(len(src)) {
		return 0, fs.ErrRange
	}
	return copy(dst, src[off:]), nil
}

// WriteAt writes to a regular file at offset off, growing it as needed.
func (ip *Inode) WriteAt(src []byte, off uint64) (int, *kernel.Error) {
	if ip.typ == abi.TDir {
		return 0, fs.ErrIsDir
	}
	if off > uint64(len(ip.data)) || off+uint64(len(src)) < off {
		return 0, fs.ErrRange
	}
	if off+uint64(len(src)) > maxFileSize {
		return 0, errFileTooLarge
	}

	end := off + uint64(len(src))
	if end > uint64(len(ip.data)) {
		ip.data = append(ip.data, make([]byte, end-uint64(len(ip.data)))...)
	}
	return copy(ip.data[off:], src), nil
}

// Truncate discards the file contents.
func (ip *Inode) Truncate() {
	ip.data = nil
}

func (ip *Inode) dirBytes() []byte {
	out := make([]byte, len(ip.dir)*fs.DirentSize)
	for i, de := range ip.dir {
		b := out[i*fs.DirentSize:]
		binary.LittleEndian.PutUint16(b, uint16(de.inum))
		copy(b[2:2+fs.DIRSIZ], de.name)
	}
	return out
}

// lookup returns the entry for name in directory ip. The caller holds
// ip's lock.
func (ip *Inode) lookup(name string) (uint32, int, bool) {
	f := ip.fs
	key := nameKey{dir: ip.inum, name: name}
	if e, ok := f.names.Get(key); ok {
		if e.idx < len(ip.dir) && ip.dir[e.idx].inum == e.inum && ip.dir[e.idx].name == name {
			f.hits.Add(1)
			return e.inum, e.idx, true
		}
		f.names.Remove(key)
	}

	f.misses.Add(1)
	for i, de := range ip.dir {
		if de.name == name {
			f.names.Add(key, nameEntry{inum: de.inum, idx: i})
			return de.inum, i, true
		}
	}
	return 0, -1, false
}

// link adds the entry name -> inum to directory ip.
func (ip *Inode) link(name string, inum uint32) *kernel.Error {
	if name == "" {
		return fs.ErrBadName
	}
	if _, _, ok := ip.lookup(name); ok {
		return fs.ErrExists
	}
	ip.dir = append(ip.dir, dirent{inum: inum, name: name})
	ip.fs.names.Add(nameKey{dir: ip.inum, name: name}, nameEntry{inum: inum, idx: len(ip.dir) - 1})
	return nil
}

// unlinkAt removes entry i from directory ip.
func (ip *Inode) unlinkAt(i int) {
	name := ip.dir[i].name
	ip.dir = append(ip.dir[:i], ip.dir[i+1:]...)
	ip.fs.names.Remove(nameKey{dir: ip.inum, name: name})
}

// isEmpty reports whether directory ip holds only "." and "..".
func (ip *Inode) isEmpty() bool {
	for _, de := range ip.dir {
		if de.name != "." && de.name != ".." {
			return false
		}
	}
	return true
}
