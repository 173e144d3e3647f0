package fs

import (
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/cpu"
	"rvos/kernel/proc"
	"rvos/kernel/sync"
)

// Loader exposes a FileSystem to the process layer, which needs the root
// directory for the first process and executable images for exec.
type Loader struct {
	FS FileSystem
}

// Init runs the file system's first-process initialization.
func (l Loader) Init(t sync.Sleeper) {
	l.FS.Init(t)
}

// Root returns a reference to the root directory.
func (l Loader) Root(c *cpu.CPU) proc.Inode {
	return l.FS.Root(c)
}

// ReadFile returns the contents of the regular file at path.
func (l Loader) ReadFile(t sync.Sleeper, cwd proc.Inode, path string) ([]byte, *kernel.Error) {
	dir, _ := cwd.(Inode)

	ip, err := l.FS.Namei(t, dir, path)
	if err != nil {
		return nil, err
	}

	ip.Lock(t)
	defer func() {
		ip.Unlock(t)
		ip.Put(t)
	}()

	if ip.Type() != abi.TFile {
		return nil, ErrIsDir
	}

	data := make([]byte, ip.Stat().Size)
	n, err := ip.ReadAt(data, 0)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}
