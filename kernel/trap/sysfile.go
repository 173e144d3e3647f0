package trap

import (
	"encoding/binary"
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/fs"
	"rvos/kernel/mm"
	"rvos/kernel/proc"
)

// maxIO bounds the kernel buffer used by a single read; larger reads
// return short counts.
const maxIO = 16 * mm.PageSize

func cwd(p *proc.Proc) fs.Inode {
	ip, _ := p.Cwd().(fs.Inode)
	return ip
}

func (h *Handler) sysDup(p *proc.Proc) uint64 {
	_, f, err := argfd(p, 0)
	if err != nil {
		return fail
	}
	fd := p.FdAlloc(f)
	if fd < 0 {
		return fail
	}
	f.Dup(p.CPU())
	return result(fd)
}

func (h *Handler) sysRead(p *proc.Proc) uint64 {
	addr := argaddr(p, 1)
	n := argint(p, 2)
	_, f, err := argfd(p, 0)
	if err != nil || n < 0 {
		return fail
	}
	if uint64(n) > maxIO {
		n = int(maxIO)
	}

	buf := make([]byte, n)
	got := f.Read(p, buf)
	if got < 0 {
		return fail
	}
	if err := p.Pagetable().CopyOut(addr, buf[:got]); err != nil {
		return fail
	}
	return result(got)
}

func (h *Handler) sysWrite(p *proc.Proc) uint64 {
	addr := argaddr(p, 1)
	n := argint(p, 2)
	_, f, err := argfd(p, 0)
	if err != nil || n < 0 {
		return fail
	}

	// Write a page at a time so a large write does not need a large
	// kernel buffer.
	buf := make([]byte, mm.PageSize)
	for i := 0; i < n; {
		chunk := buf
		if rest := n - i; rest < len(chunk) {
			chunk = chunk[:rest]
		}
		if err := p.Pagetable().CopyIn(chunk, addr+uint64(i)); err != nil {
			return fail
		}
		if r := f.Write(p, chunk); r != len(chunk) {
			return fail
		}
		i += len(chunk)
	}
	return result(n)
}

func (h *Handler) sysClose(p *proc.Proc) uint64 {
	fd, f, err := argfd(p, 0)
	if err != nil {
		return fail
	}
	p.SetFile(fd, nil)
	f.Close(p)
	return 0
}

func (h *Handler) sysFstat(p *proc.Proc) uint64 {
	addr := argaddr(p, 1)
	_, f, err := argfd(p, 0)
	if err != nil {
		return fail
	}
	return result(f.Stat(p, addr))
}

// sysLink creates the path new as a link to the same inode as old.
func (h *Handler) sysLink(p *proc.Proc) uint64 {
	oldPath, err := argstr(p, 0, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	newPath, err := argstr(p, 1, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	if err := h.fs.Link(p, cwd(p), oldPath, newPath); err != nil {
		return fail
	}
	return 0
}

func (h *Handler) sysUnlink(p *proc.Proc) uint64 {
	path, err := argstr(p, 0, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	if err := h.fs.Unlink(p, cwd(p), path); err != nil {
		return fail
	}
	return 0
}

func (h *Handler) sysOpen(p *proc.Proc) uint64 {
	omode := argint(p, 1)
	path, kerr := argstr(p, 0, kernel.MAXPATH)
	if kerr != nil {
		return fail
	}

	var ip fs.Inode
	if omode&abi.OCreate != 0 {
		if ip, kerr = h.fs.Create(p, cwd(p), path, abi.TFile, 0, 0); kerr != nil {
			return fail
		}
	} else {
		if ip, kerr = h.fs.Namei(p, cwd(p), path); kerr != nil {
			return fail
		}
		ip.Lock(p)
		if fs.IsDir(ip.Type()) && omode != abi.ORdonly {
			ip.Unlock(p)
			ip.Put(p)
			return fail
		}
	}

	if ip.Type() == abi.TDevice && (ip.Major() < 0 || ip.Major() >= kernel.NDEV) {
		ip.Unlock(p)
		ip.Put(p)
		return fail
	}

	f := h.files.Alloc(p.CPU())
	if f == nil {
		ip.Unlock(p)
		ip.Put(p)
		return fail
	}
	fd := p.FdAlloc(f)
	if fd < 0 {
		f.Close(p)
		ip.Unlock(p)
		ip.Put(p)
		return fail
	}

	readable := omode&abi.OWronly == 0
	writable := omode&abi.OWronly != 0 || omode&abi.ORdwr != 0
	f.OpenInode(ip, readable, writable)

	if omode&abi.OTrunc != 0 && ip.Type() == abi.TFile {
		ip.Truncate()
	}

	ip.Unlock(p)
	return result(fd)
}

// create makes an inode of the given type and drops it, keeping only the
// directory entry.
func (h *Handler) create(p *proc.Proc, path string, typ, major, minor int16) uint64 {
	ip, err := h.fs.Create(p, cwd(p), path, typ, major, minor)
	if err != nil {
		return fail
	}
	ip.Unlock(p)
	ip.Put(p)
	return 0
}

func (h *Handler) sysMkdir(p *proc.Proc) uint64 {
	path, err := argstr(p, 0, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	return h.create(p, path, abi.TDir, 0, 0)
}

func (h *Handler) sysMknod(p *proc.Proc) uint64 {
	major := argint(p, 1)
	minor := argint(p, 2)
	path, err := argstr(p, 0, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	return h.create(p, path, abi.TDevice, int16(major), int16(minor))
}

func (h *Handler) sysChdir(p *proc.Proc) uint64 {
	path, err := argstr(p, 0, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	ip, err := h.fs.Namei(p, cwd(p), path)
	if err != nil {
		return fail
	}
	ip.Lock(p)
	if !fs.IsDir(ip.Type()) {
		ip.Unlock(p)
		ip.Put(p)
		return fail
	}
	ip.Unlock(p)

	if old := p.Cwd(); old != nil {
		old.Put(p)
	}
	p.SetCwd(ip)
	return 0
}

func (h *Handler) sysExec(p *proc.Proc) uint64 {
	path, err := argstr(p, 0, kernel.MAXPATH)
	if err != nil {
		return fail
	}
	uargv := argaddr(p, 1)

	var argv []string
	for i := 0; ; i++ {
		if i >= kernel.MAXARG {
			return fail
		}
		uarg, err := fetchaddr(p, uargv+uint64(8*i))
		if err != nil {
			return fail
		}
		if uarg == 0 {
			break
		}
		arg, err := fetchstr(p, uarg, int(mm.PageSize))
		if err != nil {
			return fail
		}
		argv = append(argv, arg)
	}

	return result(p.Exec(path, argv))
}

func (h *Handler) sysPipe(p *proc.Proc) uint64 {
	fdarray := argaddr(p, 0)

	rf, wf, err := h.files.NewPipe(p.CPU())
	if err != nil {
		return fail
	}

	fd0 := p.FdAlloc(rf)
	fd1 := -1
	if fd0 >= 0 {
		fd1 = p.FdAlloc(wf)
	}
	if fd0 < 0 || fd1 < 0 {
		if fd0 >= 0 {
			p.SetFile(fd0, nil)
		}
		rf.Close(p)
		wf.Close(p)
		return fail
	}

	var fds [8]byte
	binary.LittleEndian.PutUint32(fds[0:], uint32(fd0))
	binary.LittleEndian.PutUint32(fds[4:], uint32(fd1))
	if err := p.Pagetable().CopyOut(fdarray, fds[:]); err != nil {
		p.SetFile(fd0, nil)
		p.SetFile(fd1, nil)
		rf.Close(p)
		wf.Close(p)
		return fail
	}
	return 0
}
