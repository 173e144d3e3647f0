package trap

import (
	"encoding/binary"
	"rvos/kernel"
	"rvos/kernel/abi"
	"rvos/kernel/file"
	"rvos/kernel/kfmt"
	"rvos/kernel/proc"

	"go.uber.org/zap"
)

var (
	errBadAddr = &kernel.Error{Module: "syscall", Message: "address outside process memory"}
	errBadFd   = &kernel.Error{Module: "syscall", Message: "bad file descriptor"}
)

// syscalls maps system call numbers to the functions that handle them.
var syscalls = [...]func(h *Handler, p *proc.Proc) uint64{
	abi.SysFork:   (*Handler).sysFork,
	abi.SysExit:   (*Handler).sysExit,
	abi.SysWait:   (*Handler).sysWait,
	abi.SysPipe:   (*Handler).sysPipe,
	abi.SysRead:   (*Handler).sysRead,
	abi.SysKill:   (*Handler).sysKill,
	abi.SysExec:   (*Handler).sysExec,
	abi.SysFstat:  (*Handler).sysFstat,
	abi.SysChdir:  (*Handler).sysChdir,
	abi.SysDup:    (*Handler).sysDup,
	abi.SysGetpid: (*Handler).sysGetpid,
	abi.SysSbrk:   (*Handler).sysSbrk,
	abi.SysSleep:  (*Handler).sysSleep,
	abi.SysUptime: (*Handler).sysUptime,
	abi.SysOpen:   (*Handler).sysOpen,
	abi.SysWrite:  (*Handler).sysWrite,
	abi.SysMknod:  (*Handler).sysMknod,
	abi.SysUnlink: (*Handler).sysUnlink,
	abi.SysLink:   (*Handler).sysLink,
	abi.SysMkdir:  (*Handler).sysMkdir,
	abi.SysClose:  (*Handler).sysClose,
}

// fail is the value a failing system call leaves in a0.
const fail = ^uint64(0)

func result(n int) uint64 {
	return uint64(int64(n))
}

// syscall runs the system call whose number is in a7 and stores its
// result in a0.
func (h *Handler) syscall(p *proc.Proc) {
	tf := p.Trapframe()
	num := tf.A7

	if num > 0 && num < uint64(len(syscalls)) && syscalls[num] != nil {
		// Use num to look up the system call function, and store its
		// return value in a0.
		tf.A0 = syscalls[num](h, p)
		return
	}

	kfmt.Printf("%d %s: unknown sys call %d\n", p.Pid(), p.Name(), num)
	h.log.Debug("unknown syscall", zap.Int("pid", p.Pid()), zap.Uint64("num", num))
	tf.A0 = fail
}

// fetchaddr fetches the 64-bit word at addr in p's memory.
func fetchaddr(p *proc.Proc, addr uint64) (uint64, *kernel.Error) {
	// Both tests are needed, in case of overflow.
	if addr >= p.Size() || addr+8 > p.Size() {
		return 0, errBadAddr
	}
	var b [8]byte
	if err := p.Pagetable().CopyIn(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// fetchstr fetches the NUL-terminated string at addr, which may be at most
// max-1 bytes long.
func fetchstr(p *proc.Proc, addr uint64, max int) (string, *kernel.Error) {
	return p.Pagetable().CopyInString(addr, max)
}

// argraw returns the raw value of argument register n.
func argraw(p *proc.Proc, n int) uint64 {
	if n < 0 || n > 5 {
		panicFn(errArgOutOfRange)
		return 0
	}
	return p.Trapframe().Arg(n)
}

// argint returns the nth argument as a 32-bit signed integer.
func argint(p *proc.Proc, n int) int {
	return int(int32(argraw(p, n)))
}

// argaddr returns the nth argument as a user address. Legality is checked
// later by copyin and copyout.
func argaddr(p *proc.Proc, n int) uint64 {
	return argraw(p, n)
}

// argfd returns the nth argument as a file descriptor along with the open
// file it refers to.
func argfd(p *proc.Proc, n int) (int, *file.File, *kernel.Error) {
	fd := argint(p, n)
	if fd < 0 || fd >= kernel.NOFILE {
		return -1, nil, errBadFd
	}
	f, ok := p.File(fd).(*file.File)
	if !ok || f == nil {
		return -1, nil, errBadFd
	}
	return fd, f, nil
}

// argstr fetches the nth argument as a string of at most max-1 bytes.
func argstr(p *proc.Proc, n, max int) (string, *kernel.Error) {
	return fetchstr(p, argaddr(p, n), max)
}
