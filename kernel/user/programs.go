// Package user contains the built-in user programs installed in the root
// file system at boot. They are assembled at init time with rv.Asm and
// packaged as ELF executables.
package user

import (
	"rvos/kernel/abi"
	"rvos/kernel/rv"
	"sort"
)

// ConsoleMajor is the device number /init uses when it has to create
// /console itself.
const ConsoleMajor = 1

const (
	lineSize = 128
	maxArgs  = 10
)

// program is the skeleton shared by all built-in programs: main followed by
// the print routine and the data section.
type program struct {
	rv.Asm

	print *rv.Label
	data  []func()
}

func newProgram() *program {
	p := &program{}
	p.print = p.NewLabel()
	return p
}

// str reserves a NUL-terminated string in the data section and returns its
// label.
func (p *program) str(s string) *rv.Label {
	l := p.NewLabel()
	p.data = append(p.data, func() {
		p.Bind(l)
		p.String(s)
	})
	return l
}

// space reserves n zero bytes, 8-byte aligned, in the data section.
func (p *program) space(n int) *rv.Label {
	l := p.NewLabel()
	p.data = append(p.data, func() {
		p.Align(8)
		p.Bind(l)
		p.Space(n)
	})
	return l
}

// puts writes the string at l to standard output.
func (p *program) puts(l *rv.Label) {
	p.La(rv.A0, l)
	p.Call(p.print)
}

func (p *program) exit(status int32) {
	p.Li(rv.A0, status)
	p.Syscall(abi.SysExit)
}

// link emits the shared routines and the data section and returns the ELF
// image.
func (p *program) link() []byte {
	// print(a0): write the NUL-terminated string at a0 to fd 1.
	p.Bind(p.print)
	p.Mv(rv.T1, rv.A0)
	p.Mv(rv.T2, rv.A0)
	scan := p.Here()
	done := p.NewLabel()
	p.Lbu(rv.T0, rv.T2, 0)
	p.Beq(rv.T0, rv.Zero, done)
	p.Addi(rv.T2, rv.T2, 1)
	p.J(scan)
	p.Bind(done)
	p.Sub(rv.A2, rv.T2, rv.T1)
	p.Mv(rv.A1, rv.T1)
	p.Li(rv.A0, 1)
	p.Syscall(abi.SysWrite)
	p.Ret()

	for _, emit := range p.data {
		emit()
	}

	image, err := rv.Program{Text: p.MustAssemble()}.ELF()
	if err != nil {
		panic(err)
	}
	return image
}

// initProgram opens the console as file descriptors 0, 1 and 2 and keeps a
// shell running on it.
func initProgram() []byte {
	p := newProgram()
	console := p.str("/console")
	starting := p.str("init: starting sh\n")
	forkFailed := p.str("init: fork failed\n")
	execFailed := p.str("init: exec sh failed\n")
	shPath := p.str("/sh")
	shArgv := p.NewLabel()
	p.data = append(p.data, func() {
		p.Align(8)
		p.Bind(shArgv)
		p.DwordAddr(shPath)
		p.Dword(0)
	})

	opened := p.NewLabel()
	p.La(rv.A0, console)
	p.Li(rv.A1, abi.ORdwr)
	p.Syscall(abi.SysOpen)
	p.Bge(rv.A0, rv.Zero, opened)
	p.La(rv.A0, console)
	p.Li(rv.A1, ConsoleMajor)
	p.Li(rv.A2, 0)
	p.Syscall(abi.SysMknod)
	p.La(rv.A0, console)
	p.Li(rv.A1, abi.ORdwr)
	p.Syscall(abi.SysOpen)
	p.Bind(opened)

	// stdout, stderr
	p.Li(rv.A0, 0)
	p.Syscall(abi.SysDup)
	p.Li(rv.A0, 0)
	p.Syscall(abi.SysDup)

	start := p.Here()
	child := p.NewLabel()
	fail := p.NewLabel()
	p.puts(starting)
	p.Syscall(abi.SysFork)
	p.Beq(rv.A0, rv.Zero, child)
	p.Blt(rv.A0, rv.Zero, fail)
	p.Mv(rv.S0, rv.A0)

	// Reap children until the shell exits, then start another one.
	reap := p.Here()
	p.Li(rv.A0, 0)
	p.Syscall(abi.SysWait)
	p.Beq(rv.A0, rv.S0, start)
	p.Bge(rv.A0, rv.Zero, reap)
	p.exit(1)

	p.Bind(child)
	p.La(rv.A0, shPath)
	p.La(rv.A1, shArgv)
	p.Syscall(abi.SysExec)
	p.puts(execFailed)
	p.exit(1)

	p.Bind(fail)
	p.puts(forkFailed)
	p.exit(1)

	return p.link()
}

// shProgram is a minimal shell: it reads a line, splits it into
// whitespace-separated words and runs the named program with them as
// arguments. The only builtin is cd. It exits at end of file.
func shProgram() []byte {
	p := newProgram()
	prompt := p.str("$ ")
	execFailed := p.str("exec failed\n")
	cdFailed := p.str("cannot cd\n")
	forkFailed := p.str("fork failed\n")
	buf := p.space(lineSize + 1)
	argv := p.space(8 * (maxArgs + 1))

	main := p.Here()
	eof := p.NewLabel()
	p.puts(prompt)
	p.Li(rv.A0, 0)
	p.La(rv.A1, buf)
	p.Li(rv.A2, lineSize)
	p.Syscall(abi.SysRead)
	p.Bge(rv.Zero, rv.A0, eof)

	// Terminate the line and split it in place.
	p.La(rv.T1, buf)
	p.Add(rv.T0, rv.T1, rv.A0)
	p.Sb(rv.Zero, rv.T0, 0)
	p.Li(rv.T2, 0)
	p.La(rv.S1, argv)

	skip := p.NewLabel()
	blank := p.NewLabel()
	word := p.NewLabel()
	parsed := p.NewLabel()

	isBlank := func(c rv.Reg, target *rv.Label) {
		for _, b := range []int32{' ', '\t', '\n', '\r'} {
			p.Li(rv.T3, b)
			p.Beq(c, rv.T3, target)
		}
	}

	p.Bind(skip)
	p.Lbu(rv.T0, rv.T1, 0)
	p.Beq(rv.T0, rv.Zero, parsed)
	isBlank(rv.T0, blank)

	// Start of a word: argv[argc++] = t1.
	p.Li(rv.T3, maxArgs)
	p.Bge(rv.T2, rv.T3, parsed)
	p.Slli(rv.T4, rv.T2, 3)
	p.Add(rv.T4, rv.S1, rv.T4)
	p.Sd(rv.T1, rv.T4, 0)
	p.Addi(rv.T2, rv.T2, 1)
	p.Bind(word)
	p.Lbu(rv.T0, rv.T1, 0)
	p.Beq(rv.T0, rv.Zero, parsed)
	isBlank(rv.T0, skip)
	p.Addi(rv.T1, rv.T1, 1)
	p.J(word)

	p.Bind(blank)
	p.Sb(rv.Zero, rv.T1, 0)
	p.Addi(rv.T1, rv.T1, 1)
	p.J(skip)

	p.Bind(parsed)
	p.Slli(rv.T4, rv.T2, 3)
	p.Add(rv.T4, rv.S1, rv.T4)
	p.Sd(rv.Zero, rv.T4, 0)
	p.Beq(rv.T2, rv.Zero, main)

	// cd must run in the shell itself.
	notCd := p.NewLabel()
	p.Ld(rv.T0, rv.S1, 0)
	for i, b := range []int32{'c', 'd', 0} {
		p.Lbu(rv.T3, rv.T0, int32(i))
		p.Li(rv.T4, b)
		p.Bne(rv.T3, rv.T4, notCd)
	}
	p.Ld(rv.A0, rv.S1, 8)
	p.Beq(rv.A0, rv.Zero, main)
	p.Syscall(abi.SysChdir)
	p.Bge(rv.A0, rv.Zero, main)
	p.puts(cdFailed)
	p.J(main)

	p.Bind(notCd)
	child := p.NewLabel()
	forkFail := p.NewLabel()
	p.Syscall(abi.SysFork)
	p.Beq(rv.A0, rv.Zero, child)
	p.Blt(rv.A0, rv.Zero, forkFail)
	p.Li(rv.A0, 0)
	p.Syscall(abi.SysWait)
	p.J(main)

	p.Bind(forkFail)
	p.puts(forkFailed)
	p.J(main)

	p.Bind(child)
	p.Ld(rv.A0, rv.S1, 0)
	p.Mv(rv.A1, rv.S1)
	p.Syscall(abi.SysExec)
	p.puts(execFailed)
	p.exit(1)

	p.Bind(eof)
	p.exit(0)

	return p.link()
}

// echoProgram prints its arguments separated by spaces.
func echoProgram() []byte {
	p := newProgram()
	space := p.str(" ")
	newline := p.str("\n")

	p.Mv(rv.S0, rv.A0)
	p.Mv(rv.S1, rv.A1)
	p.Li(rv.S2, 1)

	end := p.NewLabel()
	loop := p.Here()
	p.Bge(rv.S2, rv.S0, end)
	p.Slli(rv.T0, rv.S2, 3)
	p.Add(rv.T0, rv.S1, rv.T0)
	p.Ld(rv.A0, rv.T0, 0)
	p.Call(p.print)
	p.Addi(rv.S2, rv.S2, 1)
	p.Bge(rv.S2, rv.S0, end)
	p.puts(space)
	p.J(loop)

	p.Bind(end)
	p.puts(newline)
	p.exit(0)

	return p.link()
}

func helloProgram() []byte {
	p := newProgram()
	msg := p.str("hello, world\n")
	p.puts(msg)
	p.exit(0)
	return p.link()
}

var programs = map[string][]byte{
	"/init":  initProgram(),
	"/sh":    shProgram(),
	"/echo":  echoProgram(),
	"/hello": helloProgram(),
}

// Programs returns the paths of the built-in programs in sorted order.
func Programs() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Image returns the ELF executable of the built-in program at path, or nil.
func Image(path string) []byte {
	image, ok := programs[path]
	if !ok {
		return nil
	}
	return append([]byte(nil), image...)
}
