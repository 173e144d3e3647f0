package uart

import (
	"bytes"
	"rvos/kernel/cpu"
	"rvos/kernel/file"
	"rvos/kernel/hal"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/sync"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// world provides sleep and wakeup for threads that are plain goroutines
// and stands in for the process table.
type world struct {
	mu    gosync.Mutex
	cond  *gosync.Cond
	gen   map[interface{}]int
	dumps int
}

func newWorld() *world {
	w := &world{gen: make(map[interface{}]int)}
	w.cond = gosync.NewCond(&w.mu)
	return w
}

func (w *world) Wakeup(_ *cpu.CPU, ch interface{}) {
	w.mu.Lock()
	w.gen[ch]++
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *world) Dump() {
	w.mu.Lock()
	w.dumps++
	w.mu.Unlock()
}

type thread struct {
	w      *world
	c      *cpu.CPU
	killed atomic.Bool
}

func (th *thread) CPU() *cpu.CPU            { return th.c }
func (th *thread) Pid() int                 { return th.c.ID }
func (th *thread) Killed() bool             { return th.killed.Load() }
func (th *thread) Pagetable() vmm.PageTable { return vmm.PageTable{} }
func (th *thread) Wakeup(ch interface{})    { th.w.Wakeup(th.c, ch) }

func (th *thread) Sleep(ch interface{}, lk *sync.Spinlock) {
	th.w.mu.Lock()
	gen := th.w.gen[ch]
	lk.Release(th.c)
	for th.w.gen[ch] == gen {
		th.w.cond.Wait()
	}
	th.w.mu.Unlock()
	lk.Acquire(th.c)
}

type fixture struct {
	cons *Console
	out  *bytes.Buffer
	plic *hal.PLIC
	hart *cpu.CPU
	w    *world
	dev  file.Device
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		out:  &bytes.Buffer{},
		hart: cpu.New(0),
		w:    newWorld(),
	}
	f.plic = hal.NewPLIC([]*cpu.CPU{f.hart})
	f.cons = New(f.plic, f.out)
	require.Nil(t, f.cons.DriverInit(&bytes.Buffer{}))
	f.cons.Attach(f.w)
	f.dev = f.cons.Device()
	return f
}

// typeIn sends data through the UART and services the interrupt it raises.
func (f *fixture) typeIn(t *testing.T, data string) {
	f.cons.Receive([]byte(data))
	require.Equal(t, mm.UART0IRQ, f.plic.Claim(f.hart.ID))
	f.cons.Intr(f.hart)
	f.plic.Complete(f.hart.ID, mm.UART0IRQ)
}

func (f *fixture) thread(id int) *thread {
	return &thread{w: f.w, c: cpu.New(id)}
}

func (f *fixture) read(th *thread, n int) (string, int) {
	buf := make([]byte, n)
	got := f.dev.Read(th, buf)
	if got < 0 {
		return "", got
	}
	return string(buf[:got]), got
}

func TestDriverInfo(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "uart16550", f.cons.DriverName())

	var buf bytes.Buffer
	assert.Nil(t, f.cons.DriverInit(&buf))
	assert.Equal(t, "mmio 0x10000000 irq 10\n", buf.String())

	assert.Nil(t, probeForConsole(&hal.Machine{}))
	assert.NotNil(t, probeForConsole(&hal.Machine{Console: &buf, PLIC: f.plic}))
}

func TestOutput(t *testing.T) {
	f := newFixture(t)
	th := f.thread(1)

	assert.Equal(t, 6, f.dev.Write(th, []byte("hi\nyo\n")))
	n, err := f.cons.Write([]byte("kernel\n"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "hi\r\nyo\r\nkernel\r\n", f.out.String())
}

func TestLineDiscipline(t *testing.T) {
	specs := []struct {
		name    string
		typed   string
		expLine string
		expEcho string
	}{
		{"plain line", "ls\r", "ls\n", "ls\r\n"},
		{"backspace", "lx\bs\n", "ls\n", "lx\b \bs\r\n"},
		{"delete", "lx\x7fs\n", "ls\n", "lx\b \bs\r\n"},
		{"kill line", "rm -rf\x15ls\n", "ls\n", "rm -rf\b \b\b \b\b \b\b \b\b \b\b \bls\r\n"},
		{"erase at line start", "\b\x15ok\n", "ok\n", "ok\r\n"},
		{"nul dropped", "a\x00b\n", "ab\n", "ab\r\n"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			f := newFixture(t)
			f.typeIn(t, spec.typed)

			line, _ := f.read(f.thread(1), 64)
			assert.Equal(t, spec.expLine, line)
			assert.Equal(t, spec.expEcho, f.out.String())
		})
	}
}

func TestReadSemantics(t *testing.T) {
	t.Run("one line per read", func(t *testing.T) {
		f := newFixture(t)
		f.typeIn(t, "one\ntwo\n")
		th := f.thread(1)

		line, n := f.read(th, 64)
		assert.Equal(t, "one\n", line)
		assert.Equal(t, 4, n)
		line, _ = f.read(th, 64)
		assert.Equal(t, "two\n", line)
	})

	t.Run("short buffer", func(t *testing.T) {
		f := newFixture(t)
		f.typeIn(t, "abcdef\n")
		th := f.thread(1)

		line, _ := f.read(th, 4)
		assert.Equal(t, "abcd", line)
		line, _ = f.read(th, 4)
		assert.Equal(t, "ef\n", line)
	})

	t.Run("end of file", func(t *testing.T) {
		f := newFixture(t)
		f.typeIn(t, "ab\x04")
		th := f.thread(1)

		line, n := f.read(th, 64)
		assert.Equal(t, "ab", line)
		assert.Equal(t, 2, n)

		_, n = f.read(th, 64)
		assert.Equal(t, 0, n, "^D is kept for the next read")
	})

	t.Run("full buffer wakes readers", func(t *testing.T) {
		f := newFixture(t)
		f.typeIn(t, string(bytes.Repeat([]byte{'x'}, inputBufSize+10)))

		assert.Equal(t, uint32(inputBufSize), f.cons.e, "input beyond the buffer is dropped")
		_, n := f.read(f.thread(1), inputBufSize)
		assert.Equal(t, inputBufSize, n)
	})

	t.Run("process dump", func(t *testing.T) {
		f := newFixture(t)
		f.typeIn(t, "\x10")
		assert.Equal(t, 1, f.w.dumps)
		assert.Empty(t, f.out.String())
	})
}

func TestBlockingRead(t *testing.T) {
	f := newFixture(t)
	th := f.thread(1)

	res := make(chan string, 1)
	go func() {
		line, _ := f.read(th, 64)
		res <- line
	}()

	// A partial line does not wake the reader.
	f.typeIn(t, "ech")
	select {
	case line := <-res:
		t.Fatalf("read returned %q before the line was complete", line)
	case <-time.After(20 * time.Millisecond):
	}

	f.typeIn(t, "o\n")
	select {
	case line := <-res:
		assert.Equal(t, "echo\n", line)
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestKilledReader(t *testing.T) {
	f := newFixture(t)
	th := f.thread(1)

	res := make(chan int, 1)
	go func() {
		_, n := f.read(th, 64)
		res <- n
	}()

	time.Sleep(20 * time.Millisecond)
	th.killed.Store(true)

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-res:
			assert.Equal(t, -1, n)
			return
		case <-tick.C:
			f.w.Wakeup(nil, &f.cons.r)
		case <-timeout:
			t.Fatal("killed reader did not return")
		}
	}
}

func TestInputBeforeAttach(t *testing.T) {
	var out bytes.Buffer
	plic := hal.NewPLIC([]*cpu.CPU{cpu.New(0)})
	cons := New(plic, &out)

	cons.Receive(nil)
	assert.Equal(t, 0, plic.Claim(0), "nothing received")

	cons.input(cpu.New(0), 'a')
	cons.input(cpu.New(0), '\n')
	assert.Equal(t, "a\r\n", out.String())
	assert.Equal(t, uint32(2), cons.w)
}
