// Package kmain boots the kernel on a machine: it builds every kernel
// subsystem, wires them together, starts the first process and runs one
// scheduler per hart until the machine is powered off.
package kmain

import (
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/driver/uart"
	"rvos/kernel/file"
	"rvos/kernel/fs"
	"rvos/kernel/fs/memfs"
	"rvos/kernel/hal"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"rvos/kernel/mm/vmm"
	"rvos/kernel/proc"
	"rvos/kernel/trap"
	"rvos/kernel/user"
	"sync"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// nameCacheSize is the number of path lookups memfs remembers.
const nameCacheSize = 256

var (
	errNoConsole = &kernel.Error{Module: "kmain", Message: "no console device found"}
	errStarted   = &kernel.Error{Module: "kmain", Message: "kernel already started"}
)

// Kernel is a booted kernel and the machine it runs on.
type Kernel struct {
	Machine *hal.Machine
	Console *uart.Console
	Root    *memfs.FS
	Files   *file.Table
	Procs   *proc.Table
	Trap    *trap.Handler

	kpt vmm.PageTable
	log *zap.Logger

	mu       sync.Mutex
	started  bool
	running  sync.WaitGroup
	switches []uint64
	halted   []int
}

// Stats summarizes a run of the kernel.
type Stats struct {
	// Switches is the number of process switches made by each hart.
	Switches []uint64

	Total  float64
	Mean   float64
	StdDev float64
	Max    float64

	// Ticks is the number of timer interrupts the machine raised.
	Ticks uint64

	// Halted lists the harts that stopped on a kernel panic.
	Halted []int
}

// Boot builds the kernel on m. The root file system is created from the
// machine's configured host directory, if any, and the built-in programs.
// The first process is ready to run once Boot returns; Start runs it.
func Boot(m *hal.Machine) (*Kernel, error) {
	k := &Kernel{
		Machine: m,
		log:     kfmt.Log("kmain"),
	}

	m.DetectHardware()
	for _, drv := range m.Drivers() {
		if cons, ok := drv.(*uart.Console); ok && k.Console == nil {
			k.Console = cons
		}
	}
	if k.Console == nil {
		return nil, errNoConsole
	}
	kfmt.SetOutputSink(k.Console)

	kfmt.Printf("\nxv6 kernel is booting\n\n")

	kpt, kerr := vmm.KernelPageTable(m.Mem, kernel.NPROC)
	if kerr != nil {
		return nil, kerr
	}
	k.kpt = kpt

	root, err := memfs.New(kernel.ROOTDEV, nameCacheSize)
	if err != nil {
		return nil, err
	}
	if err := populate(root, m.Config.RootFS); err != nil {
		return nil, err
	}
	k.Root = root

	k.Files = file.NewTable()
	if kerr := k.Files.Register(uart.Major, k.Console.Device()); kerr != nil {
		return nil, kerr
	}

	k.Procs = proc.NewTable(m.Mem, kernel.NPROC, fs.Loader{FS: root})
	k.Console.Attach(k.Procs)

	k.Trap = trap.New(m.Mem, kpt, k.Procs, k.Files, root, m.PLIC)
	k.Trap.HandleIRQ(mm.UART0IRQ, k.Console.Intr)
	for _, c := range m.Harts {
		k.Trap.InitHart(c)
	}

	k.Procs.UserInit(m.Harts[0])

	k.log.Info("kernel booted",
		zap.Int("harts", len(m.Harts)),
		zap.Int("inodes", root.Inodes()),
		zap.Int("free_frames", m.Mem.FreeFrames()))
	return k, nil
}

// populate fills the root file system: first the host image, then the
// built-in programs and the console device node.
func populate(root *memfs.FS, hostDir string) error {
	if hostDir != "" {
		if err := root.Populate(hostDir); err != nil {
			return err
		}
	}
	for _, path := range user.Programs() {
		if err := root.WriteFile(path, user.Image(path)); err != nil {
			return err
		}
	}
	return root.Mknod("/console", uart.Major, 0)
}

// Start starts the timer and one scheduler per hart.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return errStarted
	}
	k.started = true

	k.switches = make([]uint64, len(k.Machine.Harts))
	k.Procs.SetHaltHandler(func(c *cpu.CPU) {
		k.halt(c)
		// The hart's scheduler stays parked behind the halted process.
		k.running.Done()
	})
	k.Machine.Start()
	for i, c := range k.Machine.Harts {
		k.running.Add(1)
		go func(c *cpu.CPU, i int) {
			defer k.running.Done()
			defer func() {
				if r := recover(); r != nil {
					if !cpu.IsHalt(r) {
						panic(r)
					}
					k.halt(c)
				}
			}()
			k.switches[i] = k.Procs.Scheduler(c)
		}(c, i)
		k.log.Debug("hart started", zap.Int("hart", c.ID))
	}
	return nil
}

// halt records that c stopped on a kernel panic and powers the machine off.
func (k *Kernel) halt(c *cpu.CPU) {
	k.mu.Lock()
	k.halted = append(k.halted, c.ID)
	k.mu.Unlock()

	k.log.Error("hart halted, powering off", zap.Int("hart", c.ID))
	k.Machine.PowerOff()
}

// Wait blocks until every scheduler has returned, which happens once the
// machine is powered off.
func (k *Kernel) Wait() {
	k.running.Wait()
}

// Shutdown powers the machine off, waits for the harts to stop and reports
// scheduler statistics.
func (k *Kernel) Shutdown() (Stats, error) {
	k.Machine.PowerOff()
	k.Wait()

	k.mu.Lock()
	st := Stats{
		Switches: append([]uint64(nil), k.switches...),
		Ticks:    k.Machine.Ticks(),
		Halted:   append([]int(nil), k.halted...),
	}
	k.mu.Unlock()
	if len(st.Switches) == 0 {
		return st, nil
	}

	data := make(stats.Float64Data, len(st.Switches))
	for i, n := range st.Switches {
		data[i] = float64(n)
	}

	var err error
	if st.Total, err = stats.Sum(data); err != nil {
		return st, err
	}
	if st.Mean, err = stats.Mean(data); err != nil {
		return st, err
	}
	if st.StdDev, err = stats.StandardDeviation(data); err != nil {
		return st, err
	}
	if st.Max, err = stats.Max(data); err != nil {
		return st, err
	}

	k.log.Info("kernel stopped",
		zap.Float64("switches", st.Total),
		zap.Float64("mean", st.Mean),
		zap.Float64("stddev", st.StdDev),
		zap.Uint64("ticks", st.Ticks))
	return st, nil
}
