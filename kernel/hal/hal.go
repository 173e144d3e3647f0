// Package hal models the machine the kernel runs on: its harts, physical
// memory, interrupt controller and timer, plus the registry of device
// drivers probed at boot.
package hal

import (
	"bytes"
	"io"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mm"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Machine is a running instance of the hardware described by a Config.
type Machine struct {
	Config Config

	Mem   *mm.Memory
	Harts []*cpu.CPU
	PLIC  *PLIC

	// Console receives the bytes transmitted by the console UART.
	Console io.Writer

	log *zap.Logger

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []Driver

	stop     chan struct{}
	stopOnce sync.Once
	timer    sync.WaitGroup
	ticks    atomic.Uint64
}

// NewMachine builds the machine described by cfg. Console output of the
// UART goes to console.
func NewMachine(cfg *Config, console io.Writer) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem, err := mm.NewMemory(uint64(cfg.RAM))
	if err != nil {
		return nil, err
	}

	m := &Machine{
		Config:  *cfg,
		Mem:     mem,
		Console: console,
		log:     kfmt.Log("hal"),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Harts; i++ {
		m.Harts = append(m.Harts, cpu.New(i))
	}
	m.PLIC = NewPLIC(m.Harts)

	m.log.Info("machine created",
		zap.Int("harts", cfg.Harts),
		zap.String("ram", humanize.IBytes(uint64(cfg.RAM))),
		zap.Duration("tick", time.Duration(cfg.Tick)),
		zap.Int("free_frames", mem.FreeFrames()))
	return m, nil
}

// Start the timer. Every period it raises a supervisor software interrupt
// on each hart, the way xv6's machine-mode timer handler does.
func (m *Machine) Start() {
	m.timer.Add(1)
	go func() {
		defer m.timer.Done()

		t := time.NewTicker(time.Duration(m.Config.Tick))
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				m.ticks.Add(1)
				for _, c := range m.Harts {
					c.Raise(cpu.SipSSIP)
				}
			}
		}
	}()
}

// Ticks returns how many times the timer has fired.
func (m *Machine) Ticks() uint64 {
	return m.ticks.Load()
}

// PowerOff stops the timer and every hart. It is safe to call more than
// once and from any goroutine.
func (m *Machine) PowerOff() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.timer.Wait()
		for _, c := range m.Harts {
			c.PowerOff()
		}
		m.log.Info("machine powered off", zap.Uint64("ticks", m.ticks.Load()))
	})
}

// Halted is closed once PowerOff has been called.
func (m *Machine) Halted() <-chan struct{} {
	return m.stop
}

// DetectHardware probes for all registered drivers in detection order and
// initializes the ones whose hardware is present.
func (m *Machine) DetectHardware() {
	drivers := make(DriverInfoList, len(registeredDrivers))
	copy(drivers, registeredDrivers)
	sort.Stable(drivers)

	m.probe(drivers)
}

// probe executes the probe function for each driver and keeps the ones that
// initialize successfully.
func (m *Machine) probe(driverInfoList DriverInfoList) {
	var (
		strBuf bytes.Buffer
		w      = kfmt.PrefixWriter{Sink: kfmt.Console, Log: m.log}
	)

	for _, info := range driverInfoList {
		drv := info.Probe(m)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		m.activeDrivers = append(m.activeDrivers, drv)
	}
}

// Drivers returns the initialized drivers in the order they were probed.
func (m *Machine) Drivers() []Driver {
	return m.activeDrivers
}
