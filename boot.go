package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"rvos/kernel/hal"
	"rvos/kernel/kfmt"
	"rvos/kernel/kmain"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-tty"
	"go.uber.org/zap"
)

// escape is the prefix of host commands typed on the console (^A).
const escape = 0x01

var (
	configPath = flag.String("config", "", "path to a YAML machine description")
	rootFS     = flag.String("rootfs", "", "host directory copied into the root file system")
	harts      = flag.Int("harts", 0, "number of harts; overrides the configuration")
)

// terminal is the host side of the console UART.
type terminal struct {
	in      io.Reader
	out     io.Writer
	restore func() error
}

// openTerminal puts the controlling terminal in raw mode so the kernel's
// line discipline sees every key. Without a terminal, standard input and
// output are used as they are.
func openTerminal(log *zap.Logger) *terminal {
	t, err := tty.Open()
	if err != nil {
		log.Warn("no terminal, using standard input and output", zap.Error(err))
		return &terminal{in: os.Stdin, out: os.Stdout, restore: func() error { return nil }}
	}

	restore, err := t.Raw()
	if err != nil {
		log.Warn("cannot switch terminal to raw mode", zap.Error(err))
		restore = func() error { return nil }
	}
	var once sync.Once
	return &terminal{
		in:  t.Input(),
		out: t.Output(),
		restore: func() (err error) {
			once.Do(func() {
				err = restore()
				t.Close()
			})
			return err
		},
	}
}

// forward feeds keys typed on the terminal to the console until the input
// ends or ^A x is typed.
func forward(k *kmain.Kernel, in io.Reader) {
	var (
		buf     [64]byte
		escaped bool
	)
	for {
		n, err := in.Read(buf[:])
		for _, b := range buf[:n] {
			switch {
			case escaped && b == 'x':
				k.Machine.PowerOff()
				return
			case escaped && b != escape:
				escaped = false
				k.Console.Receive([]byte{escape, b})
			case escaped:
				escaped = false
				k.Console.Receive([]byte{escape})
			case b == escape:
				escaped = true
			default:
				k.Console.Receive([]byte{b})
			}
		}
		if err != nil {
			// End of input reaches the shell as ^D.
			k.Console.Receive([]byte{0x04})
			return
		}
	}
}

func loadConfig() (*hal.Config, error) {
	cfg := hal.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = hal.LoadConfigFile(*configPath); err != nil {
			return nil, err
		}
	}
	if *rootFS != "" {
		cfg.RootFS = *rootFS
	}
	if *harts != 0 {
		cfg.Harts = *harts
	}
	return cfg, cfg.Validate()
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := kfmt.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()
	kfmt.SetLogger(logger)
	log := kfmt.Log("boot")

	term := openTerminal(log)
	defer term.restore()

	m, err := hal.NewMachine(cfg, term.out)
	if err != nil {
		return err
	}
	k, err := kmain.Boot(m)
	if err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("powering off", zap.Stringer("signal", sig))
			m.PowerOff()
		case <-m.Halted():
		}
	}()
	go forward(k, term.in)

	<-m.Halted()
	st, err := k.Shutdown()
	if err != nil {
		return err
	}
	term.restore()

	fmt.Fprintf(os.Stderr, "\npowered off after %s timer ticks\n", humanize.Comma(int64(st.Ticks)))
	fmt.Fprintf(os.Stderr, "context switches: %s (mean %s per hart, stddev %s, max %s)\n",
		humanize.Comma(int64(st.Total)),
		humanize.FormatFloat("#,###.##", st.Mean),
		humanize.FormatFloat("#,###.##", st.StdDev),
		humanize.Comma(int64(st.Max)))
	if len(st.Halted) > 0 {
		return fmt.Errorf("kernel panic on hart %v", st.Halted)
	}
	return nil
}

// main boots the kernel on a machine whose console is the terminal it was
// started from. Type ^A x to power the machine off.
func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvos: %v\n", err)
		os.Exit(1)
	}
}
