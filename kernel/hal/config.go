package hal

import (
	"fmt"
	"io"
	"os"
	"rvos/kernel"
	"rvos/kernel/mm"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Size is a byte count written in configuration files as a human readable
// string such as "128MiB" or "64 MB".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var str string
	if err := node.Decode(&str); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(n)
	return nil
}

// String returns the size in IEC units.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Duration is a time.Duration written as a Go duration string ("10ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var str string
	if err := node.Decode(&str); err != nil {
		return err
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// LogConfig selects the structured logger installed at boot.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config describes the machine the kernel boots on.
type Config struct {
	// Harts is the number of harts; at most kernel.NCPU.
	Harts int `yaml:"harts"`

	// RAM is the size of physical memory starting at mm.KERNBASE.
	RAM Size `yaml:"ram"`

	// Tick is the timer interrupt period.
	Tick Duration `yaml:"tick"`

	// RootFS is an optional host directory imported as the root image.
	RootFS string `yaml:"rootfs"`

	Log LogConfig `yaml:"log"`
}

// minRAM leaves room for the kernel image plus the frames needed to build
// the kernel page table and start init.
const minRAM = mm.KernelEnd - mm.KERNBASE + 256*mm.PageSize

var (
	errHarts = &kernel.Error{Module: "hal", Message: "hart count must be between 1 and NCPU"}
	errRAM   = &kernel.Error{Module: "hal", Message: "RAM size too small or not page aligned"}
	errTick  = &kernel.Error{Module: "hal", Message: "timer period must be positive"}
)

// DefaultConfig returns the machine xv6 is usually run on under qemu.
func DefaultConfig() *Config {
	return &Config{
		Harts: 3,
		RAM:   128 << 20,
		Tick:  Duration(10 * time.Millisecond),
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig decodes a YAML machine description from r. Fields missing from
// the document keep their default values.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile is LoadConfig for a file on the host.
func LoadConfigFile(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return LoadConfig(fh)
}

// Validate checks that cfg describes a machine the kernel can drive.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Harts < 1 || cfg.Harts > kernel.NCPU:
		return errHarts
	case uint64(cfg.RAM) < minRAM || uint64(cfg.RAM)%mm.PageSize != 0:
		return errRAM
	case cfg.Tick <= 0:
		return errTick
	}
	return nil
}
