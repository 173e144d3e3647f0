package hal

import (
	"io"
	"rvos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn scans the machine for a particular piece of hardware and returns
// a driver for it, or nil if the hardware is absent.
type ProbeFn func(m *Machine) Driver

// Detection orders. Drivers with a lower order are probed first.
const (
	DetectOrderEarly = -128 + iota
	DetectOrderConsole
	DetectOrderLast = 127
)

// DriverInfo describes a driver that can be probed for.
type DriverInfo struct {
	// Order controls when the driver is probed relative to others.
	Order int

	// Probe detects the hardware the driver handles.
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface over registered drivers.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds a driver to the list probed by Machine.Probe. Drivers
// register themselves from their package init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
