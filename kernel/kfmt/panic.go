package kfmt

import (
	"errors"
	"fmt"
	"rvos/kernel"
	"rvos/kernel/cpu"

	"go.uber.org/zap"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt
)

// Panic reports a fatal kernel error on the console and in the kernel log
// and then halts the calling hart. It only returns if tests replace the
// halt function.
func Panic(e interface{}) {
	if err := panicCause(e); err != nil {
		Printf("\npanic: [%s] %s\n", err.Module, err.Message)
		Logger().Error("kernel panic", zap.String("module", err.Module), zap.String("err", err.Message))
	} else {
		Printf("\npanic\n")
	}

	cpuHaltFn()
}

// panicCause converts a recovered value into the error Panic reports.
// Wrapped kernel errors keep the module they were raised by; anything else
// is attributed to the runtime.
func panicCause(e interface{}) *kernel.Error {
	if e == nil {
		return nil
	}

	var kerr *kernel.Error
	if err, ok := e.(error); ok {
		if errors.As(err, &kerr) && kerr != nil {
			return kerr
		}
		return &kernel.Error{Module: "rt", Message: err.Error()}
	}
	return &kernel.Error{Module: "rt", Message: fmt.Sprint(e)}
}
