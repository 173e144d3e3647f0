// Package kfmt provides the kernel's console printf, structured logging and
// the fatal panic path.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// outputMu serializes writes to the output sink so that lines from
	// different harts do not interleave.
	outputMu sync.Mutex

	// earlyPrintBuffer captures Printf output until a console is attached.
	earlyPrintBuffer = newRingBuffer(earlyBufferSize)

	// outputSink is the io.Writer that receives Printf output. While it is
	// nil, output is kept in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and flushes any
// output accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		earlyPrintBuffer.WriteTo(w)
	}
}

// GetOutputSink returns the active output sink or nil if output is still
// being buffered.
func GetOutputSink() io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. It accepts the fmt package verbs.
func Printf(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if outputSink == nil {
		fmt.Fprintf(earlyPrintBuffer, format, args...)
		return
	}
	fmt.Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
// A nil w selects the active output sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		Printf(format, args...)
		return
	}
	fmt.Fprintf(w, format, args...)
}

// Console is an io.Writer that sends its output wherever Printf would,
// including the early print buffer.
var Console io.Writer = consoleWriter{}

type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	Printf("%s", p)
	return len(p), nil
}
