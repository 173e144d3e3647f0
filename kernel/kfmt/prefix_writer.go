package kfmt

import (
	"io"

	"go.uber.org/zap"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. When Log is set, every completed
// line is also recorded as a structured log entry.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// Optional logger receiving each completed line.
	Log *zap.Logger

	line []byte
}

// Write writes len(p) bytes from p to the sink, injecting the prefix at the
// start of every line. The prefix is not included in the returned count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		if len(w.line) == 0 {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
		}

		chunk := p
		eol := false
		for i, b := range p {
			if b == '\n' {
				chunk, eol = p[:i+1], true
				break
			}
		}

		n, err := w.Sink.Write(chunk)
		written += n
		w.line = append(w.line, chunk[:n]...)
		if err != nil {
			return written, err
		}

		if eol {
			w.flushLine()
		}
		p = p[len(chunk):]
	}

	return written, nil
}

// flushLine hands a completed line to the logger and starts a new one.
func (w *PrefixWriter) flushLine() {
	if w.Log != nil {
		w.Log.Info(string(w.Prefix) + string(w.line[:len(w.line)-1]))
	}
	w.line = w.line[:0]
}
