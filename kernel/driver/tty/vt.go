// Package tty implements the output side of a serial terminal: it turns the
// kernel's byte stream into what a host terminal in raw mode expects.
package tty

import (
	"io"
	"sync"
)

const (
	// DefaultWidth is the number of columns assumed for the host terminal.
	DefaultWidth = 80

	tabWidth = 8
)

// Vt is a simple terminal that processes LF, CR, TAB and backspace and
// wraps long lines. It writes to a host terminal in raw mode, where a bare
// LF only moves the cursor down.
//
// Vt is shared by kernel printf and console device writes, which may come
// from any goroutine, so it serializes with a host mutex.
type Vt struct {
	mu sync.Mutex

	out   io.Writer
	width uint16
	curX  uint16

	// scratch is reused to batch the translated output of one Write.
	scratch []byte
}

// AttachTo connects the terminal to the host writer out. A width of zero
// selects DefaultWidth.
func (t *Vt) AttachTo(out io.Writer, width uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if width == 0 {
		width = DefaultWidth
	}
	t.out, t.width, t.curX = out, width, 0
}

// Column returns the current cursor column.
func (t *Vt) Column() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curX
}

// Write implements io.Writer. The returned count refers to data, not to the
// translated bytes sent to the host.
func (t *Vt) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scratch = t.scratch[:0]
	for _, b := range data {
		t.put(b)
	}
	return len(data), t.flush()
}

// WriteByte writes a single byte.
func (t *Vt) WriteByte(b byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scratch = t.scratch[:0]
	t.put(b)
	return t.flush()
}

// Backspace erases the character left of the cursor.
func (t *Vt) Backspace() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.curX == 0 {
		return nil
	}
	t.curX--
	t.scratch = append(t.scratch[:0], '\b', ' ', '\b')
	return t.flush()
}

func (t *Vt) put(b byte) {
	switch b {
	case '\r':
		t.cr()
	case '\n':
		t.cr()
		t.lf()
	case '\t':
		for n := tabWidth - t.curX%tabWidth; n > 0; n-- {
			t.char(' ')
		}
	case '\b':
		if t.curX > 0 {
			t.curX--
			t.scratch = append(t.scratch, '\b')
		}
	default:
		t.char(b)
	}
}

func (t *Vt) char(b byte) {
	t.scratch = append(t.scratch, b)
	t.curX++
	if t.curX == t.width {
		t.cr()
		t.lf()
	}
}

// cr moves the cursor to the start of the line.
func (t *Vt) cr() {
	t.curX = 0
	t.scratch = append(t.scratch, '\r')
}

// lf moves the cursor down one line; the host terminal scrolls.
func (t *Vt) lf() {
	t.scratch = append(t.scratch, '\n')
}

func (t *Vt) flush() error {
	if t.out == nil || len(t.scratch) == 0 {
		return nil
	}
	_, err := t.out.Write(t.scratch)
	return err
}
