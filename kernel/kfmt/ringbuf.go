package kfmt

import "io"

// earlyBufferSize is large enough to hold the boot banner and the driver
// probe output of a fully populated machine.
const earlyBufferSize = 4096

// ringBuffer keeps the most recent bytes written to it; once full, each new
// byte evicts the oldest one.
type ringBuffer struct {
	data  []byte
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{data: make([]byte, size)}
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}

// Write appends p, evicting old bytes as needed.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	size := len(rb.data)
	for _, b := range p {
		end := (rb.start + rb.count) % size
		rb.data[end] = b
		if rb.count == size {
			rb.start = (rb.start + 1) % size
			continue
		}
		rb.count++
	}
	return len(p), nil
}

// WriteTo drains the buffered bytes into w in the order they were written.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for rb.count > 0 {
		end := rb.start + rb.count
		if end > len(rb.data) {
			end = len(rb.data)
		}

		n, err := w.Write(rb.data[rb.start:end])
		total += int64(n)
		rb.start = (rb.start + n) % len(rb.data)
		rb.count -= n
		if err != nil {
			return total, err
		}
	}
	rb.start = 0
	return total, nil
}
