// Package serial is the guest's console UART. A guest driven through
// the hypercall ABI has no 8250 to program: it reaches the console by
// writing a single byte to the UART hypercall port, one exit per
// character, with no baud-rate, line-control, or FIFO registers in
// between. Console keeps the teacher's io.Writer-backed, swappable
// output idiom for that one byte at a time.
package serial

import (
	"io"
	"os"
)

// Console is the host side of the guest's UART hypercall: every byte
// the guest writes to port 0x800 is forwarded here.
type Console struct {
	verbose bool
	output  io.Writer
}

// New returns a Console writing to os.Stderr, matching where the
// hypercall's own host implementation prints. Output is only forwarded
// when verbose is true, mirroring the hypercall's "only when verbose"
// rule so a Console plugged in directly still honors it.
func New(verbose bool) *Console {
	return &Console{verbose: verbose, output: os.Stderr}
}

// SetOutput redirects the console, primarily so tests can capture it.
func (c *Console) SetOutput(w io.Writer) {
	c.output = w
}

// Write implements io.Writer so a Console can be plugged directly into
// hypercall.Dispatcher.UART.
func (c *Console) Write(p []byte) (int, error) {
	if !c.verbose {
		return len(p), nil
	}

	return c.output.Write(p)
}
