package vmm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// kvmDevicePath mirrors hypercall's own refusal constant; Open must
// reject it independently since it owns the host-side os.Open call
// the dispatcher's guard only gates by path string.
const kvmDevicePath = "/dev/kvm"

// hostFiles implements hypercall.FileIO by opening real host files on
// the guest's behalf, exactly original_source's uhyve_open/close/read/
// write/lseek: every guest fd is a thin handle onto a host *os.File,
// with 0/1/2 reserved by the dispatcher for the guest's own stdio and
// never reaching Open or Close here.
type hostFiles struct {
	mu    sync.Mutex
	files map[int]*os.File
	next  int
}

func newHostFiles() *hostFiles {
	return &hostFiles{files: make(map[int]*os.File), next: 3}
}

// Open resolves path on the host and returns a fresh guest fd, refusing
// any attempt to open the accelerator device itself.
func (h *hostFiles) Open(path string, flags int, mode uint32) (int, error) {
	abs, err := filepath.Abs(path)
	if err == nil && abs == kvmDevicePath {
		return -1, fmt.Errorf("vmm: guest may not open %s", kvmDevicePath)
	}

	f, err := os.OpenFile(path, flags, os.FileMode(mode))
	if err != nil {
		return -1, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	fd := h.next
	h.next++
	h.files[fd] = f

	return fd, nil
}

// Close releases a guest fd previously returned by Open.
func (h *hostFiles) Close(fd int) error {
	h.mu.Lock()
	f, ok := h.files[fd]
	delete(h.files, fd)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("vmm: close: unknown fd %d", fd)
	}

	return f.Close()
}

func (h *hostFiles) lookup(fd int) (*os.File, error) {
	h.mu.Lock()
	f, ok := h.files[fd]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("vmm: unknown fd %d", fd)
	}

	return f, nil
}

func (h *hostFiles) Read(fd int, p []byte) (int, error) {
	f, err := h.lookup(fd)
	if err != nil {
		return 0, err
	}

	return f.Read(p)
}

func (h *hostFiles) Write(fd int, p []byte) (int, error) {
	f, err := h.lookup(fd)
	if err != nil {
		return 0, err
	}

	return f.Write(p)
}

func (h *hostFiles) Seek(fd int, offset int64, whence int) (int64, error) {
	f, err := h.lookup(fd)
	if err != nil {
		return 0, err
	}

	return f.Seek(offset, whence)
}

// procExiter implements hypercall.Exiter: any vCPU's EXIT hypercall
// terminates the whole process with the guest's exit code, matching
// original_source's uhyve_exit -- the VMM process IS the guest's
// execution context, so there is nothing left to keep running once one
// core reports it is done.
type procExiter struct {
	onExit func(cpu int, code int32)
}

func (e *procExiter) Exit(cpu int, code int32) {
	e.onExit(cpu, code)
}
