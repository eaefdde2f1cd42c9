package vmm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHostFilesOpenStartsAtFD3(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "guest.dat")

	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := newHostFiles()

	fd, err := h.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if fd != 3 {
		t.Fatalf("first guest fd = %d, want 3", fd)
	}

	buf := make([]byte, 5)

	n, err := h.Read(fd, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello")
	}

	if err := h.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := h.Read(fd, buf); err == nil {
		t.Fatal("Read after Close: want error, got nil")
	}
}

func TestHostFilesRefusesKVMDevice(t *testing.T) {
	t.Parallel()

	h := newHostFiles()

	if _, err := h.Open(kvmDevicePath, os.O_RDONLY, 0); err == nil {
		t.Fatal("Open(/dev/kvm): want error, got nil")
	}
}

func TestHostFilesSeekAndWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "guest.dat")

	h := newHostFiles()

	fd, err := h.Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := h.Write(fd, []byte("abcdef")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := h.Seek(fd, 2, os.SEEK_SET); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	buf := make([]byte, 2)

	n, err := h.Read(fd, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if string(buf[:n]) != "cd" {
		t.Fatalf("Read after Seek = %q, want %q", buf[:n], "cd")
	}
}

func TestHostFilesUnknownFD(t *testing.T) {
	t.Parallel()

	h := newHostFiles()

	if _, err := h.Read(99, make([]byte, 1)); err == nil {
		t.Fatal("Read(unknown fd): want error, got nil")
	}

	if err := h.Close(99); err == nil {
		t.Fatal("Close(unknown fd): want error, got nil")
	}
}

func TestProcExiterInvokesCallback(t *testing.T) {
	t.Parallel()

	var gotCPU int

	var gotCode int32

	e := &procExiter{onExit: func(cpu int, code int32) {
		gotCPU = cpu
		gotCode = code
	}}

	e.Exit(1, 7)

	if gotCPU != 1 || gotCode != 7 {
		t.Fatalf("onExit called with (%d, %d), want (1, 7)", gotCPU, gotCode)
	}
}
