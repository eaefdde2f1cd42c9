// Package net creates a host TAP device for a guest's network
// hypercalls and bridges it to the guest through an IRQFD-signaled
// poll thread.
package net

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

// ifReq mirrors struct ifreq, trimmed to the fields TUNSETIFF reads.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// tapDevice is a single /dev/net/tun TAP interface, opened in
// non-blocking mode so a NETREAD hypercall's Read on an empty queue
// returns EAGAIN instead of stalling the vCPU thread.
type tapDevice struct {
	fd int
}

func newTapDevice(name string) (*tapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF,
		uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd) //nolint:errcheck

		return nil, errno
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd) //nolint:errcheck

		return nil, err
	}

	return &tapDevice{fd: fd}, nil
}

func (t *tapDevice) Read(buf []byte) (int, error)  { return unix.Read(t.fd, buf) }
func (t *tapDevice) Write(buf []byte) (int, error) { return unix.Write(t.fd, buf) }
func (t *tapDevice) Close() error                  { return unix.Close(t.fd) }
