package net

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/uvmm/kvm"
)

// IRQGSI is the global system interrupt the network bridge raises,
// chosen one past the reserved migration IRQ so it never collides with
// the in-kernel PIC/IOAPIC's own lines.
const IRQGSI = 11

// defaultMAC is handed to a guest that never received one of its own;
// it follows the same locally-administered convention other userspace
// VMMs default to, so guest ethernet stacks that reject globally
// unique ranges still accept it.
const defaultMAC = "52:54:00:12:34:56"

var errNotConfigured = errors.New("net: no interface configured")

// Bridge lazily creates a TAP device on the guest's first network
// hypercall, wires its readiness to a guest IRQ via IRQFD, and runs a
// poll thread that raises the edge and then waits for the guest's
// NETREAD hypercall to signal the queue has been drained before
// raising it again.
type Bridge struct {
	vmFd   uintptr
	ifName string
	mac    string

	mu       sync.Mutex
	tap      *tapDevice
	eventFD  int
	drainSem *semaphore.Weighted
	stop     chan struct{}
}

// New returns a Bridge that will create ifName on the first call that
// needs the TAP device. mac may be empty, in which case defaultMAC is
// reported.
func New(vmFd uintptr, ifName, mac string) *Bridge {
	if mac == "" {
		mac = defaultMAC
	}

	return &Bridge{vmFd: vmFd, ifName: ifName, mac: mac}
}

// Configured reports whether this bridge was given an interface name
// at launch (mirroring HERMIT_NETIF being set).
func (b *Bridge) Configured() bool {
	return b.ifName != ""
}

// MAC returns the bridge's MAC address, starting the TAP device and
// poll thread on first call.
func (b *Bridge) MAC() string {
	if b.Configured() {
		if err := b.ensureStarted(); err != nil {
			return b.mac
		}
	}

	return b.mac
}

// ensureStarted creates the TAP device, binds an eventfd to the guest
// IRQ via KVM_IRQFD, and launches the poll thread. Safe to call more
// than once; only the first call does anything.
func (b *Bridge) ensureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tap != nil {
		return nil
	}

	tap, err := newTapDevice(b.ifName)
	if err != nil {
		return fmt.Errorf("net: create tap %s: %w", b.ifName, err)
	}

	eventFD, err := unix.Eventfd(0, 0)
	if err != nil {
		tap.Close() //nolint:errcheck

		return fmt.Errorf("net: eventfd: %w", err)
	}

	if err := kvm.IRQFD(b.vmFd, eventFD, IRQGSI); err != nil {
		tap.Close() //nolint:errcheck
		unix.Close(eventFD) //nolint:errcheck

		return fmt.Errorf("net: irqfd: %w", err)
	}

	b.tap = tap
	b.eventFD = eventFD
	b.drainSem = semaphore.NewWeighted(1)
	// Start with zero permits available, matching sem_init(&net_sem, 0, 0):
	// the poll thread's first wait must block until a NETREAD call finds
	// the queue drained, not succeed immediately.
	b.drainSem.Acquire(context.Background(), 1) //nolint:errcheck
	b.stop = make(chan struct{})

	go b.pollLoop()

	return nil
}

// pollLoop waits for the TAP device to become readable, raises the
// guest IRQ by writing to the eventfd, and then blocks until the
// guest's NETREAD hypercall reports the queue empty again -- so a
// guest that never drains the packet is not re-interrupted forever.
func (b *Bridge) pollLoop() {
	fds := []unix.PollFd{{Fd: int32(b.tap.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return
		}

		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var counter [8]byte
		counter[0] = 1

		if _, err := unix.Write(b.eventFD, counter[:]); err != nil {
			return
		}

		if err := b.drainSem.Acquire(context.Background(), 1); err != nil {
			return
		}
	}
}

// Write sends one packet to the TAP device, implementing
// hypercall.NetIO.
func (b *Bridge) Write(p []byte) (int, error) {
	if !b.Configured() {
		return 0, errNotConfigured
	}

	if err := b.ensureStarted(); err != nil {
		return 0, err
	}

	return b.tap.Write(p)
}

// Read performs a non-blocking read from the TAP device. drained is
// true when the queue turned out to be empty, which releases the poll
// thread's drain semaphore so it resumes waiting for the next packet.
func (b *Bridge) Read(p []byte) (n int, drained bool, err error) {
	if !b.Configured() {
		return 0, true, errNotConfigured
	}

	if err := b.ensureStarted(); err != nil {
		return 0, true, err
	}

	n, err = b.tap.Read(p)
	if err != nil {
		if err == unix.EAGAIN { //nolint:errorlint
			b.drainSem.Release(1)

			return 0, true, nil
		}

		return 0, true, err
	}

	return n, false, nil
}

// Close stops the poll thread and releases the TAP device and eventfd.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tap == nil {
		return nil
	}

	close(b.stop)

	err := b.tap.Close()
	unix.Close(b.eventFD) //nolint:errcheck

	b.tap = nil

	return err
}
