// Package memory manages the single flat guest-physical address range a
// uvmm guest runs in: its anonymous backing mapping, the 32-bit MMIO gap
// reserved above 3 GiB, and the madvise hints HERMIT_MERGEABLE and
// HERMIT_HUGEPAGE ask for.
package memory

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Poison fills memory the guest has not been given so that a guest
// running off the end of its image traps immediately instead of
// executing whatever garbage happened to be there. The encoding is
// "mov eax, 0xcafebabe; nop; ud2", chosen so the trap leaves a
// recognizable marker value in a register.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

const (
	// GapStart is the guest-physical address (3 GiB) where the 32-bit
	// MMIO gap begins on x86 guests sized at or above GapStart.
	GapStart = 0xC000_0000
	// GapSize is the size of the 32-bit MMIO gap (768 MiB), matching the
	// space PCI-less x86 guests still reserve for APIC/IOAPIC/HPET MMIO.
	GapSize = 0x3000_0000

	highMemBase = 0x10_0000
)

var (
	// ErrSlotNotFound indicates a lookup for a guest-physical range that
	// was never allocated.
	ErrSlotNotFound = errors.New("memory: no region covers that address")
)

// Region is the single guest-physical memory range backing a VM: one
// anonymous mmap, optionally split around the 32-bit MMIO gap.
type Region struct {
	Size int
	Buf  []byte

	// GapAt is the offset within Buf the MMIO gap begins at, or -1 if
	// this guest is small enough that no gap was needed.
	GapAt int
}

// New allocates and poisons size bytes of guest memory. If size would
// reach into the 32-bit MMIO gap, the gap itself is protected with
// PROT_NONE so any guest or host access to it faults immediately rather
// than silently reading backing pages that don't belong to a device.
func New(size int, mergeable, hugepage bool) (*Region, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	poison(buf)

	r := &Region{Size: size, Buf: buf, GapAt: -1}

	if size > GapStart {
		gapEnd := GapStart + GapSize
		if gapEnd > size {
			gapEnd = size
		}

		if err := unix.Mprotect(buf[GapStart:gapEnd], unix.PROT_NONE); err != nil {
			unix.Munmap(buf) //nolint:errcheck

			return nil, err
		}

		r.GapAt = GapStart
	}

	if mergeable {
		if err := unix.Madvise(buf, unix.MADV_MERGEABLE); err != nil {
			return nil, err
		}
	}

	if hugepage {
		if err := unix.Madvise(buf, unix.MADV_HUGEPAGE); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// poison fills memory above highMemBase with an instruction sequence that
// traps instead of executing silently; the low megabyte is left zero
// since boot headers and page tables are placed there before any code
// runs.
func poison(buf []byte) {
	for i := highMemBase; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}
}

// ProtectFirstPage marks guest-physical page 0 read-only. ARMv8 guests
// use this to turn a null-pointer dereference in the guest into an
// immediate data-abort exit instead of a silent read of whatever lives
// at address 0.
func (r *Region) ProtectFirstPage() error {
	const pageSize = 4096
	if len(r.Buf) < pageSize {
		return ErrSlotNotFound
	}

	return unix.Mprotect(r.Buf[:pageSize], unix.PROT_READ)
}

// UserspaceAddr returns the host virtual address backing guest-physical
// address 0, for building a kvm.UserspaceMemoryRegion.
func (r *Region) UserspaceAddr() uint64 {
	if len(r.Buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&r.Buf[0])))
}

// Close unmaps the region's backing memory.
func (r *Region) Close() error {
	if r.Buf == nil {
		return nil
	}

	err := unix.Munmap(r.Buf)
	r.Buf = nil

	return err
}

// At returns a slice of size bytes starting at guest-physical address
// addr, or ErrSlotNotFound if that range falls outside the region or
// inside the protected MMIO gap.
func (r *Region) At(addr uint64, size int) ([]byte, error) {
	if addr+uint64(size) > uint64(len(r.Buf)) {
		return nil, ErrSlotNotFound
	}

	if r.GapAt >= 0 && addr >= GapStart && addr < GapStart+GapSize {
		return nil, ErrSlotNotFound
	}

	return r.Buf[addr : addr+uint64(size)], nil
}
