package kvm

import "unsafe"

// Regs are the general purpose registers, shared by 32- and 64-bit guests;
// a 32-bit guest simply leaves the upper halves unused.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs reads the general purpose registers of a vcpu.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general purpose registers of a vcpu.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

// Sregs are the "special" registers: segments, control registers, the
// IDT/GDT, and the pending-interrupt bitmap.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs reads the special registers of a vcpu.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the special registers of a vcpu.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}

// Segment is an x86 segment descriptor as KVM represents it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDT, IDT, or LDT pointer (base + limit).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// DebugRegs are the x86 debug registers DR0-DR7 plus flags.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads the debug registers of a vcpu.
func GetDebugRegs(vcpuFd uintptr) (*DebugRegs, error) {
	dregs := &DebugRegs{}
	_, err := Ioctl(vcpuFd, kvmGetDebugRegs, uintptr(unsafe.Pointer(dregs)))

	return dregs, err
}

// SetDebugRegs writes the debug registers of a vcpu.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, kvmSetDebugRegs, uintptr(unsafe.Pointer(dregs)))

	return err
}
