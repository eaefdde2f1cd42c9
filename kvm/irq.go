package kvm

import "unsafe"

// irqLevel is the argument to KVM_IRQ_LINE: raise or lower one IRQ line
// on the in-kernel interrupt controller.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) an IRQ line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}

	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// IRQLineStatus issues the same KVM_IRQ_LINE call as IRQLine; it does
// not read back or report whether the line was previously asserted.
func IRQLineStatus(vmFd uintptr, irq, level uint32) error {
	return IRQLine(vmFd, irq, level)
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC+IOAPIC on
// x86, a GIC on ARMv8) for the VM.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// irqfd is the argument to KVM_IRQFD: binds an eventfd to a guest
// interrupt line so a host thread can raise it with a single write(2)
// instead of a KVM_IRQ_LINE ioctl from whatever thread noticed the
// event.
type irqfd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     uint32
	_     [16]uint8
}

// IRQFD binds eventFD to gsi on vmFd's in-kernel interrupt controller.
// The network bridge uses this so its poll thread can raise the guest
// network IRQ by writing to the eventfd directly.
func IRQFD(vmFd uintptr, eventFD int, gsi uint32) error {
	f := irqfd{FD: uint32(eventFD), GSI: gsi}

	_, err := Ioctl(vmFd, kvmIRQFD, uintptr(unsafe.Pointer(&f)))

	return err
}

// pitConfig is the argument to KVM_CREATE_PIT2.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates an in-kernel i8254 programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{}

	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// pitChannelState is the per-channel state nested inside PITState2.
type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// PITState2 is the full state of the in-kernel PIT, captured and restored
// by checkpoint/migration.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	_        [9]uint32
}

// GetPIT2 reads the PIT state.
func GetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, kvmGetPIT2, uintptr(unsafe.Pointer(p)))

	return err
}

// SetPIT2 writes the PIT state.
func SetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, kvmSetPIT2, uintptr(unsafe.Pointer(p)))

	return err
}

// IRQChip is the state of one PIC (ChipID 0 or 1) or the IOAPIC
// (ChipID 2), captured and restored by checkpoint/migration.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads one chip's state; caller sets ChipID before calling.
func GetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, kvmGetIRQChip, uintptr(unsafe.Pointer(c)))

	return err
}

// SetIRQChip writes one chip's state.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, kvmSetIRQChip, uintptr(unsafe.Pointer(c)))

	return err
}

// ClockData is the state of the VM's paravirtual clock.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [2]uint64
	_     [4]uint64
}

// GetClock reads the VM clock.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, kvmGetClock, uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock writes the VM clock. Checkpoint restore and migration landing
// both replay the source's clock value so guest-visible time does not
// jump backward.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, kvmSetClock, uintptr(unsafe.Pointer(c)))

	return err
}
