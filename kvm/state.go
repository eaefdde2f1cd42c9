package kvm

import "unsafe"

const kvmGetLAPIC = 0x8400AE8E
const kvmSetLAPIC = 0x4400AE8F
const kvmGetFPU = 0x81A0AE8C
const kvmSetFPU = 0x41A0AE8D

// FPU is the x87/SSE floating-point register file KVM exposes per
// vcpu: eight 128-bit ST/MM registers and sixteen 128-bit XMM
// registers, plus the control/status words a checkpoint must restore
// bit-for-bit for a guest mid-computation to resume correctly.
type FPU struct {
	FPR       [8][16]uint8
	FCW       uint16
	FSW       uint16
	FTWX      uint8
	Pad1      uint8
	LastOpcode uint16
	LastIP    uint64
	LastDP    uint64
	XMM       [16][16]uint8
	MXCSR     uint32
	Pad2      uint32
}

// GetFPU reads a vcpu's floating-point register file.
func GetFPU(vcpuFd uintptr, f *FPU) error {
	_, err := Ioctl(vcpuFd, kvmGetFPU, uintptr(unsafe.Pointer(f)))

	return err
}

// SetFPU writes a vcpu's floating-point register file.
func SetFPU(vcpuFd uintptr, f *FPU) error {
	_, err := Ioctl(vcpuFd, kvmSetFPU, uintptr(unsafe.Pointer(f)))

	return err
}

// LAPICState is the raw 1 KiB local APIC register page KVM exposes for a
// vcpu; checkpoint/migration treat it as an opaque blob.
type LAPICState struct {
	Regs [1024]byte
}

// GetLAPIC reads a vcpu's local APIC state.
func GetLAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, kvmGetLAPIC, uintptr(unsafe.Pointer(l)))

	return err
}

// SetLAPIC writes a vcpu's local APIC state.
func SetLAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, kvmSetLAPIC, uintptr(unsafe.Pointer(l)))

	return err
}

// MPState is the multiprocessing state of a vcpu (running, halted,
// init-received, ...).
type MPState struct {
	State uint32
}

// GetMPState reads a vcpu's multiprocessing state.
func GetMPState(vcpuFd uintptr, m *MPState) error {
	_, err := Ioctl(vcpuFd, kvmGetMPState, uintptr(unsafe.Pointer(m)))

	return err
}

// SetMPState writes a vcpu's multiprocessing state.
func SetMPState(vcpuFd uintptr, m *MPState) error {
	_, err := Ioctl(vcpuFd, kvmSetMPState, uintptr(unsafe.Pointer(m)))

	return err
}

// VCPUEvents captures pending exceptions, interrupts, NMIs, and SIPI
// state that live outside the general/special register files.
type VCPUEvents struct {
	Exception struct {
		Injected  uint8
		Nr        uint8
		HasErrorCode uint8
		Pad       uint8
		ErrorCode uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		SoftInterrupt uint8
		ShadowInterrupt uint8
		Pad      [4]uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		MaskedFlag uint8
		Pad      uint8
	}
	SIPIVector uint32
	Flags      uint32
	SMI        struct {
		Smm          uint8
		Pending      uint8
		SmmInsideNmi uint8
		LatchedInit  uint8
	}
	_ [27]uint32
}

// GetVCPUEvents reads a vcpu's pending-event state.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, kvmGetVCPUEvents, uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents writes a vcpu's pending-event state.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, kvmSetVCPUEvents, uintptr(unsafe.Pointer(e)))

	return err
}

// XCRS captures the extended control registers (XCR0 and friends).
type XCRS struct {
	NXCRs uint32
	Flags uint32
	XCRs  [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// GetXCRS reads a vcpu's extended control registers.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, kvmGetXCRS, uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS writes a vcpu's extended control registers.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, kvmSetXCRS, uintptr(unsafe.Pointer(x)))

	return err
}
