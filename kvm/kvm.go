// Package kvm is a thin bridge over the Linux /dev/kvm ioctl ABI: it
// knows how to open the accelerator, create a VM and vCPUs, drive the
// run loop, and read/write every piece of vCPU and VM state a checkpoint
// or migration needs to capture. It does not know anything about guest
// memory layout, hypercalls, or boot images -- that's the job of the
// packages that sit on top of it.
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, from linux/kvm.h. Kept as raw constants rather
// than computed via the _IOC macros at init time since they never change
// for a given kernel ABI version and the teacher's own packages did the
// same.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetMSRIndexList     = 0xC004AE02
	kvmCheckExtension      = 0xAE03
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmGetEmulatedCPUID    = 0xC008AE09
	kvmCreateVCPU          = 0xAE41
	kvmGetDirtyLog         = 0x4010AE42
	kvmSetNrMMUPages       = 0xAE44
	kvmGetNrMMUPages       = 0xAE45
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0x4008AE61
	kvmGetIRQChip          = 0xC208AE62
	kvmSetIRQChip          = 0x4208AE63
	kvmGetClock            = 0x8030AE7C
	kvmSetClock            = 0x4030AE7D
	kvmCreatePIT2          = 0x4040AE77
	kvmGetPIT2             = 0x8070AE9F
	kvmSetPIT2             = 0x4070AEA0
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetCPUID2           = 0x4008AE90
	kvmGetCPUID2           = 0xC008AE91
	kvmGetMPState          = 0x8004AE98
	kvmSetMPState          = 0x4004AE99
	kvmGetVCPUEvents       = 0x8040AEA3
	kvmSetVCPUEvents       = 0x4040AEA4
	kvmGetDebugRegs        = 0x8080AEA1
	kvmSetDebugRegs        = 0x4080AEA2
	kvmGetXCRS             = 0x8188AEA6
	kvmSetXCRS             = 0x4188AEA7
	kvmSetGuestDebug       = 0x4048AE9B
	kvmIRQFD               = 0x4020AE76

	numInterrupts = 0x100

	// CPUIDSignature is the CPUID leaf KVM reserves for the hypervisor
	// signature string (KVMKVMKVM\0\0\0).
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the CPUID leaf advertising hypervisor features.
	CPUIDFeatures = 0x40000001
)

// ErrUnexpectedExitReason is returned when a vCPU run exits with a reason
// the dispatcher has no handler for.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// Ioctl issues a single ioctl(2), transparently retrying on EINTR, so a
// signal delivered to the calling thread (such as the checkpoint and
// migration pause signals) does not surface as a spurious error. The
// run ioctl is the exception and does not go through Ioctl; see Run.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion returns the KVM ABI version the running kernel implements.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vCPU number id within vm and returns its fd.
func CreateVCPU(vmFd uintptr, id uint32) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

// Run executes the guest until the next exit. Unlike Ioctl, Run does
// not retry on EINTR: a checkpoint or migration pause is delivered as a
// real-time signal straight to this vCPU's OS thread, and the kernel
// reports that interruption by returning EINTR here with ExitReason
// already set to EXITINTR on the shared run page. Swallowing it the
// way Ioctl's generic retry loop would defeats the rendezvous this
// signal exists for.
func Run(vcpuFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, kvmRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// GetVCPUMMmapSize returns the size of the mmap'd kvm_run shared page.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// SingleStep enables or disables single-instruction stepping on a vCPU,
// used by the debug stub.
func SingleStep(vcpuFd uintptr, enable bool) error {
	guestDebug := struct {
		Control  uint32
		Pad      uint32
		DebugReg [8]uint64
	}{}

	const (
		kvmGuestDebugEnable     = 1
		kvmGuestDebugSingleStep = 2
	)

	if enable {
		guestDebug.Control = kvmGuestDebugEnable | kvmGuestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&guestDebug)))

	return err
}

// RunData mirrors struct kvm_run, the page shared between kernel and
// userspace for one vCPU.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io_in/io_out union of the kvm_run struct for an EXITIO.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the mmio union of the kvm_run struct for an EXITMMIO,
// the trap kind ARM64 guests take in place of EXITIO since AArch64 has
// no port-mapped I/O: physAddr stands in for the x86 port number, and
// data/length/isWrite mirror the real struct's data[8]/len/is_write.
func (r *RunData) MMIO() (physAddr uint64, data []byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	raw := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	lenAndWrite := r.Data[2]
	length = uint32(lenAndWrite & 0xFFFFFFFF)
	isWrite = (lenAndWrite>>32)&0xFF != 0

	return physAddr, raw[:length], length, isWrite
}
