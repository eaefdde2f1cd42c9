//go:build arm64

package kvm

import "unsafe"

// ARMv8 has no kvm_regs/kvm_sregs struct pair the way x86 does; every
// register is read or written individually through KVM_GET_ONE_REG /
// KVM_SET_ONE_REG, addressed by an encoded 64-bit register ID. GIC
// configuration goes through the generic kvm_device_attr ioctls instead
// of a dedicated IRQ-chip call. Grounded on original_source's
// uhyve-aarch64.c init_cpu_state/init_gic.
const (
	kvmGetOneReg     = 0x4010AEAB
	kvmSetOneReg     = 0x4010AEAC
	kvmHasDeviceAttr = 0x4018AEE3
	kvmSetDeviceAttr = 0x4018AEE1
	kvmCreateDevice  = 0xC00CAEE0
)

// DeviceTypeARMVGICV2 and DeviceTypeARMVGICV3 select which in-kernel
// GIC model CreateDevice instantiates (linux/arch/arm64/kvm/vgic's
// KVM_DEV_TYPE_ARM_VGIC_V2/V3), per spec.md's "optionally initialize
// the GIC's interrupt count."
const (
	DeviceTypeARMVGICV2 = 5
	DeviceTypeARMVGICV3 = 7
)

// createDevice mirrors struct kvm_create_device.
type createDevice struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// CreateDevice creates an in-kernel device of the given type (a GIC
// model) on vm and returns its own fd, used afterward with
// HasDeviceAttr/SetDeviceAttr to configure it before any vCPU boots.
func CreateDevice(vmFd uintptr, devType uint32) (uintptr, error) {
	cd := createDevice{Type: devType}

	if _, err := Ioctl(vmFd, kvmCreateDevice, uintptr(unsafe.Pointer(&cd))); err != nil {
		return 0, err
	}

	return uintptr(cd.Fd), nil
}

// Register-ID encoding bits (linux/arch/arm64/include/uapi/asm/kvm.h):
// type (ARM64), size class, and the "core register" coprocessor space
// that struct kvm_regs.regs maps into.
const (
	regARM64    = uint64(0x6000000000000000)
	regSizeU64  = uint64(0x0030000000000000)
	regCore     = uint64(0x0000000000100000)
	coreRegsOff = uint64(0) // offsetof(kvm_regs, regs) in 32-bit words
)

// coreReg returns the ID of the n-th u64 of kvm_regs.regs; the kernel
// indexes core registers in 32-bit words, so each u64 spans two.
func coreReg(wordOffset uint64) uint64 {
	return regARM64 | regSizeU64 | regCore | (coreRegsOff + wordOffset*2)
}

// ARM64CoreRegs names the core register IDs vcpu init and checkpoint
// capture need: the 31 general registers, SP, PC, and PSTATE.
var (
	ARM64RegPC     = coreReg(32)
	ARM64RegPState = coreReg(33)
	ARM64RegSP     = coreReg(31)
)

// ARM64Reg returns the register ID for general-purpose register n (0-30).
func ARM64Reg(n int) uint64 {
	return coreReg(uint64(n))
}

// GetOneReg reads one ARM64 register into *out (must be the right width
// for the register, u64 for every register this build touches).
func GetOneReg(vcpuFd uintptr, id uint64, out *uint64) error {
	oneReg := struct {
		ID   uint64
		Addr uint64
	}{ID: id, Addr: uint64(uintptr(unsafe.Pointer(out)))}

	_, err := Ioctl(vcpuFd, kvmGetOneReg, uintptr(unsafe.Pointer(&oneReg)))

	return err
}

// SetOneReg writes one ARM64 register.
func SetOneReg(vcpuFd uintptr, id uint64, val uint64) error {
	oneReg := struct {
		ID   uint64
		Addr uint64
	}{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}

	_, err := Ioctl(vcpuFd, kvmSetOneReg, uintptr(unsafe.Pointer(&oneReg)))

	return err
}

// DeviceAttr mirrors struct kvm_device_attr, used to configure the
// in-kernel GIC (group/attr select a GIC property, addr points at the
// value).
type DeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

// HasDeviceAttr reports whether a VM device (the GIC) supports the
// group/attr pair in a.
func HasDeviceAttr(devFd uintptr, a *DeviceAttr) (bool, error) {
	_, err := Ioctl(devFd, kvmHasDeviceAttr, uintptr(unsafe.Pointer(a)))
	if err != nil {
		return false, nil //nolint:nilerr
	}

	return true, nil
}

// SetDeviceAttr configures a GIC property. Used to set the number of
// supported IRQ lines (KVM_DEV_ARM_VGIC_GRP_NR_IRQS) before the vCPUs
// start.
func SetDeviceAttr(devFd uintptr, a *DeviceAttr) error {
	_, err := Ioctl(devFd, kvmSetDeviceAttr, uintptr(unsafe.Pointer(a)))

	return err
}
