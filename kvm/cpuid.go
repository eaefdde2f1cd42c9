package kvm

import "unsafe"

// CPUID is the variable-length kvm_cpuid2 structure: Nent entries
// immediately followed by that many CPUIDEntry2 values.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf/subleaf and the register values KVM will
// return for it.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID returns every CPUID leaf the host processor and KVM
// version can expose to a guest.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = uint32(len(cpuid.Entries))

	_, err := Ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// GetEmulatedCPUID returns the CPUID leaves KVM can emulate in software
// even when the host processor lacks the corresponding instruction.
func GetEmulatedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = uint32(len(cpuid.Entries))

	_, err := Ioctl(kvmFd, kvmGetEmulatedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs the CPUID leaves a vcpu will report to the guest.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// GetCPUID2 reads back the CPUID leaves currently installed on a vcpu.
func GetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = uint32(len(cpuid.Entries))

	_, err := Ioctl(vcpuFd, kvmGetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}
