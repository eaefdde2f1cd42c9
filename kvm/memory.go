package kvm

import "unsafe"

// UserspaceMemoryRegion describes one guest-physical-address range backed
// by a userspace mapping.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages is unused by the page-table-walker dirty tracking
// this build uses, but the flag bit is kept so a region can still be
// compared against what the accelerator itself would consider dirty.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a memory slot on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the guest physical address of the three-page region KVM
// uses for the task-state segment on x86.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the guest physical address of the single page
// KVM uses for the identity-mapped page table on x86.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

// DirtyLog is the bitmap returned by GetDirtyLog: one bit per page in the
// memory slot, set if KVM itself observed a write. Dirty tracking for
// checkpoints and migration uses the page-table walker instead; nothing
// in this build calls GetDirtyLog.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	Bitmap uintptr
}

// GetDirtyLog fetches and clears the accelerator's own per-page dirty
// bitmap for a slot.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, kvmGetDirtyLog, uintptr(unsafe.Pointer(dl)))

	return err
}
