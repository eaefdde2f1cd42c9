//go:build amd64

package vmm

import "github.com/bobuhiro11/uvmm/kvm"

// tssAddr and identityMapAddr are the fixed guest-physical pages KVM's
// in-kernel x86 emulation reserves for the task-state segment and its
// identity-mapped page table, placed just below the 4 GiB boundary the
// way every other KVM-based VMM (kvmtool, Firecracker, crosvm) does,
// since guest memory itself never reaches that high in this build's
// default 512 MiB configuration.
const (
	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

// archInit performs the x86-only VM-scoped setup machine.New's New
// does before any vCPU is created: the TSS and identity-map pages, the
// in-kernel IRQ chip (PIC/IOAPIC), and the in-kernel PIT.
func archInit(vmFd uintptr) error {
	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return err
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return err
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return err
	}

	return kvm.CreatePIT2(vmFd)
}
