package vcpu

import (
	"unsafe"

	"github.com/bobuhiro11/uvmm/bootimage"
	"github.com/bobuhiro11/uvmm/kvm"
)

// ARMv8 translation-table descriptor bits, matching pagetable/arm64.go's
// armValid/armTable/armAF/armSWDBM exactly so the walker this build
// constructs at boot reads back what init writes.
const (
	armValid = 1 << 0
	armTable = 1 << 1
	armAF    = 1 << 10
	armSWDBM = 1 << 58

	armBlockBytes = 1 << 21 // 2 MiB, level-2 block size

	// pstateEL1hMasked: EL1h (SPSel=1, already in EL1) with all four
	// interrupt-mask bits (D/A/I/F) set, the state a guest enters boot at
	// per spec.md's "set pstate to masked EL1h".
	pstateEL1hMasked = 0x3c5

	// gicNumIRQs is the interrupt-line count this build configures on
	// the in-kernel GIC before any vCPU starts, via
	// KVM_DEV_ARM_VGIC_GRP_NR_IRQS.
	gicGroupNRIRQs = 3
	gicNumIRQs     = 64
)

// GICFd, when non-zero, is the in-kernel GIC device's own fd (created
// once per VM via KVM_CREATE_DEVICE); initARM64 configures its IRQ
// count before the first vCPU boots. Left at zero, GIC setup is
// skipped, matching spec.md's "optionally initialize the GIC's
// interrupt count."
var GICFd uintptr

// initARM64 builds the identity-mapped translation tables, sets PC and
// a masked EL1h PSTATE, configures the GIC interrupt count once, and
// claims this core's boot rendezvous slot.
func (c *Core) initARM64(entry, bootBase uint64) error {
	root := PageTableRoot(entry)
	buildARM64PageTables(c.Mem, root)

	if err := kvm.SetOneReg(c.Fd, kvm.ARM64RegPC, entry); err != nil {
		return err
	}

	if err := kvm.SetOneReg(c.Fd, kvm.ARM64RegPState, pstateEL1hMasked); err != nil {
		return err
	}

	if GICFd != 0 {
		nIRQs := uint32(gicNumIRQs)
		attr := &kvm.DeviceAttr{Group: gicGroupNRIRQs, Attr: 0, Addr: uint64(uintptr(unsafe.Pointer(&nIRQs)))}

		if ok, _ := kvm.HasDeviceAttr(GICFd, attr); ok {
			if err := kvm.SetDeviceAttr(GICFd, attr); err != nil {
				return err
			}
		}
	}

	bootimage.ClaimBootCPUID(c.Mem, bootBase, bootimage.ARM64, uint32(c.ID))

	return nil
}

func buildARM64PageTables(mem []byte, root uint64) {
	l0 := mem[root : root+0x1000]
	l1 := mem[root+0x1000 : root+0x2000]
	l2 := mem[root+0x2000 : root+0x3000]

	for i := range l0 {
		l0[i] = 0
	}

	for i := range l1 {
		l1[i] = 0
	}

	for i := range l2 {
		l2[i] = 0
	}

	writeEntry(l0, 0, root+0x1000, armValid|armTable)
	writeEntry(l1, 0, root+0x2000, armValid|armTable)

	for addr := uint64(0); addr < identityMapBytes; addr += armBlockBytes {
		writeEntry(l2, (addr/armBlockBytes)*8, addr, armValid|armAF|armSWDBM)
	}
}
