package vcpu

import (
	"github.com/bobuhiro11/uvmm/bootimage"
	"github.com/bobuhiro11/uvmm/cpuidtable"
	"github.com/bobuhiro11/uvmm/kvm"
)

// x86 control-register and page-table-entry bits, the same values
// machine.go's initSregs sets by hand; kept local to vcpu rather than
// imported from machine so this package does not depend on the
// teacher's own VM type.
const (
	cr0PE = 1
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10

	pml4Present = 0x03 // present | rw
	pdpPresent  = 0x63 // present | rw | accessed | dirty
	pdeLarge    = 0xe3 // present | rw | accessed | dirty | page-size
	pageSize2M  = 1 << 21
)

// buildPageTables writes a single-PML4-entry, single-PDPTE-entry,
// 256-entry-PD long-mode identity map covering the first 512 MiB,
// exactly original_source's setup_system_page_tables.
func buildPageTables(mem []byte, root uint64) {
	pml4 := mem[root : root+0x1000]
	pdpte := mem[root+0x1000 : root+0x2000]
	pd := mem[root+0x2000 : root+0x3000]

	for i := range pml4 {
		pml4[i] = 0
	}

	for i := range pdpte {
		pdpte[i] = 0
	}

	for i := range pd {
		pd[i] = 0
	}

	writeEntry(pml4, 0, root+0x1000, pml4Present)
	writeEntry(pdpte, 0, root+0x2000, pdpPresent)

	for addr := uint64(0); addr < identityMapBytes; addr += pageSize2M {
		writeEntry(pd, (addr/pageSize2M)*8, addr, pdeLarge)
	}
}

// initAMD64 enables long mode, builds the identity-mapped page tables,
// loads a minimal 3-entry flat GDT (null/code/data) via the sregs
// segment registers, filters CPUID, sets IA32_MISC_ENABLE, and claims
// this core's boot rendezvous slot.
func (c *Core) initAMD64(entry, bootBase uint64) error {
	root := PageTableRoot(entry)
	buildPageTables(c.Mem, root)

	sregs, err := kvm.GetSregs(c.Fd)
	if err != nil {
		return err
	}

	code := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: 1 << 3,
		Typ: 11, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1,
	}
	data := code
	data.Typ = 3
	data.L = 0
	data.Selector = 2 << 3

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	sregs.CR3 = root
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.EFER = eferLME | eferLMA

	if err := kvm.SetSregs(c.Fd, sregs); err != nil {
		return err
	}

	regs, err := kvm.GetRegs(c.Fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = entry

	if err := kvm.SetRegs(c.Fd, regs); err != nil {
		return err
	}

	if err := c.filterCPUID(); err != nil {
		return err
	}

	if err := kvm.SetMSRs(c.Fd, []kvm.MSREntry{
		{Index: cpuidtable.MSRIA32MiscEnable, Data: cpuidtable.MiscEnableFastStrings},
	}); err != nil {
		return err
	}

	bootimage.ClaimBootCPUID(c.Mem, bootBase, bootimage.AMD64, uint32(c.ID))

	return nil
}

func (c *Core) filterCPUID() error {
	id := kvm.CPUID{}

	if err := kvm.GetSupportedCPUID(c.KVMFd, &id); err != nil {
		return err
	}

	cpuidtable.ApplyBaselineFilter(id.Entries[:id.Nent])

	return kvm.SetCPUID2(c.Fd, &id)
}
