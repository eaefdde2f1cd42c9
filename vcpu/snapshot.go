package vcpu

import "github.com/bobuhiro11/uvmm/kvm"

// Snapshot is everything checkpoint/migration restore into a vCPU
// besides guest memory itself: general-purpose registers, system
// registers, MSRs, floating-point state, pending-event state,
// multiprocessing state, and local-APIC state, per spec.md's "vCPU
// Context" data model entry. ARM64 carries its general and system
// registers as a flat ID/value map instead, since it has no
// kvm_regs/kvm_sregs pair.
type Snapshot struct {
	Regs    kvm.Regs
	Sregs   kvm.Sregs
	FPU     kvm.FPU
	Events  kvm.VCPUEvents
	MPState kvm.MPState
	LAPIC   kvm.LAPICState
	XCRS    kvm.XCRS
	MSRs    []kvm.MSREntry

	ARM64Regs map[uint64]uint64
}

// Capture reads this vCPU's entire context into a Snapshot, for
// checkpoint serialization or migration transmission.
func (c *Core) Capture(msrIndices []uint32) (*Snapshot, error) {
	s := &Snapshot{}

	switch c.Arch {
	case AMD64:
		regs, err := kvm.GetRegs(c.Fd)
		if err != nil {
			return nil, err
		}

		s.Regs = *regs

		sregs, err := kvm.GetSregs(c.Fd)
		if err != nil {
			return nil, err
		}

		s.Sregs = *sregs

		if err := kvm.GetFPU(c.Fd, &s.FPU); err != nil {
			return nil, err
		}

		if err := kvm.GetVCPUEvents(c.Fd, &s.Events); err != nil {
			return nil, err
		}

		if err := kvm.GetMPState(c.Fd, &s.MPState); err != nil {
			return nil, err
		}

		if err := kvm.GetLAPIC(c.Fd, &s.LAPIC); err != nil {
			return nil, err
		}

		if err := kvm.GetXCRS(c.Fd, &s.XCRS); err != nil {
			return nil, err
		}

		msrs, err := kvm.GetMSRs(c.Fd, msrIndices)
		if err != nil {
			return nil, err
		}

		s.MSRs = msrs

	case ARM64:
		regs, err := captureARM64(c.Fd)
		if err != nil {
			return nil, err
		}

		s.ARM64Regs = regs
	}

	return s, nil
}

// restore installs a previously captured Snapshot, the counterpart to
// Capture, used by checkpoint/restore and migration's destination side
// in place of a fresh boot Init.
func (c *Core) restore(s *Snapshot) error {
	switch c.Arch {
	case AMD64:
		if err := kvm.SetSregs(c.Fd, &s.Sregs); err != nil {
			return err
		}

		if err := kvm.SetRegs(c.Fd, &s.Regs); err != nil {
			return err
		}

		if err := kvm.SetFPU(c.Fd, &s.FPU); err != nil {
			return err
		}

		if err := kvm.SetVCPUEvents(c.Fd, &s.Events); err != nil {
			return err
		}

		if err := kvm.SetMPState(c.Fd, &s.MPState); err != nil {
			return err
		}

		if err := kvm.SetLAPIC(c.Fd, &s.LAPIC); err != nil {
			return err
		}

		if err := kvm.SetXCRS(c.Fd, &s.XCRS); err != nil {
			return err
		}

		return kvm.SetMSRs(c.Fd, s.MSRs)

	case ARM64:
		return restoreARM64(c.Fd, s.ARM64Regs)

	default:
		return ErrUnsupportedArch
	}
}
