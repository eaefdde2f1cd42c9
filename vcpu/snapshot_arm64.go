//go:build arm64

package vcpu

import "github.com/bobuhiro11/uvmm/kvm"

// captureARM64 reads the PC/PSTATE/SP system registers plus all 31
// general-purpose registers into a flat ID/value map, the shape
// Snapshot.ARM64Regs carries since ARM64 has no kvm_regs/kvm_sregs pair.
func captureARM64(fd uintptr) (map[uint64]uint64, error) {
	regs := make(map[uint64]uint64, 3+31)

	for _, id := range []uint64{kvm.ARM64RegPC, kvm.ARM64RegPState, kvm.ARM64RegSP} {
		var v uint64
		if err := kvm.GetOneReg(fd, id, &v); err != nil {
			return nil, err
		}

		regs[id] = v
	}

	for n := 0; n < 31; n++ {
		id := kvm.ARM64Reg(n)

		var v uint64
		if err := kvm.GetOneReg(fd, id, &v); err != nil {
			return nil, err
		}

		regs[id] = v
	}

	return regs, nil
}

// restoreARM64 is the counterpart to captureARM64, writing every
// captured register ID back via KVM_SET_ONE_REG.
func restoreARM64(fd uintptr, regs map[uint64]uint64) error {
	for id, v := range regs {
		if err := kvm.SetOneReg(fd, id, v); err != nil {
			return err
		}
	}

	return nil
}
