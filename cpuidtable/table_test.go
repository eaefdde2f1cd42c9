package cpuidtable_test

import (
	"testing"

	"github.com/bobuhiro11/uvmm/cpuidtable"
	"github.com/bobuhiro11/uvmm/kvm"
)

func TestApplyBaselineFilter(t *testing.T) {
	entries := []kvm.CPUIDEntry2{
		{Function: cpuidtable.FuncPerfMon, Eax: 0xDEADBEEF},
		{Function: cpuidtable.FuncHypervisorSignature},
		{Function: cpuidtable.FuncFeatures, Ecx: 0},
	}

	cpuidtable.ApplyBaselineFilter(entries)

	if entries[0].Eax != 0 {
		t.Errorf("perf-mon leaf Eax = %#x, want 0 (disabled)", entries[0].Eax)
	}

	sig := entries[1]
	if sig.Eax != cpuidtable.FuncHypervisorFeatures {
		t.Errorf("hypervisor signature leaf Eax = %#x, want %#x", sig.Eax, cpuidtable.FuncHypervisorFeatures)
	}

	if sig.Ebx != cpuidtable.HypervisorSignatureEBX || sig.Ecx != cpuidtable.HypervisorSignatureECX ||
		sig.Edx != cpuidtable.HypervisorSignatureEDX {
		t.Errorf("hypervisor signature leaf = %#x/%#x/%#x, want the KVM-compatible vendor string",
			sig.Ebx, sig.Ecx, sig.Edx)
	}

	if entries[2].Ecx&(1<<cpuidtable.Hypervisor) == 0 {
		t.Error("standard feature leaf does not advertise the hypervisor-present bit")
	}
}

func TestCheckpointMSRsIncludesMiscEnable(t *testing.T) {
	found := false

	for _, idx := range cpuidtable.CheckpointMSRs {
		if idx == cpuidtable.MSRIA32MiscEnable {
			found = true
		}
	}

	if !found {
		t.Error("CheckpointMSRs does not include IA32_MISC_ENABLE")
	}
}
