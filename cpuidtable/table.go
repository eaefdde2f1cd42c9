// Package cpuidtable names the scattered literal CPUID leaves and MSR
// indices a guest's initial CPU state depends on, replacing the raw hex
// constants machine.go's initCPUID once used with documented, typed
// values so the checkpoint register list below can be read without a
// cross reference to the Intel SDM.
package cpuidtable

import "github.com/bobuhiro11/uvmm/kvm"

// CPUID leaf/function numbers used when filtering the host's supported
// CPUID set down to what a guest is allowed to see.
const (
	// FuncFeatures is leaf 1: standard feature flags in ECX/EDX.
	FuncFeatures = 0x1
	// FuncPerfMon is leaf 0xA: architectural performance monitoring.
	// Zeroing EAX here tells the guest no PMU counters exist, since this
	// build does not virtualize the performance-monitoring unit.
	FuncPerfMon = 0xA
	// FuncHypervisorSignature is leaf 0x40000000, read by a guest to
	// both detect it is running under a hypervisor and discover the
	// highest para-virtualization leaf available.
	FuncHypervisorSignature = kvm.CPUIDSignature
	// FuncHypervisorFeatures is leaf 0x40000001, the KVM-compatible
	// para-virtualization feature bitmap.
	FuncHypervisorFeatures = kvm.CPUIDFeatures
)

// F1Ecx bits are standard feature flags from CPUID leaf 1, ECX.
type F1Ecx uint32

const (
	// Hypervisor is bit 31: always 1 under any hypervisor, regardless of
	// vendor, by x86 convention. Guests use it to decide whether to look
	// for leaf 0x40000000 at all.
	Hypervisor F1Ecx = 31
	// TSCDeadline is bit 24: the LAPIC timer supports TSC-deadline mode.
	// This build does not mask it off host-supported leaves, so a guest
	// that found it via GetSupportedCPUID keeps access to the more
	// precise timer mode.
	TSCDeadline F1Ecx = 24
)

// Hypervisor signature leaf 0x40000000 values: the guest reads these as
// a 12-byte ASCII vendor string split across EBX/ECX/EDX. This build
// advertises itself as a KVM-compatible hypervisor ("KVMKVMKVM\0\0\0")
// so guests with paravirt clock/IPI support written against KVM still
// recognize it.
const (
	HypervisorSignatureEBX uint32 = 0x4b4d564b // "KVMK"
	HypervisorSignatureECX uint32 = 0x564b4d56 // "VMKV"
	HypervisorSignatureEDX uint32 = 0x4d       // "M\0\0\0"
)

// ApplyBaselineFilter rewrites a CPUID leaf set obtained from
// kvm.GetSupportedCPUID into what a guest is actually handed:
// performance monitoring is disabled, the hypervisor-signature leaf is
// rewritten to this build's vendor string, and the hypervisor-present
// bit is set on the standard feature leaf even if the host kernel left
// it clear.
func ApplyBaselineFilter(entries []kvm.CPUIDEntry2) {
	for i := range entries {
		switch entries[i].Function {
		case FuncPerfMon:
			entries[i].Eax = 0
		case FuncHypervisorSignature:
			entries[i].Eax = FuncHypervisorFeatures
			entries[i].Ebx = HypervisorSignatureEBX
			entries[i].Ecx = HypervisorSignatureECX
			entries[i].Edx = HypervisorSignatureEDX
		case FuncFeatures:
			entries[i].Ecx |= 1 << Hypervisor
		}
	}
}

// MSR indices this build reads and writes as part of a vCPU's
// checkpointed state, beyond the ones kvm.MSRList discovers at runtime.
const (
	MSRIA32APICBase     uint32 = 0x0000001b
	MSRIA32SysenterCS   uint32 = 0x00000174
	MSRIA32SysenterESP  uint32 = 0x00000175
	MSRIA32SysenterEIP  uint32 = 0x00000176
	MSRIA32CRPAT        uint32 = 0x00000277
	MSRIA32MiscEnable   uint32 = 0x000001a0
	MSRIA32TSC          uint32 = 0x00000010
	MSREFER             uint32 = 0xc0000080
	MSRSTAR             uint32 = 0xc0000081
	MSRLSTAR            uint32 = 0xc0000082
	MSRCSTAR            uint32 = 0xc0000083
	MSRFSBase           uint32 = 0xc0000100
	MSRGSBase           uint32 = 0xc0000101
	MSRKernelGSBase     uint32 = 0xc0000102
)

// CheckpointMSRs is the fixed list of MSR indices captured and restored
// as part of a vCPU checkpoint, in the order original_source's
// save_cpu_state builds its own MAX_MSR_ENTRIES list.
var CheckpointMSRs = []uint32{
	MSRIA32APICBase,
	MSRIA32SysenterCS,
	MSRIA32SysenterESP,
	MSRIA32SysenterEIP,
	MSRIA32CRPAT,
	MSRIA32MiscEnable,
	MSRIA32TSC,
	MSRCSTAR,
	MSRSTAR,
	MSREFER,
	MSRLSTAR,
	MSRGSBase,
	MSRFSBase,
	MSRKernelGSBase,
}

// MiscEnableFastStrings is the bit set in IA32_MISC_ENABLE by boot init
// to turn on fast string operations (REP MOVS/STOS), the one bit the
// original boot path sets explicitly rather than relying on the
// processor's power-on default.
const MiscEnableFastStrings uint64 = 1 << 0
