package kvm

// Capability identifies one optional KVM feature, probed via
// CheckExtension before vmm relies on it.
//
//go:generate stringer -type=Capability
type Capability int

// The subset of KVM_CAP_* the vmm package probes for before wiring up
// IRQ chips, PIT2, dirty-log fallback, vcpu event save/restore, and the
// other optional pieces checkpoint/migration depend on.
const (
	CapIRQChip Capability = iota
	CapHLT
	CapMMUShadowCacheControl
	CapUserMemory
	CapSetTSSAddr
	CapVAPIC
	CapEXTCPUID
	CapClockSource
	CapNRVCPUs
	CapNRMemslots
	CapPIT
	CapNopIODelay
	CapPVMMU
	CapMPState
	CapCoalescedMMIO
	CapSyncMMU
	CapIOMMU
	CapDestroyMemoryRegionWorks
	CapUserNMI
	CapSetGuestDebug
	CapReinjectControl
	CapIRQRouting
	CapIRQInjectStatus
	CapAssignDevIRQ
	CapJoinMemoryRegionsWorks
	CapMCE
	CapIRQFD
	CapPIT2
	CapSetBootCPUID
	CapPITState2
	CapIOEventFD
	CapSetIdentityMapAddr
	CapXenHVM
	CapAdjustClock
	CapInternalErrorData
	CapVCPUEvents
	CapIntrShadow
	CapDebugRegs
	CapEnableCap
	CapXSave
	CapXCRS
	CapAsyncPF
	CapTSCControl
	CapGetTSCKHz
	CapOneReg
	CapTSCDeadlineTimer
	CapSyncRegs
	CapKVMClockCtrl
	CapSignalMSI
	CapReadonlyMem
	CapIRQFDResample
	CapDeviceCtrl
	CapEXTEmulCPUID
	CapHypervTime
	CapIOAPICPolarityIgnored
	CapEnableCapVM
	CapVMAttributes
	CapDisableQuirks
	CapX86SMM
	CapMultiAddressSpace
	CapGuestDebugHWBPs
	CapGuestDebugHWWPs
	CapGETMSRFeatures
	CapNestedState
	CapCoalescedPIO
	CapManualDirtyLogProtect2
	CapPMUEventFilter
	CapX86UserSpaceMSR
	CapX86MSRFilter
	CapX86BusLockExit
	CapSREGS2
	CapBinaryStatsFD
	CapXSave2
	CapSysAttributes
	CapVMTSCControl
	CapX86TripleFaultEvent
	CapX86NotifyVMExit
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                  "CapIRQChip",
	CapHLT:                      "CapHLT",
	CapMMUShadowCacheControl:    "CapMMUShadowCacheControl",
	CapUserMemory:               "CapUserMemory",
	CapSetTSSAddr:               "CapSetTSSAddr",
	CapVAPIC:                    "CapVAPIC",
	CapEXTCPUID:                 "CapEXTCPUID",
	CapClockSource:              "CapClockSource",
	CapNRVCPUs:                  "CapNRVCPUs",
	CapNRMemslots:               "CapNRMemslots",
	CapPIT:                      "CapPIT",
	CapNopIODelay:               "CapNopIODelay",
	CapPVMMU:                    "CapPVMMU",
	CapMPState:                  "CapMPState",
	CapCoalescedMMIO:            "CapCoalescedMMIO",
	CapSyncMMU:                  "CapSyncMMU",
	CapIOMMU:                    "CapIOMMU",
	CapDestroyMemoryRegionWorks: "CapDestroyMemoryRegionWorks",
	CapUserNMI:                  "CapUserNMI",
	CapSetGuestDebug:            "CapSetGuestDebug",
	CapReinjectControl:          "CapReinjectControl",
	CapIRQRouting:               "CapIRQRouting",
	CapIRQInjectStatus:          "CapIRQInjectStatus",
	CapAssignDevIRQ:             "CapAssignDevIRQ",
	CapJoinMemoryRegionsWorks:   "CapJoinMemoryRegionsWorks",
	CapMCE:                      "CapMCE",
	CapIRQFD:                    "CapIRQFD",
	CapPIT2:                     "CapPIT2",
	CapSetBootCPUID:             "CapSetBootCPUID",
	CapPITState2:                "CapPITState2",
	CapIOEventFD:                "CapIOEventFD",
	CapSetIdentityMapAddr:       "CapSetIdentityMapAddr",
	CapXenHVM:                   "CapXenHVM",
	CapAdjustClock:              "CapAdjustClock",
	CapInternalErrorData:        "CapInternalErrorData",
	CapVCPUEvents:               "CapVCPUEvents",
	CapIntrShadow:               "CapIntrShadow",
	CapDebugRegs:                "CapDebugRegs",
	CapEnableCap:                "CapEnableCap",
	CapXSave:                    "CapXSave",
	CapXCRS:                     "CapXCRS",
	CapAsyncPF:                  "CapAsyncPF",
	CapTSCControl:               "CapTSCControl",
	CapGetTSCKHz:                "CapGetTSCKHz",
	CapOneReg:                   "CapONEREG",
	CapTSCDeadlineTimer:         "CapTSCDeadlineTimer",
	CapSyncRegs:                 "CapSyncRegs",
	CapKVMClockCtrl:             "CapKVMClockCtrl",
	CapSignalMSI:                "CapSignalMSI",
	CapReadonlyMem:              "CapReadonlyMem",
	CapIRQFDResample:            "CapIRQFDResample",
	CapDeviceCtrl:               "CapDeviceCtrl",
	CapEXTEmulCPUID:             "CapEXTEmulCPUID",
	CapHypervTime:               "CapHypervTime",
	CapIOAPICPolarityIgnored:    "CapIOAPICPolarityIgnored",
	CapEnableCapVM:              "CapEnableCapVM",
	CapVMAttributes:             "CapVMAttributes",
	CapDisableQuirks:            "CapDisableQuirks",
	CapX86SMM:                   "CapX86SMM",
	CapMultiAddressSpace:        "CapMultiAddressSpace",
	CapGuestDebugHWBPs:          "CapGuestDebugHWBPs",
	CapGuestDebugHWWPs:          "CapGuestDebugHWWPs",
	CapGETMSRFeatures:           "CapGETMSRFeatures",
	CapNestedState:              "CapNestedState",
	CapCoalescedPIO:             "CapCoalescedPIO",
	CapManualDirtyLogProtect2:   "CapManualDirtyLogProtect2",
	CapPMUEventFilter:           "CapPMUEventFilter",
	CapX86UserSpaceMSR:          "CapX86UserSpaceMSR",
	CapX86MSRFilter:             "CapX86MSRFilter",
	CapX86BusLockExit:           "CapX86BusLockExit",
	CapSREGS2:                   "CapSREGS2",
	CapBinaryStatsFD:            "CapBinaryStatsFD",
	CapXSave2:                   "CapXSave2",
	CapSysAttributes:            "CapSysAttributes",
	CapVMTSCControl:             "CapVMTSCControl",
	CapX86TripleFaultEvent:      "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:          "CapX86NotifyVMExit",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return "Capability(" + itoa(int(c)) + ")"
}

// itoa avoids pulling in strconv just for this one conversion used by a
// Stringer that must never itself fail.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}

// CheckExtension reports the degree to which the kernel supports cap: 0
// means unsupported, and for most capabilities any nonzero value means
// supported.
func CheckExtension(kvmFd uintptr, capability Capability) (int, error) {
	res, err := Ioctl(kvmFd, kvmCheckExtension, uintptr(capability))

	return int(res), err
}
