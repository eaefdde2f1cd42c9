package kvm

import "unsafe"

// MSRList is the set of MSR indices the host kernel understands, as
// returned by GetMSRIndexList. vCPU state capture and restore do not
// consult it; they use the fixed cpuidtable.CheckpointMSRs list.
type MSRList struct {
	NMSRs   uint32
	Indices [256]uint32
}

// GetMSRIndexList returns the guest-readable MSR index list supported by
// the running kernel/processor combination. It varies across hosts, so
// checkpoint and migration payloads carry the index alongside each value
// rather than assuming a fixed layout.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indices))

	_, err := Ioctl(kvmFd, kvmGetMSRIndexList, uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one Index/Data pair as used by GetMSRs/SetMSRs.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRs is the variable-length array kvm_msrs expects: NMSRs entries
// immediately followed by that many MSREntry values.
type MSRs struct {
	NMSRs   uint32
	_       uint32
	Entries [256]MSREntry
}

const (
	kvmGetMSRs = 0xC008AE88
	kvmSetMSRs = 0x4008AE89
)

// GetMSRs reads the values for the first len(indices) MSRs into a slice
// aligned with indices.
func GetMSRs(vcpuFd uintptr, indices []uint32) ([]MSREntry, error) {
	m := &MSRs{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		m.Entries[i].Index = idx
	}

	_, err := Ioctl(vcpuFd, kvmGetMSRs, uintptr(unsafe.Pointer(m)))
	if err != nil {
		return nil, err
	}

	return m.Entries[:len(indices)], nil
}

// SetMSRs writes a set of MSR values to a vcpu.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	m := &MSRs{NMSRs: uint32(len(entries))}
	copy(m.Entries[:], entries)

	_, err := Ioctl(vcpuFd, kvmSetMSRs, uintptr(unsafe.Pointer(m)))

	return err
}
