//go:build arm64

package vmm

import (
	"github.com/bobuhiro11/uvmm/kvm"
	"github.com/bobuhiro11/uvmm/vcpu"
)

// archInit creates the in-kernel GICv2 device and hands its fd to
// vcpu.GICFd so initARM64 configures its IRQ line count before any
// vCPU boots. A host/kernel combination without in-kernel GIC support
// simply leaves GICFd at zero, which initARM64 already treats as "skip
// GIC setup."
func archInit(vmFd uintptr) error {
	fd, err := kvm.CreateDevice(vmFd, kvm.DeviceTypeARMVGICV2)
	if err != nil {
		return nil //nolint:nilerr
	}

	vcpu.GICFd = fd

	return nil
}
