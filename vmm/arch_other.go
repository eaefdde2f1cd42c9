//go:build !amd64 && !arm64

package vmm

// archInit is a no-op placeholder for a host architecture this build
// has no vcpu init_*.go for; New still succeeds so the package remains
// buildable everywhere, but StartApp will fail once vcpu.Core.Init
// returns ErrUnsupportedArch.
func archInit(uintptr) error { return nil }
