package vmm

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// defaultCPUFreqMHz is reported to the guest when /proc/cpuinfo carries
// no usable "cpu MHz" line (seen on some ARM64 kernels).
const defaultCPUFreqMHz = 2000

// hostCPUFreqMHz reads the host's nominal clock speed out of
// /proc/cpuinfo, the only place Linux exposes it without a cgo call
// into libcpuid.
func hostCPUFreqMHz() uint32 {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return defaultCPUFreqMHz
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		mhz, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}

		return uint32(mhz)
	}

	return defaultCPUFreqMHz
}
