package vmm

import (
	"testing"

	"github.com/bobuhiro11/uvmm/migration"
)

func TestHostCPUFreqMHz(t *testing.T) {
	t.Parallel()

	// /proc/cpuinfo is not guaranteed to carry a "cpu MHz" line (ARM64
	// kernels often omit it); either a plausible frequency or the
	// documented default is acceptable.
	mhz := hostCPUFreqMHz()
	if mhz == 0 {
		t.Fatal("hostCPUFreqMHz() = 0, want a positive value")
	}
}

func TestParseMigrationType(t *testing.T) {
	t.Parallel()

	cases := map[string]migration.Type{
		"live": migration.Live,
		"cold": migration.Cold,
		"":     migration.Cold,
		"xyz":  migration.Cold,
	}

	for in, want := range cases {
		if got := parseMigrationType(in); got != want {
			t.Errorf("parseMigrationType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseMigrationMode(t *testing.T) {
	t.Parallel()

	cases := map[string]migration.Mode{
		"incremental": migration.Incremental,
		"complete":    migration.Complete,
		"":            migration.Complete,
	}

	for in, want := range cases {
		if got := parseMigrationMode(in); got != want {
			t.Errorf("parseMigrationMode(%q) = %v, want %v", in, got, want)
		}
	}
}
