package config

import (
	"os"
	"testing"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		unit string
		want int
	}{
		{"128", "m", 128 << 20},
		{"128m", "", 128 << 20},
		{"1g", "", 1 << 30},
		{"1G", "", 1 << 30},
		{"2t", "", 2 << 40},
		{"1p", "", 1 << 50},
		{"1e", "", 1 << 60},
		{"4k", "", 4 << 10},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in, c.unit)
		if err != nil {
			t.Fatalf("ParseSize(%q, %q): %v", c.in, c.unit, err)
		}

		if got != c.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", c.in, c.unit, got, c.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	if _, err := ParseSize("", ""); err == nil {
		t.Error("ParseSize(\"\", \"\") should fail")
	}

	if _, err := ParseSize("abc", ""); err == nil {
		t.Error("ParseSize(\"abc\", \"\") should fail")
	}
}

func TestLoadMissingImage(t *testing.T) {
	if _, err := Load([]string{"uvmm"}); err != ErrMissingImage {
		t.Errorf("Load with no image path: got %v, want ErrMissingImage", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{
		"HERMIT_MEM", "HERMIT_CPUS", "HERMIT_VERBOSE", "HERMIT_NETIF",
		"HERMIT_IP", "HERMIT_GATEWAY", "HERMIT_MASK", "HERMIT_CHECKPOINT",
		"HERMIT_FULLCHECKPOINT", "HERMIT_MIGRATION_SERVER",
		"HERMIT_MIGRATION_SUPPORT", "HERMIT_MIGRATION_PARAMS", "HERMIT_DEBUG",
		"HERMIT_MERGEABLE", "HERMIT_HUGEPAGE",
	} {
		os.Unsetenv(name)
	}

	c, err := Load([]string{"uvmm", "/tmp/image.elf"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.MemSize != defaultMemSize {
		t.Errorf("MemSize = %d, want %d", c.MemSize, defaultMemSize)
	}

	if c.NCPUs != defaultNCPUs {
		t.Errorf("NCPUs = %d, want %d", c.NCPUs, defaultNCPUs)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("HERMIT_MEM", "256m")
	os.Setenv("HERMIT_CPUS", "4")
	os.Setenv("HERMIT_IP", "192.168.20.2")

	defer func() {
		os.Unsetenv("HERMIT_MEM")
		os.Unsetenv("HERMIT_CPUS")
		os.Unsetenv("HERMIT_IP")
	}()

	c, err := Load([]string{"uvmm", "/tmp/image.elf"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.MemSize != 256<<20 {
		t.Errorf("MemSize = %d, want %d", c.MemSize, 256<<20)
	}

	if c.NCPUs != 4 {
		t.Errorf("NCPUs = %d, want 4", c.NCPUs)
	}

	if c.IP.String() != "192.168.20.2" {
		t.Errorf("IP = %v, want 192.168.20.2", c.IP)
	}
}

func TestLoadBadAddress(t *testing.T) {
	os.Setenv("HERMIT_IP", "not-an-ip")
	defer os.Unsetenv("HERMIT_IP")

	if _, err := Load([]string{"uvmm", "/tmp/image.elf"}); err == nil {
		t.Error("Load with bad HERMIT_IP should fail")
	}
}
