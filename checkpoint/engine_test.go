package checkpoint

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/uvmm/pagetable"
	"github.com/bobuhiro11/uvmm/vcpu"
)

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	want := &Config{
		ApplicationPath:  "/guest/app.elf",
		NumCores:         4,
		MemorySize:       1 << 20,
		CheckpointNumber: 3,
		EntryPoint:       0x1_000_000,
		FullCheckpoint:   true,
	}

	if err := want.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if *got != *want {
		t.Errorf("LoadConfig() = %+v, want %+v", got, want)
	}
}

func TestConfigValidateRejectsUnalignedMemorySize(t *testing.T) {
	t.Parallel()

	c := &Config{ApplicationPath: "/app", MemorySize: 4097}

	if err := c.Validate(); err == nil {
		t.Error("Validate() on a non-page-aligned memory size: want an error")
	}
}

func TestConfigLoadMissingKeyFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	body := "application path: /app\n" +
		"number of cores: 1\n" +
		"memory size: 0x1000\n" +
		"checkpoint number: 0\n" +
		"entry point: 0x1000\n"
	// "full checkpoint" deliberately omitted.

	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(dir); err == nil {
		t.Error("LoadConfig() on a config missing a key: want an error")
	}
}

func put(mem []byte, off uint64, v uint64) {
	binary.LittleEndian.PutUint64(mem[off:off+8], v)
}

func TestWritePageRecordsThenApplyRoundTrips(t *testing.T) {
	t.Parallel()

	const root, pdpt, pd, phys = 0x1000, 0x2000, 0x3000, 0x200000

	src := make([]byte, 4<<20)
	put(src, root, pdpt|0x03)
	put(src, pdpt, pd|0x63)
	put(src, pd, phys|0xE3)

	marker := bytes.Repeat([]byte{0xAB}, 1<<21)
	copy(src[phys:], marker)

	w := pagetable.NewX86Walker(src, root)

	var buf bytes.Buffer
	if err := writePageRecords(w, &buf, pagetable.Accessed); err != nil {
		t.Fatalf("writePageRecords: %v", err)
	}

	if buf.Len() != 8+(1<<21) {
		t.Fatalf("record length = %d, want %d", buf.Len(), 8+(1<<21))
	}

	dst := make([]byte, len(src))
	if err := applyPageRecords(buf.Bytes(), dst, vcpu.AMD64); err != nil {
		t.Fatalf("applyPageRecords: %v", err)
	}

	if !bytes.Equal(dst[phys:phys+len(marker)], marker) {
		t.Error("applyPageRecords did not place the page at the entry's frame address")
	}
}

func TestApplyPageRecordsRejectsTruncatedEntry(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)

	if err := applyPageRecords([]byte{1, 2, 3}, mem, vcpu.AMD64); err == nil {
		t.Error("applyPageRecords on a truncated entry: want an error")
	}
}

func TestApplyPageRecordsRejectsOutOfRangePage(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)

	records := make([]byte, 8+4096)
	binary.LittleEndian.PutUint64(records, 0x10_0000_0000) // far beyond mem

	if err := applyPageRecords(records, mem, vcpu.AMD64); err == nil {
		t.Error("applyPageRecords on an out-of-range page: want an error")
	}
}
