package bootimage_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/uvmm/bootimage"
)

const (
	elfHdrSize = 64
	phdrSize   = 56
)

// buildELF assembles a minimal ELF64 executable with one PT_LOAD
// segment, entry == paddr, enough for bootimage.Load to validate and
// copy without needing a real toolchain-produced binary.
func buildELF(t *testing.T, osabi byte, machine uint16, paddr uint64, payload []byte) []byte {
	t.Helper()

	phoff := uint64(elfHdrSize)
	dataOff := phoff + phdrSize

	hdr := make([]byte, elfHdrSize)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little-endian
	hdr[6] = 1 // EI_VERSION
	hdr[7] = osabi

	binary.LittleEndian.PutUint16(hdr[16:], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(hdr[18:], machine)
	binary.LittleEndian.PutUint32(hdr[20:], 1) // e_version
	binary.LittleEndian.PutUint64(hdr[24:], paddr) // e_entry
	binary.LittleEndian.PutUint64(hdr[32:], phoff) // e_phoff
	binary.LittleEndian.PutUint16(hdr[52:], elfHdrSize) // e_ehsize
	binary.LittleEndian.PutUint16(hdr[54:], phdrSize)   // e_phentsize
	binary.LittleEndian.PutUint16(hdr[56:], 1)          // e_phnum

	phdr := make([]byte, phdrSize)
	binary.LittleEndian.PutUint32(phdr[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(phdr[4:], 7) // RWX
	binary.LittleEndian.PutUint64(phdr[8:], dataOff)
	binary.LittleEndian.PutUint64(phdr[16:], paddr) // p_vaddr
	binary.LittleEndian.PutUint64(phdr[24:], paddr)  // p_paddr
	binary.LittleEndian.PutUint64(phdr[32:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(phdr[40:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(phdr[48:], 0x1000)

	out := append(hdr, phdr...)
	out = append(out, payload...)

	return out
}

func TestLoadCopiesSegmentAndHeader(t *testing.T) {
	t.Parallel()

	const paddr = 0x10_0000

	payload := []byte{0x90, 0x90, 0x90, 0x90}
	elfBytes := buildELF(t, bootimage.VendorOSABI, 62, paddr, payload)

	mem := make([]byte, 2<<20)

	img, err := bootimage.Load(mem, bytes.NewReader(elfBytes), bootimage.AMD64, bootimage.HeaderFields{
		NCores:     2,
		CPUFreqMHz: 2400,
		HostBase:   0xdead0000,
	})
	if err != nil {
		t.Fatal(err)
	}

	if img.Entry != paddr {
		t.Errorf("Entry = %#x, want %#x", img.Entry, paddr)
	}

	if got := mem[paddr : paddr+len(payload)]; !bytes.Equal(got, payload) {
		t.Errorf("segment not copied: got %x, want %x", got, payload)
	}

	if got := binary.LittleEndian.Uint64(mem[paddr+0x08:]); got != paddr {
		t.Errorf("header physical start = %#x, want %#x", got, paddr)
	}

	if got := binary.LittleEndian.Uint32(mem[paddr+0x24:]); got != 2 {
		t.Errorf("header ncores = %d, want 2", got)
	}

	if got := binary.LittleEndian.Uint64(mem[paddr+0xBC:]); got != 0xdead0000 {
		t.Errorf("header host base = %#x, want 0xdead0000", got)
	}
}

func TestLoadRejectsWrongOSABI(t *testing.T) {
	t.Parallel()

	elfBytes := buildELF(t, 0x00, 62, 0x10_0000, []byte{0x90})
	mem := make([]byte, 1<<20)

	if _, err := bootimage.Load(mem, bytes.NewReader(elfBytes), bootimage.AMD64, bootimage.HeaderFields{}); err == nil {
		t.Fatal("Load: want error for wrong OS/ABI tag")
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	t.Parallel()

	elfBytes := buildELF(t, bootimage.VendorOSABI, 0x28 /* EM_ARM, not x86-64 or aarch64 */, 0x10_0000, []byte{0x90})
	mem := make([]byte, 1<<20)

	if _, err := bootimage.Load(mem, bytes.NewReader(elfBytes), bootimage.AMD64, bootimage.HeaderFields{}); err == nil {
		t.Fatal("Load: want error for wrong machine")
	}
}

func TestClaimAndReadBootCPUID(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 2<<20)
	const base = 0x10_0000

	bootimage.ClaimBootCPUID(mem, base, bootimage.AMD64, 3)

	if got := bootimage.ReadBootCPUID(mem, base, bootimage.AMD64); got != 3 {
		t.Errorf("ReadBootCPUID = %d, want 3", got)
	}
}
