package pagetable

// x86 page-table-entry flag bits, matching the exact layout
// vcpu/init_amd64.go writes at boot (PML4 entries OR in present|rw,
// PDPTE entries OR in present|rw|accessed|dirty, and 2 MiB PD leaves OR
// in present|rw|accessed|dirty|page-size): so a walker built against
// these bit positions reads back precisely what boot init wrote.
const (
	x86Present  = 1 << 0
	x86RW       = 1 << 1
	x86Accessed = 1 << 5
	x86Dirty    = 1 << 6
	x86PageSize = 1 << 7

	x86PageShift  = 12 // 4 KiB leaf (PT entry)
	x86LargeShift = 21 // 2 MiB leaf (PD entry with PageSize set)
)

var x86Shape = levelShape{
	shifts:     [4]uint{39, 30, 21, 12}, // PML4, PDPTE, PD, PT
	indexBits:  9,
	pageShift:  x86PageShift,
	largeShift: x86LargeShift,
}

// x86Walker walks a 4-level long-mode page table tree rooted at Root,
// reading and writing entries directly in the guest memory backing
// store.
type x86Walker struct {
	mem  []byte
	root uint64
}

// NewX86Walker returns a Walker over the 4-level tree rooted at root,
// a guest-physical address within mem.
func NewX86Walker(mem []byte, root uint64) Walker {
	return &x86Walker{mem: mem, root: root}
}

func x86Present_(e uint64) bool { return e&x86Present != 0 }

func x86IsLeaf(level int, e uint64) bool {
	return level == 2 && e&x86PageSize != 0
}

func x86Child(e uint64) uint64 {
	return e &^ 0xFFF
}

// X86LeafPageSize returns the page size an x86 leaf entry (as emitted by
// EnumerateMarkedPages or read back from a checkpoint/migration page
// record) covers, derived from its page-size bit.
func X86LeafPageSize(entry uint64) uint64 {
	if entry&x86PageSize != 0 {
		return 1 << x86LargeShift
	}

	return 1 << x86PageShift
}

func (w *x86Walker) Translate(vaddr uint64) (paddr, pageEnd uint64, err error) {
	entry, shift, ok := walkToLeaf(w.mem, w.root, vaddr, x86Shape, x86Present_, x86IsLeaf, x86Child)
	if !ok {
		return 0, 0, ErrNotPresent
	}

	pageSize := uint64(1) << shift
	base := entry &^ (pageSize - 1)
	offset := vaddr & (pageSize - 1)

	return base | offset, base + pageSize, nil
}

func (w *x86Walker) EnumerateMarkedPages(filter PageFilter, emit EmitFunc) error {
	markBit := uint64(x86Accessed)
	if filter == Dirty {
		markBit = x86Dirty
	}

	var callErr error

	enumerate(w.mem, w.root, x86Shape, x86Present_, x86IsLeaf, x86Child,
		func(level int, off uint64, entry uint64) {
			if callErr != nil {
				return
			}

			leaf := level == 3 || (level == 2 && x86IsLeaf(level, entry))
			if !leaf || entry&markBit == 0 {
				return
			}

			shift := uint(x86PageShift)
			if level == 2 {
				shift = x86LargeShift
			}

			pageSize := uint64(1) << shift
			base := entry &^ (pageSize - 1)

			if base+pageSize > uint64(len(w.mem)) {
				return
			}

			// A level-3 (4 KiB PT) entry's bit 7 is PAT, not the
			// page-size bit X86LeafPageSize keys off; mask it out of the
			// saved entry so a decoder can't misclassify a 4 KiB page
			// whose guest PTE has PAT set as a 2 MiB page.
			savedEntry := entry
			if level == 3 {
				savedEntry &^= x86PageSize
			}

			if err := emit(savedEntry, w.mem[base:base+pageSize]); err != nil {
				callErr = err

				return
			}

			if filter == Dirty {
				writeU64(w.mem, off, entry&^(x86Accessed|x86Dirty))
			}
		})

	return callErr
}
