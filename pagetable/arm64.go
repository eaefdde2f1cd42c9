package pagetable

// ARMv8 translation-table descriptor bits. AArch64 has no hardware
// dirty bit without the DBM extension this build does not assume, so
// dirty tracking instead uses a software-reserved bit (58, one of the
// "ignored by hardware" bits in the upper attributes) that
// vcpu/init_arm64.go sets on every write-enabled leaf it builds and
// this walker clears on an incremental scan, mirroring what the x86
// dirty bit does in hardware.
const (
	armValid = 1 << 0
	armTable = 1 << 1 // at levels 0-2: 1 = table, 0 = block; always 1 at level 3
	armAF    = 1 << 10
	armSWDBM = 1 << 58

	// armOutAddrMask selects a descriptor's output-address bits (47:12),
	// leaving out the upper and lower attribute bits.
	armOutAddrMask = 0x0000_FFFF_FFFF_F000

	armPageShift  = 12 // 4 KiB granule
	armBlockShift = 21 // 2 MiB block at level 2
)

var armShape = levelShape{
	shifts:     [4]uint{39, 30, 21, 12},
	indexBits:  9,
	pageShift:  armPageShift,
	largeShift: armBlockShift,
}

// armWalker walks a 4-level, 4 KiB-granule AArch64 translation table
// rooted at Root. Addresses inside the guest's identity-mapped boot
// region (the range HermitCore/uhyve guests map 1:1 during early boot,
// before MMU-managed page tables exist) are translated directly rather
// than walked, since that range is never backed by real descriptors.
type armWalker struct {
	mem  []byte
	root uint64

	identityBase uint64
	identitySize uint64
}

// NewARM64Walker returns a Walker over the 4-level tree rooted at root.
// identityBase/identitySize mark a guest-physical range treated as
// identity-mapped regardless of what the table itself contains; pass
// size 0 to disable the fast path.
func NewARM64Walker(mem []byte, root, identityBase, identitySize uint64) Walker {
	return &armWalker{mem: mem, root: root, identityBase: identityBase, identitySize: identitySize}
}

func armPresent(e uint64) bool { return e&armValid != 0 }

func armIsLeaf(level int, e uint64) bool {
	return level == 2 && e&armTable == 0
}

func armChild(e uint64) uint64 {
	return e &^ 0xFFF
}

func (w *armWalker) inIdentityRange(vaddr uint64) bool {
	return w.identitySize > 0 && vaddr >= w.identityBase && vaddr < w.identityBase+w.identitySize
}

// ARM64LeafPageSize returns the page size an ARM64 leaf entry covers: a
// level-2 block entry (table bit clear) is a 2 MiB block, a level-3
// entry (table bit set, its only valid state at that level) is a 4 KiB
// page.
func ARM64LeafPageSize(entry uint64) uint64 {
	if entry&armTable == 0 {
		return 1 << armBlockShift
	}

	return 1 << armPageShift
}

func (w *armWalker) Translate(vaddr uint64) (paddr, pageEnd uint64, err error) {
	if w.inIdentityRange(vaddr) {
		base := vaddr &^ (uint64(1)<<armPageShift - 1)

		return vaddr, base + (1 << armPageShift), nil
	}

	entry, shift, ok := walkToLeaf(w.mem, w.root, vaddr, armShape, armPresent, armIsLeaf, armChild)
	if !ok {
		return 0, 0, ErrNotPresent
	}

	pageSize := uint64(1) << shift
	base := entry & armOutAddrMask &^ (pageSize - 1)
	offset := vaddr & (pageSize - 1)

	return base | offset, base + pageSize, nil
}

func (w *armWalker) EnumerateMarkedPages(filter PageFilter, emit EmitFunc) error {
	markBit := uint64(armAF)
	if filter == Dirty {
		markBit = armSWDBM
	}

	var callErr error

	enumerate(w.mem, w.root, armShape, armPresent, armIsLeaf, armChild,
		func(level int, off uint64, entry uint64) {
			if callErr != nil {
				return
			}

			leaf := level == 3 || (level == 2 && armIsLeaf(level, entry))
			if !leaf || entry&markBit == 0 {
				return
			}

			shift := uint(armPageShift)
			if level == 2 {
				shift = armBlockShift
			}

			pageSize := uint64(1) << shift
			base := entry & armOutAddrMask &^ (pageSize - 1)

			if base+pageSize > uint64(len(w.mem)) {
				return
			}

			// Emit the entry without its upper attribute bits, so a
			// record decoder that takes the page base from the entry
			// gets the output address alone.
			if err := emit(entry&(armOutAddrMask|0xFFF), w.mem[base:base+pageSize]); err != nil {
				callErr = err

				return
			}

			if filter == Dirty {
				writeU64(w.mem, off, entry&^(armAF|armSWDBM))
			}
		})

	return callErr
}
