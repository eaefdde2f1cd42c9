package vcpu

import "testing"

func TestBuildPageTables(t *testing.T) {
	t.Parallel()

	const root = 0x1000

	mem := make([]byte, root+0x3000)
	buildPageTables(mem, root)

	pml4 := mem[root : root+8]
	if got, want := le64(pml4), uint64(root+0x1000)|pml4Present; got != want {
		t.Errorf("pml4[0] = %#x, want %#x", got, want)
	}

	pdpte := mem[root+0x1000 : root+0x1000+8]
	if got, want := le64(pdpte), uint64(root+0x2000)|pdpPresent; got != want {
		t.Errorf("pdpte[0] = %#x, want %#x", got, want)
	}

	pd := mem[root+0x2000 : root+0x3000]

	for _, i := range []int{0, 1, 255} {
		entry := pd[i*8 : i*8+8]
		wantAddr := uint64(i) * pageSize2M

		if got, want := le64(entry), wantAddr|pdeLarge; got != want {
			t.Errorf("pd[%d] = %#x, want %#x", i, got, want)
		}
	}
}
