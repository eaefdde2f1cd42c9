package vcpu

import "testing"

func TestBuildARM64PageTables(t *testing.T) {
	t.Parallel()

	const root = 0x2000

	mem := make([]byte, root+0x3000)
	buildARM64PageTables(mem, root)

	l0 := mem[root : root+8]
	if got, want := le64(l0), uint64(root+0x1000)|armValid|armTable; got != want {
		t.Errorf("l0[0] = %#x, want %#x", got, want)
	}

	l1 := mem[root+0x1000 : root+0x1000+8]
	if got, want := le64(l1), uint64(root+0x2000)|armValid|armTable; got != want {
		t.Errorf("l1[0] = %#x, want %#x", got, want)
	}

	l2 := mem[root+0x2000 : root+0x3000]

	for _, i := range []int{0, 1, 255} {
		entry := l2[i*8 : i*8+8]
		wantAddr := uint64(i) * armBlockBytes

		if got, want := le64(entry), wantAddr|armValid|armAF|armSWDBM; got != want {
			t.Errorf("l2[%d] = %#x, want %#x", i, got, want)
		}
	}
}
