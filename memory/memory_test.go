package memory_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/uvmm/memory"
)

func TestNewSmallGuestNoGap(t *testing.T) {
	r, err := memory.New(1<<20, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.GapAt != -1 {
		t.Errorf("GapAt = %d, want -1 for a guest smaller than the gap", r.GapAt)
	}
}

func TestPoisonAboveHighMemBase(t *testing.T) {
	r, err := memory.New(4<<20, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	chunk, err := r.At(2<<20, len(memory.Poison))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(chunk, []byte(memory.Poison)) {
		t.Errorf("memory above highMemBase was not poisoned: %x", chunk)
	}
}

func TestAtOutOfRange(t *testing.T) {
	r, err := memory.New(1<<20, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.At(2<<20, 1); err != memory.ErrSlotNotFound {
		t.Errorf("At past the end of memory: got %v, want ErrSlotNotFound", err)
	}
}

func TestUserspaceAddrNonZero(t *testing.T) {
	r, err := memory.New(1<<20, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.UserspaceAddr() == 0 {
		t.Error("UserspaceAddr() = 0, want a valid host virtual address")
	}
}
