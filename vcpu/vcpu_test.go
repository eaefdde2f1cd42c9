package vcpu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/uvmm/bootimage"
)

func TestPageTableRoot(t *testing.T) {
	t.Parallel()

	if got, want := PageTableRoot(0x1_000_000), uint64(0x1_001_000); got != want {
		t.Errorf("PageTableRoot(0x1_000_000) = %#x, want %#x", got, want)
	}
}

func TestWriteEntry(t *testing.T) {
	t.Parallel()

	table := make([]byte, 16)
	writeEntry(table, 8, 0x3000, 0x63)

	want := []byte{0x63, 0x30, 0, 0, 0, 0, 0, 0}
	for i, b := range want {
		if table[8+i] != b {
			t.Fatalf("writeEntry byte %d = %#x, want %#x", i, table[8+i], b)
		}
	}

	// phys is masked to its frame-aligned bits before the flags are ORed in.
	table2 := make([]byte, 8)
	writeEntry(table2, 0, 0x1234, pml4Present)

	if got := uint64(table2[0]) | uint64(table2[1])<<8 | uint64(table2[2])<<16; got != (0x1000 | pml4Present) {
		t.Errorf("writeEntry did not mask sub-page bits of phys: low bytes = %#x", got)
	}
}

func TestBarrierReleasesAllAtOnce(t *testing.T) {
	t.Parallel()

	const n = 8

	b := NewBarrier(n)

	var arrived int32

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			b.Wait()
			atomic.AddInt32(&arrived, 1)
		}()
	}

	wg.Wait()

	if got := atomic.LoadInt32(&arrived); got != n {
		t.Errorf("arrived = %d, want %d", got, n)
	}
}

func TestBarrierSingleParticipant(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})

	go func() {
		NewBarrier(1).Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on a 1-participant barrier did not return")
	}
}

func TestWaitBootTurnCore0ReturnsImmediately(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x200)

	done := make(chan struct{})

	go func() {
		WaitBootTurn(mem, 0, bootimage.AMD64, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitBootTurn(cpu=0) blocked")
	}
}

func TestWaitBootTurnWaitsForPredecessor(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x200)
	bootimage.ClaimBootCPUID(mem, 0, bootimage.AMD64, 0xFFFFFFFF)

	done := make(chan struct{})

	go func() {
		WaitBootTurn(mem, 0, bootimage.AMD64, 2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitBootTurn(cpu=2) returned before core 1 claimed its slot")
	case <-time.After(10 * time.Millisecond):
	}

	bootimage.ClaimBootCPUID(mem, 0, bootimage.AMD64, 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitBootTurn(cpu=2) did not return after core 1 claimed its slot")
	}
}

func TestNoopControllerNeverPauses(t *testing.T) {
	t.Parallel()

	var c noopController

	if got := c.Pending(); got != NoPause {
		t.Errorf("noopController.Pending() = %v, want NoPause", got)
	}

	if err := c.Rendezvous(0, PauseCheckpoint); err != nil {
		t.Errorf("noopController.Rendezvous() = %v, want nil", err)
	}
}

func TestNewDefaultsToNoopController(t *testing.T) {
	t.Parallel()

	c := New(0, 0, 0, 0, nil, nil, AMD64, nil)

	if _, ok := c.Ctrl.(noopController); !ok {
		t.Errorf("New() Ctrl = %T, want noopController", c.Ctrl)
	}
}

func TestSignalBeforeLoopFails(t *testing.T) {
	t.Parallel()

	c := New(0, 0, 0, 0, nil, nil, AMD64, nil)

	if c.ThreadID() != 0 {
		t.Fatalf("ThreadID() = %d before Loop, want 0", c.ThreadID())
	}

	if err := c.Signal(SIGTHRCHKP); err == nil {
		t.Error("Signal() on a core with no recorded thread id: want an error")
	}
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}
