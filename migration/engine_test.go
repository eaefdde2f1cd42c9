package migration_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/uvmm/migration"
	"github.com/bobuhiro11/uvmm/vcpu"
)

func TestMigItersDefault(t *testing.T) {
	t.Parallel()

	if migration.MigIters != 4 {
		t.Fatalf("MigIters = %d, want 4", migration.MigIters)
	}
}

// put writes a little-endian u64 at the given byte offset.
func put(mem []byte, off uint64, v uint64) {
	binary.LittleEndian.PutUint64(mem[off:off+8], v)
}

func TestApplyIncomingAppliesPageRecordsRoundTrip(t *testing.T) {
	t.Parallel()

	const phys = 0x200000

	mem := make([]byte, 4<<20)

	marker := bytes.Repeat([]byte{0xCD}, 4096)

	records := make([]byte, 8+len(marker))
	binary.LittleEndian.PutUint64(records[:8], phys)
	copy(records[8:], marker)

	var stream bytes.Buffer
	sender := migration.NewSender(&stream)

	meta := &migration.Metadata{NumCores: 1, GuestSize: uint64(len(mem)), EntryPoint: 0x1000}

	if err := sender.SendMetadata(meta); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}

	if err := sender.SendRegions([]migration.Region{{Ptr: 0, Size: uint64(len(mem))}}); err != nil {
		t.Fatalf("SendRegions: %v", err)
	}

	if err := sender.SendPages(records); err != nil {
		t.Fatalf("SendPages: %v", err)
	}

	if err := sender.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	got, err := migration.ApplyIncoming(&stream, mem, nil, 0, vcpu.AMD64)
	if err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	if got.EntryPoint != meta.EntryPoint {
		t.Errorf("EntryPoint = %#x, want %#x", got.EntryPoint, meta.EntryPoint)
	}

	if !bytes.Equal(mem[phys:phys+len(marker)], marker) {
		t.Error("ApplyIncoming did not place the page record at its entry-derived offset")
	}
}

func TestApplyIncomingRejectsExcessVCPUSnapshots(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	sender := migration.NewSender(&stream)

	if err := sender.SendVCPU(&vcpu.Snapshot{}); err != nil {
		t.Fatalf("SendVCPU: %v", err)
	}

	if err := sender.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	mem := make([]byte, 4096)

	if _, err := migration.ApplyIncoming(&stream, mem, nil, 0, vcpu.AMD64); err == nil {
		t.Error("ApplyIncoming with zero cores and one vCPU snapshot: want an error")
	}
}

func TestApplyIncomingRejectsTruncatedHeader(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	sender := migration.NewSender(&stream)

	if err := sender.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	mem := make([]byte, 4096)

	// A stream that is cut off mid-header (rather than ending cleanly
	// after a MsgDone) must surface as an error, not a silent nil return.
	raw := stream.Bytes()
	truncated := bytes.NewReader(raw[:len(raw)-4])

	if _, err := migration.ApplyIncoming(truncated, mem, nil, 0, vcpu.AMD64); err == nil {
		t.Error("ApplyIncoming on a truncated stream: want an error")
	}
}

func TestStreamTransportForwardsToSender(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	transport := migration.NewStreamTransport(&buf)

	meta := &migration.Metadata{NumCores: 2}
	if err := transport.SendMetadata(meta); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}

	if err := transport.SendRegions([]migration.Region{{Ptr: 0, Size: 4096}}); err != nil {
		t.Fatalf("SendRegions: %v", err)
	}

	if err := transport.SendPages([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendPages: %v", err)
	}

	if err := transport.SendVCPU(&vcpu.Snapshot{}); err != nil {
		t.Fatalf("SendVCPU: %v", err)
	}

	if err := transport.SendClock(42); err != nil {
		t.Fatalf("SendClock: %v", err)
	}

	if err := transport.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	wantTypes := []migration.MsgType{
		migration.MsgMeta, migration.MsgRegions, migration.MsgPages,
		migration.MsgVCPU, migration.MsgClock, migration.MsgDone,
	}

	for _, want := range wantTypes {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", want, err)
		}

		if msgType != want {
			t.Fatalf("message order: got type %d, want %d", msgType, want)
		}
	}
}

func TestRDMATransportFailsClosedWithoutFallback(t *testing.T) {
	t.Parallel()

	transport := migration.NewRDMATransport(nil)

	if err := transport.SendMetadata(&migration.Metadata{}); err != migration.ErrRDMAUnavailable {
		t.Fatalf("SendMetadata err = %v, want ErrRDMAUnavailable", err)
	}

	if err := transport.SendDone(); err != migration.ErrRDMAUnavailable {
		t.Fatalf("SendDone err = %v, want ErrRDMAUnavailable", err)
	}
}

func TestRDMATransportDegradesToFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fallback := migration.NewStreamTransport(&buf)
	transport := migration.NewRDMATransport(fallback)

	if err := transport.SendMetadata(&migration.Metadata{NumCores: 1}); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}

	if err := transport.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, _, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgMeta {
		t.Fatalf("got type %d, want MsgMeta", msgType)
	}
}

// TestApplyIncomingAppliesLargePageRecord exercises the same entry-derived
// frame math checkpoint's own writePageRecords/applyPageRecords round trip
// covers, here against ApplyIncoming's MsgPages branch directly with a
// 2 MiB leaf entry so the large-page path is exercised too.
func TestApplyIncomingAppliesLargePageRecord(t *testing.T) {
	t.Parallel()

	const phys = 0x400000 // 4 MiB, 2 MiB aligned

	mem := make([]byte, 8<<20)

	marker := bytes.Repeat([]byte{0xEF}, 1<<21)

	records := make([]byte, 8+len(marker))
	put(records, 0, phys|0x80) // PS bit set: 2 MiB leaf
	copy(records[8:], marker)

	var stream bytes.Buffer
	sender := migration.NewSender(&stream)

	if err := sender.SendPages(records); err != nil {
		t.Fatalf("SendPages: %v", err)
	}

	if err := sender.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	if _, err := migration.ApplyIncoming(&stream, mem, nil, 0, vcpu.AMD64); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	if !bytes.Equal(mem[phys:phys+len(marker)], marker) {
		t.Error("ApplyIncoming did not place the 2 MiB page record at its frame address")
	}
}
