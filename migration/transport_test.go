package migration_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobuhiro11/uvmm/kvm"
	"github.com/bobuhiro11/uvmm/migration"
	"github.com/bobuhiro11/uvmm/vcpu"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, migration.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgReady {
		t.Fatalf("got type %d, want MsgReady (%d)", msgType, migration.MsgReady)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgReady should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveMetadata(t *testing.T) {
	t.Parallel()

	want := &migration.Metadata{
		NumCores:         4,
		GuestSize:        1 << 20,
		CheckpointNumber: 2,
		EntryPoint:       0x10_0000,
		FullCheckpoint:   true,
	}

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendMetadata(want); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgMeta {
		t.Fatalf("got type %d, want MsgMeta", msgType)
	}

	got, err := migration.DecodeMetadata(payload)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}

	if *got != *want {
		t.Fatalf("metadata round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSendReceiveRegions(t *testing.T) {
	t.Parallel()

	want := []migration.Region{
		{Ptr: 0, Size: 1 << 20},
		{Ptr: 1 << 20, Size: 1 << 16},
	}

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendRegions(want); err != nil {
		t.Fatalf("SendRegions: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgRegions {
		t.Fatalf("got type %d, want MsgRegions", msgType)
	}

	got, err := migration.DecodeRegions(payload)
	if err != nil {
		t.Fatalf("DecodeRegions: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("region count: got %d, want %d", len(got), len(want))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSendReceivePages(t *testing.T) {
	t.Parallel()

	records := bytes.Repeat([]byte{0xAB}, 4096+8)

	sender, recv := pipe()

	go func() {
		if err := sender.SendPages(records); err != nil {
			t.Errorf("SendPages: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgPages {
		t.Fatalf("got type %d, want MsgPages", msgType)
	}

	if !bytes.Equal(payload, records) {
		t.Fatalf("page records payload mismatch: got %d bytes, want %d", len(payload), len(records))
	}
}

func TestSendReceiveVCPU(t *testing.T) {
	t.Parallel()

	want := &vcpu.Snapshot{
		MSRs:      []kvm.MSREntry{{Index: 0x10, Data: 0x20}},
		ARM64Regs: map[uint64]uint64{1: 2, 3: 4},
	}
	want.Regs.RAX = 0xdead_beef

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendVCPU(want); err != nil {
		t.Fatalf("SendVCPU: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgVCPU {
		t.Fatalf("got type %d, want MsgVCPU", msgType)
	}

	got, err := migration.DecodeVCPU(payload)
	if err != nil {
		t.Fatalf("DecodeVCPU: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("vcpu snapshot round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSendReceiveClock(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendClock(0x1234_5678_9abc); err != nil {
		t.Fatalf("SendClock: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgClock {
		t.Fatalf("got type %d, want MsgClock", msgType)
	}

	got, err := migration.DecodeClock(payload)
	if err != nil {
		t.Fatalf("DecodeClock: %v", err)
	}

	if got != 0x1234_5678_9abc {
		t.Fatalf("clock round-trip = %#x, want %#x", got, 0x1234_5678_9abc)
	}
}

func TestDecodeRegionsTruncated(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 8)
	// Announces one region but provides no region bytes.
	payload[7] = 1

	if _, err := migration.DecodeRegions(payload); err == nil {
		t.Error("DecodeRegions on a truncated list: want an error")
	}
}

func TestDecodeClockWrongSize(t *testing.T) {
	t.Parallel()

	if _, err := migration.DecodeClock([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeClock on a non-8-byte payload: want an error")
	}
}

// TestFullMigrationProtocol sends the complete message sequence a real
// source produces and verifies the receiver sees them in order.
func TestFullMigrationProtocol(t *testing.T) {
	t.Parallel()

	meta := &migration.Metadata{NumCores: 2, GuestSize: 1 << 20, EntryPoint: 0x1000}
	regions := []migration.Region{{Ptr: 0, Size: 1 << 20}}
	records := bytes.Repeat([]byte{0x11}, 8+4096)
	snap := &vcpu.Snapshot{}
	snap.Regs.RAX = 1

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendMetadata(meta); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}

	if err := sender.SendRegions(regions); err != nil {
		t.Fatalf("SendRegions: %v", err)
	}

	if err := sender.SendPages(records); err != nil {
		t.Fatalf("SendPages: %v", err)
	}

	if err := sender.SendVCPU(snap); err != nil {
		t.Fatalf("SendVCPU: %v", err)
	}

	if err := sender.SendClock(42); err != nil {
		t.Fatalf("SendClock: %v", err)
	}

	if err := sender.SendDone(); err != nil {
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

func TestReceiverEOF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	recv := migration.NewReceiver(&buf)
	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error on empty stream, got nil")
	}
}

func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendPages(bytes.Repeat([]byte{0x01}, 100)); err != nil {
		t.Fatalf("SendPages: %v", err)
	}

	truncated := buf.Bytes()[:len(buf.Bytes())-50]

	recv := migration.NewReceiver(bytes.NewReader(truncated))
	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}
