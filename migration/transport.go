// This file implements the framed binary transport streaming migration
// data between a source and destination process, grounded on this
// project's own checkpoint package's on-disk page-record format -- the
// same (entry, page) records checkpoint writes to chkN_mem.dat are
// streamed here instead, length-prefixed rather than delimited by EOF.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/uvmm/vcpu"
)

var (
	errRegionsTooShort  = errors.New("migration: region list payload too short")
	errRegionsTruncated = errors.New("migration: region list payload truncated")
	errClockWrongSize   = errors.New("migration: clock payload has the wrong size")
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgMeta    MsgType = 1 // gob-encoded Metadata
	MsgRegions MsgType = 2 // memory-region descriptor list
	MsgPages   MsgType = 3 // (entry, page) records, one pre-copy or final pass
	MsgVCPU    MsgType = 4 // gob-encoded vcpu.Snapshot, one per core
	MsgClock   MsgType = 5 // 8-byte little-endian guest clock value
	MsgDone    MsgType = 6 // source signals end-of-migration (last page marker)
	MsgReady   MsgType = 7 // destination confirms it is running
)

// Region is one entry of the memory-region descriptor list spec.md §6
// names: a guest-physical base address and its length.
type Region struct {
	Ptr  uint64
	Size uint64
}

// Sender writes framed messages to an underlying writer (typically a
// net.Conn between source and destination).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendMetadata gob-encodes and sends the migration header.
func (s *Sender) SendMetadata(m *Metadata) error {
	payload, err := gobEncode(m)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return s.send(MsgMeta, payload)
}

// SendRegions sends the memory-region descriptor list.
func (s *Sender) SendRegions(regions []Region) error {
	payload := make([]byte, 8+len(regions)*16)
	binary.BigEndian.PutUint64(payload[0:8], uint64(len(regions)))

	for i, r := range regions {
		off := 8 + i*16
		binary.BigEndian.PutUint64(payload[off:off+8], r.Ptr)
		binary.BigEndian.PutUint64(payload[off+8:off+16], r.Size)
	}

	return s.send(MsgRegions, payload)
}

// SendPages sends one pre-copy or final pass's worth of (entry, page)
// records, in the same layout the checkpoint package writes to
// chkN_mem.dat; the migration Engine builds this payload itself.
func (s *Sender) SendPages(records []byte) error {
	return s.send(MsgPages, records)
}

// SendVCPU gob-encodes and sends one core's register snapshot.
func (s *Sender) SendVCPU(snap *vcpu.Snapshot) error {
	payload, err := gobEncode(snap)
	if err != nil {
		return fmt.Errorf("encode vcpu snapshot: %w", err)
	}

	return s.send(MsgVCPU, payload)
}

// SendClock sends the guest's paravirtual clock value.
func (s *Sender) SendClock(clock uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, clock)

	return s.send(MsgClock, payload)
}

// SendDone signals the end of the migration stream (spec.md §4.9's
// "last page" marker): the destination transitions to restore once it
// sees this.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination VM is running.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeMetadata decodes a gob-encoded Metadata from payload bytes.
func DecodeMetadata(payload []byte) (*Metadata, error) {
	m := &Metadata{}
	if err := gob.NewDecoder((*bReader)(&payload)).Decode(m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return m, nil
}

// DecodeRegions decodes a memory-region descriptor list payload.
func DecodeRegions(payload []byte) ([]Region, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", errRegionsTooShort, len(payload))
	}

	count := binary.BigEndian.Uint64(payload[0:8])
	want := 8 + count*16

	if uint64(len(payload)) != want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", errRegionsTruncated, len(payload), want)
	}

	regions := make([]Region, count)

	for i := range regions {
		off := 8 + i*16
		regions[i] = Region{
			Ptr:  binary.BigEndian.Uint64(payload[off : off+8]),
			Size: binary.BigEndian.Uint64(payload[off+8 : off+16]),
		}
	}

	return regions, nil
}

// DecodeVCPU decodes a gob-encoded vcpu.Snapshot from payload bytes.
func DecodeVCPU(payload []byte) (*vcpu.Snapshot, error) {
	snap := &vcpu.Snapshot{}
	if err := gob.NewDecoder((*bReader)(&payload)).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode vcpu snapshot: %w", err)
	}

	return snap, nil
}

// DecodeClock decodes an 8-byte little-endian clock payload.
func DecodeClock(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: %d bytes", errClockWrongSize, len(payload))
	}

	return binary.LittleEndian.Uint64(payload), nil
}

func gobEncode(v any) ([]byte, error) {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)

	go func() {
		errCh <- gob.NewEncoder(pw).Encode(v)
		pw.Close()
	}()

	payload, err := io.ReadAll(pr)
	if err != nil {
		return nil, err
	}

	if err := <-errCh; err != nil {
		return nil, err
	}

	return payload, nil
}

// bReader wraps a byte slice as an io.Reader.
type bReader []byte

func (b *bReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *b)
	*b = (*b)[n:]

	return n, nil
}
