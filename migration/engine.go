package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/uvmm/cpuidtable"
	"github.com/bobuhiro11/uvmm/kvm"
	"github.com/bobuhiro11/uvmm/pagetable"
	"github.com/bobuhiro11/uvmm/vcpu"
)

// ErrNoMigrationInProgress is returned by Rendezvous if it is invoked
// outside of a Trigger call.
var ErrNoMigrationInProgress = errors.New("migration: rendezvous called with no migration in progress")

// Transport is the capability a migration needs from its wire: send the
// handshake metadata and region list once, then a sequence of page
// batches, per-vCPU contexts, and a final clock value, terminated by
// SendDone. REDESIGN FLAGS' "Transport capability" is realized here as
// this interface rather than a single {send_bytes, recv_bytes} pair, so
// that a batch of (entry, page) records can be handed to the stream
// transport as one framed message or to the RDMA transport as one
// sequence of one-sided writes without either side parsing the other's
// framing.
type Transport interface {
	SendMetadata(*Metadata) error
	SendRegions([]Region) error
	SendPages(records []byte) error
	SendVCPU(*vcpu.Snapshot) error
	SendClock(clock uint64) error
	SendDone() error
}

// streamTransport adapts a Sender to the Transport interface; it is a
// thin forwarding wrapper since Sender already speaks exactly this
// vocabulary over a length-prefixed stream (TCP, per spec.md §4.9's
// "Streamed bytes" transport).
type streamTransport struct {
	s *Sender
}

// NewStreamTransport wraps a byte stream (typically a net.Conn) as a
// Transport.
func NewStreamTransport(w io.Writer) Transport {
	return &streamTransport{s: NewSender(w)}
}

func (t *streamTransport) SendMetadata(m *Metadata) error     { return t.s.SendMetadata(m) }
func (t *streamTransport) SendRegions(r []Region) error       { return t.s.SendRegions(r) }
func (t *streamTransport) SendPages(records []byte) error     { return t.s.SendPages(records) }
func (t *streamTransport) SendVCPU(snap *vcpu.Snapshot) error { return t.s.SendVCPU(snap) }
func (t *streamTransport) SendClock(clock uint64) error       { return t.s.SendClock(clock) }
func (t *streamTransport) SendDone() error                    { return t.s.SendDone() }

// ErrRDMAUnavailable is returned by an rdmaTransport send when RDMA was
// explicitly requested (no fallback configured) but this build has no
// verbs binding to service it, per spec.md §7's "RDMA errors terminate
// the migration" policy: unlike the stream transport's implicit
// availability, a caller that names an RDMA device and gets this error
// must not silently continue.
var ErrRDMAUnavailable = errors.New("migration: RDMA transport requested but unavailable in this build")

// rdmaTransport stands in for original_source/uhyve-migration-rdma.c's
// one-sided-write transport: pre-registered memory regions, a write
// work-request per page capped at the NIC's max message size, and a
// final write carrying immediate data the receiver waits on for
// completion. Verbs are a CGo-only surface with no pure-Go binding in
// this corpus, so this type documents the protocol shape and either
// degrades to a stream fallback (when RDMA was not explicitly
// requested, i.e. fallback is non-nil) or fails closed.
type rdmaTransport struct {
	fallback Transport
}

// NewRDMATransport returns a Transport that degrades to fallback's
// stream transport, or fails every send with ErrRDMAUnavailable if
// fallback is nil (RDMA explicitly requested with no degrade path).
func NewRDMATransport(fallback Transport) Transport {
	return &rdmaTransport{fallback: fallback}
}

func (t *rdmaTransport) unavailable() error {
	if t.fallback != nil {
		return nil
	}

	return ErrRDMAUnavailable
}

func (t *rdmaTransport) SendMetadata(m *Metadata) error {
	if err := t.unavailable(); err != nil {
		return err
	}

	return t.fallback.SendMetadata(m)
}

func (t *rdmaTransport) SendRegions(r []Region) error {
	if err := t.unavailable(); err != nil {
		return err
	}

	return t.fallback.SendRegions(r)
}

func (t *rdmaTransport) SendPages(records []byte) error {
	if err := t.unavailable(); err != nil {
		return err
	}

	return t.fallback.SendPages(records)
}

func (t *rdmaTransport) SendVCPU(snap *vcpu.Snapshot) error {
	if err := t.unavailable(); err != nil {
		return err
	}

	return t.fallback.SendVCPU(snap)
}

func (t *rdmaTransport) SendClock(clock uint64) error {
	if err := t.unavailable(); err != nil {
		return err
	}

	return t.fallback.SendClock(clock)
}

func (t *rdmaTransport) SendDone() error {
	if err := t.unavailable(); err != nil {
		return err
	}

	return t.fallback.SendDone()
}

// Engine drives the source side of a migration: a pre-copy loop that
// streams dirty pages while the guest keeps running, then a
// stop-and-copy phase built on the same vcpu.Controller/Barrier shape
// checkpoint.Engine uses, with per-vCPU state and the final page pass
// sent over a Transport instead of written to disk.
type Engine struct {
	cores []*vcpu.Core
	mem   []byte
	vmFd  uintptr
	arch  vcpu.Arch
	root  uint64

	pending int32 // atomic vcpu.PauseKind

	enter    *vcpu.Barrier
	exit     *vcpu.Barrier
	regsDone sync.WaitGroup

	mu        sync.Mutex
	transport Transport
	params    Params
	sendErr   error
	done      chan struct{}
}

// New returns an Engine for the given vCPUs sharing guest memory mem.
// entry is the guest's ELF entry point, used to locate the boot page
// tables as checkpoint.New does.
func New(cores []*vcpu.Core, mem []byte, vmFd uintptr, arch vcpu.Arch, entry uint64) *Engine {
	e := &Engine{
		cores: cores,
		mem:   mem,
		vmFd:  vmFd,
		arch:  arch,
		root:  vcpu.PageTableRoot(entry),
	}

	for _, c := range cores {
		c.Ctrl = e
	}

	return e
}

// Pending implements vcpu.Controller.
func (e *Engine) Pending() vcpu.PauseKind {
	return vcpu.PauseKind(atomic.LoadInt32(&e.pending))
}

func (e *Engine) walker() pagetable.Walker {
	if e.arch == vcpu.ARM64 {
		return pagetable.NewARM64Walker(e.mem, e.root, 0, 0)
	}

	return pagetable.NewX86Walker(e.mem, e.root)
}

// pageRecords returns one EnumerateMarkedPages pass's worth of (entry,
// page) records, the same layout checkpoint.writePageRecords produces.
func (e *Engine) pageRecords(filter pagetable.PageFilter) ([]byte, int, error) {
	var buf bytes.Buffer

	entryHdr := make([]byte, 8)
	count := 0

	err := e.walker().EnumerateMarkedPages(filter, func(entry uint64, page []byte) error {
		binary.LittleEndian.PutUint64(entryHdr, entry)
		count++

		if _, err := buf.Write(entryHdr); err != nil {
			return err
		}

		_, err := buf.Write(page)

		return err
	})

	return buf.Bytes(), count, err
}

// MigrateTo runs the complete source-side protocol: metadata and region
// handshake, up to params' iteration cap of pre-copy rounds (live only),
// then a stop-and-copy phase that pauses every vCPU via SIGTHRMIG,
// sends the final page pass, every core's register snapshot, and the
// guest clock, per spec.md §4.9. initiator is the vCPU index driving
// the migration, or -1 if called from a non-vCPU thread such as the
// monitor -- every core is then signaled.
func (e *Engine) MigrateTo(transport Transport, params Params, meta Metadata, regions []Region, initiator int) error {
	if err := transport.SendMetadata(&meta); err != nil {
		return fmt.Errorf("migration: send metadata: %w", err)
	}

	if err := transport.SendRegions(regions); err != nil {
		return fmt.Errorf("migration: send regions: %w", err)
	}

	if params.Type == Live {
		for round := 0; round < params.iters(); round++ {
			records, count, err := e.pageRecords(pagetable.Dirty)
			if err != nil {
				return fmt.Errorf("migration: pre-copy round %d: %w", round, err)
			}

			if count == 0 {
				break
			}

			if err := transport.SendPages(records); err != nil {
				return fmt.Errorf("migration: pre-copy round %d: %w", round, err)
			}
		}
	}

	return e.stopAndCopy(transport, params, initiator)
}

func (e *Engine) stopAndCopy(transport Transport, params Params, initiator int) error {
	done := make(chan struct{})

	e.mu.Lock()
	e.transport = transport
	e.params = params
	e.enter = vcpu.NewBarrier(len(e.cores))
	e.exit = vcpu.NewBarrier(len(e.cores))
	e.regsDone.Add(len(e.cores))
	e.sendErr = nil
	e.done = done
	e.mu.Unlock()

	atomic.StoreInt32(&e.pending, int32(vcpu.PauseMigration))

	for i, c := range e.cores {
		if i == initiator {
			continue
		}

		if err := c.Signal(vcpu.SIGTHRMIG); err != nil {
			return fmt.Errorf("migration: signal vcpu %d: %w", i, err)
		}
	}

	<-done

	e.mu.Lock()
	err := e.sendErr
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	return nil
}

// Rendezvous implements vcpu.Controller. Every vCPU waits at the enter
// barrier and sends its own register snapshot; core 0 additionally
// sends the final page pass and the guest clock once every core's
// snapshot is down, then signals end-of-stream, before all exit
// together.
func (e *Engine) Rendezvous(cpu int, kind vcpu.PauseKind) error {
	if kind != vcpu.PauseMigration {
		return fmt.Errorf("%w: kind %v", ErrNoMigrationInProgress, kind)
	}

	e.mu.Lock()
	transport, params := e.transport, e.params
	enter, exit := e.enter, e.exit
	e.mu.Unlock()

	if enter == nil {
		return ErrNoMigrationInProgress
	}

	enter.Wait()

	snap, err := e.cores[cpu].Capture(cpuidtable.CheckpointMSRs)
	if err == nil {
		e.mu.Lock()
		err = transport.SendVCPU(snap)
		e.mu.Unlock()
	}

	if err != nil {
		e.mu.Lock()
		if e.sendErr == nil {
			e.sendErr = fmt.Errorf("core %d: %w", cpu, err)
		}
		e.mu.Unlock()
	}

	e.regsDone.Done()

	if cpu == 0 {
		e.regsDone.Wait()

		finalFilter := pagetable.Dirty
		if params.Type == Cold && params.Mode == Complete {
			finalFilter = pagetable.Accessed
		}

		records, _, recErr := e.pageRecords(finalFilter)
		if recErr == nil {
			recErr = transport.SendPages(records)
		}

		var clock kvm.ClockData
		if recErr == nil {
			recErr = kvm.GetClock(e.vmFd, &clock)
		}

		if recErr == nil {
			recErr = transport.SendClock(clock.Clock)
		}

		if recErr == nil {
			recErr = transport.SendDone()
		}

		e.mu.Lock()
		if recErr != nil && e.sendErr == nil {
			e.sendErr = recErr
		}
		e.mu.Unlock()

		atomic.StoreInt32(&e.pending, int32(vcpu.NoPause))
	}

	exit.Wait()

	if cpu == 0 {
		e.mu.Lock()
		done := e.done
		e.done = nil
		e.mu.Unlock()

		if done != nil {
			close(done)
		}
	}

	return nil
}

// ApplyIncoming reads one migration stream from r: metadata, regions,
// zero or more page batches, one vCPU snapshot per core, and a final
// clock value, until MsgDone. mem must already be sized to the
// metadata's GuestSize (the caller reads MsgMeta first via a small
// peek, or over-allocates); pages are applied at their entry-derived
// offsets exactly as checkpoint.Restore does. The clock is installed
// through vmFd once the stream completes.
func ApplyIncoming(r io.Reader, mem []byte, cores []*vcpu.Core, vmFd uintptr, arch vcpu.Arch) (*Metadata, error) {
	recv := NewReceiver(r)

	var meta *Metadata

	coreIdx := 0

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return nil, fmt.Errorf("migration: receive: %w", err)
		}

		switch msgType {
		case MsgMeta:
			meta, err = DecodeMetadata(payload)
			if err != nil {
				return nil, err
			}

		case MsgRegions:
			if _, err := DecodeRegions(payload); err != nil {
				return nil, err
			}

		case MsgPages:
			if err := applyPageRecords(payload, mem, arch); err != nil {
				return nil, fmt.Errorf("migration: %w", err)
			}

		case MsgVCPU:
			snap, err := DecodeVCPU(payload)
			if err != nil {
				return nil, err
			}

			if coreIdx >= len(cores) {
				return nil, fmt.Errorf("migration: more vCPU snapshots than cores (%d)", len(cores))
			}

			if err := cores[coreIdx].Init(0, 0, snap); err != nil {
				return nil, fmt.Errorf("migration: restore core %d: %w", coreIdx, err)
			}

			coreIdx++

		case MsgClock:
			clock, err := DecodeClock(payload)
			if err != nil {
				return nil, err
			}

			if err := kvm.SetClock(vmFd, &kvm.ClockData{Clock: clock}); err != nil {
				return nil, fmt.Errorf("migration: restore clock: %w", err)
			}

		case MsgDone:
			return meta, nil

		default:
			return nil, fmt.Errorf("migration: unexpected message type %v", msgType)
		}
	}
}

// applyPageRecords overlays a sequence of (entry, page) records onto
// mem, identical in shape to checkpoint's own helper of the same name:
// the destination offset and size of each page are derived from the
// entry's raw bits rather than a live walker, since the destination's
// page tables do not exist yet when pages start arriving.
func applyPageRecords(records []byte, mem []byte, arch vcpu.Arch) error {
	for len(records) > 0 {
		if len(records) < 8 {
			return errors.New("migration: truncated entry")
		}

		entry := binary.LittleEndian.Uint64(records[:8])
		records = records[8:]

		pageSize := pagetable.X86LeafPageSize(entry)
		if arch == vcpu.ARM64 {
			pageSize = pagetable.ARM64LeafPageSize(entry)
		}

		if uint64(len(records)) < pageSize {
			return errors.New("migration: truncated page")
		}

		base := entry &^ (pageSize - 1)
		if base+pageSize > uint64(len(mem)) {
			return fmt.Errorf("migration: page at %#x out of range", base)
		}

		copy(mem[base:base+pageSize], records[:pageSize])
		records = records[pageSize:]
	}

	return nil
}
