package checkpoint

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/uvmm/cpuidtable"
	"github.com/bobuhiro11/uvmm/kvm"
	"github.com/bobuhiro11/uvmm/pagetable"
	"github.com/bobuhiro11/uvmm/vcpu"
)

// ErrNoCheckpointInProgress is returned by Rendezvous if it is invoked
// outside of a Trigger call; Engine never requests a pause on its own,
// so this indicates a Controller wiring bug.
var ErrNoCheckpointInProgress = errors.New("checkpoint: rendezvous called with no checkpoint in progress")

// Engine drives one VM's checkpoint creation and restore. It implements
// vcpu.Controller: once Trigger has been called, the next EXITINTR each
// vCPU's Loop observes carries it into Rendezvous, where the original's
// create_checkpoint protocol -- enter barrier, write per-core state,
// core 0 walks memory, exit barrier -- plays out.
type Engine struct {
	cores []*vcpu.Core
	mem   []byte
	vmFd  uintptr
	arch  vcpu.Arch

	appPath string

	mu   sync.Mutex
	root uint64 // page-table root, fixed once the guest has booted

	pending int32 // atomic vcpu.PauseKind

	enter    *vcpu.Barrier
	exit     *vcpu.Barrier
	regsDone sync.WaitGroup
	memErr   error

	dir  string
	full bool
	no   uint32
}

// New returns an Engine for the given vCPUs sharing guest memory mem.
// entry is the guest's ELF entry point, used to locate the boot page
// tables vcpu.Init built at vcpu.PageTableRoot(entry).
func New(cores []*vcpu.Core, mem []byte, vmFd uintptr, arch vcpu.Arch, entry uint64, appPath string) *Engine {
	e := &Engine{
		cores:   cores,
		mem:     mem,
		vmFd:    vmFd,
		arch:    arch,
		appPath: appPath,
		root:    vcpu.PageTableRoot(entry),
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

// walker returns a fresh Walker over the current guest memory contents;
// it has no state of its own worth reusing across calls.
func (e *Engine) walker() pagetable.Walker {
	if e.arch == vcpu.ARM64 {
		return pagetable.NewARM64Walker(e.mem, e.root, 0, 0)
	}

	return pagetable.NewX86Walker(e.mem, e.root)
}

// Trigger requests a checkpoint: every vCPU but the caller is sent
// SIGTHRCHKP, which interrupts its run ioctl, surfaces as EXITINTR, and
// routes through Rendezvous below. The caller itself must reach its own
// EXITINTR independently (it is a vCPU thread too) or, if Trigger is
// called from a non-vCPU thread such as the monitor, every vCPU receives
// the signal. Trigger returns once the signals are sent; it does not
// wait for the checkpoint directory to be written, and an error while
// writing guest memory, the clock or the configuration is returned by
// core 0's Rendezvous, not by Trigger.
func (e *Engine) Trigger(dir string, full bool, initiator int) error {
	e.mu.Lock()
	e.dir = dir
	e.full = full
	e.enter = vcpu.NewBarrier(len(e.cores))
	e.exit = vcpu.NewBarrier(len(e.cores))
	e.regsDone.Add(len(e.cores))
	e.memErr = nil
	e.mu.Unlock()

	atomic.StoreInt32(&e.pending, int32(vcpu.PauseCheckpoint))

	for i, c := range e.cores {
		if i == initiator {
			continue
		}

		if err := c.Signal(vcpu.SIGTHRCHKP); err != nil {
			return fmt.Errorf("checkpoint: signal vcpu %d: %w", i, err)
		}
	}

	return nil
}

// Rendezvous implements vcpu.Controller. It is called on each vCPU's own
// goroutine after its run ioctl returns EXITINTR with a checkpoint
// pending: every vCPU waits at the enter barrier, writes its own
// register snapshot, core 0 additionally walks guest memory and the
// clock once every core's registers are down, and all exit together.
func (e *Engine) Rendezvous(cpu int, kind vcpu.PauseKind) error {
	if kind != vcpu.PauseCheckpoint {
		return fmt.Errorf("%w: kind %v", ErrNoCheckpointInProgress, kind)
	}

	e.mu.Lock()
	dir, full, no := e.dir, e.full, e.no
	enter, exit := e.enter, e.exit
	e.mu.Unlock()

	if enter == nil {
		return ErrNoCheckpointInProgress
	}

	enter.Wait()

	if err := e.writeCoreState(dir, no, cpu); err != nil {
		e.regsDone.Done()

		return fmt.Errorf("checkpoint: core %d: %w", cpu, err)
	}

	e.regsDone.Done()

	if cpu == 0 {
		e.regsDone.Wait()

		if err := e.writeMemAndClock(dir, no, full); err != nil {
			e.memErr = err
		}

		cfg := &Config{
			ApplicationPath:  e.appPath,
			NumCores:         uint32(len(e.cores)),
			MemorySize:       uint64(len(e.mem)),
			CheckpointNumber: no,
			EntryPoint:       e.root - 0x1000,
			FullCheckpoint:   full,
		}
		if err := cfg.Save(dir); err != nil && e.memErr == nil {
			e.memErr = err
		}

		e.mu.Lock()
		e.no++
		e.mu.Unlock()

		atomic.StoreInt32(&e.pending, int32(vcpu.NoPause))
	}

	exit.Wait()

	if cpu == 0 && e.memErr != nil {
		return fmt.Errorf("checkpoint: %w", e.memErr)
	}

	return nil
}

func coreFileName(dir string, no uint32, cpu int) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_core%d.dat", no, cpu))
}

func memFileName(dir string, no uint32) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_mem.dat", no))
}

func (e *Engine) writeCoreState(dir string, no uint32, cpu int) error {
	snap, err := e.cores[cpu].Capture(cpuidtable.CheckpointMSRs)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(coreFileName(dir, no, cpu), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return gob.NewEncoder(f).Encode(snap)
}

// writeMemAndClock performs step 4/5 of spec.md's checkpoint protocol:
// an EnumerateMarkedPages pass over guest memory (Dirty for an
// incremental checkpoint, Accessed for a full one) followed by the
// guest clock, all appended to chkN_mem.dat.
func (e *Engine) writeMemAndClock(dir string, no uint32, full bool) error {
	f, err := os.OpenFile(memFileName(dir, no), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	filter := pagetable.Dirty
	if full {
		filter = pagetable.Accessed
	}

	if err := writePageRecords(e.walker(), f, filter); err != nil {
		return err
	}

	var clock kvm.ClockData
	if err := kvm.GetClock(e.vmFd, &clock); err != nil {
		return err
	}

	clockBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(clockBytes, clock.Clock)

	_, err = f.Write(clockBytes)

	return err
}

// writePageRecords appends one (entry, page) record per page w's
// EnumerateMarkedPages emits under filter, matching the chkN_mem.dat
// layout spec.md §3 describes: entry width = pointer size, page size
// derived from the entry's large-page bit.
func writePageRecords(w pagetable.Walker, out io.Writer, filter pagetable.PageFilter) error {
	entryHdr := make([]byte, 8)

	return w.EnumerateMarkedPages(filter, func(entry uint64, page []byte) error {
		binary.LittleEndian.PutUint64(entryHdr, entry)

		if _, err := out.Write(entryHdr); err != nil {
			return err
		}

		_, err := out.Write(page)

		return err
	})
}

// Restore replays checkpoints 0..N (incremental) or just checkpoint N
// (full) from dir into mem and every core, per spec.md §4.8's restore
// rule: page records overlay in order, and the guest clock is installed
// only from the last checkpoint read.
func Restore(dir string, cores []*vcpu.Core, mem []byte, vmFd uintptr) error {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return fmt.Errorf("checkpoint: restore: %w", err)
	}

	start := uint32(0)
	if cfg.FullCheckpoint {
		start = cfg.CheckpointNumber
	}

	arch := vcpu.AMD64
	if len(cores) > 0 {
		arch = cores[0].Arch
	}

	for no := start; no <= cfg.CheckpointNumber; no++ {
		clock, err := applyMemFile(memFileName(dir, no), mem, arch)
		if err != nil {
			return fmt.Errorf("checkpoint: restore chk%d: %w", no, err)
		}

		if no == cfg.CheckpointNumber {
			if err := kvm.SetClock(vmFd, &kvm.ClockData{Clock: clock}); err != nil {
				return fmt.Errorf("checkpoint: restore clock: %w", err)
			}
		}
	}

	for cpu, c := range cores {
		f, err := os.Open(coreFileName(dir, cfg.CheckpointNumber, cpu))
		if err != nil {
			return fmt.Errorf("checkpoint: restore core %d: %w", cpu, err)
		}

		snap := &vcpu.Snapshot{}
		decErr := gob.NewDecoder(f).Decode(snap)
		f.Close()

		if decErr != nil {
			return fmt.Errorf("checkpoint: restore core %d: %w", cpu, decErr)
		}

		if err := c.Init(cfg.EntryPoint, 0, snap); err != nil {
			return fmt.Errorf("checkpoint: restore core %d: %w", cpu, err)
		}
	}

	return nil
}

// applyMemFile overlays one chkN_mem.dat's page records onto mem and
// returns the trailing clock value. The destination offset of each page
// is the entry masked to its frame-aligned bits; the page size is
// derived from the entry's large-page bit via the same architecture's
// leaf-size rule EnumerateMarkedPages used to produce the record.
func applyMemFile(path string, mem []byte, arch vcpu.Arch) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	const clockSize = 8

	if len(data) < clockSize {
		return 0, fmt.Errorf("checkpoint: %s: truncated", path)
	}

	records := data[:len(data)-clockSize]
	clock := binary.LittleEndian.Uint64(data[len(data)-clockSize:])

	if err := applyPageRecords(records, mem, arch); err != nil {
		return 0, fmt.Errorf("checkpoint: %s: %w", path, err)
	}

	return clock, nil
}

// applyPageRecords overlays a sequence of (entry, page) records -- the
// chkN_mem.dat layout minus its trailing clock value -- onto mem. The
// destination offset of each page is the entry masked to its
// frame-aligned bits; the page size is derived from the entry's
// large-page bit via the same rule EnumerateMarkedPages used to produce
// the record.
func applyPageRecords(records []byte, mem []byte, arch vcpu.Arch) error {
	for len(records) > 0 {
		if len(records) < 8 {
			return errors.New("truncated entry")
		}

		entry := binary.LittleEndian.Uint64(records[:8])
		records = records[8:]

		pageSize := pagetable.X86LeafPageSize(entry)
		if arch == vcpu.ARM64 {
			pageSize = pagetable.ARM64LeafPageSize(entry)
		}

		if uint64(len(records)) < pageSize {
			return errors.New("truncated page")
		}

		base := entry &^ (pageSize - 1)
		if base+pageSize > uint64(len(mem)) {
			return fmt.Errorf("page at %#x out of range", base)
		}

		copy(mem[base:base+pageSize], records[:pageSize])
		records = records[pageSize:]
	}

	return nil
}
