// Package vcpu runs one guest core: creating its accelerator context,
// initializing its registers and (on x86) page tables, and looping the
// run ioctl until the guest halts, shuts down, or a fatal exit occurs.
//
// Grounded on machine.RunOnce/RunInfiniteLoop (the runtime.LockOSThread
// idiom, the exit-reason switch, EXITINTR retry-without-error) and
// machine.initRegs/initSregs/initCPUID, generalized from a single
// Linux-guest x86 setup to per-arch init behind a small interface plus
// the checkpoint/migration rendezvous original_source's uhyve_thread
// drives through SIGTHRCHKP/SIGTHRMIG.
package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/uvmm/hypercall"
	"github.com/bobuhiro11/uvmm/kvm"
)

// ErrUnsupportedArch indicates a Core was asked to initialize for an
// architecture this build has no init_*.go file for.
var ErrUnsupportedArch = errors.New("vcpu: unsupported architecture")

// ErrShutdown is returned by Loop when the guest requested a full
// shutdown (SHUTDOWN exit); the caller dumps diagnostics and exits.
var ErrShutdown = errors.New("vcpu: guest shutdown")

// Arch selects the per-core initialization path.
type Arch int

const (
	AMD64 Arch = iota
	ARM64
)

// PauseKind names why a vCPU's run ioctl was interrupted.
type PauseKind int

const (
	// NoPause: the EINTR was spurious (or from an unrelated signal);
	// the run loop should simply retry the ioctl.
	NoPause PauseKind = iota
	PauseCheckpoint
	PauseMigration
)

// Controller is the checkpoint/migration engine's hook into the vCPU
// run loop: when Run returns EINTR, the loop asks Pending() what to do,
// and if a pause was requested it blocks in Rendezvous until every
// other vCPU has reached the same barrier and the engine releases it.
type Controller interface {
	Pending() PauseKind
	Rendezvous(cpu int, kind PauseKind) error
}

// noopController never pauses; used when no checkpoint/migration
// engine is wired in (tests, or a build with both disabled).
type noopController struct{}

func (noopController) Pending() PauseKind              { return NoPause }
func (noopController) Rendezvous(int, PauseKind) error { return nil }

// Core is one guest vCPU: its accelerator fd, the shared run-area
// mapping, and the hypercall dispatcher its IO exits feed into.
type Core struct {
	ID    int
	Fd    uintptr
	VMFd  uintptr
	KVMFd uintptr
	Run   *kvm.RunData
	Mem   []byte
	Arch  Arch
	Disp  *hypercall.Dispatcher
	Ctrl  Controller

	// tid is the Linux thread id of the OS thread Loop locked itself to,
	// set once at the top of Loop. A checkpoint or migration engine reads
	// it through ThreadID to target this vCPU with SIGTHRCHKP/SIGTHRMIG
	// via tgkill, the Go equivalent of original_source's pthread_kill.
	tid int32
}

// New wraps an already-created vCPU fd and its mmap'd run area.
func New(id int, fd, vmFd, kvmFd uintptr, run *kvm.RunData, mem []byte, arch Arch, disp *hypercall.Dispatcher) *Core {
	ctrl := Controller(noopController{})

	return &Core{ID: id, Fd: fd, VMFd: vmFd, KVMFd: kvmFd, Run: run, Mem: mem, Arch: arch, Disp: disp, Ctrl: ctrl}
}

// ThreadID returns the Linux tid Loop locked itself to, or 0 if Loop has
// not started yet.
func (c *Core) ThreadID() int32 {
	return atomic.LoadInt32(&c.tid)
}

// Signal sends sig to this vCPU's locked OS thread via tgkill, the
// mechanism a checkpoint or migration engine uses to interrupt its run
// ioctl with SIGTHRCHKP/SIGTHRMIG. Returns an error if Loop has not
// recorded a thread id yet.
func (c *Core) Signal(sig unix.Signal) error {
	tid := c.ThreadID()
	if tid == 0 {
		return fmt.Errorf("vcpu %d: no thread id recorded yet", c.ID)
	}

	return unix.Tgkill(unix.Getpid(), int(tid), sig)
}

// identityMapBytes is the extent of the initial identity map both
// architectures' boot page tables cover: the first 512 MiB, per
// spec.md's "2 MiB identity map of the first 512 MiB" (x86) and the
// equivalent 2 MiB block mapping on ARM64.
const identityMapBytes = 0x20000000

// PageTableRoot is where this vCPU's boot page tables live: one page
// up from the guest's entry point, matching spec.md's "4-level tree
// rooted at elf_entry + 4 KiB" and, on x86, the same root
// original_source's own virt_to_phys walker resolves against (despite
// setup_system_page_tables nominally fixing BOOT_PML4 at a different
// constant offset).
func PageTableRoot(entry uint64) uint64 {
	return entry + 0x1000
}

// writeEntry stores a little-endian 8-byte page/block-table entry:
// phys masked to its frame-aligned bits, ORed with the architecture's
// own present/type/permission flags.
func writeEntry(table []byte, off, phys, flags uint64) {
	v := (phys &^ 0xFFF) | flags
	table[off+0] = byte(v)
	table[off+1] = byte(v >> 8)
	table[off+2] = byte(v >> 16)
	table[off+3] = byte(v >> 24)
	table[off+4] = byte(v >> 32)
	table[off+5] = byte(v >> 40)
	table[off+6] = byte(v >> 48)
	table[off+7] = byte(v >> 56)
}

// Init sets up registers, page tables (x86) or exception level and PC
// (ARM64), and CPUID/MSR filtering, per the architecture's own
// init_*.go. restore, when non-nil, is a previously captured context to
// install instead of a fresh boot state (checkpoint/migration restore).
func (c *Core) Init(entry uint64, bootCPUIDBase uint64, restore *Snapshot) error {
	if restore != nil {
		return c.restore(restore)
	}

	switch c.Arch {
	case AMD64:
		return c.initAMD64(entry, bootCPUIDBase)
	case ARM64:
		return c.initARM64(entry, bootCPUIDBase)
	default:
		return ErrUnsupportedArch
	}
}

// Loop runs the guest until HALT, SHUTDOWN, or a fatal exit. Every
// hypercall port -- on x86 an EXITIO, on ARM64 an EXITMMIO against the
// same port numbers treated as physical addresses, since AArch64 has
// no port-mapped I/O -- funnels through the hypercall dispatcher, the
// only device surface this build emulates.
func (c *Core) Loop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&c.tid, int32(unix.Gettid()))

	for {
		err := kvm.Run(c.Fd)

		exit := kvm.ExitType(c.Run.ExitReason)

		switch exit {
		case kvm.EXITHLT:
			return nil

		case kvm.EXITIO:
			direction, size, port, _, offset := c.Run.IO()
			if direction != kvm.EXITIOOUT { // every hypercall is a guest write of a struct pointer
				continue
			}

			data := (*[8]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(c.Run)) + uintptr(offset)))[:size]
			argAddr := binary.LittleEndian.Uint32(data)

			if err := c.Disp.Dispatch(c.ID, hypercall.Port(port), argAddr); err != nil {
				if errors.Is(err, hypercall.ErrGuestFault) {
					return fmt.Errorf("vcpu %d: %w", c.ID, err)
				}

				return fmt.Errorf("vcpu %d: hypercall port %#x: %w", c.ID, port, err)
			}

		case kvm.EXITMMIO:
			physAddr, data, length, isWrite := c.Run.MMIO()
			if !isWrite || length != 4 {
				continue
			}

			argAddr := binary.LittleEndian.Uint32(data)

			if err := c.Disp.Dispatch(c.ID, hypercall.Port(physAddr), argAddr); err != nil {
				if errors.Is(err, hypercall.ErrGuestFault) {
					return fmt.Errorf("vcpu %d: %w", c.ID, err)
				}

				return fmt.Errorf("vcpu %d: hypercall address %#x: %w", c.ID, physAddr, err)
			}

		case kvm.EXITSHUTDOWN:
			return fmt.Errorf("vcpu %d: %w", c.ID, ErrShutdown)

		case kvm.EXITINTR:
			switch c.Ctrl.Pending() {
			case NoPause:
				continue
			case PauseCheckpoint, PauseMigration:
				if err := c.Ctrl.Rendezvous(c.ID, c.Ctrl.Pending()); err != nil {
					return fmt.Errorf("vcpu %d: rendezvous: %w", c.ID, err)
				}
			}

		case kvm.EXITFAILENTRY, kvm.EXITINTERNALERROR:
			return fmt.Errorf("vcpu %d: %w: %s", c.ID, kvm.ErrUnexpectedExitReason, exit.String())

		case kvm.EXITDEBUG:
			return fmt.Errorf("vcpu %d: debug exit with no debugger attached", c.ID)

		default:
			if err != nil {
				return fmt.Errorf("vcpu %d: %w", c.ID, err)
			}

			return fmt.Errorf("vcpu %d: %w: %s", c.ID, kvm.ErrUnexpectedExitReason, exit.String())
		}
	}
}
