// Package vmm wires every other package into one running hypervisor: it
// opens the accelerator, allocates guest memory, creates one vCPU per
// configured core, loads a guest image, and drives each core's run loop
// on its own goroutine while a monitor socket listens for out-of-band
// checkpoint, restore, and migration requests.
//
// Grounded on machine.New/LoadLinux/RunInfiniteLoop's lifecycle --
// open /dev/kvm, create the VM, set up the accelerator's x86-only
// memslots and IRQ chip, create and mmap every vCPU, mmap guest memory
// and install it as a userspace memory region, load the guest image,
// then run every core to completion -- generalized from a single Linux
// guest format to this project's own bootimage loader, hypercall ABI,
// and checkpoint/migration engines in place of machine's PCI/virtio
// device set.
package vmm

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/uvmm/bootimage"
	"github.com/bobuhiro11/uvmm/checkpoint"
	"github.com/bobuhiro11/uvmm/config"
	"github.com/bobuhiro11/uvmm/hypercall"
	"github.com/bobuhiro11/uvmm/kvm"
	"github.com/bobuhiro11/uvmm/memory"
	"github.com/bobuhiro11/uvmm/migration"
	"github.com/bobuhiro11/uvmm/monitor"
	uvmmnet "github.com/bobuhiro11/uvmm/net"
	"github.com/bobuhiro11/uvmm/pagetable"
	"github.com/bobuhiro11/uvmm/serial"
	"github.com/bobuhiro11/uvmm/vcpu"
)

// devKVMPath is the accelerator device every VMM instance opens.
const devKVMPath = "/dev/kvm"

// identityMapBytes mirrors vcpu's own unexported constant of the same
// name: the extent of the boot identity map both architectures' page
// tables cover, needed again here to size the ARM64 walker's identity
// window.
const identityMapBytes = 0x20000000

// ErrAlreadyRunning is returned by StartApp if a guest image has
// already been loaded and its vCPUs launched.
var ErrAlreadyRunning = errors.New("vmm: guest is already running")

// ErrNotRunning is returned by CreateCheckpoint/Migrate when no guest
// has been started yet.
var ErrNotRunning = errors.New("vmm: no guest is running")

// VMM owns one guest's accelerator context, memory, vCPUs, and the
// engines that can pause them for a checkpoint or migration.
type VMM struct {
	cfg *config.Config

	kvmFd uintptr
	vmFd  uintptr

	mem *memory.Region

	arch     vcpu.Arch
	bootArch bootimage.Arch

	cores []*vcpu.Core

	uart   *serial.Console
	bridge *uvmmnet.Bridge
	files  *hostFiles
	disp   *hypercall.Dispatcher

	mu       sync.Mutex
	running  bool
	appPath  string
	entry    uint64
	bootBase uint64

	chk  *checkpoint.Engine
	mig  *migration.Engine
	ctrl *dualController

	wg      sync.WaitGroup
	loopErr error

	exitOnce sync.Once
}

// New opens the accelerator, allocates guest memory, and creates
// cfg.NCPUs vCPUs, but does not load a guest image yet: that happens
// on the first StartApp call (from the monitor, or immediately from
// Run if cfg.ImagePath is set).
func New(cfg *config.Config, guestArgv []string) (*VMM, error) {
	devKVM, err := os.OpenFile(devKVMPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vmm: open %s: %w", devKVMPath, err)
	}

	kvmFd := devKVM.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("vmm: create vm: %w", err)
	}

	if err := archInit(vmFd); err != nil {
		return nil, fmt.Errorf("vmm: arch init: %w", err)
	}

	mem, err := memory.New(cfg.MemSize, cfg.Mergeable, cfg.Hugepage)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate guest memory: %w", err)
	}

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(mem.Size),
		UserspaceAddr: mem.UserspaceAddr(),
	}
	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		mem.Close() //nolint:errcheck

		return nil, fmt.Errorf("vmm: set memory region: %w", err)
	}

	arch, bootArch := vcpu.AMD64, bootimage.AMD64
	if runtime.GOARCH == "arm64" {
		arch, bootArch = vcpu.ARM64, bootimage.ARM64
	}

	v := &VMM{
		cfg:      cfg,
		kvmFd:    kvmFd,
		vmFd:     vmFd,
		mem:      mem,
		arch:     arch,
		bootArch: bootArch,
		uart:     serial.New(cfg.Verbose),
		bridge:   uvmmnet.New(vmFd, cfg.NetIfName, ""),
		files:    newHostFiles(),
	}

	if err := v.createCores(guestArgv); err != nil {
		mem.Close() //nolint:errcheck

		return nil, err
	}

	return v, nil
}

func (v *VMM) createCores(guestArgv []string) error {
	mmapSize, err := kvm.GetVCPUMMmapSize(v.kvmFd)
	if err != nil {
		return fmt.Errorf("vmm: mmap size: %w", err)
	}

	disp := &hypercall.Dispatcher{
		Mem:     v.mem,
		Files:   v.files,
		Net:     v.bridge,
		UART:    v.uart,
		Args:    guestArgv,
		Env:     os.Environ(),
		Verbose: v.cfg.Verbose,
	}
	disp.Exit = &procExiter{onExit: v.onGuestExit}

	v.cores = make([]*vcpu.Core, v.cfg.NCPUs)

	for cpu := 0; cpu < v.cfg.NCPUs; cpu++ {
		fd, err := kvm.CreateVCPU(v.vmFd, uint32(cpu))
		if err != nil {
			return fmt.Errorf("vmm: create vcpu %d: %w", cpu, err)
		}

		runPage, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("vmm: mmap vcpu %d run page: %w", cpu, err)
		}

		run := (*kvm.RunData)(unsafe.Pointer(&runPage[0]))

		v.cores[cpu] = vcpu.New(cpu, fd, v.vmFd, v.kvmFd, run, v.mem.Buf, v.arch, disp)
	}

	v.disp = disp

	return nil
}

// installWalker builds the page-table Translator the dispatcher needs
// to chunk hypercall buffer arguments across guest pages, now that the
// boot page-table root (one page above the entry point, vcpu.PageTableRoot)
// is known.
func (v *VMM) installWalker() {
	root := vcpu.PageTableRoot(v.entry)

	switch v.arch {
	case vcpu.AMD64:
		v.disp.Walker = pagetable.NewX86Walker(v.mem.Buf, root)
	case vcpu.ARM64:
		v.disp.Walker = pagetable.NewARM64Walker(v.mem.Buf, root, 0, identityMapBytes)
	}
}

// onGuestExit implements procExiter's callback: any vCPU's EXIT
// hypercall ends the whole process, matching original_source's
// uhyve_exit.
func (v *VMM) onGuestExit(cpu int, code int32) {
	v.exitOnce.Do(func() {
		log.Printf("vmm: guest exit on vcpu %d, code %d", cpu, code)
		os.Exit(int(code))
	})
}

// StartApp implements monitor.Handler: it loads the guest image at
// path into memory, builds the boot header from the launch config, and
// launches one goroutine per vCPU. Only callable once per VMM.
func (v *VMM) StartApp(path string) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()

		return ErrAlreadyRunning
	}
	v.running = true
	v.appPath = path
	v.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vmm: open guest image %s: %w", path, err)
	}
	defer f.Close()

	fields := bootimage.HeaderFields{
		PhysLimit:  uint64(v.mem.Size),
		CPUFreqMHz: hostCPUFreqMHz(),
		NCores:     uint32(v.cfg.NCPUs),
		NumaNodes:  1,
		UARTPort:   uint64(hypercall.UART),
		HostBase:   0,
		IP:         v.cfg.IP,
		Gateway:    v.cfg.Gateway,
		Mask:       v.cfg.Mask,
	}

	img, err := bootimage.Load(v.mem.Buf, f, v.bootArch, fields)
	if err != nil {
		return fmt.Errorf("vmm: load guest image: %w", err)
	}

	v.mu.Lock()
	v.entry = img.Entry
	v.bootBase = img.Mboot
	v.mu.Unlock()

	v.wireEngines()

	if v.bootArch == bootimage.ARM64 {
		if err := v.mem.ProtectFirstPage(); err != nil {
			return fmt.Errorf("vmm: protect guest page 0: %w", err)
		}
	}

	v.launchCores()

	return nil
}

// wireEngines constructs the checkpoint and migration engines against
// the now-known entry point and installs the dispatching Controller
// that lets both coexist on every core's Ctrl field.
func (v *VMM) wireEngines() {
	v.installWalker()

	v.chk = checkpoint.New(v.cores, v.mem.Buf, v.vmFd, v.arch, v.entry, v.appPath)
	v.mig = migration.New(v.cores, v.mem.Buf, v.vmFd, v.arch, v.entry)
	v.ctrl = newDualController(v.chk, v.mig)
	v.ctrl.install(v.cores)
}

// launchCores boots every vCPU fresh: each goroutine waits its turn in
// the shared boot-CPUID slot, runs Core.Init against entry/bootBase,
// then enters Loop.
func (v *VMM) launchCores() {
	v.wg.Add(len(v.cores))

	for i, c := range v.cores {
		cpu := uint32(i)
		core := c

		go func() {
			defer v.wg.Done()

			runtime.LockOSThread()

			_, stopWatch := vcpu.WatchPauseSignals()
			defer stopWatch()

			vcpu.WaitBootTurn(v.mem.Buf, v.bootBase, v.bootArch, cpu)

			if err := core.Init(v.entry, v.bootBase, nil); err != nil {
				v.recordLoopErr(fmt.Errorf("vcpu %d: init: %w", core.ID, err))

				return
			}

			if err := core.Loop(); err != nil && !errors.Is(err, vcpu.ErrShutdown) {
				v.recordLoopErr(err)
			}
		}()
	}
}

// resumeCores starts Loop on every vCPU without calling Init: the
// caller (checkpoint.Restore or migration.ApplyIncoming) has already
// installed each core's restored Snapshot via its own Core.Init call,
// so re-running Init here would overwrite that state with an
// incomplete recapture.
func (v *VMM) resumeCores() {
	v.wg.Add(len(v.cores))

	for _, c := range v.cores {
		core := c

		go func() {
			defer v.wg.Done()

			runtime.LockOSThread()

			_, stopWatch := vcpu.WatchPauseSignals()
			defer stopWatch()

			if err := core.Loop(); err != nil && !errors.Is(err, vcpu.ErrShutdown) {
				v.recordLoopErr(err)
			}
		}()
	}
}

func (v *VMM) recordLoopErr(err error) {
	v.mu.Lock()
	if v.loopErr == nil {
		v.loopErr = err
	}
	v.mu.Unlock()

	log.Printf("vmm: %v", err)
}

// Wait blocks until every vCPU's Loop has returned, then reports the
// first error any of them saw (ErrShutdown is not an error: it just
// ends that core's loop).
func (v *VMM) Wait() error {
	v.wg.Wait()

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.loopErr
}

// CreateCheckpoint implements monitor.Handler.
func (v *VMM) CreateCheckpoint(dir string, full bool) error {
	if !v.isRunning() {
		return ErrNotRunning
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("vmm: checkpoint dir: %w", err)
	}

	return v.chk.Trigger(dir, full, -1)
}

// LoadCheckpoint implements monitor.Handler: it restores a previously
// written checkpoint directly into this VMM's memory and cores, then
// starts them running from the restored state. Only valid before
// StartApp has been called (a running guest cannot be overwritten in
// place).
func (v *VMM) LoadCheckpoint(dir string) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()

		return ErrAlreadyRunning
	}

	cfg, err := checkpoint.LoadConfig(dir)
	if err != nil {
		v.mu.Unlock()

		return fmt.Errorf("vmm: load checkpoint config: %w", err)
	}

	v.running = true
	v.appPath = cfg.ApplicationPath
	v.entry = cfg.EntryPoint
	v.bootBase = cfg.EntryPoint + bootimage.BootCPUIDOffset(v.bootArch)
	v.mu.Unlock()

	if err := checkpoint.Restore(dir, v.cores, v.mem.Buf, v.vmFd); err != nil {
		return fmt.Errorf("vmm: restore checkpoint: %w", err)
	}

	v.wireEngines()
	v.resumeCores()

	return nil
}

// Migrate implements monitor.Handler: it runs the source side of a
// migration against destination (host only; config.MigrationPort is
// always used, per spec.md §6) and, on success, the monitor schedules
// process exit.
func (v *VMM) Migrate(destination, mode, typ string, useODP, prefetch bool) error {
	if !v.isRunning() {
		return ErrNotRunning
	}

	addr := net.JoinHostPort(destination, fmt.Sprintf("%d", config.MigrationPort))

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %v", monitor.ErrDestinationUnreachable, err)
	}
	defer conn.Close()

	transport := migration.NewStreamTransport(conn)

	params := migration.Params{
		Type:     parseMigrationType(typ),
		Mode:     parseMigrationMode(mode),
		UseODP:   useODP,
		Prefetch: prefetch,
	}

	m := migration.Metadata{
		NumCores:       uint32(len(v.cores)),
		GuestSize:      uint64(v.mem.Size),
		EntryPoint:     v.entry,
		FullCheckpoint: params.Mode == migration.Complete,
	}

	regions := []migration.Region{{Ptr: 0, Size: uint64(v.mem.Size)}}

	if err := v.mig.MigrateTo(transport, params, m, regions, -1); err != nil {
		return err
	}

	return nil
}

func parseMigrationType(s string) migration.Type {
	if s == "live" {
		return migration.Live
	}

	return migration.Cold
}

func parseMigrationMode(s string) migration.Mode {
	if s == "incremental" {
		return migration.Incremental
	}

	return migration.Complete
}

func (v *VMM) isRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.running
}

// ListenMigration runs the destination side of a migration: it accepts
// one connection on config.MigrationPort, applies the incoming stream
// directly onto this VMM's memory and cores, acknowledges with
// MsgReady, and launches every vCPU from the restored state.
func (v *VMM) ListenMigration() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", config.MigrationPort))
	if err != nil {
		return fmt.Errorf("vmm: listen migration: %w", err)
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("vmm: accept migration: %w", err)
	}
	defer conn.Close()

	v.mu.Lock()
	v.running = true
	v.mu.Unlock()

	meta, err := migration.ApplyIncoming(conn, v.mem.Buf, v.cores, v.vmFd, v.arch)
	if err != nil {
		return fmt.Errorf("vmm: apply incoming migration: %w", err)
	}

	v.mu.Lock()
	v.entry = meta.EntryPoint
	v.bootBase = meta.EntryPoint + bootimage.BootCPUIDOffset(v.bootArch)
	v.mu.Unlock()

	v.wireEngines()

	if err := migration.NewSender(conn).SendReady(); err != nil {
		log.Printf("vmm: send migration ready: %v", err)
	}

	v.resumeCores()

	return nil
}

// Run drives a VMM for its whole process lifetime: as a migration
// destination if cfg.MigrationServer is set, otherwise starting the
// configured image directly, with a monitor socket listening
// throughout for checkpoint/migrate requests, and an optional
// periodic-checkpoint ticker.
func (v *VMM) Run() error {
	mon, err := monitor.Listen(monitor.SockPath, v)
	if err != nil {
		return fmt.Errorf("vmm: monitor listen: %w", err)
	}

	go func() {
		if err := mon.Serve(); err != nil {
			log.Printf("vmm: monitor: %v", err)
		}
	}()

	if v.cfg.MigrationServer {
		if err := v.ListenMigration(); err != nil {
			return err
		}
	} else if v.cfg.ImagePath != "" {
		if err := v.StartApp(v.cfg.ImagePath); err != nil {
			return err
		}
	}

	if v.cfg.CheckpointIntervalSec > 0 {
		go v.periodicCheckpoints()
	}

	return v.Wait()
}

func (v *VMM) periodicCheckpoints() {
	ticker := time.NewTicker(time.Duration(v.cfg.CheckpointIntervalSec) * time.Second)
	defer ticker.Stop()

	no := 0

	for range ticker.C {
		dir := fmt.Sprintf("/tmp/uvmm-checkpoint-%d", no)

		if err := v.CreateCheckpoint(dir, v.cfg.FullCheckpoint); err != nil {
			log.Printf("vmm: periodic checkpoint: %v", err)
		}

		no++
	}
}

// Close releases the accelerator, vCPU, and memory resources this VMM
// holds.
func (v *VMM) Close() error {
	for _, c := range v.cores {
		unix.Close(int(c.Fd)) //nolint:errcheck
	}

	v.bridge.Close() //nolint:errcheck

	return v.mem.Close()
}
