package hypercall

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// kvmDevicePath is refused to a guest's Open hypercall: a guest that
// could open the accelerator device itself could escape the sandbox
// this hypervisor is supposed to provide.
const kvmDevicePath = "/dev/kvm"

// ErrGuestFault is returned when a guest hands the dispatcher an
// address that does not resolve through the page walker, or that
// resolves outside guest memory or into the MMIO hole. Unlike a
// host-syscall failure inside a handler, a guest fault is not reported
// back through the hypercall's return field: the caller terminates the
// hypervisor, since the guest has handed over an address this build
// cannot trust.
var ErrGuestFault = errors.New("hypercall: guest address translation fault")

// GuestMemory is the subset of memory.Region the dispatcher needs: a
// bounds-checked view of one guest-physical range.
type GuestMemory interface {
	At(addr uint64, size int) ([]byte, error)
}

// Translator is the subset of pagetable.Walker the dispatcher needs to
// chunk a guest-virtual buffer across non-contiguous physical pages.
type Translator interface {
	Translate(vaddr uint64) (paddr, pageEnd uint64, err error)
}

// FileIO performs the host-side effect of the file-descriptor
// hypercalls. fd 0/1/2 are reserved for the guest's own stdio and are
// never actually opened or closed.
type FileIO interface {
	Open(path string, flags int, mode uint32) (fd int, err error)
	Close(fd int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Seek(fd int, offset int64, whence int) (int64, error)
}

// NetIO performs the host-side effect of the network hypercalls,
// implemented by the net package's TAP bridge.
type NetIO interface {
	// MAC returns the bridge's MAC address as "xx:xx:xx:xx:xx:xx" and
	// lazily starts the poll thread on first call.
	MAC() string
	// Configured reports whether a network interface was requested at
	// launch (HERMIT_NETIF).
	Configured() bool
	Write(p []byte) (int, error)
	// Read performs a non-blocking read; drained reports whether the
	// queue was found empty, in which case the caller should arrange to
	// be woken once more data arrives.
	Read(p []byte) (n int, drained bool, err error)
}

// Exiter terminates a vCPU (non-bsp cores) or the whole process (bsp).
type Exiter interface {
	Exit(cpu int, code int32)
}

// Dispatcher decodes and executes hypercalls. All of its dependencies
// are interfaces so it can be driven by a test double; the real
// wiring comes from memory.Region, pagetable.Walker, and the net
// package's bridge.
type Dispatcher struct {
	Mem     GuestMemory
	Walker  Translator
	Files   FileIO
	Net     NetIO
	UART    io.Writer
	Exit    Exiter
	Args    []string
	Env     []string
	Verbose bool
}

// Dispatch decodes one hypercall exit: port identifies the call and
// addr is the guest-physical address of its argument structure (UART
// is the exception, where addr IS the byte to print).
func (d *Dispatcher) Dispatch(cpu int, port Port, addr uint32) error {
	switch port {
	case UART:
		if d.Verbose && d.UART != nil {
			_, _ = d.UART.Write([]byte{byte(addr)})
		}

		return nil
	case Write:
		return d.handleWrite(uint64(addr))
	case Read:
		return d.handleRead(uint64(addr))
	case Open:
		return d.handleOpen(uint64(addr))
	case Close:
		return d.handleClose(uint64(addr))
	case Lseek:
		return d.handleLseek(uint64(addr))
	case Exit:
		return d.handleExit(cpu, uint64(addr))
	case Netinfo:
		return d.handleNetinfo(uint64(addr))
	case Netwrite:
		return d.handleNetwrite(uint64(addr))
	case Netread:
		return d.handleNetread(uint64(addr))
	case Netstat:
		return d.handleNetstat(uint64(addr))
	case Cmdsize:
		return d.handleCmdsize(uint64(addr))
	case Cmdval:
		return d.handleCmdval(uint64(addr))
	default:
		return fmt.Errorf("%w: unknown hypercall port %#x", ErrGuestFault, port)
	}
}

// copyChunked walks vaddr through d.Walker a page at a time, copying
// up to total bytes to or from guest memory via move for each
// contiguous chunk. It stops early if move returns fewer bytes than
// the chunk it was given, mirroring a short host read/write.
func (d *Dispatcher) copyChunked(vaddr, total uint64, move func(phys []byte) (int, error)) (uint64, error) {
	var done uint64

	for done < total {
		paddr, pageEnd, err := d.Walker.Translate(vaddr + done)
		if err != nil {
			return done, fmt.Errorf("%w: %v", ErrGuestFault, err)
		}

		chunk := pageEnd - paddr
		if remain := total - done; chunk > remain {
			chunk = remain
		}

		phys, err := d.Mem.At(paddr, int(chunk))
		if err != nil {
			return done, fmt.Errorf("%w: %v", ErrGuestFault, err)
		}

		n, err := move(phys)
		done += uint64(n)

		if err != nil || uint64(n) < chunk {
			break
		}
	}

	return done, nil
}

func (d *Dispatcher) handleWrite(addr uint64) error {
	b, err := d.Mem.At(addr, writeArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	args := readWriteArgs(b)

	n, err := d.copyChunked(args.Buf, args.Len, func(phys []byte) (int, error) {
		return d.Files.Write(int(args.FD), phys)
	})
	if err != nil {
		return err
	}

	writeBackLen(b, n)

	return nil
}

func (d *Dispatcher) handleRead(addr uint64) error {
	b, err := d.Mem.At(addr, readArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	args := readReadArgs(b)

	var hostErr error

	n, err := d.copyChunked(args.Buf, args.Len, func(phys []byte) (int, error) {
		m, rerr := d.Files.Read(int(args.FD), phys)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			hostErr = rerr
		}

		return m, rerr
	})
	if err != nil {
		return err
	}

	ret := int64(0)
	if hostErr != nil {
		ret = -1
	}

	writeBackReadResult(b, n, ret)

	return nil
}

func (d *Dispatcher) handleOpen(addr uint64) error {
	b, err := d.Mem.At(addr, openArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	args := readOpenArgs(b)

	name, err := d.readCString(args.Name)
	if err != nil {
		return err
	}

	var ret int64

	canon := filepath.Clean(name)
	if resolved, err := filepath.EvalSymlinks(name); err == nil {
		if abs, err := filepath.Abs(resolved); err == nil {
			canon = abs
		}
	}

	if canon == kvmDevicePath {
		ret = -1
	} else if fd, err := d.Files.Open(name, int(args.Flags), uint32(args.Mode)); err != nil {
		ret = -1
	} else {
		ret = int64(fd)
	}

	writeBackRet(b, 24, ret)

	return nil
}

func (d *Dispatcher) handleClose(addr uint64) error {
	b, err := d.Mem.At(addr, closeArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	args := readCloseArgs(b)

	var ret int64

	if args.FD > 2 {
		if err := d.Files.Close(int(args.FD)); err != nil {
			ret = -1
		}
	}

	writeBackRet(b, 8, ret)

	return nil
}

func (d *Dispatcher) handleLseek(addr uint64) error {
	b, err := d.Mem.At(addr, lseekArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	args := readLseekArgs(b)

	off, err := d.Files.Seek(int(args.FD), args.Offset, int(args.Whence))
	if err != nil {
		off = -1
	}

	writeBackOffset(b, off)

	return nil
}

func (d *Dispatcher) handleExit(cpu int, addr uint64) error {
	b, err := d.Mem.At(addr, 4)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	code := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)

	if d.Exit != nil {
		d.Exit.Exit(cpu, code)
	}

	return nil
}

func (d *Dispatcher) handleNetinfo(addr uint64) error {
	b, err := d.Mem.At(addr, netinfoArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	if d.Net == nil {
		return nil
	}

	copy(b, d.Net.MAC())

	return nil
}

func (d *Dispatcher) handleNetwrite(addr uint64) error {
	b, err := d.Mem.At(addr, netIOArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	data, length := readNetIOArgs(b)

	if d.Net == nil {
		writeBackNetIOResult(b, 0, -1)

		return nil
	}

	phys, err := d.Mem.At(data, int(length))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	n, err := d.Net.Write(phys)

	ret := int64(0)
	if err != nil {
		ret = -1
	}

	writeBackNetIOResult(b, uint64(n), ret)

	return nil
}

func (d *Dispatcher) handleNetread(addr uint64) error {
	b, err := d.Mem.At(addr, netIOArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	data, length := readNetIOArgs(b)

	if d.Net == nil {
		writeBackNetIOResult(b, 0, -1)

		return nil
	}

	phys, err := d.Mem.At(data, int(length))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	n, _, err := d.Net.Read(phys)
	if err != nil {
		writeBackNetIOResult(b, 0, -1)

		return nil
	}

	writeBackNetIOResult(b, uint64(n), 0)

	return nil
}

func (d *Dispatcher) handleNetstat(addr uint64) error {
	b, err := d.Mem.At(addr, netstatArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	status := uint64(0)
	if d.Net != nil && d.Net.Configured() {
		status = 1
	}

	for i := 0; i < 8; i++ {
		b[i] = byte(status >> (8 * i))
	}

	return nil
}

func (d *Dispatcher) handleCmdsize(addr uint64) error {
	b, err := d.Mem.At(addr, cmdsizeArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	argc := len(d.Args)
	if argc > MaxArgcEnvc {
		argc = MaxArgcEnvc
	}

	envc := len(d.Env)
	if envc > MaxArgcEnvc-1 {
		envc = MaxArgcEnvc - 1
	}

	argsz := make([]int32, argc)
	for i := 0; i < argc; i++ {
		argsz[i] = int32(len(d.Args[i]) + 1)
	}

	envsz := make([]int32, envc)
	for i := 0; i < envc; i++ {
		envsz[i] = int32(len(d.Env[i]) + 1)
	}

	writeCmdsizeArgs(b, int32(argc), argsz, int32(envc), envsz)

	return nil
}

func (d *Dispatcher) handleCmdval(addr uint64) error {
	b, err := d.Mem.At(addr, cmdvalArgsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGuestFault, err)
	}

	args := readCmdvalArgs(b)

	// Copy no more entries than handleCmdsize reported.
	argv := d.Args
	if len(argv) > MaxArgcEnvc {
		argv = argv[:MaxArgcEnvc]
	}

	envp := d.Env
	if len(envp) > MaxArgcEnvc-1 {
		envp = envp[:MaxArgcEnvc-1]
	}

	if err := d.copyStringArray(args.Argv, argv); err != nil {
		return err
	}

	return d.copyStringArray(args.Envp, envp)
}

// copyStringArray reads len(values) guest pointers starting at arrPtr,
// each already sized by a preceding Cmdsize call, and copies one
// NUL-terminated string into each.
func (d *Dispatcher) copyStringArray(arrPtr uint64, values []string) error {
	for i, v := range values {
		ptrBytes, err := d.Mem.At(arrPtr+uint64(i)*8, 8)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGuestFault, err)
		}

		dst := uint64(0)
		for j := 0; j < 8; j++ {
			dst |= uint64(ptrBytes[j]) << (8 * j)
		}

		out, err := d.Mem.At(dst, len(v)+1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGuestFault, err)
		}

		copy(out, v)
		out[len(v)] = 0
	}

	return nil
}

func (d *Dispatcher) readCString(ptr uint64) (string, error) {
	const maxPathLen = 4096

	for n := 1; n <= maxPathLen; n++ {
		b, err := d.Mem.At(ptr, n)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrGuestFault, err)
		}

		if b[n-1] == 0 {
			return string(b[:n-1]), nil
		}
	}

	return "", fmt.Errorf("%w: path exceeds %d bytes with no terminator", ErrGuestFault, maxPathLen)
}
