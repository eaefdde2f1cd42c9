// Package hypercall decodes and dispatches the fixed set of PIO-exit
// hypercalls a guest image uses to ask the host for file I/O, network
// I/O, its command line, and process exit. Every call follows the same
// shape: the guest writes a fixed-layout argument structure somewhere
// in its own memory, then writes that structure's guest-physical
// address to a reserved port; the dispatcher reads the port from the
// vCPU exit record, reads the structure out of guest memory, performs
// the host-side effect, and writes results back into the structure.
package hypercall

// Port identifies one hypercall by the I/O port a guest write to it
// traps on.
type Port uint16

const (
	Write    Port = 0x400
	Open     Port = 0x440
	Close    Port = 0x480
	Read     Port = 0x500
	Exit     Port = 0x540
	Lseek    Port = 0x580
	Netinfo  Port = 0x600
	Netwrite Port = 0x640
	Netread  Port = 0x680
	Netstat  Port = 0x700
	Cmdsize  Port = 0x740
	Cmdval   Port = 0x780
	UART     Port = 0x800
)

// MaxArgcEnvc bounds how many argv/envp entries CMDSIZE/CMDVAL will
// report and copy; a guest command line longer than this is truncated.
const MaxArgcEnvc = 128
