package hypercall

import "encoding/binary"

// Every argument structure below is a fixed-width, little-endian byte
// layout living in guest memory; fields that carry a result are
// written back in place after the host-side effect runs. The buf
// fields of WriteArgs and ReadArgs hold guest-virtual addresses and are
// translated through a Translator page by page. Every other pointer
// field (OpenArgs.Name, the Netwrite/Netread data pointer, the Cmdval
// arrays and the strings they point at) is a guest-physical offset the
// hypervisor materializes directly as guest_mem+addr, the same as the
// structure's own address.

// WriteArgs backs hypercall Write: fd identifies the target, buf/len
// describe the guest buffer, and len is overwritten with the total
// bytes actually written.
type WriteArgs struct {
	FD  uint64
	Buf uint64
	Len uint64
}

const writeArgsSize = 24

func readWriteArgs(b []byte) WriteArgs {
	return WriteArgs{
		FD:  binary.LittleEndian.Uint64(b[0:8]),
		Buf: binary.LittleEndian.Uint64(b[8:16]),
		Len: binary.LittleEndian.Uint64(b[16:24]),
	}
}

func writeBackLen(b []byte, n uint64) {
	binary.LittleEndian.PutUint64(b[16:24], n)
}

// ReadArgs backs hypercall Read, symmetric to WriteArgs plus a ret
// field the host sets to a negative errno-style value on failure.
type ReadArgs struct {
	FD  uint64
	Buf uint64
	Len uint64
	Ret int64
}

const readArgsSize = 32

func readReadArgs(b []byte) ReadArgs {
	return ReadArgs{
		FD:  binary.LittleEndian.Uint64(b[0:8]),
		Buf: binary.LittleEndian.Uint64(b[8:16]),
		Len: binary.LittleEndian.Uint64(b[16:24]),
		Ret: int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

func writeBackReadResult(b []byte, n uint64, ret int64) {
	binary.LittleEndian.PutUint64(b[16:24], n)
	binary.LittleEndian.PutUint64(b[24:32], uint64(ret))
}

// OpenArgs backs hypercall Open: name is a guest pointer to a
// NUL-terminated path, relative to guest memory.
type OpenArgs struct {
	Name  uint64
	Flags uint64
	Mode  uint64
	Ret   int64
}

const openArgsSize = 32

func readOpenArgs(b []byte) OpenArgs {
	return OpenArgs{
		Name:  binary.LittleEndian.Uint64(b[0:8]),
		Flags: binary.LittleEndian.Uint64(b[8:16]),
		Mode:  binary.LittleEndian.Uint64(b[16:24]),
		Ret:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

func writeBackRet(b []byte, off int, ret int64) {
	binary.LittleEndian.PutUint64(b[off:off+8], uint64(ret))
}

// CloseArgs backs hypercall Close.
type CloseArgs struct {
	FD  uint64
	Ret int64
}

const closeArgsSize = 16

func readCloseArgs(b []byte) CloseArgs {
	return CloseArgs{
		FD:  binary.LittleEndian.Uint64(b[0:8]),
		Ret: int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

// LseekArgs backs hypercall Lseek; offset carries both the requested
// offset and, after the call, the resulting file position.
type LseekArgs struct {
	FD     uint64
	Offset int64
	Whence uint64
}

const lseekArgsSize = 24

func readLseekArgs(b []byte) LseekArgs {
	return LseekArgs{
		FD:     binary.LittleEndian.Uint64(b[0:8]),
		Offset: int64(binary.LittleEndian.Uint64(b[8:16])),
		Whence: binary.LittleEndian.Uint64(b[16:24]),
	}
}

func writeBackOffset(b []byte, offset int64) {
	binary.LittleEndian.PutUint64(b[8:16], uint64(offset))
}

// netinfoArgsSize is the fixed "xx:xx:xx:xx:xx:xx\0" MAC-string buffer
// the guest provides for hypercall Netinfo.
const netinfoArgsSize = 18

// NetwriteArgs and NetreadArgs back hypercall Netwrite/Netread.
type NetwriteArgs struct {
	Data uint64
	Len  uint64
	Ret  int64
}

type NetreadArgs struct {
	Data uint64
	Len  uint64
	Ret  int64
}

const netIOArgsSize = 24

func readNetIOArgs(b []byte) (data, length uint64) {
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16])
}

func writeBackNetIOResult(b []byte, n uint64, ret int64) {
	binary.LittleEndian.PutUint64(b[8:16], n)
	binary.LittleEndian.PutUint64(b[16:24], uint64(ret))
}

const netstatArgsSize = 8

// CmdsizeArgs backs hypercall Cmdsize: the host fills in argc/envc and
// the per-string length (including the NUL terminator) of each.
type CmdsizeArgs struct {
	Argc   int32
	Argsz  [MaxArgcEnvc]int32
	Envc   int32
	Envsz  [MaxArgcEnvc]int32
}

const cmdsizeArgsSize = 4 + MaxArgcEnvc*4 + 4 + MaxArgcEnvc*4

func writeCmdsizeArgs(b []byte, argc int32, argsz []int32, envc int32, envsz []int32) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(argc))

	off := 4
	for i := 0; i < MaxArgcEnvc; i++ {
		var v int32
		if i < len(argsz) {
			v = argsz[i]
		}

		binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
		off += 4
	}

	binary.LittleEndian.PutUint32(b[off:off+4], uint32(envc))
	off += 4

	for i := 0; i < MaxArgcEnvc; i++ {
		var v int32
		if i < len(envsz) {
			v = envsz[i]
		}

		binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
		off += 4
	}
}

// CmdvalArgs backs hypercall Cmdval: argv/envp are guest pointers to
// arrays of guest pointers, each already allocated by the guest large
// enough to hold the string Cmdsize reported.
type CmdvalArgs struct {
	Argv uint64
	Envp uint64
}

const cmdvalArgsSize = 16

func readCmdvalArgs(b []byte) CmdvalArgs {
	return CmdvalArgs{
		Argv: binary.LittleEndian.Uint64(b[0:8]),
		Envp: binary.LittleEndian.Uint64(b[8:16]),
	}
}
