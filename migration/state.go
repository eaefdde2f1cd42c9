// Package migration implements live and cold relocation of a running VM to
// a peer process: a pre-copy loop that streams dirty pages while the guest
// keeps running, a stop-and-copy phase that freezes every vCPU and sends
// the final state, and the two transports (streamed bytes, one-sided RDMA)
// spec.md §4.9 names.
//
// Grounded on original_source/uhyve-migration.c's parameter negotiation and
// on this project's own checkpoint package, whose barrier/register-capture/
// page-record shape migration reuses verbatim for the stop-and-copy phase --
// a migration's final step is, in effect, a checkpoint sent over the wire
// instead of to disk.
package migration

// Type selects whether the source pre-copies while the guest keeps
// running (Live) or simply freezes it once and sends everything (Cold),
// per spec.md §4.9's migration parameter handshake.
type Type int

const (
	Cold Type = iota
	Live
)

// Mode selects whether the final transfer carries every allocated page
// (Complete) or only pages dirtied since the last pass (Incremental).
type Mode int

const (
	Complete Mode = iota
	Incremental
)

// MigIters is the default cap on pre-copy rounds (spec.md §4.9's
// MIG_ITERS), mirrored here rather than in the engine so a Params value
// can override it per negotiation without touching engine code.
const MigIters = 4

// Params carries the negotiated migration parameters a peer handshake
// exchanges before the transfer begins.
type Params struct {
	Type     Type
	Mode     Mode
	UseODP   bool // RDMA-specific hint; ignored by the stream transport.
	Prefetch bool // RDMA-specific hint; ignored by the stream transport.
	MaxIters int  // 0 means MigIters.
}

func (p Params) iters() int {
	if p.MaxIters > 0 {
		return p.MaxIters
	}

	return MigIters
}

// Metadata is the wire-format header spec.md §6 defines for a migration
// stream: core count, guest memory size, checkpoint/entry bookkeeping
// carried over from the source's own configuration, and whether the
// final transfer is a complete or incremental page set.
type Metadata struct {
	NumCores         uint32
	GuestSize        uint64
	CheckpointNumber uint32
	EntryPoint       uint64
	FullCheckpoint   bool
}
