// Boot and checkpoint/migration rendezvous: each vCPU runs on its own
// locked OS thread and is driven in and out of a pause by a real-time
// signal sent directly to that thread, exactly original_source's
// uhyve_thread -- install the handler, wait at a barrier, run.
package vcpu

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/bobuhiro11/uvmm/bootimage"
	"golang.org/x/sys/unix"
)

// SIGTHRCHKP and SIGTHRMIG are the two real-time signals a monitor
// sends to every vCPU thread to request a checkpoint or migration
// pause, matching original_source's SIGTHRCHKP/SIGTHRMIG
// (SIGRTMIN+0/+1). Neither carries SA_RESTART: the run ioctl they
// interrupt surfaces as EXITINTR, which Loop turns into a Pending()
// check rather than a silent retry. Typed as unix.Signal rather than
// syscall.Signal so they pass directly to Core.Signal's Tgkill call.
var (
	SIGTHRCHKP = unix.Signal(sigrtmin() + 0)
	SIGTHRMIG  = unix.Signal(sigrtmin() + 1)
)

func sigrtmin() int {
	return 34 // Linux SIGRTMIN as seen by a non-threading runtime; glibc reserves 32/33.
}

// WatchPauseSignals registers this thread to receive SIGTHRCHKP and
// SIGTHRMIG, and returns a stop function. Must be called after
// runtime.LockOSThread, from the same goroutine that will run Loop,
// since Go delivers a single signal to one arbitrary M and this build
// relies on each vCPU's own OS thread seeing only its own unblocked
// signal.
func WatchPauseSignals() (ch chan os.Signal, stop func()) {
	ch = make(chan os.Signal, 2)
	signal.Notify(ch, SIGTHRCHKP, SIGTHRMIG)

	return ch, func() { signal.Stop(ch) }
}

// WaitBootTurn blocks until core k-1 has claimed its rendezvous slot
// (or returns immediately for core 0), implementing spec.md's "core
// k+1 only enters init after core k has claimed slot k." The counter
// lives in guest memory, so this is a plain spin with a short sleep
// rather than a futex: no other synchronization primitive is shared
// across vCPU threads at this point in boot.
func WaitBootTurn(mem []byte, bootBase uint64, arch bootimage.Arch, cpu uint32) {
	if cpu == 0 {
		return
	}

	for bootimage.ReadBootCPUID(mem, bootBase, arch) != cpu-1 {
		time.Sleep(time.Microsecond)
	}
}

// Barrier is a single-use rendezvous point for n participants, the Go
// equivalent of the pthread_barrier_t original_source's checkpoint and
// migration code waits on: every vCPU thread calls Wait, and none
// returns until all n have called it. Unlike pthread_barrier_wait this
// is safe to construct fresh per phase, which the checkpoint/migration
// engines do: one Barrier for the pause-and-serialize phase, another
// for the resume phase.
type Barrier struct {
	n       int
	mu      sync.Mutex
	count   int
	release chan struct{}
}

// NewBarrier returns a Barrier for n participants.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, release: make(chan struct{})}
}

// Wait blocks until all n participants have called Wait.
func (b *Barrier) Wait() {
	b.mu.Lock()
	b.count++

	if b.count == b.n {
		close(b.release)
		b.mu.Unlock()

		return
	}

	ch := b.release
	b.mu.Unlock()

	<-ch
}
