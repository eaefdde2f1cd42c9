package vmm

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/uvmm/vcpu"
)

type fakePauseController struct {
	pending       vcpu.PauseKind
	rendezvous    []int
	rendezvousErr error
}

func (f *fakePauseController) Pending() vcpu.PauseKind { return f.pending }

func (f *fakePauseController) Rendezvous(cpu int, kind vcpu.PauseKind) error {
	f.rendezvous = append(f.rendezvous, cpu)

	return f.rendezvousErr
}

func TestDualControllerPendingPrefersCheckpoint(t *testing.T) {
	t.Parallel()

	chk := &fakePauseController{pending: vcpu.PauseCheckpoint}
	mig := &fakePauseController{pending: vcpu.PauseMigration}
	d := newDualController(chk, mig)

	if got := d.Pending(); got != vcpu.PauseCheckpoint {
		t.Fatalf("Pending() = %v, want PauseCheckpoint", got)
	}
}

func TestDualControllerPendingFallsBackToMigration(t *testing.T) {
	t.Parallel()

	chk := &fakePauseController{pending: vcpu.NoPause}
	mig := &fakePauseController{pending: vcpu.PauseMigration}
	d := newDualController(chk, mig)

	if got := d.Pending(); got != vcpu.PauseMigration {
		t.Fatalf("Pending() = %v, want PauseMigration", got)
	}
}

func TestDualControllerPendingNone(t *testing.T) {
	t.Parallel()

	d := newDualController(&fakePauseController{}, &fakePauseController{})

	if got := d.Pending(); got != vcpu.NoPause {
		t.Fatalf("Pending() = %v, want NoPause", got)
	}
}

func TestDualControllerRendezvousDispatchesByKind(t *testing.T) {
	t.Parallel()

	chk := &fakePauseController{}
	mig := &fakePauseController{}
	d := newDualController(chk, mig)

	if err := d.Rendezvous(2, vcpu.PauseCheckpoint); err != nil {
		t.Fatalf("Rendezvous(checkpoint): %v", err)
	}

	if err := d.Rendezvous(3, vcpu.PauseMigration); err != nil {
		t.Fatalf("Rendezvous(migration): %v", err)
	}

	if len(chk.rendezvous) != 1 || chk.rendezvous[0] != 2 {
		t.Fatalf("checkpoint controller saw %v, want [2]", chk.rendezvous)
	}

	if len(mig.rendezvous) != 1 || mig.rendezvous[0] != 3 {
		t.Fatalf("migration controller saw %v, want [3]", mig.rendezvous)
	}
}

func TestDualControllerRendezvousPropagatesError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	chk := &fakePauseController{rendezvousErr: wantErr}
	d := newDualController(chk, &fakePauseController{})

	if err := d.Rendezvous(0, vcpu.PauseCheckpoint); !errors.Is(err, wantErr) {
		t.Fatalf("Rendezvous() = %v, want %v", err, wantErr)
	}
}

func TestDualControllerInstall(t *testing.T) {
	t.Parallel()

	d := newDualController(&fakePauseController{}, &fakePauseController{})
	cores := []*vcpu.Core{
		vcpu.New(0, 0, 0, 0, nil, nil, vcpu.AMD64, nil),
		vcpu.New(1, 0, 0, 0, nil, nil, vcpu.AMD64, nil),
	}

	d.install(cores)

	for _, c := range cores {
		if c.Ctrl != d {
			t.Fatalf("core %d: Ctrl not installed", c.ID)
		}
	}
}
