package vmm

import "github.com/bobuhiro11/uvmm/vcpu"

// dualController lets a VMM wire both a checkpoint.Engine and a
// migration.Engine onto the same vcpu.Core.Ctrl field. Each engine's
// own New already sets every core's Ctrl to itself; dualController is
// installed afterward, once both engines exist, and simply forwards to
// whichever one actually has a pause in flight. Nothing keeps a
// checkpoint and a migration from being requested at the same time (the
// monitor serves each connection on its own goroutine, and checkpoint
// Trigger does not wait for completion); when both are pending, Pending
// reports the checkpoint's.
type dualController struct {
	chk pauseController
	mig pauseController
}

// pauseController is the subset of checkpoint.Engine/migration.Engine
// dualController needs; kept local so this file does not import either
// package and create a dependency cycle with whichever one is built
// first.
type pauseController interface {
	Pending() vcpu.PauseKind
	Rendezvous(cpu int, kind vcpu.PauseKind) error
}

func newDualController(chk, mig pauseController) *dualController {
	return &dualController{chk: chk, mig: mig}
}

// Pending implements vcpu.Controller.
func (d *dualController) Pending() vcpu.PauseKind {
	if d.chk != nil {
		if k := d.chk.Pending(); k != vcpu.NoPause {
			return k
		}
	}

	if d.mig != nil {
		if k := d.mig.Pending(); k != vcpu.NoPause {
			return k
		}
	}

	return vcpu.NoPause
}

// Rendezvous implements vcpu.Controller, routing to whichever engine
// owns kind.
func (d *dualController) Rendezvous(cpu int, kind vcpu.PauseKind) error {
	switch kind {
	case vcpu.PauseCheckpoint:
		return d.chk.Rendezvous(cpu, kind)
	case vcpu.PauseMigration:
		return d.mig.Rendezvous(cpu, kind)
	default:
		return nil
	}
}

// install points every core's Ctrl at d, overriding whatever
// checkpoint.New/migration.New last wrote there.
func (d *dualController) install(cores []*vcpu.Core) {
	for _, c := range cores {
		c.Ctrl = d
	}
}
