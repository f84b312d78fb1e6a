// Package worker implements the Communication and Computation worker
// run-loops.
package worker

import (
	"context"

	"github.com/ModeladoFoundation/ocr-sub001/internal/atomic"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
	"github.com/ModeladoFoundation/ocr-sub001/runlevel"
)

// Phase mirrors the USER_OK sub-phases a worker's run loop passes
// through.
type Phase int32

const (
	PhaseRun Phase = iota
	PhaseCompQuiesce
	PhaseCommQuiesce
	PhaseDone
)

// Domain is the subset of policy.Overlay/Domain a worker needs; kept as
// an interface so worker doesn't import policy (policy already imports
// msg/sched/transport; a worker->policy edge would be the only
// back-edge in the dependency graph otherwise).
type Domain interface {
	ProcessMessage(m *msg.Message) *msg.Message
	TakeOutgoing() (*msg.Message, bool)
	GiveIncoming(*msg.Message)
	PollIncoming() (*msg.Message, bool)
	OutgoingCount() int
	IncomingCount() int
	SpawnRuntimeEDT(m *msg.Message)
}

// CommWorker is the per-domain worker that drains outgoing messages,
// polls incoming ones, and spawns request-processing tasks.
type CommWorker struct {
	d     Domain
	phase atomic.Int32
	done  chan struct{}
}

func NewCommWorker(d Domain) *CommWorker {
	return &CommWorker{d: d, done: make(chan struct{})}
}

func (w *CommWorker) Phase() Phase { return Phase(w.phase.Load()) }

// Step runs one iteration of the RUN-phase alternation: take-and-send an
// outgoing handle if one is COMM_TAKE-eligible, then poll for an
// incoming message and route it.
func (w *CommWorker) Step(ctx context.Context) {
	if m, ok := w.d.TakeOutgoing(); ok {
		w.d.ProcessMessage(m)
	}
	m, ok := w.d.PollIncoming()
	if !ok {
		return
	}
	switch {
	case m.Prop&msg.TwoWay != 0 && m.Prop&msg.Async == 0 && m.Kind == msg.KindNone:
		// synchronous RESPONSE: route back to the waiting handle via
		// COMM_GIVE rather than re-entering processMessage.
		w.d.GiveIncoming(m)
	default:
		// REQUEST or async RESPONSE: spawn a runtime EDT that re-enters
		// processMessage on the message.
		w.d.SpawnRuntimeEDT(m)
	}
}

// Run drives Step in a loop until the worker reaches PhaseDone or ctx is
// canceled.
func (w *CommWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch w.Phase() {
		case PhaseDone:
			close(w.done)
			return
		case PhaseCompQuiesce:
			// comp workers stop taking user EDTs; the comm worker keeps
			// stepping as in RUN. Nothing moves it past this phase; the
			// loop ends when ctx is canceled.
			w.Step(ctx)
		case PhaseCommQuiesce:
			w.Step(ctx)
			if w.d.OutgoingCount() == 0 && w.d.IncomingCount() == 0 {
				nlog.Infof("comm worker: quiesced, no outgoing or incoming traffic")
			}
		default:
			w.Step(ctx)
		}
	}
}

// SwitchRunlevelAsync implements runlevel.Worker: a USER_OK tear-down
// request moves w.phase to COMP_QUIESCE, and every call invokes done at
// once. Nothing sets PhaseCommQuiesce or PhaseDone and no call waits for
// the transport to drain, so Run's branches for those phases are not
// reached.
func (w *CommWorker) SwitchRunlevelAsync(ctx context.Context, level runlevel.Level, phase int, props runlevel.Properties, done func()) error {
	if level != runlevel.UserOK {
		done()
		return nil
	}
	if props&runlevel.PropTearDown == 0 {
		done()
		return nil
	}
	if props&runlevel.PropRequest != 0 {
		w.phase.Store(int32(PhaseCompQuiesce))
	}
	done()
	return nil
}

var _ runlevel.Worker = (*CommWorker)(nil)
