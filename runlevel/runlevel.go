// Package runlevel implements the cooperative bring-up/tear-down state
// machine: a lock-step sequence of Runlevels, each split into a
// coalesced number of up/down phases, driven by synchronous and
// asynchronous (callback-style) sub-component switches.
package runlevel

import (
	"context"
	"sync"

	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"

	"github.com/ModeladoFoundation/ocr-sub001/internal/debug"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
)

// Level is one of the seven runlevels, in bring-up order.
type Level int

const (
	ConfigParse Level = iota
	NetworkOK
	PdOK
	MemoryOK
	GuidOK
	ComputeOK
	UserOK
	numLevels
)

func (l Level) String() string {
	switch l {
	case ConfigParse:
		return "CONFIG_PARSE"
	case NetworkOK:
		return "NETWORK_OK"
	case PdOK:
		return "PD_OK"
	case MemoryOK:
		return "MEMORY_OK"
	case GuidOK:
		return "GUID_OK"
	case ComputeOK:
		return "COMPUTE_OK"
	case UserOK:
		return "USER_OK"
	default:
		return "unknown"
	}
}

// Properties is the runlevel-switch property bitmask: messaging role,
// direction, synchronization and caller role.
type Properties uint32

const (
	PropRequest Properties = 1 << iota
	PropResponse
	PropRelease
	PropBringUp
	PropTearDown
	PropAsync
	PropBarrier
	PropPDMaster
	PropNodeMaster
	PropBlessed
	PropFromMsg
)

// PhaseCounts is the (up, down) phase count pair a runlevel carries;
// components enlarge it during CONFIG_PARSE to reserve internal phases,
// and the coalesced max is taken at CONFIG_PARSE's end.
type PhaseCounts struct{ Up, Down int }

func (p *PhaseCounts) Grow(up, down int) {
	if up > p.Up {
		p.Up = up
	}
	if down > p.Down {
		p.Down = down
	}
}

// Component is an inert sub-component switched synchronously (scheduler,
// allocators, guid providers, comm-APIs).
type Component interface {
	SwitchRunlevel(ctx context.Context, level Level, phase int, props Properties) error
}

// Worker is switched with a callback argument; it must invoke done once
// its transition for this (level, phase) completes, possibly
// asynchronously.
type Worker interface {
	SwitchRunlevelAsync(ctx context.Context, level Level, phase int, props Properties, done func()) error
}

// Machine coordinates the bring-up/tear-down sequence for one Policy
// Domain.
type Machine struct {
	Components []Component
	Workers    []Worker
	PDMaster   bool

	mu     sync.Mutex
	phases [numLevels]PhaseCounts
	level  Level
}

func NewMachine(pdMaster bool) *Machine {
	m := &Machine{PDMaster: pdMaster}
	for i := range m.phases {
		m.phases[i] = PhaseCounts{Up: 1, Down: 1}
	}
	return m
}

// ReservePhases lets a component enlarge level's phase counts during
// CONFIG_PARSE.
func (m *Machine) ReservePhases(level Level, up, down int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.phases[level]
	p.Grow(up, down)
	m.phases[level] = p
}

// BringUp drives CONFIG_PARSE through USER_OK in order, each level's
// up-phases from 0 to PhaseCounts.Up-1. Each phase switches the inert
// Components synchronously, then fans out to Workers via an errgroup;
// every worker's callback decrements the per-switch counter and the PD
// advances only when it reaches zero.
func (m *Machine) BringUp(ctx context.Context) error {
	for level := ConfigParse; level <= UserOK; level++ {
		up := m.phases[level].Up
		for phase := 0; phase < up; phase++ {
			props := PropRequest | PropBringUp
			if m.PDMaster {
				props |= PropPDMaster
			}
			if err := m.switchPhase(ctx, level, phase, props); err != nil {
				return err
			}
		}
		m.mu.Lock()
		m.level = level
		m.mu.Unlock()
	}
	return nil
}

func (m *Machine) switchPhase(ctx context.Context, level Level, phase int, props Properties) error {
	switchID, _ := shortid.Generate()
	if nlog.FastV(1, "runlevel") {
		nlog.Infof("runlevel: switch %s phase %d (ctx %s)", level, phase, switchID)
	}
	for _, c := range m.Components {
		if err := c.SwitchRunlevel(ctx, level, phase, props); err != nil {
			return err
		}
	}
	if len(m.Workers) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	var counter int32 = int32(len(m.Workers))
	var mu sync.Mutex
	for _, w := range m.Workers {
		w := w
		g.Go(func() error {
			done := make(chan struct{})
			if err := w.SwitchRunlevelAsync(gctx, level, phase, props, func() { close(done) }); err != nil {
				return err
			}
			<-done
			mu.Lock()
			counter--
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	mu.Lock()
	debug.Assert(counter == 0, "runlevel phase check-in counter did not reach zero")
	mu.Unlock()
	return err
}

// TearDownUserOK drives the three dedicated USER_OK tear-down phases:
// RUN -> COMP_QUIESCE -> COMM_QUIESCE -> DONE. quiesce and barrier are
// PD-supplied callbacks for the comm-quiesce/barrier steps that cross PD
// boundaries (handled by the policy overlay, not this package).
func (m *Machine) TearDownUserOK(ctx context.Context, compQuiesce, commQuiesceAndBarrier, done func(context.Context) error) error {
	if err := compQuiesce(ctx); err != nil {
		return err
	}
	if err := commQuiesceAndBarrier(ctx); err != nil {
		return err
	}
	return done(ctx)
}

func (m *Machine) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}
