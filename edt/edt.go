package edt

import (
	"sync"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/debug"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

// State is the EDT lifecycle state: CREATED -> ALLDEPS (depc final) ->
// PARTIAL (one or more slots satisfied, not all) -> ALLSAT (all slots
// satisfied) -> ALLACQ (all data-blocks acquired) -> RUNNING -> REAPING.
type State uint8

const (
	Created State = iota
	AllDeps
	Partial
	AllSat
	AllAcq
	Running
	Reaping
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case AllDeps:
		return "ALLDEPS"
	case Partial:
		return "PARTIAL"
	case AllSat:
		return "ALLSAT"
	case AllAcq:
		return "ALLACQ"
	case Running:
		return "RUNNING"
	case Reaping:
		return "REAPING"
	default:
		return "unknown"
	}
}

// PreSlot records {signaler guid, access mode, satisfaction state,
// resolved pointer}.
type PreSlot struct {
	Signaler  guid.GUID
	Mode      datablock.Mode
	Satisfied bool
	Payload   guid.Fat

	acquired bool
	acqMode  datablock.Mode
	acqPtr   []byte // resolved data pointer, valid while acquired
}

// EDT is a function pointer plus parameter vector plus pre-slot array.
type EDT struct {
	GUID     guid.GUID
	Template *Template
	ParamV   []int64
	OutputEvent guid.GUID // satisfied with the return fat-guid on completion, Nil if none
	ParentLatch guid.GUID // INCR'd at create, DECR'd at completion, Nil if none

	mu     sync.Mutex
	state  State
	slots  []PreSlot
	depc   int // final depc, set at AllDeps
	addedDeps int

	dynamicAcquires []guid.GUID // DBs acquired outside the pre-slot array
}

// New creates an EDT with depc pre-slots, all unresolved, state CREATED.
// depc == 0 has no slots to satisfy, so the EDT starts life already
// ALLSAT and runnable without any DEP_SATISFY.
func New(g guid.GUID, tmpl *Template, paramv []int64, depc int, outputEvent guid.GUID) *EDT {
	e := &EDT{
		GUID:        g,
		Template:    tmpl,
		ParamV:      paramv,
		OutputEvent: outputEvent,
		slots:       make([]PreSlot, depc),
		depc:        depc,
	}
	if depc == 0 {
		e.state = AllSat
	}
	return e
}

func (e *EDT) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AddDependence records slot's signaler/mode. Once every slot has a
// signaler recorded, the EDT transitions CREATED -> ALLDEPS.
func (e *EDT) AddDependence(slot int, signaler guid.GUID, mode datablock.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= len(e.slots) {
		return ocrerr.New(ocrerr.InvalidArg, "DEP_ADD", "slot index out of range")
	}
	if e.state != Created {
		return ocrerr.New(ocrerr.PermissionDenied, "DEP_ADD", "dependences can only be added pre-ALLDEPS")
	}
	e.slots[slot].Signaler = signaler
	e.slots[slot].Mode = mode
	e.addedDeps++
	if e.addedDeps == e.depc {
		e.state = AllDeps
	}
	return nil
}

// SatisfySlot delivers payload to slot, advancing PARTIAL/ALLSAT as
// appropriate.
func (e *EDT) SatisfySlot(slot int, payload guid.Fat) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= len(e.slots) {
		return ocrerr.New(ocrerr.InvalidArg, "DEP_SATISFY", "slot index out of range")
	}
	if e.slots[slot].Satisfied {
		return ocrerr.New(ocrerr.PermissionDenied, "DEP_SATISFY", "slot already satisfied")
	}
	e.slots[slot].Satisfied = true
	e.slots[slot].Payload = payload

	if e.state == AllDeps || e.state == Partial {
		if e.allSatisfiedLocked() {
			e.state = AllSat
		} else {
			e.state = Partial
		}
	}
	return nil
}

func (e *EDT) allSatisfiedLocked() bool {
	for _, s := range e.slots {
		if !s.Satisfied {
			return false
		}
	}
	return true
}

// AcquireFunc is called once per slot whose payload names a data-block.
// It returns the acquired data pointer and granted mode, or a
// Pending/Busy error.
type AcquireFunc func(slot int, dbGUID guid.GUID, want datablock.Mode) ([]byte, datablock.Mode, error)

// RunAcquirePipeline drives ALLSAT -> ALLACQ: issues DB_ACQUIRE for every
// satisfied slot whose payload names a data-block, via acquire. Slots
// that return Pending are left unacquired and the EDT stays in ALLSAT;
// callers must re-invoke once a replay resumes the pending slot. Returns
// true only for the call that completes the transition to ALLACQ, which
// is when (and only when) the scheduler should be notified.
func (e *EDT) RunAcquirePipeline(acquire AcquireFunc) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != AllSat && e.state != AllAcq {
		return false, ocrerr.New(ocrerr.PermissionDenied, "DB_ACQUIRE", "acquire pipeline requires ALLSAT")
	}
	allAcquired := true
	for i := range e.slots {
		s := &e.slots[i]
		if !s.Payload.GUID.Valid() || s.acquired {
			continue
		}
		ptr, mode, err := acquire(i, s.Payload.GUID, s.Mode)
		if err != nil {
			if ocrerr.KindOf(err).Recoverable() {
				allAcquired = false
				continue
			}
			return false, err
		}
		s.acquired = true
		s.acqMode = mode
		s.acqPtr = ptr
	}
	// only the caller that performs the ALLSAT -> ALLACQ transition gets
	// done=true, so concurrent replays can't schedule the EDT twice.
	if allAcquired && e.state != AllAcq {
		e.state = AllAcq
		return true, nil
	}
	return false, nil
}

// MarkRunning transitions ALLACQ -> RUNNING; the scheduler has handed the
// EDT to a computation worker.
func (e *EDT) MarkRunning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != AllAcq {
		return ocrerr.New(ocrerr.PermissionDenied, "WORK_EXECUTE", "EDT not in ALLACQ")
	}
	e.state = Running
	return nil
}

// Slots returns a snapshot of the pre-slot array for dispatch into
// Template.Func.
func (e *EDT) Slots() []PreSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PreSlot, len(e.slots))
	copy(out, e.slots)
	return out
}

// Depv packs the resolved per-slot payloads in slot order, as passed to
// TaskFunc: data-block slots carry the acquired byte region, pure-control
// slots a nil Ptr.
func (e *EDT) Depv() []Dep {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Dep, len(e.slots))
	for i, s := range e.slots {
		out[i] = Dep{GUID: s.Payload.GUID, Ptr: s.acqPtr}
	}
	return out
}

// AddDynamicAcquire records a DB acquired during execution (via a
// runtime-only ocrDbAcquire-style call) outside the pre-slot array, so
// Complete knows to release it.
func (e *EDT) AddDynamicAcquire(db guid.GUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dynamicAcquires = append(e.dynamicAcquires, db)
}

// ReleaseFunc releases a data-block previously acquired by this EDT.
type ReleaseFunc func(db guid.GUID)

// Complete drives RUNNING -> REAPING: releases every acquired slot DB and
// dynamic acquire via release, then reports the output event the caller
// should satisfy with the return fat-guid before destroying the EDT.
func (e *EDT) Complete(release ReleaseFunc) (outputEvent guid.GUID, err error) {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return guid.Nil, ocrerr.New(ocrerr.PermissionDenied, "WORK_DESTROY", "complete called outside RUNNING")
	}
	e.state = Reaping
	toRelease := make([]guid.GUID, 0, len(e.slots)+len(e.dynamicAcquires))
	for _, s := range e.slots {
		if s.acquired {
			toRelease = append(toRelease, s.Payload.GUID)
		}
	}
	toRelease = append(toRelease, e.dynamicAcquires...)
	out := e.OutputEvent
	e.mu.Unlock()

	for _, db := range toRelease {
		debug.Assert(db.Valid(), "release target must be a valid guid")
		release(db)
	}
	return out, nil
}
