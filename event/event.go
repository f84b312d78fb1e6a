// Package event implements the Event object: a satisfaction-propagating
// node with one of four kinds (ONCE, IDEM, STICKY, LATCH) and a
// signaler/waiter registration list.
package event

import (
	"sync"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

type Kind uint8

const (
	Once Kind = iota
	Idem
	Sticky
	Latch
)

func (k Kind) String() string {
	switch k {
	case Once:
		return "ONCE"
	case Idem:
		return "IDEM"
	case Sticky:
		return "STICKY"
	case Latch:
		return "LATCH"
	default:
		return "unknown"
	}
}

// Persistent reports whether the kind survives its own satisfaction.
func (k Kind) Persistent() bool { return k == Idem || k == Sticky }

// Slot distinguishes a LATCH's two monotonic counters.
type Slot uint8

const (
	SlotDefault Slot = iota // non-LATCH single post-slot
	SlotIncr
	SlotDecr
)

// Waiter is a registered signal target: either an EDT slot or another
// event (recursion handled by the registered Notify callback).
type Waiter struct {
	Notify func(payload guid.Fat)
	// Tag identifies the waiter for diagnostics/tests; optional.
	Tag string
}

// Event is the runtime object. TakesArg distinguishes events created to
// carry a payload from pure control events.
type Event struct {
	GUID    guid.GUID
	Kind    Kind
	TakesArg bool

	mu          sync.Mutex
	fired       bool
	destroyed   bool
	waiters     []Waiter
	lastPayload guid.Fat // remembered for a late RegisterWaiter on an already-fired IDEM/STICKY

	incr, decr uint64 // LATCH counters, each monotonically non-decreasing
}

func New(g guid.GUID, kind Kind, takesArg bool) *Event {
	return &Event{GUID: g, Kind: kind, TakesArg: takesArg}
}

// RegisterWaiter races with Satisfy: it returns whether the event had
// already fired. If so the registrant must be satisfied immediately by
// the caller and signaler registration skipped; if not, w is appended to
// the waiter list under the same lock that Satisfy takes, so the two
// calls cannot both observe "not yet fired".
func (e *Event) RegisterWaiter(w Waiter) (alreadyFired bool, lastPayload guid.Fat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired && e.Kind != Latch {
		return true, e.lastPayload
	}
	e.waiters = append(e.waiters, w)
	return false, guid.NilFat
}

// Satisfy delivers payload on the given slot, applying kind-specific
// rules. For ONCE/IDEM/STICKY, slot is ignored (SlotDefault). For LATCH,
// slot must be SlotIncr or SlotDecr.
func (e *Event) Satisfy(payload guid.Fat, slot Slot, notify func(Waiter, guid.Fat)) error {
	e.mu.Lock()
	switch e.Kind {
	case Once:
		if e.fired {
			e.mu.Unlock()
			return nil // excess satisfactions on ONCE are simply not expected; no-op defensively
		}
		e.fired = true
		e.lastPayload = payload
		ws := e.waiters
		e.waiters = nil
		e.destroyed = true
		e.mu.Unlock()
		for _, w := range ws {
			notify(w, payload)
		}
		return nil

	case Idem:
		if e.fired {
			e.mu.Unlock()
			return nil // silently ignored, persists
		}
		e.fired = true
		e.lastPayload = payload
		ws := e.waiters
		e.mu.Unlock()
		for _, w := range ws {
			notify(w, payload)
		}
		return nil

	case Sticky:
		if e.fired {
			e.mu.Unlock()
			return ocrerr.New(ocrerr.PermissionDenied, "DEP_SATISFY", "repeat satisfaction of STICKY event")
		}
		e.fired = true
		e.lastPayload = payload
		ws := e.waiters
		e.mu.Unlock()
		for _, w := range ws {
			notify(w, payload)
		}
		return nil

	case Latch:
		switch slot {
		case SlotIncr:
			e.incr++
		case SlotDecr:
			e.decr++
		default:
			e.mu.Unlock()
			return ocrerr.New(ocrerr.InvalidArg, "DEP_SATISFY", "latch satisfy requires INCR or DECR slot")
		}
		fire := !e.fired && e.incr == e.decr && e.incr > 0
		if fire {
			e.fired = true
			e.destroyed = true
		}
		ws := e.waiters
		if fire {
			e.waiters = nil
		} else {
			ws = nil
		}
		e.mu.Unlock()
		for _, w := range ws {
			notify(w, payload)
		}
		return nil
	}
	e.mu.Unlock()
	return ocrerr.New(ocrerr.InvalidArg, "DEP_SATISFY", "unknown event kind")
}

func (e *Event) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *Event) Fired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Counters returns the LATCH incr/decr counters (0,0 for non-LATCH kinds).
func (e *Event) Counters() (incr, decr uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.incr, e.decr
}
