// Package hint implements the tagged Hint union: a bitmask of set
// properties plus the property values present, scoped to one of {EDT,
// DB, EVT, GROUP}.
package hint

import "github.com/ModeladoFoundation/ocr-sub001/guid"

// Scope is the kind of object a Hint attaches to.
type Scope uint8

const (
	ScopeEDT Scope = iota
	ScopeDB
	ScopeEVT
	ScopeGroup
)

// Prop is a hint property the runtime acts on. Only the properties that
// feed the scheduler or proxy cache are modeled; the wider extension-API
// hint surface lives outside this runtime.
type Prop uint32

const PropNone Prop = 0

const (
	// EDT_AFFINITY: target Location for placement.
	EdtAffinity Prop = 1 << iota
	// EDT_SLOT_MAX_ACCESS: which pre-slot's data-block drives placement.
	EdtSlotMaxAccess
	// EDT_SPAWNING: route to the root's spawn-queue instead of a worker deque.
	EdtSpawning
	// DB_AFFINITY: target Location for a data-block.
	DbAffinity
	// DB_MEM_AFFINITY: target Location specifically for memory placement;
	// the only data-block affinity the scheduler's placement reads
	// (DbAffinity is stored but not consulted there).
	DbMemAffinity
)

// IndexName returns the provider-index name for a location-valued
// property, or "" for properties that don't carry a Location. The
// affinity family is stored in the GUID provider's indexed hint store so
// placement decisions are point lookups.
func (p Prop) IndexName() string {
	switch p {
	case EdtAffinity:
		return "edt-affinity"
	case DbAffinity:
		return "db-affinity"
	case DbMemAffinity:
		return "db-mem-affinity"
	default:
		return ""
	}
}

// Set is the tagged union: a bitmask plus the property values present.
type Set struct {
	Scope Scope
	mask  Prop
	loc   map[Prop]guid.Location
	slot  map[Prop]int
}

func New(scope Scope) *Set {
	return &Set{Scope: scope, loc: make(map[Prop]guid.Location), slot: make(map[Prop]int)}
}

func (s *Set) Has(p Prop) bool { return s.mask&p != 0 }

func (s *Set) SetLocation(p Prop, loc guid.Location) {
	s.mask |= p
	s.loc[p] = loc
}

func (s *Set) Location(p Prop) (guid.Location, bool) {
	loc, ok := s.loc[p]
	return loc, ok
}

func (s *Set) SetSlot(p Prop, slot int) {
	s.mask |= p
	s.slot[p] = slot
}

func (s *Set) Slot(p Prop) (int, bool) {
	v, ok := s.slot[p]
	return v, ok
}

func (s *Set) SetFlag(p Prop) { s.mask |= p }

// Clone deep-copies the set, used when a Hint crosses a Policy Domain
// boundary attached to a WORK_CREATE / DB_CREATE message.
func (s *Set) Clone() *Set {
	n := New(s.Scope)
	n.mask = s.mask
	for k, v := range s.loc {
		n.loc[k] = v
	}
	for k, v := range s.slot {
		n.slot[k] = v
	}
	return n
}
