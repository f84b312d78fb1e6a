// Package guid implements the GUID provider: the map from a global,
// location-bearing identifier to {kind, home location, local metadata
// pointer-or-null}. Callers traverse through the provider's map rather
// than holding pointers directly, so cyclic object graphs (EDT <-> event
// <-> data-block) never produce ownership cycles.
package guid

import "fmt"

// GUID is an opaque 64-bit identifier. Sentinel values below.
type GUID uint64

const (
	Nil          GUID = 0
	Uninitialized GUID = ^GUID(0)
	Error        GUID = ^GUID(0) - 1
)

func (g GUID) String() string {
	switch g {
	case Nil:
		return "guid(nil)"
	case Uninitialized:
		return "guid(uninitialized)"
	case Error:
		return "guid(error)"
	default:
		return fmt.Sprintf("guid(%d)", uint64(g))
	}
}

func (g GUID) Valid() bool { return g != Nil && g != Uninitialized && g != Error }

// Location identifies a Policy Domain, with Invalid as the explicit
// no-location sentinel.
type Location int32

const Invalid Location = -1

func (l Location) Valid() bool { return l != Invalid }

// Kind enumerates what a GUID names.
type Kind uint8

const (
	KindNone Kind = iota
	KindDataBlock
	KindEvent
	KindEDT
	KindTemplate
	KindWorker
)

func (k Kind) String() string {
	switch k {
	case KindDataBlock:
		return "datablock"
	case KindEvent:
		return "event"
	case KindEDT:
		return "edt"
	case KindTemplate:
		return "template"
	case KindWorker:
		return "worker"
	default:
		return "none"
	}
}

// Fat is the {GUID, local metadata pointer-or-null} pair the runtime
// passes internally to avoid redundant lookups. A nil Metadata means
// "not yet resolved locally".
type Fat struct {
	GUID     GUID
	Metadata any
}

func (f Fat) Resolved() bool { return f.Metadata != nil }

var NilFat = Fat{GUID: Nil}
