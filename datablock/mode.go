package datablock

// Mode is a Data-Block access mode.
type Mode uint8

const (
	ModeRO Mode = iota // read-only, shared
	ModeRW             // read-write, shared among RW holders (spec's RW-with-RW compatible)
	ModeEW             // exclusive write, sole holder
	ModeConst          // write-once-at-create, effectively RO thereafter

	// ModeITW ("intent to write") has always been an alias of ModeRW, not
	// a distinct mode; kept as a deprecated spelling, not a new semantic.
	//
	// Deprecated: use ModeRW.
	ModeITW = ModeRW

	// modeRWBack is the runtime-only write-back mode: an RO-shaped
	// transfer that writes modified bytes back to a DB's home without
	// going through the normal lockable-DB acquire/release protocol. It
	// is unexported: user code can never select it. No code path in this
	// module produces it; String is the only place that names it.
	modeRWBack Mode = 0xf0
)

func (m Mode) String() string {
	switch m {
	case ModeRO:
		return "RO"
	case ModeRW:
		return "RW"
	case ModeEW:
		return "EW"
	case ModeConst:
		return "CONST"
	case modeRWBack:
		return "RW-writeback"
	default:
		return "unknown-mode"
	}
}

// Compatible reports whether an acquire in mode `want` may be satisfied
// immediately given the modes already held by active users (`held`, which
// may be empty):
//   - RO-with-RO and RW-with-RW are compatible
//   - EW is exclusive (incompatible with anything, including another EW)
//   - CONST is compatible with anything read-only (RO, CONST) since it never
//     changes after create
func Compatible(held []Mode, want Mode) bool {
	if len(held) == 0 {
		return true
	}
	if want == ModeEW {
		return false
	}
	for _, h := range held {
		if h == ModeEW {
			return false
		}
		switch {
		case want == ModeRO && (h == ModeRO || h == ModeConst):
		case want == ModeConst && (h == ModeRO || h == ModeConst):
		case want == ModeRW && h == ModeRW:
		default:
			return false
		}
	}
	return true
}

// NeedsWriteBack reports whether a DB fetched/held in mode m should be
// written back to its home on release: every mode except CONST and RO.
// The single-assignment write-once rule is layered on top, see
// DataBlock.Release (attrs.SingleAssigned) and Proxy.writeBackDone.
func NeedsWriteBack(m Mode) bool {
	return m != ModeRO && m != ModeConst
}
