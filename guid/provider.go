package guid

import (
	"fmt"
	"sync"
	"sync/atomic"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/ModeladoFoundation/ocr-sub001/internal/debug"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
)

// locationBits is how many of the 64 GUID bits encode the home Location,
// so a GUID's home is always derivable without a lookup. The four bits
// below carry the kind, so dependence routing on a never-seen remote guid
// can still tell a data-block from an event without a GUID_INFO round
// trip.
const (
	locationBits = 16
	kindBits     = 4
	counterBits  = 64 - locationBits - kindBits
)

type entry struct {
	kind     Kind
	home     Location
	metadata any
}

// Provider is the per-Policy-Domain GUID provider: register/lookup/release
// plus a kind-without-metadata query.
//
// A cuckoo filter (github.com/seiflotfy/cuckoofilter) sits in front of the
// map: most Lookup calls in a running system are for guids this PD has
// never seen (e.g. probing whether a dependency's source is local before
// paying for a remote round trip), and the filter turns that common case
// into a lock-free negative without touching the map or its mutex.
//
// A buntdb (github.com/tidwall/buntdb) in-memory index holds the
// location-valued hints (EDT_AFFINITY, DB_AFFINITY, DB_MEM_AFFINITY) so
// placement lookups are indexed point queries instead of a walk over
// every registered guid. buntdb is opened against ":memory:" — it never
// touches a disk file; the runtime keeps no persistent state.
type Provider struct {
	home Location

	mu      sync.RWMutex
	entries map[GUID]*entry
	filter  *cuckoo.Filter
	counter uint64

	hints *buntdb.DB
}

// NewProvider constructs a Provider for the Policy Domain at home.
func NewProvider(home Location) *Provider {
	db, err := buntdb.Open(":memory:")
	debug.AssertNoErr(err)
	return &Provider{
		home:    home,
		entries: make(map[GUID]*entry, 1024),
		filter:  cuckoo.NewFilter(1 << 20),
		hints:   db,
	}
}

func (p *Provider) Home() Location { return p.home }

// HomeOf extracts a GUID's home location directly from its bit layout;
// no lookup required.
func HomeOf(g GUID) Location {
	return Location(uint64(g) >> (64 - locationBits))
}

// KindOf extracts the kind encoded in a GUID's bit layout. Like HomeOf it
// needs no provider: the guid itself says what it names, wherever it was
// minted.
func KindOf(g GUID) Kind {
	return Kind((uint64(g) >> counterBits) & ((1 << kindBits) - 1))
}

// LocationGUID mints a location-bearing guid whose only content is its
// home, used as the affinity fat-guid payload on DB_CREATE/WORK_CREATE
// messages.
func LocationGUID(l Location) GUID {
	return GUID(uint64(uint16(l))<<(64-locationBits) | 1)
}

func keyBytes(g GUID) []byte {
	return []byte(fmt.Sprintf("%d", uint64(g)))
}

// Register allocates a new GUID of kind homed on p and binds metadata
// (which may be nil — "returns kind without requiring the metadata to be
// local"). Thread-safe; concurrent Registers never collide because the
// counter is atomic and location-namespaced.
func (p *Provider) Register(kind Kind, metadata any) GUID {
	n := atomic.AddUint64(&p.counter, 1)
	g := GUID(uint64(uint16(p.home))<<(64-locationBits) |
		uint64(kind&((1<<kindBits)-1))<<counterBits |
		(n & ((1 << counterBits) - 1)))
	debug.Assert(g.Valid(), "generated guid collided with a sentinel")

	p.mu.Lock()
	p.entries[g] = &entry{kind: kind, home: p.home, metadata: metadata}
	p.mu.Unlock()
	p.filter.InsertUnique(keyBytes(g))
	return g
}

// RegisterRemote binds a GUID whose home is some other PD (the proxy/clone
// case): kind is known, metadata is always nil until a proxy populates it.
func (p *Provider) RegisterRemote(g GUID, kind Kind) {
	p.mu.Lock()
	if _, ok := p.entries[g]; !ok {
		p.entries[g] = &entry{kind: kind, home: HomeOf(g), metadata: nil}
	}
	p.mu.Unlock()
	p.filter.InsertUnique(keyBytes(g))
}

// Lookup returns kind, home and local metadata (nil if unresolved); the
// metadata need not be local for kind and home to resolve.
func (p *Provider) Lookup(g GUID) (kind Kind, home Location, metadata any, ok bool) {
	if !p.filter.Lookup(keyBytes(g)) {
		return KindNone, Invalid, nil, false
	}
	p.mu.RLock()
	e, found := p.entries[g]
	p.mu.RUnlock()
	if !found {
		return KindNone, Invalid, nil, false
	}
	return e.kind, e.home, e.metadata, true
}

// SetMetadata installs or replaces local metadata for an already-registered
// guid (e.g. once a GUID_METADATA_CLONE response arrives).
func (p *Provider) SetMetadata(g GUID, metadata any) bool {
	p.mu.Lock()
	e, ok := p.entries[g]
	if ok {
		e.metadata = metadata
	}
	p.mu.Unlock()
	return ok
}

// Release drops a guid's entry. Destruction ordering (DB/event/EDT users
// reaching zero first) is enforced by the calling component, not here.
func (p *Provider) Release(g GUID) {
	p.mu.Lock()
	delete(p.entries, g)
	p.mu.Unlock()
	// NOTE: cuckoo filter false-positives after delete are harmless — a
	// stale Lookup just falls through to the authoritative map miss above.
	if ok := p.filter.Delete(keyBytes(g)); !ok {
		nlog.Infoln("guid: filter delete miss (benign)", g)
	}
}

func keyString(g GUID) string { return string(keyBytes(g)) }

func hintKey(name string, g GUID) string { return name + "\x00" + keyString(g) }

// SetHint records a location-valued hint (affinity family) for g under
// name. Placement code reads these back with Hint as indexed point
// queries rather than walking every registered guid.
func (p *Provider) SetHint(name string, g GUID, loc Location) {
	_ = p.hints.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(hintKey(name, g), fmt.Sprintf("%d", int32(loc)), nil)
		return err
	})
}

// Hint returns the location recorded for (name, g), if any.
func (p *Provider) Hint(name string, g GUID) (Location, bool) {
	var (
		loc   Location
		found bool
	)
	_ = p.hints.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(hintKey(name, g))
		if err != nil {
			return nil
		}
		var n int32
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			loc, found = Location(n), true
		}
		return nil
	})
	return loc, found
}

// DropHint removes g's entry under name, e.g. on EDT/DB destroy.
func (p *Provider) DropHint(name string, g GUID) {
	_ = p.hints.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(hintKey(name, g))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}
