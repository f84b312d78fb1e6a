package datablock

import (
	"sync"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

// ProxyState is one of the states a Proxy Data-Block cycles through on a
// non-home Policy Domain.
type ProxyState uint8

const (
	ProxyCreated ProxyState = iota
	ProxyFetch
	ProxyRun
	ProxyRelinquish
)

func (s ProxyState) String() string {
	switch s {
	case ProxyCreated:
		return "CREATED"
	case ProxyFetch:
		return "FETCH"
	case ProxyRun:
		return "RUN"
	case ProxyRelinquish:
		return "RELINQUISH"
	default:
		return "unknown"
	}
}

// PendingAcquire is a copy of an acquire message queued on the proxy
// because it wasn't immediately satisfiable, replayed by Proxy.Drain once
// the state returns to RUN.
type PendingAcquire struct {
	EDT  guid.GUID
	Slot int
	Mode Mode
}

// Proxy is the per-remote-DB cache on a non-owning Policy Domain. Two
// locks guard it: the PD's proxy-map lock (external, taken first) and
// this struct's own `mu` (taken second) for state mutations; the order
// is always map-lock before proxy-lock.
type Proxy struct {
	GUID guid.GUID
	Home guid.Location

	mu        sync.Mutex
	state     ProxyState
	nbUsers   int32
	refCount  int32
	heldModes []Mode
	size      int64
	data      []byte
	mode      Mode // effective mode the fetch was granted in
	flags     Flags
	writeBackDone bool // SINGLE_ASSIGNMENT: at most one write-back ever
	queue     []PendingAcquire
}

func NewProxy(g guid.GUID, home guid.Location) *Proxy {
	return &Proxy{GUID: g, Home: home, state: ProxyCreated}
}

func (p *Proxy) State() ProxyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) NbUsers() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nbUsers
}

// IncRef/DecRef manage the proxy's own lookup/destroy reference count,
// distinct from nbUsers (the count of DB acquirers using the cached
// content).
func (p *Proxy) IncRef() { p.mu.Lock(); p.refCount++; p.mu.Unlock() }
func (p *Proxy) DecRef() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount--
	return p.refCount
}

// BeginFetch transitions CREATED -> FETCH on the first acquire that must
// issue a remote fetch. Returns false if a fetch is already outstanding
// (caller should instead queue behind it).
func (p *Proxy) BeginFetch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProxyCreated {
		return false
	}
	p.state = ProxyFetch
	return true
}

// CompleteFetch installs the fetched content and transitions FETCH -> RUN.
// It grants no user by itself: every queued acquire — the one that
// triggered the fetch included — is granted by the Drain-and-replay pass
// that follows, so nbUsers ends up equal to the count of outstanding
// acquires whenever the proxy is in RUN.
func (p *Proxy) CompleteFetch(size int64, data []byte, mode Mode, flags Flags) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size, p.data, p.mode, p.flags = size, data, mode, flags
	p.heldModes = nil
	p.nbUsers = 0
	p.state = ProxyRun
}

// FailFetch rolls FETCH back to CREATED after a fetch error, so a later
// acquire retries rather than queueing forever behind a dead fetch.
func (p *Proxy) FailFetch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProxyFetch {
		p.state = ProxyCreated
	}
}

// Mode returns the effective mode the remote granted the fetch in.
func (p *Proxy) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Acquire services a local acquire against the proxy's cached copy. If the
// proxy is RUN and the mode is compatible with currently held modes, it is
// granted immediately (nbUsers++). Otherwise it is queued, to be drained
// once the proxy returns to RUN, in a single dequeue scan.
func (p *Proxy) Acquire(edt guid.GUID, slot int, want Mode) ([]byte, Mode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProxyRun && Compatible(p.heldModes, want) {
		p.heldModes = append(p.heldModes, want)
		p.nbUsers++
		return p.data, want, nil
	}
	p.queue = append(p.queue, PendingAcquire{EDT: edt, Slot: slot, Mode: want})
	return nil, 0, ocrerr.New(ocrerr.Pending, "DB_ACQUIRE", "proxy not in compatible RUN state, queued")
}

// Release decrements nbUsers; when it reaches zero, RUN -> RELINQUISH and
// the caller is told whether a WRITE_BACK must be attached to the
// outgoing release message.
func (p *Proxy) Release(mode Mode, wrote bool) (relinquish, writeBack bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heldModes = removeOneMode(p.heldModes, mode)
	p.nbUsers--
	writeBack = wrote && NeedsWriteBack(mode) && p.writeBackAllowedLocked()
	if writeBack && p.flags.Has(SingleAssignment) {
		p.writeBackDone = true
	}
	if p.nbUsers == 0 {
		p.state = ProxyRelinquish
		relinquish = true
	}
	return relinquish, writeBack
}

func (p *Proxy) writeBackAllowedLocked() bool {
	if !p.flags.Has(SingleAssignment) {
		return true
	}
	return !p.writeBackDone
}

// FinishRelinquish transitions RELINQUISH -> CREATED if further acquires
// are queued or references remain (the proxy is reused); otherwise it
// reports the proxy is now destroyable.
func (p *Proxy) FinishRelinquish() (reusable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProxyRelinquish {
		return false
	}
	if len(p.queue) > 0 || p.refCount > 0 {
		p.state = ProxyCreated
		return true
	}
	return false
}

// Drain empties and returns the queued acquires once the proxy can make
// progress again: RUN (replay grants against p.data) or CREATED (replay
// re-issues the fetch, the RELINQUISH -> CREATED reuse and failed-fetch
// retry paths). A FETCH or RELINQUISH in flight keeps the queue parked.
func (p *Proxy) Drain() []PendingAcquire {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProxyRun && p.state != ProxyCreated {
		return nil
	}
	out := p.queue
	p.queue = nil
	return out
}

func (p *Proxy) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}
