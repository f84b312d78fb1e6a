// Package policy implements the Policy Domain message-processing core
// and its distributed overlay: the central `processMessage` dispatcher,
// object registries, and the locality/proxy/clone/shutdown protocols
// layered over a local core.
package policy

import (
	"sync"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/hint"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
	"github.com/ModeladoFoundation/ocr-sub001/runlevel"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
	"github.com/ModeladoFoundation/ocr-sub001/transport"
)

// Allocator adapts datablock.Allocator; PDs are configured with one or
// more named allocators, matched against a DB_CREATE's allocator-kind
// hint.
type Allocator = datablock.Allocator

// Domain is a single Policy Domain: the GUID provider, object
// registries, scheduler, and transport it owns, plus the neighbor set
// needed for the distributed overlay.
type Domain struct {
	Location  guid.Location
	Provider  *guid.Provider
	Allocators []Allocator
	Heuristic sched.Heuristic
	WST       *sched.WST
	Transport transport.Transport
	Neighbors []guid.Location

	mu         sync.RWMutex
	datablocks map[guid.GUID]*datablock.DataBlock
	proxies    map[guid.GUID]*datablock.Proxy
	events     map[guid.GUID]*event.Event
	edts       map[guid.GUID]*edt.EDT
	templates  map[guid.GUID]*edt.Template
	hints      map[guid.GUID]*hint.Set

	RL *runlevel.Machine

	// rlNotifyHook lets the distributed Overlay observe an incoming
	// MGT_RL_NOTIFY without the local core needing any notion of
	// neighbors; set once by NewOverlay.
	rlNotifyHook func(*msg.Message) error

	// remoteAcquire/remoteRelease are installed by NewOverlay so the
	// acquire pipeline and the EDT-exit release path reach remote-home
	// data-blocks through the proxy cache without the local core
	// importing the overlay. Nil on a purely local Domain: the pipeline
	// then reports Pending for any DB it doesn't hold.
	remoteAcquire func(dbGUID, edtGUID guid.GUID, slot int, want datablock.Mode) ([]byte, datablock.Mode, error)
	remoteRelease func(dbGUID, edtGUID guid.GUID, mode datablock.Mode, wrote bool) error

	// remoteResume answers a parked remote DB_ACQUIRE once the waiter it
	// queued on this (home) PD is granted; remoteSatisfy carries an event
	// propagation to an EDT homed on another PD. Both nil on a purely
	// local Domain.
	remoteResume  func(db *datablock.DataBlock, w datablock.Waiter)
	remoteSatisfy func(target guid.GUID, slot int, payload guid.Fat)
}

func NewDomain(loc guid.Location, allocators []Allocator, heuristic sched.Heuristic, wst *sched.WST, tr transport.Transport, neighbors []guid.Location, pdMaster bool) *Domain {
	d := &Domain{
		Location:   loc,
		Provider:   guid.NewProvider(loc),
		Allocators: allocators,
		Heuristic:  heuristic,
		WST:        wst,
		Transport:  tr,
		Neighbors:  neighbors,
		datablocks: make(map[guid.GUID]*datablock.DataBlock),
		proxies:    make(map[guid.GUID]*datablock.Proxy),
		events:     make(map[guid.GUID]*event.Event),
		edts:       make(map[guid.GUID]*edt.EDT),
		templates:  make(map[guid.GUID]*edt.Template),
		hints:      make(map[guid.GUID]*hint.Set),
	}
	d.RL = runlevel.NewMachine(pdMaster)
	return d
}

func (d *Domain) newGUID(kind guid.Kind, metadata any) guid.GUID {
	return d.Provider.Register(kind, metadata)
}

func (d *Domain) local(g guid.GUID) bool { return guid.HomeOf(g) == d.Location }

func (d *Domain) dataBlock(g guid.GUID) (*datablock.DataBlock, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	db, ok := d.datablocks[g]
	return db, ok
}

func (d *Domain) storeDataBlock(g guid.GUID, db *datablock.DataBlock) {
	d.mu.Lock()
	d.datablocks[g] = db
	d.mu.Unlock()
}

func (d *Domain) proxy(g guid.GUID) (*datablock.Proxy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.proxies[g]
	return p, ok
}

func (d *Domain) storeProxy(g guid.GUID, p *datablock.Proxy) {
	d.mu.Lock()
	d.proxies[g] = p
	d.mu.Unlock()
}

// loadOrStoreProxy installs p unless a concurrent first-acquire won the
// race, in which case the winner is returned (map-lock before
// proxy-lock, always).
func (d *Domain) loadOrStoreProxy(g guid.GUID, p *datablock.Proxy) *datablock.Proxy {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.proxies[g]; ok {
		return cur
	}
	d.proxies[g] = p
	return p
}

func (d *Domain) event(g guid.GUID) (*event.Event, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.events[g]
	return e, ok
}

func (d *Domain) storeEvent(g guid.GUID, e *event.Event) {
	d.mu.Lock()
	d.events[g] = e
	d.mu.Unlock()
}

func (d *Domain) edtByGUID(g guid.GUID) (*edt.EDT, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.edts[g]
	return e, ok
}

func (d *Domain) storeEDT(g guid.GUID, e *edt.EDT) {
	d.mu.Lock()
	d.edts[g] = e
	d.mu.Unlock()
}

func (d *Domain) template(g guid.GUID) (*edt.Template, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.templates[g]
	return t, ok
}

func (d *Domain) storeTemplate(g guid.GUID, t *edt.Template) {
	d.mu.Lock()
	d.templates[g] = t
	d.mu.Unlock()
}

// BindTemplateFunc implements api.TemplateBinder: installs the
// application function pointer (and optional display name) a bare
// EDTTEMP_CREATE message can't carry, resolved locally by guid
// immediately after creation. The metadata-clone protocol only applies
// to a *remote* reference to this template.
func (d *Domain) BindTemplateFunc(tmplGUID guid.GUID, fn edt.TaskFunc, name string) {
	d.mu.RLock()
	t, ok := d.templates[tmplGUID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	t.Func = fn
	if name != "" {
		t.Name = name
	}
}

// SetRLNotifyHook lets the distributed Overlay install its shutdown-ack
// bookkeeping into the local core's MGT_RL_NOTIFY handler.
func (d *Domain) SetRLNotifyHook(f func(*msg.Message) error) { d.rlNotifyHook = f }

func (d *Domain) logf(format string, args ...any) {
	nlog.Infof("pd[%d]: "+format, append([]any{int32(d.Location)}, args...)...)
}
