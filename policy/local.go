package policy

import (
	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/hint"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
	"github.com/ModeladoFoundation/ocr-sub001/runlevel"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
)

// ProcessMessage is the central dispatcher: a single function routing
// every message kind to its handler. It mutates m and also returns it
// for convenience; ReturnDetail carries the ocrerr.Kind of any failure.
func (d *Domain) ProcessMessage(m *msg.Message) *msg.Message {
	var err error
	switch m.Kind {
	case msg.DbCreate:
		err = d.handleDBCreate(m)
	case msg.DbAcquire:
		err = d.handleDBAcquire(m)
	case msg.DbRelease:
		err = d.handleDBRelease(m)
	case msg.DbFree, msg.DbDestroy:
		err = d.handleDBFree(m)
	case msg.EvtCreate:
		err = d.handleEvtCreate(m)
	case msg.EvtDestroy:
		err = d.handleEvtDestroy(m)
	case msg.EvtSatisfy:
		err = d.handleEvtSatisfy(m)
	case msg.EvtRegisterWaiter:
		err = d.handleEvtRegisterWaiter(m)
	case msg.EdtTempCreate:
		err = d.handleTemplateCreate(m)
	case msg.EdtTempDestroy:
		err = d.handleTemplateDestroy(m)
	case msg.WorkCreate:
		err = d.handleWorkCreate(m)
	case msg.WorkExecute:
		err = d.handleWorkExecute(m)
	case msg.WorkDestroy:
		err = d.handleWorkDestroy(m)
	case msg.DepAdd:
		err = d.handleDepAdd(m)
	case msg.DepSatisfy:
		err = d.handleDepSatisfy(m)
	case msg.DepUnlink:
		err = nil // dependences are fixed once added; nothing registered survives to unlink in this runtime
	case msg.GuidCreate:
		m.GUID = d.newGUID(guid.Kind(m.WorkType), nil)
	case msg.GuidDestroy:
		d.Provider.Release(m.GUID)
	case msg.GuidInfo:
		err = d.handleGuidInfo(m)
	case msg.GuidMetadataClone:
		err = d.handleGuidMetadataClone(m)
	case msg.MemAlloc, msg.MemUnalloc:
		err = nil // delegated entirely to DB_CREATE/DB_FREE's allocator path; no standalone bookkeeping needed
	case msg.HintSet:
		err = d.handleHintSet(m)
	case msg.HintGet:
		err = d.handleHintGet(m)
	case msg.SchedNotify:
		err = d.handleSchedNotify(m)
	case msg.SchedGetWork:
		err = d.handleSchedGetWork(m)
	case msg.CommTake:
		err = d.handleCommTake(m)
	case msg.CommGive:
		err = d.handleCommGive(m)
	case msg.MgtRegister:
		err = nil // worker/scheduler registration is handled at bring-up via Runlevel, not as a steady-state message
	case msg.MgtMonitorProgress:
		err = nil // a cooperative-yield no-op at the message layer; the caller's thread does the yielding
	case msg.MgtRlNotify, msg.MgtShutdown:
		err = d.handleRlNotify(m)
	default:
		err = ocrerr.New(ocrerr.NotSupported, "processMessage", "unrecognized message kind")
	}
	m.ReturnDetail = int32(ocrerr.KindOf(err))
	return m
}

func (d *Domain) handleDBCreate(m *msg.Message) error {
	if len(d.Allocators) == 0 {
		return ocrerr.New(ocrerr.NoMemory, "DB_CREATE", "no allocators configured")
	}
	prescr := make([]datablock.Prescription, len(d.Allocators))
	for i, a := range d.Allocators {
		prescr[i] = datablock.Prescription{AllocatorIndex: i, Allocator: a}
	}
	g := d.newGUID(guid.KindDataBlock, nil)
	db, mode, err := datablock.Create(g, d.Location, m.Size, m.Flags, prescr, m.EdtGUID, m.Mode)
	if err != nil {
		d.Provider.Release(g)
		return err
	}
	d.storeDataBlock(g, db)
	d.Provider.SetMetadata(g, db)
	m.GUID = g
	m.Mode = mode
	m.Pointer = db.Data()
	return nil
}

func (d *Domain) handleDBAcquire(m *msg.Message) error {
	db, ok := d.dataBlock(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "DB_ACQUIRE", "unknown data-block guid")
	}
	mode, err := db.Acquire(m.EdtGUID, m.Slot, m.Mode)
	if err != nil {
		return err
	}
	m.Mode = mode
	m.Pointer = db.Data()
	m.Size = db.Size
	return nil
}

func (d *Domain) handleDBRelease(m *msg.Message) error {
	db, ok := d.dataBlock(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "DB_RELEASE", "unknown data-block guid")
	}
	wrote := m.Flags.Has(datablock.RTWriteBack)
	if wrote && len(m.Pointer) > 0 {
		// a proxy's relinquish attached the modified bytes to write back
		copy(db.Data(), m.Pointer)
	}
	reclaimed, writeBack, err := db.Release(m.EdtGUID, m.Mode, wrote)
	if err != nil {
		return err
	}
	if reclaimed {
		d.mu.Lock()
		delete(d.datablocks, m.GUID)
		d.mu.Unlock()
		d.dropHints(m.GUID)
		d.Provider.Release(m.GUID)
	}
	if writeBack {
		m.Flags = m.Flags.With(datablock.RTWriteBack)
	}
	for _, w := range db.DrainResumed() {
		d.resumeDBWaiter(db, w)
	}
	return nil
}

// resumeDBWaiter re-delivers a just-granted acquire to the waiting
// EDT's pipeline, the runtime-driven half of the queue-and-replay
// handshake. A waiter naming an EDT this PD doesn't hold is a remote
// fetch that was parked here; the overlay answers it with the
// now-valid pointer.
func (d *Domain) resumeDBWaiter(db *datablock.DataBlock, w datablock.Waiter) {
	if e, ok := d.edtByGUID(w.EDT); ok {
		d.driveAcquirePipeline(e)
		return
	}
	if d.remoteResume != nil {
		d.remoteResume(db, w)
	}
}

func (d *Domain) handleDBFree(m *msg.Message) error {
	db, ok := d.dataBlock(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "DB_FREE", "unknown data-block guid")
	}
	reclaimed, err := db.Free(m.EdtGUID, m.Flags.Has(datablock.RTAcquire), m.Mode)
	if err != nil {
		return err
	}
	if reclaimed {
		d.mu.Lock()
		delete(d.datablocks, m.GUID)
		d.mu.Unlock()
		d.dropHints(m.GUID)
		d.Provider.Release(m.GUID)
	}
	return nil
}

func (d *Domain) handleEvtCreate(m *msg.Message) error {
	g := d.newGUID(guid.KindEvent, nil)
	kind := event.Kind(m.WorkType)
	e := event.New(g, kind, m.Flags.Has(datablock.NoAcquire) == false)
	d.storeEvent(g, e)
	d.Provider.SetMetadata(g, e)
	m.GUID = g
	return nil
}

func (d *Domain) handleEvtSatisfy(m *msg.Message) error {
	return d.satisfyEvent(m.GUID, m.Payload, event.Slot(m.Slot))
}

// satisfyEvent applies the kind rules and, for the self-destructing kinds
// (ONCE after propagation, LATCH after firing), drops the event from the
// registry and releases its guid.
func (d *Domain) satisfyEvent(g guid.GUID, payload guid.Fat, slot event.Slot) error {
	e, ok := d.event(g)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "EVT_SATISFY", "unknown event guid")
	}
	err := e.Satisfy(payload, slot, func(w event.Waiter, p guid.Fat) {
		if w.Notify != nil {
			w.Notify(p)
		}
	})
	if e.Destroyed() {
		d.mu.Lock()
		delete(d.events, g)
		d.mu.Unlock()
		d.Provider.Release(g)
	}
	return err
}

func (d *Domain) handleEvtDestroy(m *msg.Message) error {
	d.mu.Lock()
	delete(d.events, m.GUID)
	d.mu.Unlock()
	d.Provider.Release(m.GUID)
	return nil
}

func (d *Domain) handleEvtRegisterWaiter(m *msg.Message) error {
	e, ok := d.event(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "EVT_REGISTER_WAITER", "unknown event guid")
	}
	target := m.EdtGUID
	slot := m.Slot
	already, last := e.RegisterWaiter(event.Waiter{
		Notify: func(payload guid.Fat) { d.dispatchSatisfy(target, slot, payload) },
	})
	if already {
		d.dispatchSatisfy(target, slot, last)
	}
	return nil
}

// dispatchSatisfy delivers an event propagation: a locally-held target
// takes the direct path, anything homed elsewhere goes out as a
// DEP_SATISFY message to its home PD.
func (d *Domain) dispatchSatisfy(target guid.GUID, slot int, payload guid.Fat) {
	if _, ok := d.edtByGUID(target); ok {
		d.satisfyEDTSlot(target, slot, payload)
		return
	}
	if _, ok := d.event(target); ok {
		_ = d.satisfyEvent(target, payload, event.Slot(slot))
		return
	}
	if guid.HomeOf(target) != d.Location && d.remoteSatisfy != nil {
		d.remoteSatisfy(target, slot, payload)
	}
}

func (d *Domain) satisfyEDTSlot(target guid.GUID, slot int, payload guid.Fat) {
	e, ok := d.edtByGUID(target)
	if !ok {
		return
	}
	if err := e.SatisfySlot(slot, payload); err != nil {
		return
	}
	if e.State() == edt.AllSat {
		d.driveAcquirePipeline(e)
	}
}

func (d *Domain) driveAcquirePipeline(e *edt.EDT) {
	done, err := e.RunAcquirePipeline(func(slot int, dbGUID guid.GUID, want datablock.Mode) ([]byte, datablock.Mode, error) {
		if db, ok := d.dataBlock(dbGUID); ok {
			mode, err := db.Acquire(e.GUID, slot, want)
			if err != nil {
				return nil, 0, err
			}
			return db.Data(), mode, nil
		}
		if d.remoteAcquire != nil {
			return d.remoteAcquire(dbGUID, e.GUID, slot, want)
		}
		return nil, 0, ocrerr.New(ocrerr.Pending, "DB_ACQUIRE", "remote data-block and no distributed overlay installed")
	})
	if err != nil || !done {
		return
	}
	d.routeReady(e)
}

// routeReady hands an ALLACQ EDT to the scheduler: the EDT's own hints
// drive SLOT_MAX_ACCESS / MEM_AFFINITY / SPAWNING placement, falling
// back to the invoking worker's deque.
func (d *Domain) routeReady(e *edt.EDT) {
	d.mu.RLock()
	h := d.hints[e.GUID]
	d.mu.RUnlock()
	d.WST.Route(0, guid.Fat{GUID: e.GUID, Metadata: e}, h,
		func(_ guid.GUID, slot int) (guid.Location, bool) {
			slots := e.Slots()
			if slot < 0 || slot >= len(slots) {
				return guid.Invalid, false
			}
			// indexed point lookup; works for remote-home DBs too, since
			// the hint store is keyed by guid, not by resident object
			return d.Provider.Hint(hint.DbMemAffinity.IndexName(), slots[slot].Payload.GUID)
		},
		func(loc guid.Location) (int, bool) {
			// a MEM_AFFINITY naming this PD keeps the EDT on the owner
			// worker; cross-PD placement already happened at WORK_CREATE.
			if loc == d.Location {
				return 0, true
			}
			return 0, false
		})
}

func (d *Domain) handleTemplateCreate(m *msg.Message) error {
	g := d.newGUID(guid.KindTemplate, nil)
	t := &edt.Template{GUID: g, ParamC: m.ParamC, DepC: m.DepC}
	d.storeTemplate(g, t)
	d.Provider.SetMetadata(g, t)
	m.GUID = g
	return nil
}

func (d *Domain) handleTemplateDestroy(m *msg.Message) error {
	d.mu.Lock()
	delete(d.templates, m.GUID)
	d.mu.Unlock()
	d.Provider.Release(m.GUID)
	return nil
}

// handleWorkExecute runs an ALLACQ EDT in place, the function-pointer
// shortcut for local EDT execution.
func (d *Domain) handleWorkExecute(m *msg.Message) error {
	e, ok := d.edtByGUID(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "WORK_EXECUTE", "unknown edt guid")
	}
	return d.Execute(e)
}

func (d *Domain) handleWorkCreate(m *msg.Message) error {
	tmpl, ok := d.template(m.TemplateGUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "WORK_CREATE", "unknown template guid")
	}
	// fold template defaults: the message overrides only when it names a
	// count explicitly.
	paramc := tmpl.ParamC
	if m.ParamC > 0 {
		paramc = m.ParamC
	}
	depc := tmpl.DepC
	if m.DepC > 0 {
		depc = m.DepC
	}
	if paramc > 0 && m.ParamV == nil {
		return ocrerr.New(ocrerr.InvalidArg, "WORK_CREATE", "paramc > 0 with null paramv")
	}

	// output event on request: the caller passes the Uninitialized
	// sentinel and gets back the guid of a fresh ONCE event the EDT's
	// return fat-guid will satisfy.
	if m.OutputEvent == guid.Uninitialized {
		og := d.newGUID(guid.KindEvent, nil)
		oe := event.New(og, event.Once, true)
		d.storeEvent(og, oe)
		d.Provider.SetMetadata(og, oe)
		m.OutputEvent = og
	}

	g := d.newGUID(guid.KindEDT, nil)
	paramv := append([]int64(nil), m.ParamV...) // the EDT exclusively owns its paramv copy
	e := edt.New(g, tmpl, paramv, depc, m.OutputEvent)
	e.ParentLatch = m.ParentLatch
	d.storeEDT(g, e)
	d.Provider.SetMetadata(g, e)

	// "if parentLatch is non-null, satisfy its INCR slot by one"
	if m.ParentLatch.Valid() {
		if err := d.satisfyEvent(m.ParentLatch, guid.NilFat, event.SlotIncr); err != nil {
			return err
		}
	}

	for i, dep := range m.Depv {
		_ = e.AddDependence(i, dep.GUID, datablock.ModeRW)
	}
	if e.State() == edt.AllSat {
		d.driveAcquirePipeline(e)
	}
	m.GUID = g
	return nil
}

func (d *Domain) handleWorkDestroy(m *msg.Message) error {
	d.mu.Lock()
	delete(d.edts, m.GUID)
	d.mu.Unlock()
	d.dropHints(m.GUID)
	d.Provider.Release(m.GUID)
	return nil
}

// handleDepAdd records the signaler on the slot, then routes on source
// kind. A DB source has nothing further to wait on, so the add behaves
// as an immediate DEP_SATISFY of that slot; an event source is left to
// a separate EVT_REGISTER_WAITER call to arm the notification.
func (d *Domain) handleDepAdd(m *msg.Message) error {
	e, ok := d.edtByGUID(m.EdtGUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "DEP_ADD", "unknown edt guid")
	}
	if err := e.AddDependence(m.Slot, m.Source.GUID, m.Mode); err != nil {
		return err
	}
	if !m.Source.GUID.Valid() {
		return nil
	}
	// a DB source has nothing to wait on; the kind is read straight off
	// the guid's bit layout so this works for remote-home data-blocks the
	// provider has never seen (the acquire pipeline's proxy path takes it
	// from there).
	kind := guid.KindOf(m.Source.GUID)
	if k, _, _, ok := d.Provider.Lookup(m.Source.GUID); ok {
		kind = k
	}
	if kind == guid.KindDataBlock {
		d.satisfyEDTSlot(m.EdtGUID, m.Slot, guid.Fat{GUID: m.Source.GUID})
	}
	return nil
}

// handleDepSatisfy delivers a satisfaction to an EDT slot or an event:
// events apply their kind rule then propagate; EDTs record the payload
// and may advance into the acquire pipeline.
func (d *Domain) handleDepSatisfy(m *msg.Message) error {
	target := m.EdtGUID
	if !target.Valid() {
		target = m.GUID
	}
	if _, ok := d.event(target); ok {
		return d.satisfyEvent(target, m.Payload, event.Slot(m.Slot))
	}
	d.satisfyEDTSlot(target, m.Slot, m.Payload)
	return nil
}

// handleGuidMetadataClone is the home-side half of the template metadata
// clone: it flattens the template into its wire projection and returns
// it in the same buffer (MetadataPtr null on request, populated on
// response).
func (d *Domain) handleGuidMetadataClone(m *msg.Message) error {
	t, ok := d.template(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "GUID_METADATA_CLONE", "unknown template guid")
	}
	m.MetadataPtr = t.ToWire().EncodeMsgp(nil)
	m.ParamC = t.ParamC
	m.DepC = t.DepC
	m.Size = int64(len(m.MetadataPtr))
	return nil
}

func (d *Domain) handleGuidInfo(m *msg.Message) error {
	kind, loc, _, ok := d.Provider.Lookup(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "GUID_INFO", "unregistered guid")
	}
	m.WorkType = int(kind)
	m.Dest = loc
	return nil
}

// handleHintSet stores a hint. Location-valued properties (the affinity
// family) go to the GUID provider's indexed hint store, where placement
// code reads them back as point queries; slot/flag-valued properties stay
// on the in-memory Set.
func (d *Domain) handleHintSet(m *msg.Message) error {
	prop := hint.Prop(m.HintKey)
	d.mu.Lock()
	h, ok := d.hints[m.GUID]
	if !ok {
		h = hint.New(hint.ScopeEDT)
		d.hints[m.GUID] = h
	}
	d.mu.Unlock()
	if name := prop.IndexName(); name != "" {
		loc := guid.Location(m.HintValue)
		h.SetLocation(prop, loc)
		d.Provider.SetHint(name, m.GUID, loc)
		if db, ok := d.dataBlock(m.GUID); ok {
			db.Hints().SetLocation(prop, loc)
		}
		return nil
	}
	h.SetSlot(prop, int(m.HintValue))
	return nil
}

func (d *Domain) handleHintGet(m *msg.Message) error {
	prop := hint.Prop(m.HintKey)
	if name := prop.IndexName(); name != "" {
		loc, ok := d.Provider.Hint(name, m.GUID)
		if !ok {
			return ocrerr.New(ocrerr.InvalidArg, "HINT_GET", "no such hint set for guid")
		}
		m.HintValue = int64(loc)
		return nil
	}
	d.mu.RLock()
	h, ok := d.hints[m.GUID]
	d.mu.RUnlock()
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "HINT_GET", "no hints set for guid")
	}
	v, _ := h.Slot(prop)
	m.HintValue = int64(v)
	return nil
}

// dropHints clears g's hint state on destroy: the in-memory set and every
// indexed affinity entry.
func (d *Domain) dropHints(g guid.GUID) {
	d.mu.Lock()
	delete(d.hints, g)
	d.mu.Unlock()
	for _, p := range []hint.Prop{hint.EdtAffinity, hint.DbAffinity, hint.DbMemAffinity} {
		d.Provider.DropHint(p.IndexName(), g)
	}
}

// handleSchedNotify re-offers an already-acquired EDT to the scheduler
// (notify(EDT_READY) arriving as a message rather than an internal call).
func (d *Domain) handleSchedNotify(m *msg.Message) error {
	e, ok := d.edtByGUID(m.GUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "SCHED_NOTIFY", "unknown edt guid")
	}
	if e.State() != edt.AllAcq {
		return ocrerr.New(ocrerr.Busy, "SCHED_NOTIFY", "edt not in ALLACQ")
	}
	d.routeReady(e)
	return nil
}

// handleSchedGetWork answers a neighbor's work request (distributed CE):
// an EDT if one is available, a shutdown response for a pending child
// during tear-down, else the requester is marked pending. The EDT
// travels as a fat-guid; only in-process transports preserve its
// metadata pointer, which is the deployment shape the CE configuration
// runs in.
func (d *Domain) handleSchedGetWork(m *msg.Message) error {
	ce, ok := d.Heuristic.(*sched.CE)
	if !ok {
		return ocrerr.New(ocrerr.NotSupported, "SCHED_GET_WORK", "work requests require the CE heuristic")
	}
	item, got, shutdown := ce.RespondToRequest(d.WST, 0, m.Src)
	if shutdown {
		m.Runlevel = int(runlevel.UserOK)
		return nil
	}
	if got {
		m.Payload = item
		m.GuidArray = []guid.GUID{item.GUID}
	}
	return nil
}

func (d *Domain) handleCommTake(m *msg.Message) error {
	item, ok := d.Heuristic.Take(toSchedOpts(m.Prop))
	if !ok {
		return ocrerr.New(ocrerr.Pending, "COMM_TAKE", "nothing to take")
	}
	m.GuidArray = []guid.GUID{item.GUID}
	return nil
}

func (d *Domain) handleCommGive(m *msg.Message) error {
	if len(m.GuidArray) == 0 {
		return ocrerr.New(ocrerr.InvalidArg, "COMM_GIVE", "empty guid array")
	}
	d.Heuristic.Give(guid.Fat{GUID: m.GuidArray[0]}, toSchedOpts(m.Prop))
	return nil
}

// handleRlNotify is the local-core half of the MGT_RL_NOTIFY tear-down
// barrier: it hands the message to the hook the distributed Overlay
// installs, which records the neighbor's ack and shutdown code. No
// distinction is made on this PD's own phase (RUN or COMM_QUIESCE); on a
// purely local Domain the message is a no-op.
func (d *Domain) handleRlNotify(m *msg.Message) error {
	if d.rlNotifyHook != nil {
		return d.rlNotifyHook(m)
	}
	return nil
}
