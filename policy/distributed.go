package policy

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
	"github.com/ModeladoFoundation/ocr-sub001/runlevel"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
)

func toSchedOpts(p msg.Prop) sched.SchedOpts {
	return sched.SchedOpts{PreferPersistHandle: p&msg.Persist != 0}
}

// proxyTemplate tracks one remote-home template not yet cloned locally:
// a waiter-queue of suspended WORK_CREATE messages. closed means the
// metadata is installed and the provider has the value; a suspend that
// observes closed resumes immediately instead of enqueueing.
type proxyTemplate struct {
	mu      sync.Mutex
	closed  bool
	waiters []*msg.Message
}

// Overlay wraps a local Domain with the distributed protocols: locality
// determination, proxy DB acquire/release, template metadata cloning,
// distributed EDT create, and the shutdown barrier conversion.
type Overlay struct {
	*Domain

	cloneGroup singleflight.Group

	tmplMu         sync.Mutex
	proxyTemplates map[guid.GUID]*proxyTemplate

	shutdownMu   sync.Mutex
	shutdownAcks map[guid.Location]bool
	shutdownCode int

	// OnRemoteShutdown, when set, is invoked once, when the first
	// neighbor MGT_RL_NOTIFY arrives, so the embedding process can start
	// its own COMP_QUIESCE path. This PD's own phase is not checked: it
	// also fires when this PD started the shutdown itself.
	OnRemoteShutdown func(code int)

	handleMu  sync.Mutex
	handleSeq uint64
	handles   map[uint64]*msg.Handle

	// fetchMu guards the remote DB_ACQUIRE requests parked on this PD
	// because the home DB was held in an incompatible mode; keyed by DB
	// guid, answered by resumeRemoteAcquire when the DB's replay grants
	// the corresponding waiter.
	fetchMu       sync.Mutex
	parkedFetches map[guid.GUID][]*msg.Message
}

func NewOverlay(d *Domain) *Overlay {
	o := &Overlay{
		Domain:         d,
		proxyTemplates: make(map[guid.GUID]*proxyTemplate),
		shutdownAcks:   make(map[guid.Location]bool),
		parkedFetches:  make(map[guid.GUID][]*msg.Message),
	}
	d.SetRLNotifyHook(func(m *msg.Message) error {
		o.AckShutdown(m.Src, m.ErrorCode)
		return nil
	})
	d.remoteAcquire = func(dbGUID, edtGUID guid.GUID, slot int, want datablock.Mode) ([]byte, datablock.Mode, error) {
		return o.AcquireRemoteDB(context.Background(), dbGUID, edtGUID, slot, want)
	}
	d.remoteRelease = func(dbGUID, edtGUID guid.GUID, mode datablock.Mode, wrote bool) error {
		return o.ReleaseRemoteDB(context.Background(), dbGUID, edtGUID, mode, wrote)
	}
	d.remoteResume = o.resumeRemoteAcquire
	d.remoteSatisfy = func(target guid.GUID, slot int, payload guid.Fat) {
		o.EnqueueOutgoing(&msg.Message{
			Kind: msg.DepSatisfy, GUID: target, EdtGUID: target,
			Slot: slot, Payload: payload, Dest: guid.HomeOf(target),
		})
	}
	return o
}

// parkRemoteAcquire records an incoming remote fetch that could not be
// granted immediately (home DB held incompatibly); the response goes out
// from resumeRemoteAcquire once the DB's release replay grants it.
func (o *Overlay) parkRemoteAcquire(m *msg.Message) {
	o.fetchMu.Lock()
	o.parkedFetches[m.GUID] = append(o.parkedFetches[m.GUID], m)
	o.fetchMu.Unlock()
}

// resumeRemoteAcquire is the home-side completion of a parked fetch: the
// DB's waiter replay granted (edt, slot), so the matching suspended
// request is answered with the pointer and mode it was waiting for.
func (o *Overlay) resumeRemoteAcquire(db *datablock.DataBlock, w datablock.Waiter) {
	o.fetchMu.Lock()
	list := o.parkedFetches[db.GUID]
	var m *msg.Message
	for i, cand := range list {
		if cand.EdtGUID == w.EDT && cand.Slot == w.Slot {
			m = cand
			o.parkedFetches[db.GUID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	o.fetchMu.Unlock()
	if m == nil {
		return
	}
	origin := m.Src
	m.Pointer = db.Data()
	m.Mode = w.Mode
	m.Size = db.Size
	m.ReturnDetail = 0
	m.Kind = msg.KindNone
	m.Src = o.Location
	m.Dest = origin
	_ = o.Transport.Send(context.Background(), origin, m)
}

// Destination resolves where a message should run: explicit hint, else
// the location derived from a referenced fat-guid's home, else the
// current PD.
func (o *Overlay) Destination(explicitHint guid.Location, referenced guid.GUID) guid.Location {
	if explicitHint.Valid() {
		return explicitHint
	}
	if referenced.Valid() {
		return guid.HomeOf(referenced)
	}
	return o.Location
}

// Route sends m to dest if it names a remote PD (step 2), else hands it
// to the local core (step 3). The returned handle is nil for a purely
// local, synchronous dispatch.
func (o *Overlay) Route(ctx context.Context, dest guid.Location, m *msg.Message) (*msg.Handle, *msg.Message) {
	if dest != o.Location {
		m.Src = o.Location
		h := msg.NewHandle(m)
		if m.Prop&msg.TwoWay != 0 {
			o.RegisterHandle(m, h)
		}
		if err := o.Transport.Send(ctx, dest, m); err != nil {
			h.MarkSendErr()
			return h, nil
		}
		h.MarkSendOK()
		return h, nil
	}
	return nil, o.ProcessMessage(m)
}

// AcquireRemoteDB is the proxy acquire path: looks up or creates a
// Proxy for a remote-home DB, issues a fetch on first touch, and queues
// subsequent acquires on the proxy to be drained and replayed through
// the waiting EDTs' acquire pipelines once the fetch response arrives.
func (o *Overlay) AcquireRemoteDB(ctx context.Context, dbGUID guid.GUID, edtGUID guid.GUID, slot int, want datablock.Mode) ([]byte, datablock.Mode, error) {
	home := guid.HomeOf(dbGUID)
	p, ok := o.proxy(dbGUID)
	if !ok {
		p = o.loadOrStoreProxy(dbGUID, datablock.NewProxy(dbGUID, home))
		o.Provider.RegisterRemote(dbGUID, guid.KindDataBlock)
	}
	if p.BeginFetch() {
		req := &msg.Message{
			Kind: msg.DbAcquire, GUID: dbGUID, EdtGUID: edtGUID, Slot: slot,
			Mode: want, Flags: datablock.Flags(0).With(datablock.RTFetch),
			Prop: msg.TwoWay | msg.Persist,
		}
		h, resp := o.Route(ctx, home, req)
		switch {
		case resp != nil:
			if err := errFromReturnDetail(resp.ReturnDetail); err != nil {
				p.FailFetch()
				return nil, 0, err
			}
			o.completeFetch(p, resp)
		case h != nil:
			go o.awaitRemoteFetch(p, h)
		}
	}
	if data, mode, err := p.Acquire(edtGUID, slot, want); err == nil {
		return data, mode, nil
	}
	if cur, ok := o.proxy(dbGUID); !ok || cur != p {
		// the proxy was relinquished and destroyed between lookup and
		// queue; retry against a fresh one rather than stranding the entry.
		return o.AcquireRemoteDB(ctx, dbGUID, edtGUID, slot, want)
	}
	return nil, 0, ocrerr.New(ocrerr.Pending, "DB_ACQUIRE", "proxy fetch outstanding, acquire queued")
}

// awaitRemoteFetch blocks on the fetch handle and, once the response is
// in, installs the content and replays every queued acquire — this is
// what turns the asynchronous DB_ACQUIRE response back into forward
// progress for the EDTs parked in ALLSAT on this PD.
func (o *Overlay) awaitRemoteFetch(p *datablock.Proxy, h *msg.Handle) {
	status := h.Wait()
	if status != msg.ResponseOK || h.Response == nil {
		p.FailFetch()
		o.drainProxy(p) // retry path: the first replayed acquire re-issues the fetch
		return
	}
	resp := h.Response
	if err := errFromReturnDetail(resp.ReturnDetail); err != nil {
		p.FailFetch()
		o.drainProxy(p)
		return
	}
	o.completeFetch(p, resp)
}

func (o *Overlay) completeFetch(p *datablock.Proxy, resp *msg.Message) {
	size := resp.Size
	if size == 0 {
		size = int64(len(resp.Pointer))
	}
	p.CompleteFetch(size, resp.Pointer, resp.Mode, resp.Flags)
	o.drainProxy(p)
}

// drainProxy re-drives the acquire pipeline of every EDT whose acquire
// was queued on p. Each pipeline's acquire callback lands back in
// AcquireRemoteDB, where the now-RUN proxy grants it against the cached
// bytes.
func (o *Overlay) drainProxy(p *datablock.Proxy) {
	for _, w := range p.Drain() {
		if e, ok := o.edtByGUID(w.EDT); ok {
			go o.driveAcquirePipeline(e)
		}
	}
}

// ReleaseRemoteDB is the RUN -> RELINQUISH half of the proxy cycle: on
// the last local release the outgoing DB_RELEASE (write-back bytes
// attached when required) is queued for the comm worker to send.
func (o *Overlay) ReleaseRemoteDB(ctx context.Context, dbGUID, edtGUID guid.GUID, mode datablock.Mode, wrote bool) error {
	p, ok := o.proxy(dbGUID)
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "DB_RELEASE", "no local proxy for this data-block")
	}
	relinquish, writeBack := p.Release(mode, wrote)
	if !relinquish {
		return nil
	}
	m := &msg.Message{
		Kind: msg.DbRelease, GUID: dbGUID, EdtGUID: edtGUID, Mode: mode,
		Dest: guid.HomeOf(dbGUID), Prop: msg.Outbound,
	}
	if writeBack {
		m.Pointer = p.Data()
		m.Flags = datablock.Flags(0).With(datablock.RTWriteBack)
	}
	o.EnqueueOutgoing(m)
	if p.FinishRelinquish() {
		// acquires queued behind the relinquish survived the reuse; the
		// first one replayed re-issues the fetch from CREATED.
		o.drainProxy(p)
	} else {
		o.mu.Lock()
		delete(o.proxies, dbGUID)
		o.mu.Unlock()
	}
	return nil
}

// CloneTemplate fetches a remote-home template's metadata: on first
// reference one GUID_METADATA_CLONE request is issued per template guid
// (coalesced across concurrent callers via singleflight). An
// application-originated caller busy-waits on the handle; a
// runtime-originated caller gets Pending back and its suspended message
// is replayed from the proxy template's waiter-queue once the clone
// arrives.
func (o *Overlay) CloneTemplate(ctx context.Context, templateGUID guid.GUID, busyWait bool) (*edt.Template, error) {
	if t, ok := o.template(templateGUID); ok {
		return t, nil
	}
	home := guid.HomeOf(templateGUID)
	v, err, _ := o.cloneGroup.Do(uint64Key(templateGUID), func() (any, error) {
		if t, ok := o.template(templateGUID); ok {
			return t, nil
		}
		req := &msg.Message{Kind: msg.GuidMetadataClone, GUID: templateGUID, Prop: msg.TwoWay | msg.Persist}
		h, resp := o.Route(ctx, home, req)
		if resp == nil {
			if h == nil {
				return nil, ocrerr.New(ocrerr.NotSupported, "GUID_METADATA_CLONE", "no route to template home")
			}
			if !busyWait {
				go o.finishTemplateClone(templateGUID, h)
				return nil, ocrerr.New(ocrerr.Pending, "GUID_METADATA_CLONE", "clone in flight, caller suspended")
			}
			if status := h.Wait(); status != msg.ResponseOK {
				return nil, ocrerr.New(ocrerr.Canceled, "GUID_METADATA_CLONE", "clone request did not complete")
			}
			resp = h.Response
		}
		if e := errFromReturnDetail(resp.ReturnDetail); e != nil {
			return nil, e
		}
		return o.installTemplateClone(templateGUID, resp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*edt.Template), nil
}

// finishTemplateClone completes an asynchronous clone: install the
// metadata, then close the waiter-queue and replay every suspended
// message as a runtime task.
func (o *Overlay) finishTemplateClone(templateGUID guid.GUID, h *msg.Handle) {
	if status := h.Wait(); status != msg.ResponseOK || h.Response == nil {
		return
	}
	if errFromReturnDetail(h.Response.ReturnDetail) != nil {
		return
	}
	if _, err := o.installTemplateClone(templateGUID, h.Response); err != nil {
		return
	}
	o.closeTemplateWaiters(templateGUID)
}

func (o *Overlay) installTemplateClone(templateGUID guid.GUID, resp *msg.Message) (*edt.Template, error) {
	var t *edt.Template
	if len(resp.MetadataPtr) > 0 {
		var w edt.WireTemplate
		if _, err := w.DecodeMsgp(resp.MetadataPtr); err != nil {
			return nil, ocrerr.Wrap(ocrerr.InvalidArg, "GUID_METADATA_CLONE", err)
		}
		t = edt.FromWire(w)
		t.GUID = templateGUID
	} else {
		t = &edt.Template{GUID: templateGUID, ParamC: resp.ParamC, DepC: resp.DepC}
	}
	o.storeTemplate(templateGUID, t)
	o.Provider.RegisterRemote(templateGUID, guid.KindTemplate)
	o.Provider.SetMetadata(templateGUID, t)
	return t, nil
}

// suspendOnTemplate parks m on the proxy template's waiter-queue. If the
// queue is already closed (the clone arrived between the caller's Pending
// and this call), m is replayed immediately instead.
func (o *Overlay) suspendOnTemplate(templateGUID guid.GUID, m *msg.Message) {
	o.tmplMu.Lock()
	pt, ok := o.proxyTemplates[templateGUID]
	if !ok {
		pt = &proxyTemplate{}
		o.proxyTemplates[templateGUID] = pt
	}
	o.tmplMu.Unlock()

	pt.mu.Lock()
	closed := pt.closed
	if !closed {
		// a clone that completed between the caller's Pending and this
		// enqueue has already closed the queue; check the provider under
		// the queue lock so the entry can't be stranded.
		if _, have := o.template(templateGUID); have {
			pt.closed = true
			closed = true
		}
	}
	if closed {
		pt.mu.Unlock()
		o.SpawnRuntimeEDT(m)
		return
	}
	pt.waiters = append(pt.waiters, m)
	pt.mu.Unlock()
}

// closeTemplateWaiters atomically closes the waiter-queue after the
// metadata is installed and replays every suspended message.
func (o *Overlay) closeTemplateWaiters(templateGUID guid.GUID) {
	o.tmplMu.Lock()
	pt, ok := o.proxyTemplates[templateGUID]
	if !ok {
		pt = &proxyTemplate{closed: true}
		o.proxyTemplates[templateGUID] = pt
	}
	o.tmplMu.Unlock()
	if !ok {
		return
	}
	pt.mu.Lock()
	pt.closed = true
	waiters := pt.waiters
	pt.waiters = nil
	pt.mu.Unlock()
	for _, m := range waiters {
		o.SpawnRuntimeEDT(m)
	}
}

// CreateDistributedEDT routes a WORK_CREATE to a remote PD: the origin
// satisfies its own parent-latch's INCR before routing (which is why a
// create with non-persistent slot events forces a synchronous
// round-trip), and the destination installs the relaying proxy LATCH
// when it processes the create (see processWorkCreate).
func (o *Overlay) CreateDistributedEDT(ctx context.Context, dest guid.Location, m *msg.Message, slotKinds []event.Kind) (*msg.Message, error) {
	if dest == o.Location {
		return o.ProcessMessage(m), nil
	}
	forceSync := false
	for _, k := range slotKinds {
		if k == event.Once || k == event.Latch {
			forceSync = true
			break
		}
	}
	if m.ParentLatch.Valid() && guid.HomeOf(m.ParentLatch) == o.Location {
		// "so the caller can immediately satisfy its own parent-latch":
		// the INCR happens here at the origin; the remote local core skips
		// it for a latch it doesn't own and DECRs through the proxy latch
		// instead.
		if err := o.satisfyEvent(m.ParentLatch, guid.NilFat, event.SlotIncr); err != nil {
			return nil, err
		}
	}
	m.Prop |= msg.TwoWay
	if forceSync {
		m.Prop |= msg.BlockingSend
	}
	h, resp := o.Route(ctx, dest, m)
	if resp != nil {
		return resp, nil
	}
	if h != nil && (forceSync || m.Prop&msg.FromMsg == 0) {
		// application-originated creates block for the response so the
		// returned guid/output-event are immediately usable.
		if status := h.Wait(); status != msg.ResponseOK {
			return nil, ocrerr.New(ocrerr.Canceled, "WORK_CREATE", "distributed create did not complete")
		}
		return h.Response, nil
	}
	return nil, ocrerr.New(ocrerr.Pending, "WORK_CREATE", "distributed create dispatched asynchronously")
}

// installProxyLatch runs on the destination PD of a distributed EDT
// create whose parent-latch lives elsewhere: it creates a local LATCH
// whose firing relays one DECR to the origin latch, and returns its
// guid for the create to use as the local parent-latch.
func (o *Overlay) installProxyLatch(ctx context.Context, origin guid.GUID) guid.GUID {
	g := o.newGUID(guid.KindEvent, nil)
	e := event.New(g, event.Latch, false)
	originHome := guid.HomeOf(origin)
	e.RegisterWaiter(event.Waiter{
		Tag: "proxy-latch-relay",
		Notify: func(guid.Fat) {
			relay := &msg.Message{
				Kind: msg.DepSatisfy, GUID: origin, EdtGUID: origin,
				Slot: int(event.SlotDecr), Dest: originHome, Prop: msg.Outbound,
			}
			o.EnqueueOutgoing(relay)
		},
	})
	o.storeEvent(g, e)
	o.Provider.SetMetadata(g, e)
	return g
}

// MaybeRequestWork sends an outbound work request to each neighbor the
// CE heuristic admits one for (own queue empty, no request already
// outstanding, child ordering, rate limit). Responses land back
// asynchronously: a granted EDT is pushed onto the requesting worker's
// own deque.
func (o *Overlay) MaybeRequestWork(worker int) {
	ce, ok := o.Heuristic.(*sched.CE)
	if !ok {
		return
	}
	for _, n := range o.Neighbors {
		if !ce.ShouldRequestWork(o.WST, worker, n) {
			continue
		}
		req := &msg.Message{Kind: msg.SchedGetWork, Prop: msg.TwoWay | msg.Persist}
		h, _ := o.Route(context.Background(), n, req)
		if h == nil {
			ce.ClearOutstanding(n)
			continue
		}
		neighbor := n
		go func() {
			defer ce.ClearOutstanding(neighbor)
			if status := h.Wait(); status != msg.ResponseOK || h.Response == nil {
				return
			}
			if resp := h.Response; resp.Payload.GUID.Valid() {
				o.WST.Deque(worker).PushTail(resp.Payload)
			}
		}()
	}
}

// ShutdownBarrier converts a local USER_OK tear-down into a barrier
// across all neighbor PDs: it sends MGT_RL_NOTIFY to every neighbor and
// blocks until each has acked, so no PD advances past COMM_QUIESCE
// before the whole neighborhood has seen the shutdown.
func (o *Overlay) ShutdownBarrier(ctx context.Context, errorCode int) {
	handles := make([]*msg.Handle, 0, len(o.Neighbors))
	for _, n := range o.Neighbors {
		h, _ := o.Route(ctx, n, &msg.Message{Kind: msg.MgtRlNotify, Runlevel: int(runlevel.UserOK), ErrorCode: errorCode, Prop: msg.TwoWay})
		if h != nil {
			handles = append(handles, h)
		}
	}
	for _, h := range handles {
		h.Wait()
	}
}

// AckShutdown records a neighbor's MGT_RL_NOTIFY: the first notification
// received triggers OnRemoteShutdown, whatever this PD's own phase, and
// the first non-zero code wins. Returns true once every neighbor has
// checked in.
func (o *Overlay) AckShutdown(from guid.Location, code int) bool {
	o.shutdownMu.Lock()
	first := len(o.shutdownAcks) == 0
	o.shutdownAcks[from] = true
	if o.shutdownCode == 0 && code != 0 {
		o.shutdownCode = code
	}
	all := len(o.shutdownAcks) >= len(o.Neighbors)
	cb := o.OnRemoteShutdown
	o.shutdownMu.Unlock()
	if first && cb != nil {
		cb(code)
	}
	return all
}

// ShutdownCode returns the exit code recorded from the first non-zero
// shutdown notification, or zero.
func (o *Overlay) ShutdownCode() int {
	o.shutdownMu.Lock()
	defer o.shutdownMu.Unlock()
	return o.shutdownCode
}

func uint64Key(g guid.GUID) string {
	const hex = "0123456789abcdef"
	v := uint64(g)
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func errFromReturnDetail(rd int32) error {
	if rd == 0 {
		return nil
	}
	return ocrerr.New(ocrerr.Kind(rd), "remote", "non-OK returnDetail")
}
