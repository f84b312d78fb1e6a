package policy

import (
	"context"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/hint"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
)

// ProcessMessage overrides the embedded Domain's local-only dispatcher
// with the distributed routing rule: determine the destination (explicit
// affinity -> referenced fat-guid's home -> this PD), forward
// remote-bound messages through the transport, and intercept the
// protocols — template clone, proxy DB acquire/release, distributed EDT
// create — that need overlay state before or instead of the local core.
func (o *Overlay) ProcessMessage(m *msg.Message) *msg.Message {
	ctx := context.Background()

	// comm-worker outbound path: a message queued via EnqueueOutgoing
	// comes back through here for the actual send.
	if m.Prop&msg.Outbound != 0 && m.Dest != o.Location {
		m.Prop &^= msg.Outbound
		if _, resp := o.Route(ctx, m.Dest, m); resp != nil {
			return resp
		}
		return m
	}
	m.Prop &^= msg.Outbound

	switch m.Kind {
	case msg.WorkCreate:
		return o.processWorkCreate(ctx, m)

	case msg.DbAcquire:
		if guid.HomeOf(m.GUID) != o.Location {
			data, mode, err := o.AcquireRemoteDB(ctx, m.GUID, m.EdtGUID, m.Slot, m.Mode)
			if err == nil {
				m.Pointer, m.Mode, m.Size = data, mode, int64(len(data))
			}
			m.ReturnDetail = int32(ocrerr.KindOf(err))
			return m
		}

	case msg.DbRelease:
		if guid.HomeOf(m.GUID) != o.Location {
			err := o.ReleaseRemoteDB(ctx, m.GUID, m.EdtGUID, m.Mode, m.Flags.Has(datablock.RTWriteBack))
			m.ReturnDetail = int32(ocrerr.KindOf(err))
			return m
		}

	case msg.DepAdd, msg.DepSatisfy:
		// the dependence target owns the operation; only the target's home
		// PD can mutate its slot state.
		if target := m.EdtGUID; target.Valid() && guid.HomeOf(target) != o.Location {
			return o.forward(ctx, guid.HomeOf(target), m)
		}

	case msg.EvtSatisfy, msg.EvtRegisterWaiter:
		if m.GUID.Valid() && guid.HomeOf(m.GUID) != o.Location {
			return o.forward(ctx, guid.HomeOf(m.GUID), m)
		}

	case msg.DbCreate:
		if aff := m.Affinity.GUID; aff.Valid() && guid.HomeOf(aff) != o.Location {
			return o.forward(ctx, guid.HomeOf(aff), m)
		}
	}
	return o.Domain.ProcessMessage(m)
}

// forward ships m to dest and blocks for the response, so the caller
// observes the same request/response buffer contract a local dispatch
// gives, just across the wire.
func (o *Overlay) forward(ctx context.Context, dest guid.Location, m *msg.Message) *msg.Message {
	m.Prop |= msg.TwoWay
	h, resp := o.Route(ctx, dest, m)
	if resp != nil {
		return resp
	}
	if h == nil {
		m.ReturnDetail = int32(ocrerr.NotSupported)
		return m
	}
	if status := h.Wait(); status != msg.ResponseOK {
		m.ReturnDetail = int32(ocrerr.Canceled)
		return m
	}
	return h.Response
}

// processWorkCreate runs the distributed WORK_CREATE protocol in front
// of the local handler: clone a remote-home template (busy-waiting for
// application callers, waiter-queue suspension for runtime ones),
// install the relaying proxy LATCH for a cross-PD parent-latch, and
// route the create to its affinity destination.
func (o *Overlay) processWorkCreate(ctx context.Context, m *msg.Message) *msg.Message {
	dest := o.Location
	if aff := m.Affinity.GUID; aff.Valid() {
		dest = guid.HomeOf(aff)
	} else if loc, ok := o.Provider.Hint(hint.EdtAffinity.IndexName(), m.TemplateGUID); ok {
		// an EDT_AFFINITY hint set on the template places every instance
		// created from it, absent an explicit per-create affinity
		dest = loc
	}
	if dest != o.Location {
		slotKinds := o.slotEventKinds(m.Depv)
		resp, err := o.CreateDistributedEDT(ctx, dest, m, slotKinds)
		if err != nil {
			m.ReturnDetail = int32(ocrerr.KindOf(err))
			return m
		}
		return resp
	}

	if guid.HomeOf(m.TemplateGUID) != o.Location {
		if _, ok := o.template(m.TemplateGUID); !ok {
			busyWait := m.Prop&msg.FromMsg == 0
			if _, err := o.CloneTemplate(ctx, m.TemplateGUID, busyWait); err != nil {
				if ocrerr.KindOf(err) == ocrerr.Pending && !busyWait {
					o.suspendOnTemplate(m.TemplateGUID, m)
				}
				m.ReturnDetail = int32(ocrerr.KindOf(err))
				return m
			}
		}
	}

	if m.ParentLatch.Valid() && guid.HomeOf(m.ParentLatch) != o.Location {
		m.ParentLatch = o.installProxyLatch(ctx, m.ParentLatch)
	}
	return o.Domain.ProcessMessage(m)
}

// slotEventKinds resolves the event kinds carried by a create's depv, the
// input to the force-synchronous rule for non-persistent events.
func (o *Overlay) slotEventKinds(depv []guid.Fat) []event.Kind {
	kinds := make([]event.Kind, 0, len(depv))
	for _, dep := range depv {
		if guid.KindOf(dep.GUID) != guid.KindEvent {
			continue
		}
		if e, ok := o.event(dep.GUID); ok {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// EnqueueOutgoing makes m available to the comm worker's next COMM_TAKE;
// the caller must have already set m.Dest to the remote location the
// message is bound for. The Outbound bit tells the dispatcher to send
// rather than process when the comm worker hands it back.
func (o *Overlay) EnqueueOutgoing(m *msg.Message) {
	m.Prop |= msg.Outbound
	o.Heuristic.Give(guid.Fat{GUID: guid.Nil, Metadata: m}, sched.SchedOpts{})
}

// TakeOutgoing implements worker.Domain: pop one COMM_TAKE-eligible
// outgoing message, if any.
func (o *Overlay) TakeOutgoing() (*msg.Message, bool) {
	item, ok := o.Heuristic.Take(sched.SchedOpts{})
	if !ok {
		return nil, false
	}
	m, ok := item.Metadata.(*msg.Message)
	return m, ok
}

// PollIncoming implements worker.Domain over the configured Transport.
func (o *Overlay) PollIncoming() (*msg.Message, bool) {
	return o.Transport.Poll(o.Location)
}

// OutgoingCount/IncomingCount implement worker.Domain's COMM_QUIESCE
// check: the drain completes only once the transport reports no
// outgoing and no incoming traffic.
func (o *Overlay) OutgoingCount() int { return o.Transport.Outgoing(o.Location) }
func (o *Overlay) IncomingCount() int { return o.Transport.Incoming(o.Location) }

// RegisterHandle assigns req an id and records h so a later
// GiveIncoming carrying a response with that id can be routed back to
// the msg.Handle an application-originated TWOWAY send is blocked on.
func (o *Overlay) RegisterHandle(req *msg.Message, h *msg.Handle) {
	o.handleMu.Lock()
	o.handleSeq++
	req.ID = o.handleSeq
	if o.handles == nil {
		o.handles = make(map[uint64]*msg.Handle)
	}
	o.handles[req.ID] = h
	o.handleMu.Unlock()
}

// GiveIncoming implements worker.Domain: routes a synchronous RESPONSE
// back to the application-originated Handle it answers.
func (o *Overlay) GiveIncoming(resp *msg.Message) {
	o.handleMu.Lock()
	h, ok := o.handles[resp.ID]
	if ok {
		delete(o.handles, resp.ID)
	}
	o.handleMu.Unlock()
	if ok {
		h.MarkResponse(resp)
	}
}

// SpawnRuntimeEDT implements worker.Domain: wraps m in a
// zero-dependence (hence immediately runnable) runtime EDT whose body
// re-enters the overlay dispatch with FROM_MSG set and, for a TWOWAY
// request, ships the mutated buffer straight back to the sender — the
// request buffer doubles as the response buffer. The normal
// acquire-pipeline/scheduler path then runs it on a computation worker
// instead of on the comm worker's own thread.
func (o *Overlay) SpawnRuntimeEDT(m *msg.Message) {
	m.Prop |= msg.FromMsg
	tmplGUID := o.newGUID(guid.KindTemplate, nil)
	tmpl := &edt.Template{
		GUID: tmplGUID,
		Name: "runtime:" + m.Kind.String(),
		Func: func([]int64, []edt.Dep) (guid.Fat, error) {
			resp := o.ProcessMessage(m)
			if ocrerr.Kind(resp.ReturnDetail) == ocrerr.Pending {
				// the operation parked itself (proxy queue, template
				// waiter-queue, DB waiter list); its replay answers the
				// sender, so no response goes out now.
				if resp.Kind == msg.DbAcquire && resp.Prop&msg.TwoWay != 0 && resp.Src.Valid() && resp.Src != o.Location {
					o.parkRemoteAcquire(resp)
				}
				return guid.NilFat, nil
			}
			if resp.Prop&msg.TwoWay != 0 && resp.Src.Valid() && resp.Src != o.Location {
				origin := resp.Src
				resp.Kind = msg.KindNone
				resp.Src = o.Location
				resp.Dest = origin
				_ = o.Transport.Send(context.Background(), origin, resp)
			}
			return guid.NilFat, nil
		},
	}
	o.storeTemplate(tmplGUID, tmpl)
	o.Provider.SetMetadata(tmplGUID, tmpl)

	g := o.newGUID(guid.KindEDT, nil)
	e := edt.New(g, tmpl, nil, 0, guid.Nil)
	o.storeEDT(g, e)
	o.Provider.SetMetadata(g, e)
	o.driveAcquirePipeline(e)
}
