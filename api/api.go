// Package api is the thin application-facing wrapper: each function here
// just builds a Policy Message and hands it to the calling EDT's Policy
// Domain. No business logic lives here -- everything is in
// policy/edt/datablock/event.
package api

import (
	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
)

// Domain is the subset of policy.Overlay the API surface drives.
type Domain interface {
	ProcessMessage(m *msg.Message) *msg.Message
}

// Context carries the caller's execution environment: it is threaded
// explicitly from worker-entry into every API call instead of being read
// off a global.
type Context struct {
	PD         Domain
	CurrentEDT guid.GUID
	// Shutdown is invoked by Shutdown(code); bound by the runtime to the
	// runlevel machine's USER_OK tear-down. Tear-down always goes through
	// the runlevel machine, never directly from here.
	Shutdown func(code int)
}

func statusErr(m *msg.Message, op string) error {
	if m.ReturnDetail == int32(ocrerr.OK) {
		return nil
	}
	return ocrerr.New(ocrerr.Kind(m.ReturnDetail), op, "non-OK returnDetail")
}

// DbCreate wraps DB_CREATE. Pass guid.Invalid as affinity to allocate on
// the calling PD.
func DbCreate(c *Context, size int64, flags datablock.Flags, mode datablock.Mode, affinity guid.Location) (guid.GUID, []byte, datablock.Mode, error) {
	m := &msg.Message{
		Kind: msg.DbCreate, Size: size, Flags: flags, Mode: mode, EdtGUID: c.CurrentEDT,
	}
	if affinity.Valid() {
		m.Affinity = guid.Fat{GUID: guid.LocationGUID(affinity)}
	}
	m = c.PD.ProcessMessage(m)
	if err := statusErr(m, "ocrDbCreate"); err != nil {
		return guid.Nil, nil, 0, err
	}
	return m.GUID, m.Pointer, m.Mode, nil
}

// DbRelease wraps DB_RELEASE.
func DbRelease(c *Context, db guid.GUID, mode datablock.Mode) error {
	m := c.PD.ProcessMessage(&msg.Message{Kind: msg.DbRelease, GUID: db, EdtGUID: c.CurrentEDT, Mode: mode})
	return statusErr(m, "ocrDbRelease")
}

// DbDestroy wraps DB_DESTROY.
func DbDestroy(c *Context, db guid.GUID) error {
	m := c.PD.ProcessMessage(&msg.Message{Kind: msg.DbDestroy, GUID: db, EdtGUID: c.CurrentEDT})
	return statusErr(m, "ocrDbDestroy")
}

// EdtTemplateCreate wraps EDTTEMP_CREATE.
func EdtTemplateCreate(c *Context, fn edt.TaskFunc, paramc, depc int, name string) (guid.GUID, error) {
	m := c.PD.ProcessMessage(&msg.Message{Kind: msg.EdtTempCreate, ParamC: paramc, DepC: depc})
	if err := statusErr(m, "ocrEdtTemplateCreate"); err != nil {
		return guid.Nil, err
	}
	if binder, ok := c.PD.(TemplateBinder); ok {
		binder.BindTemplateFunc(m.GUID, fn, name)
	}
	if name != "" {
		// a named function is resolvable on any PD that clones this
		// template's metadata.
		edt.RegisterTaskFunc(name, fn)
	}
	return m.GUID, nil
}

// TemplateBinder lets a Domain install the application function pointer
// and display name a bare EDTTEMP_CREATE can't carry over the generic
// message path (the runtime resolves it locally by guid immediately
// after creation, before any remote clone could race it).
type TemplateBinder interface {
	BindTemplateFunc(tmpl guid.GUID, fn edt.TaskFunc, name string)
}

// EdtCreate wraps WORK_CREATE. Pass guid.Invalid as affinity for a local
// create; set wantOutputEvent to receive a ONCE event satisfied with the
// EDT's return fat-guid.
func EdtCreate(c *Context, tmpl guid.GUID, paramv []int64, depc int, affinity guid.Location, parentLatch guid.GUID, wantOutputEvent bool) (edtGUID, outputEvent guid.GUID, err error) {
	m := &msg.Message{
		Kind: msg.WorkCreate, TemplateGUID: tmpl,
		ParamV: paramv, ParamC: len(paramv), DepC: depc,
		CurrentEdt: c.CurrentEDT, ParentLatch: parentLatch,
		Prop: msg.TwoWay,
	}
	if affinity.Valid() {
		m.Affinity = guid.Fat{GUID: guid.LocationGUID(affinity)}
	}
	if wantOutputEvent {
		m.OutputEvent = guid.Uninitialized
	}
	m = c.PD.ProcessMessage(m)
	if err := statusErr(m, "ocrEdtCreate"); err != nil {
		return guid.Nil, guid.Nil, err
	}
	return m.GUID, m.OutputEvent, nil
}

// AddDependence wraps DEP_ADD (and the implicit DEP_SATISFY a DB->EDT
// add performs).
func AddDependence(c *Context, source guid.GUID, dest guid.GUID, slot int, mode datablock.Mode) error {
	m := c.PD.ProcessMessage(&msg.Message{
		Kind: msg.DepAdd, Source: guid.Fat{GUID: source}, EdtGUID: dest, Slot: slot, Mode: mode,
	})
	return statusErr(m, "ocrAddDependence")
}

// EventCreate wraps EVT_CREATE.
func EventCreate(c *Context, kind event.Kind, takesArg bool) (guid.GUID, error) {
	flags := datablock.Flags(0)
	if !takesArg {
		flags = flags.With(datablock.NoAcquire)
	}
	m := c.PD.ProcessMessage(&msg.Message{Kind: msg.EvtCreate, WorkType: int(kind), Flags: flags})
	if err := statusErr(m, "ocrEventCreate"); err != nil {
		return guid.Nil, err
	}
	return m.GUID, nil
}

// EventSatisfy delivers a satisfaction to an event or an EDT slot. It
// always issues DEP_SATISFY and lets the Policy Domain dispatch on the
// target's kind, so callers don't need to know which they hold.
func EventSatisfy(c *Context, target guid.GUID, payload guid.Fat, slot int) error {
	m := c.PD.ProcessMessage(&msg.Message{
		Kind: msg.DepSatisfy, GUID: target, Payload: payload, Slot: slot, EdtGUID: target,
	})
	return statusErr(m, "ocrEventSatisfy")
}

// Shutdown requests a clean exit with code: it does not itself drive the
// runlevel machine -- it invokes the callback the runtime bound at
// bring-up, which does.
func Shutdown(c *Context, code int) {
	if c.Shutdown != nil {
		c.Shutdown(code)
	}
}
