// Package policy, this file: the local-core half of the Computation
// worker's run loop -- GetWork fetches the next runnable EDT from the
// scheduler, Execute drives it from ALLACQ through RUNNING to REAPING,
// and BuildMainEDT assembles the packed-argv mainEDT a PD_MASTER runs
// once USER_OK is reached.
package policy

import (
	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

// GetWork implements the worker.Scheduler contract a computation worker
// needs.
func (d *Domain) GetWork(worker int) (guid.Fat, bool) {
	return d.Heuristic.GetWork(d.WST, worker)
}

// Execute implements the worker.Executor contract. The data-block
// acquires already happened during the ALLSAT->ALLACQ pipeline, so by
// the time the scheduler hands out e it only remains to run the template
// function and reap.
func (d *Domain) Execute(e *edt.EDT) error {
	if e.Template == nil || e.Template.Func == nil {
		return ocrerr.New(ocrerr.InvalidArg, "WORK_EXECUTE", "template has no bound function")
	}
	if err := e.MarkRunning(); err != nil {
		return err
	}
	modes := make(map[guid.GUID]datablock.Mode, len(e.Slots()))
	wrote := make(map[guid.GUID]bool, len(e.Slots()))
	for _, s := range e.Slots() {
		if !s.Payload.GUID.Valid() {
			continue
		}
		modes[s.Payload.GUID] = s.Mode
		if s.Mode != datablock.ModeRO && s.Mode != datablock.ModeConst {
			wrote[s.Payload.GUID] = true
		}
	}
	out, execErr := e.Template.Func(e.ParamV, e.Depv())

	outputEvent, cerr := e.Complete(func(db guid.GUID) {
		d.releaseAfterExecute(db, e.GUID, modes[db], wrote[db])
	})
	if cerr != nil {
		return cerr
	}
	if outputEvent.Valid() {
		d.satisfyOutputEvent(outputEvent, out)
	}
	if e.ParentLatch.Valid() {
		_ = d.satisfyEvent(e.ParentLatch, guid.NilFat, event.SlotDecr)
	}
	d.mu.Lock()
	delete(d.edts, e.GUID)
	d.mu.Unlock()
	d.dropHints(e.GUID)
	d.Provider.Release(e.GUID)
	return execErr
}

// releaseAfterExecute drives DB_RELEASE for one of an EDT's acquired
// slots at EDT exit.
func (d *Domain) releaseAfterExecute(dbGUID, edtGUID guid.GUID, mode datablock.Mode, wrote bool) {
	db, ok := d.dataBlock(dbGUID)
	if !ok {
		// remote-home DB: release through the proxy cache, which sends
		// DB_RELEASE (with write-back bytes if needed) once the last local
		// user lets go.
		if d.remoteRelease != nil {
			_ = d.remoteRelease(dbGUID, edtGUID, mode, wrote)
		}
		return
	}
	reclaimed, _, err := db.Release(edtGUID, mode, wrote)
	if err != nil {
		return
	}
	if reclaimed {
		d.mu.Lock()
		delete(d.datablocks, dbGUID)
		d.mu.Unlock()
		d.Provider.Release(dbGUID)
	}
	for _, w := range db.DrainResumed() {
		d.resumeDBWaiter(db, w)
	}
}

func (d *Domain) satisfyOutputEvent(g guid.GUID, payload guid.Fat) {
	_ = d.satisfyEvent(g, payload, event.SlotDefault)
}

// MainTemplateName is the reserved template name the mainEDT's wire
// projection carries.
const MainTemplateName = "mainEDT"

// BuildMainEDT assembles the blessed worker's entry task: packedArgv
// (first 8 bytes are the total length) is wrapped in a DB, a (0 param,
// 1 dep) template is created carrying fn, and an EDT is created with
// that DB as its sole dependence.
func (d *Domain) BuildMainEDT(packedArgv []byte, fn edt.TaskFunc) (guid.GUID, error) {
	dbGUID := d.newGUID(guid.KindDataBlock, nil)
	prescr := []datablock.Prescription{}
	for i, a := range d.Allocators {
		prescr = append(prescr, datablock.Prescription{AllocatorIndex: i, Allocator: a})
	}
	if len(prescr) == 0 {
		return guid.Nil, ocrerr.New(ocrerr.NoMemory, "mainEDT", "no allocators configured for argv data-block")
	}
	db, _, err := datablock.Create(dbGUID, d.Location, int64(len(packedArgv)), 0, prescr, guid.Nil, datablock.ModeRO)
	if err != nil {
		return guid.Nil, err
	}
	copy(db.Data(), packedArgv)
	d.storeDataBlock(dbGUID, db)
	d.Provider.SetMetadata(dbGUID, db)

	tmplGUID := d.newGUID(guid.KindTemplate, nil)
	tmpl := &edt.Template{GUID: tmplGUID, ParamC: 0, DepC: 1, Name: MainTemplateName, Func: fn}
	d.storeTemplate(tmplGUID, tmpl)
	d.Provider.SetMetadata(tmplGUID, tmpl)

	edtGUID := d.newGUID(guid.KindEDT, nil)
	e := edt.New(edtGUID, tmpl, nil, 1, guid.Nil)
	d.storeEDT(edtGUID, e)
	d.Provider.SetMetadata(edtGUID, e)
	if err := e.AddDependence(0, dbGUID, datablock.ModeRO); err != nil {
		return guid.Nil, err
	}
	d.satisfyEDTSlot(edtGUID, 0, guid.Fat{GUID: dbGUID, Metadata: db})
	return edtGUID, nil
}
