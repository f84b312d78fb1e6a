package api_test

import (
	"testing"

	"github.com/ModeladoFoundation/ocr-sub001/api"
	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/policy"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
	"github.com/ModeladoFoundation/ocr-sub001/transport"
)

type memAlloc struct{}

func (memAlloc) Alloc(size int64, _ int) ([]byte, error) { return make([]byte, size), nil }
func (memAlloc) Free([]byte)                             {}

func newCtx() *api.Context {
	d := policy.NewDomain(guid.Location(0), []policy.Allocator{memAlloc{}}, sched.NewHC(1), sched.NewWST(1), transport.NewMemory(), nil, true)
	return &api.Context{PD: policy.NewOverlay(d)}
}

func TestDbCreateReturnsBackingStore(t *testing.T) {
	c := newCtx()
	g, ptr, mode, err := api.DbCreate(c, 32, 0, datablock.ModeRW, guid.Invalid)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Valid() || len(ptr) != 32 || mode != datablock.ModeRW {
		t.Fatalf("unexpected create result: %v %d %v", g, len(ptr), mode)
	}
	if err := api.DbRelease(c, g, datablock.ModeRW); err != nil {
		t.Fatal(err)
	}
}

func TestEdtCreateWithOutputEvent(t *testing.T) {
	c := newCtx()
	tmpl, err := api.EdtTemplateCreate(c, func([]int64, []edt.Dep) (guid.Fat, error) {
		return guid.NilFat, nil
	}, 0, 0, "api-probe")
	if err != nil {
		t.Fatal(err)
	}
	edtGUID, outEvt, err := api.EdtCreate(c, tmpl, nil, 0, guid.Invalid, guid.Nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !edtGUID.Valid() {
		t.Fatalf("expected a valid edt guid")
	}
	if !outEvt.Valid() || outEvt == guid.Uninitialized {
		t.Fatalf("expected a minted output event, got %v", outEvt)
	}
}

func TestStickyRepeatSatisfyIsHardError(t *testing.T) {
	c := newCtx()
	evt, err := api.EventCreate(c, event.Sticky, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := api.EventSatisfy(c, evt, guid.NilFat, 0); err != nil {
		t.Fatal(err)
	}
	err = api.EventSatisfy(c, evt, guid.NilFat, 0)
	if err == nil {
		t.Fatalf("expected repeat STICKY satisfaction to fail")
	}
	if ocrerr.KindOf(err) != ocrerr.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", ocrerr.KindOf(err))
	}
}
