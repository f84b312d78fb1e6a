package edt

import (
	"testing"

	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

func TestLifecycleCreatedToAllDeps(t *testing.T) {
	e := New(guid.GUID(1), &Template{GUID: guid.GUID(2), DepC: 2}, nil, 2, guid.Nil)
	if e.State() != Created {
		t.Fatalf("expected CREATED, got %v", e.State())
	}
	if err := e.AddDependence(0, guid.GUID(10), datablock.ModeRO); err != nil {
		t.Fatal(err)
	}
	if e.State() != Created {
		t.Fatalf("expected still CREATED after one of two deps added")
	}
	if err := e.AddDependence(1, guid.GUID(11), datablock.ModeRW); err != nil {
		t.Fatal(err)
	}
	if e.State() != AllDeps {
		t.Fatalf("expected ALLDEPS once every slot has a signaler, got %v", e.State())
	}
}

func TestPartialThenAllSat(t *testing.T) {
	e := New(guid.GUID(1), &Template{DepC: 2}, nil, 2, guid.Nil)
	_ = e.AddDependence(0, guid.GUID(10), datablock.ModeRO)
	_ = e.AddDependence(1, guid.GUID(11), datablock.ModeRO)

	if err := e.SatisfySlot(0, guid.Fat{GUID: guid.GUID(100)}); err != nil {
		t.Fatal(err)
	}
	if e.State() != Partial {
		t.Fatalf("expected PARTIAL, got %v", e.State())
	}
	if err := e.SatisfySlot(1, guid.Fat{GUID: guid.GUID(101)}); err != nil {
		t.Fatal(err)
	}
	if e.State() != AllSat {
		t.Fatalf("expected ALLSAT, got %v", e.State())
	}
	if err := e.SatisfySlot(0, guid.Fat{GUID: guid.GUID(999)}); err == nil {
		t.Fatalf("expected error on re-satisfying an already-satisfied slot")
	}
}

func TestAcquirePipelineToAllAcq(t *testing.T) {
	e := New(guid.GUID(1), &Template{DepC: 1}, nil, 1, guid.Nil)
	_ = e.AddDependence(0, guid.GUID(10), datablock.ModeRO)
	_ = e.SatisfySlot(0, guid.Fat{GUID: guid.GUID(100)})

	done, err := e.RunAcquirePipeline(func(slot int, db guid.GUID, want datablock.Mode) ([]byte, datablock.Mode, error) {
		return nil, want, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatalf("expected acquire pipeline to complete")
	}
	if e.State() != AllAcq {
		t.Fatalf("expected ALLACQ, got %v", e.State())
	}
}

func TestAcquirePipelinePendingStaysAllSat(t *testing.T) {
	e := New(guid.GUID(1), &Template{DepC: 1}, nil, 1, guid.Nil)
	_ = e.AddDependence(0, guid.GUID(10), datablock.ModeRW)
	_ = e.SatisfySlot(0, guid.Fat{GUID: guid.GUID(100)})

	done, err := e.RunAcquirePipeline(func(slot int, db guid.GUID, want datablock.Mode) ([]byte, datablock.Mode, error) {
		return nil, 0, ocrerr.New(ocrerr.Pending, "DB_ACQUIRE", "queued")
	})
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatalf("expected pipeline to remain incomplete on Pending")
	}
	if e.State() != AllSat {
		t.Fatalf("expected to stay in ALLSAT while a slot is pending, got %v", e.State())
	}
}

func TestCompleteReleasesAndReports(t *testing.T) {
	e := New(guid.GUID(1), &Template{DepC: 1}, nil, 1, guid.GUID(500))
	_ = e.AddDependence(0, guid.GUID(10), datablock.ModeRO)
	_ = e.SatisfySlot(0, guid.Fat{GUID: guid.GUID(100)})
	if _, err := e.RunAcquirePipeline(func(slot int, db guid.GUID, want datablock.Mode) ([]byte, datablock.Mode, error) {
		return nil, want, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkRunning(); err != nil {
		t.Fatal(err)
	}

	var released []guid.GUID
	out, err := e.Complete(func(db guid.GUID) { released = append(released, db) })
	if err != nil {
		t.Fatal(err)
	}
	if out != guid.GUID(500) {
		t.Fatalf("expected output event guid 500, got %v", out)
	}
	if len(released) != 1 || released[0] != guid.GUID(100) {
		t.Fatalf("expected the acquired DB 100 to be released, got %v", released)
	}
	if e.State() != Reaping {
		t.Fatalf("expected REAPING, got %v", e.State())
	}
}
