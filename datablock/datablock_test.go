package datablock

import (
	"testing"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
)

type memAlloc struct{}

func (memAlloc) Alloc(size int64, _ int) ([]byte, error) { return make([]byte, size), nil }
func (memAlloc) Free([]byte)                             {}

type failAlloc struct{}

func (failAlloc) Alloc(int64, int) ([]byte, error) { return nil, errNoMem }
func (failAlloc) Free([]byte)                       {}

var errNoMem = &allocErr{}

type allocErr struct{}

func (*allocErr) Error() string { return "out of memory" }

func TestCreateAcquiresDefaultMode(t *testing.T) {
	db, mode, err := Create(guid.GUID(1), guid.Location(0), 16, 0,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(100), ModeRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != ModeRW {
		t.Fatalf("expected RW, got %v", mode)
	}
	if db.ActiveUsers() != 1 {
		t.Fatalf("expected 1 active user, got %d", db.ActiveUsers())
	}
}

func TestCreateExhaustedAllocatorsIsNoMemory(t *testing.T) {
	_, _, err := Create(guid.GUID(1), guid.Location(0), 16, 0,
		[]Prescription{{Allocator: failAlloc{}}}, guid.GUID(100), ModeRW)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestNoAcquireSkipsImplicitAcquire(t *testing.T) {
	db, mode, err := Create(guid.GUID(1), guid.Location(0), 16, NoAcquire,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(100), ModeRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != 0 {
		t.Fatalf("expected zero mode with NO_ACQUIRE")
	}
	if db.ActiveUsers() != 0 {
		t.Fatalf("expected 0 active users with NO_ACQUIRE")
	}
}

func TestConcurrentROAcquiresAreCompatible(t *testing.T) {
	db, _, err := Create(guid.GUID(1), guid.Location(0), 16, NoAcquire,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(10), 0, ModeRO); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(11), 0, ModeRO); err != nil {
		t.Fatalf("second RO acquire should be compatible: %v", err)
	}
	if db.ActiveUsers() != 2 {
		t.Fatalf("expected 2 active users, got %d", db.ActiveUsers())
	}
}

func TestEWAcquireIsExclusive(t *testing.T) {
	db, _, err := Create(guid.GUID(1), guid.Location(0), 16, NoAcquire,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(10), 0, ModeEW); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(11), 0, ModeRO); err == nil {
		t.Fatalf("expected second acquire to be rejected while EW is held")
	}
}

func TestReleaseReplaysQueuedWaiter(t *testing.T) {
	db, _, err := Create(guid.GUID(1), guid.Location(0), 16, NoAcquire,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(10), 0, ModeEW); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(11), 0, ModeRO); err == nil {
		t.Fatalf("expected pending")
	}
	if _, _, err := db.Release(guid.GUID(10), ModeEW, false); err != nil {
		t.Fatal(err)
	}
	resumed := db.DrainResumed()
	if len(resumed) != 1 || resumed[0].EDT != guid.GUID(11) {
		t.Fatalf("expected waiter 11 to be resumed, got %v", resumed)
	}
}

func TestAcquireOnDestroyedIsPermissionDenied(t *testing.T) {
	db, _, err := Create(guid.GUID(1), guid.Location(0), 16, NoAcquire,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed, err := db.Free(guid.GUID(0), false, 0); err != nil || !reclaimed {
		t.Fatalf("expected immediate reclaim with no holders: reclaimed=%v err=%v", reclaimed, err)
	}
	if _, err := db.Acquire(guid.GUID(5), 0, ModeRO); err == nil {
		t.Fatalf("expected PermissionDenied acquiring a destroyed DB")
	}
}

func TestDoubleDestroyIsPermissionDenied(t *testing.T) {
	db, _, err := Create(guid.GUID(1), guid.Location(0), 16, NoAcquire,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Free(guid.GUID(0), false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Free(guid.GUID(0), false, 0); err == nil {
		t.Fatalf("expected error on double destroy")
	}
}

func TestSingleAssignmentWritesBackOnce(t *testing.T) {
	db, _, err := Create(guid.GUID(1), guid.Location(0), 16, SingleAssignment,
		[]Prescription{{Allocator: memAlloc{}}}, guid.GUID(0), ModeRW)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Acquire(guid.GUID(1), 0, ModeRW); err != nil {
		t.Fatal(err)
	}
	_, wb1, err := db.Release(guid.GUID(1), ModeRW, true)
	if err != nil || !wb1 {
		t.Fatalf("expected first write-back to fire: wb=%v err=%v", wb1, err)
	}
	if _, err := db.Acquire(guid.GUID(2), 0, ModeRW); err != nil {
		t.Fatal(err)
	}
	_, wb2, err := db.Release(guid.GUID(2), ModeRW, true)
	if err != nil {
		t.Fatal(err)
	}
	if wb2 {
		t.Fatalf("expected second write-back to be suppressed by single-assignment")
	}
}
