// Package datablock implements the Data-Block object and its distributed
// proxy cache: a contiguous byte region with size, owning
// allocator/domain, access-mode state, a waiter list, and user-visible
// hint storage.
package datablock

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/hint"
	"github.com/ModeladoFoundation/ocr-sub001/internal/debug"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

// Allocator abstracts the low-level memory allocator, which lives
// outside this package; DataBlock only ever calls Alloc/Free through
// this.
type Allocator interface {
	// Alloc reserves size bytes under contention hint h, returning the
	// backing slice or an error (ENOMEM-equivalent handled by the caller).
	Alloc(size int64, contentionHint int) ([]byte, error)
	Free([]byte)
}

// Prescription is an ordered (allocatorIndex, contentionHint) pair list
// tried in order at DB_CREATE until one succeeds or all are exhausted.
type Prescription struct {
	AllocatorIndex int
	ContentionHint int
	Allocator      Allocator
}

// Waiter is a pending acquire queued on a Data-Block because its mode was
// not immediately compatible with currently-held modes.
type Waiter struct {
	EDT  guid.GUID
	Slot int
	Mode Mode
}

// Attrs bundles the Data-Block's mutable bookkeeping counters.
type Attrs struct {
	ActiveUsers    int32 // EDTs/app holding the DB for user-visible acquire
	InternalUsers  int32 // runtime-internal holds (RT_ACQUIRE/RT_FETCH/RT_WRITE_BACK)
	FreeRequested  bool
	SingleAssigned bool // SINGLE_ASSIGNMENT has produced its one write-back
}

// DataBlock is the core object. Exactly one DataBlock exists per guid
// (enforced by the owning Policy Domain's registry, not here); its data
// pointer is only valid while the current PD holds it among the active
// users.
type DataBlock struct {
	GUID        guid.GUID
	OwningAlloc Allocator
	OwningPD    guid.Location
	Size        int64

	mu       sync.Mutex
	data     []byte
	flags    Flags
	attrs    Attrs
	heldModes []Mode // modes currently granted to active users
	waiters  []Waiter
	resumed  []Waiter // waiters granted by the most recent Release-triggered replay
	hints    *hint.Set

	destroyed bool
}

// Create allocates size bytes via the prescription list, instantiates the
// DataBlock and, unless NO_ACQUIRE is set, acquires it in defMode for
// edt.
func Create(g guid.GUID, home guid.Location, size int64, flags Flags, prescr []Prescription, edt guid.GUID, defMode Mode) (*DataBlock, Mode, error) {
	if size < 0 || (flags.Has(SingleAssignment) && flags.Has(NoAcquire)) {
		return nil, 0, ocrerr.New(ocrerr.InvalidArg, "DB_CREATE", "negative size or incompatible NO_ACQUIRE+SINGLE_ASSIGNMENT")
	}
	if len(prescr) == 0 {
		return nil, 0, ocrerr.New(ocrerr.InvalidArg, "DB_CREATE", "empty allocator prescription")
	}
	var (
		alloc Allocator
		data  []byte
		err   error
	)
	for _, p := range prescr {
		data, err = p.Allocator.Alloc(size, p.ContentionHint)
		if err == nil {
			alloc = p.Allocator
			break
		}
	}
	if alloc == nil {
		return nil, 0, ocrerr.New(ocrerr.NoMemory, "DB_CREATE", "all allocators in prescription exhausted")
	}

	db := &DataBlock{
		GUID:        g,
		OwningAlloc: alloc,
		OwningPD:    home,
		Size:        size,
		data:        data,
		flags:       flags,
		hints:       hint.New(hint.ScopeDB),
	}
	if flags.Has(NoAcquire) {
		return db, 0, nil
	}
	mode, err := db.acquireLocked(edt, 0, defMode)
	return db, mode, err
}

// Data returns the backing bytes, valid only while called by a holder
// that is among the active users. User code holds the pointer without
// locks; mode-based scheduling provides the exclusivity.
func (db *DataBlock) Data() []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.data
}

func (db *DataBlock) Flags() Flags {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flags
}

func (db *DataBlock) Hints() *hint.Set { return db.hints }

// Acquire registers edt as a user in mode `want`. If want is immediately
// compatible with currently held modes, it succeeds synchronously;
// otherwise the acquire is queued and ocrerr.Busy/Pending is returned —
// the caller (the EDT's acquire pipeline, or a direct RT_ACQUIRE) must
// wait for the release-triggered replay.
func (db *DataBlock) Acquire(edt guid.GUID, slot int, want Mode) (Mode, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.acquireLocked(edt, slot, want)
}

func (db *DataBlock) acquireLocked(edt guid.GUID, slot int, want Mode) (Mode, error) {
	if db.destroyed {
		return 0, ocrerr.New(ocrerr.PermissionDenied, "DB_ACQUIRE", "acquire on destroyed data-block")
	}
	if db.attrs.FreeRequested {
		return 0, ocrerr.New(ocrerr.PermissionDenied, "DB_ACQUIRE", "acquire after free-requested")
	}
	if !Compatible(db.heldModes, want) {
		db.waiters = append(db.waiters, Waiter{EDT: edt, Slot: slot, Mode: want})
		return 0, ocrerr.New(ocrerr.Pending, "DB_ACQUIRE", "mode not immediately compatible, queued")
	}
	db.heldModes = append(db.heldModes, want)
	db.attrs.ActiveUsers++
	return want, nil
}

// Release decrements the user count. If the releaser was the last user
// and the DB is free-requested, it reclaims; if writes were performed a
// write-back is due, reported via the returned bool so the distributed
// overlay can attach bytes to the RELEASE message.
func (db *DataBlock) Release(edt guid.GUID, released Mode, wrote bool) (reclaimed, writeBack bool, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.destroyed {
		return false, false, ocrerr.New(ocrerr.PermissionDenied, "DB_RELEASE", "release on destroyed data-block")
	}
	db.heldModes = removeOneMode(db.heldModes, released)
	db.attrs.ActiveUsers--
	debug.Assert(db.attrs.ActiveUsers >= 0, "active user count went negative")

	writeBack = wrote && NeedsWriteBack(released) && db.writeBackAllowed()
	if writeBack && db.flags.Has(SingleAssignment) {
		db.attrs.SingleAssigned = true
	}

	if db.attrs.ActiveUsers == 0 && db.attrs.FreeRequested && db.attrs.InternalUsers == 0 {
		reclaimed = true
		db.destroyed = true
		if db.OwningAlloc != nil {
			db.OwningAlloc.Free(db.data)
		}
		db.data = nil
	} else if len(db.waiters) > 0 {
		db.replayWaitersLocked()
	}
	return reclaimed, writeBack, nil
}

func (db *DataBlock) writeBackAllowed() bool {
	if !db.flags.Has(SingleAssignment) {
		return true
	}
	return !db.attrs.SingleAssigned
}

func removeOneMode(modes []Mode, m Mode) []Mode {
	for i, mm := range modes {
		if mm == m {
			return append(modes[:i], modes[i+1:]...)
		}
	}
	return modes
}

// replayWaitersLocked scans queued waiters in arrival order and admits
// each one that is compatible with the modes held at that point (including
// those admitted earlier in the same scan); incompatible waiters stay
// queued in their original order and do not stop the scan.
func (db *DataBlock) replayWaitersLocked() {
	kept := db.waiters[:0]
	for _, w := range db.waiters {
		if Compatible(db.heldModes, w.Mode) {
			db.heldModes = append(db.heldModes, w.Mode)
			db.attrs.ActiveUsers++
			// Resumption is driven by the caller via DrainResumed; here we
			// only grant the slot, the caller (Policy Domain) is
			// responsible for re-delivering DEP_SATISFY/DB_ACQUIRE to w.EDT.
			db.resumed = append(db.resumed, w)
		} else {
			kept = append(kept, w)
		}
	}
	db.waiters = kept
}

// DrainResumed returns and clears the waiters that were just granted a
// slot by a Release-triggered replay, so the Policy Domain can resume
// their pending DB_ACQUIRE.
func (db *DataBlock) DrainResumed() []Waiter {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := db.resumed
	db.resumed = nil
	return out
}

// Free marks the DB free-requested. If heldByCaller, an implicit release
// happens first. Actual reclamation happens once active+internal users
// reach zero.
func (db *DataBlock) Free(edt guid.GUID, heldByCaller bool, releasedMode Mode) (reclaimed bool, err error) {
	db.mu.Lock()
	if db.destroyed {
		db.mu.Unlock()
		return false, ocrerr.New(ocrerr.PermissionDenied, "DB_DESTROY", "double destroy")
	}
	db.attrs.FreeRequested = true
	db.mu.Unlock()

	if !heldByCaller {
		if db.attrs.ActiveUsers == 0 && db.attrs.InternalUsers == 0 {
			db.mu.Lock()
			db.destroyed = true
			if db.OwningAlloc != nil {
				db.OwningAlloc.Free(db.data)
			}
			db.data = nil
			db.mu.Unlock()
			return true, nil
		}
		return false, nil
	}
	reclaimed, _, err = db.Release(edt, releasedMode, false)
	return reclaimed, err
}

// Checksum computes an xxhash64 digest of the current bytes. The proxy
// fetch and write-back paths do not call it.
func (db *DataBlock) Checksum() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return xxhash.Checksum64(db.data)
}

func (db *DataBlock) Destroyed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.destroyed
}

func (db *DataBlock) ActiveUsers() int32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.attrs.ActiveUsers
}
