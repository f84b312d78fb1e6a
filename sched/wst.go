package sched

import (
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/hint"
)

// WST is the root scheduler object: one deque per worker plus an
// optional spawn-queue.
type WST struct {
	deques     []*Deque
	spawnQueue *Deque
}

func NewWST(nWorkers int) *WST {
	w := &WST{deques: make([]*Deque, nWorkers), spawnQueue: NewDeque()}
	for i := range w.deques {
		w.deques[i] = NewDeque()
	}
	return w
}

func (w *WST) NumWorkers() int { return len(w.deques) }

func (w *WST) Deque(worker int) *Deque { return w.deques[worker] }

func (w *WST) SpawnQueue() *Deque { return w.spawnQueue }

// AffinityResolver maps a DB's MEM_AFFINITY location hint to the worker
// index that owns that location, when the EDT and DB share a Policy
// Domain; distributed placement across PDs is the policy layer's job,
// not the scheduler's.
type AffinityResolver func(loc guid.Location) (worker int, ok bool)

// SlotDBLookup resolves the MEM_AFFINITY location of the data-block on
// the EDT slot named by its SLOT_MAX_ACCESS hint.
type SlotDBLookup func(edt guid.GUID, slot int) (dbAffinity guid.Location, hasAffinity bool)

// Route implements the notify(EDT_READY) placement rule:
// SLOT_MAX_ACCESS+MEM_AFFINITY routing, else the invoking worker's own
// deque, with SPAWNING overriding both to the root spawn-queue.
func (w *WST) Route(invokingWorker int, edt guid.Fat, h *hint.Set, lookupSlotDB SlotDBLookup, resolve AffinityResolver) {
	if h != nil && h.Has(hint.EdtSpawning) {
		w.spawnQueue.PushTail(edt)
		return
	}
	if h != nil {
		if slot, ok := h.Slot(hint.EdtSlotMaxAccess); ok {
			if loc, hasAff := lookupSlotDB(edt.GUID, slot); hasAff {
				if worker, ok := resolve(loc); ok {
					w.deques[worker].PushTail(edt)
					return
				}
			}
		}
	}
	w.deques[invokingWorker].PushTail(edt)
}
