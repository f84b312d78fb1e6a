// Package sched implements the Work Scheduler Tree (WST) and the
// Scheduler Heuristic policies layered over it.
package sched

import (
	"sync"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
)

// Deque is a double-ended work queue: owner-side push/pop at TAIL
// (LIFO), thief-side steal at HEAD (FIFO). Modeled on a Chase-Lev deque
// but kept mutex-guarded rather than lock-free — pop/steal rates here
// are nowhere near the point where the atomics would pay for their
// subtlety.
type Deque struct {
	mu    sync.Mutex
	items []guid.Fat
}

func NewDeque() *Deque { return &Deque{} }

// PushTail is the owner-side push.
func (d *Deque) PushTail(item guid.Fat) {
	d.mu.Lock()
	d.items = append(d.items, item)
	d.mu.Unlock()
}

// PopTail is the owner-side pop (LIFO).
func (d *Deque) PopTail() (guid.Fat, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return guid.NilFat, false
	}
	item := d.items[n-1]
	d.items = d.items[:n-1]
	return item, true
}

// StealHead is the thief-side pop (FIFO).
func (d *Deque) StealHead() (guid.Fat, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return guid.NilFat, false
	}
	item := d.items[0]
	d.items = d.items[1:]
	return item, true
}

func (d *Deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *Deque) Empty() bool { return d.Len() == 0 }
