package sched

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
)

// SchedOpts threads optional behavior through Heuristic.Take/Give so an
// alternate COMM_TAKE/COMM_GIVE ordering discipline can be swapped in
// without changing the interface.
type SchedOpts struct {
	PreferPersistHandle bool
}

// Heuristic decides, over a WST, whose deque an incoming EDT lands on
// and whose deque a worker pops from.
type Heuristic interface {
	// GetWork pops the next runnable EDT for worker: spawn-queue, own
	// deque, last-victim, round-robin steal, in that order.
	GetWork(wst *WST, worker int) (guid.Fat, bool)
	// Take services a COMM_TAKE request for an outgoing handle eligible
	// to hand to the comm worker.
	Take(opts SchedOpts) (guid.Fat, bool)
	// Give services a COMM_GIVE, handing a completed/incoming handle
	// back into scheduling.
	Give(item guid.Fat, opts SchedOpts)
}

// HC is the plain shared-memory heuristic: per-worker last-successful-
// victim affinity plus round-robin steal fallback.
type HC struct {
	mu         sync.Mutex
	lastVictim []int // per-worker index of last successful steal source, -1 if none
	rrCursor   []int // per-worker round-robin steal cursor
	handles    *Deque
}

func NewHC(nWorkers int) *HC {
	lv := make([]int, nWorkers)
	rr := make([]int, nWorkers)
	for i := range lv {
		lv[i] = -1
	}
	return &HC{lastVictim: lv, rrCursor: rr, handles: NewDeque()}
}

func (h *HC) GetWork(wst *WST, worker int) (guid.Fat, bool) {
	if item, ok := wst.SpawnQueue().StealHead(); ok {
		return item, true
	}
	if item, ok := wst.Deque(worker).PopTail(); ok {
		return item, true
	}
	h.mu.Lock()
	victim := h.lastVictim[worker]
	h.mu.Unlock()
	if victim >= 0 && victim != worker {
		if item, ok := wst.Deque(victim).StealHead(); ok {
			return item, true
		}
	}
	n := wst.NumWorkers()
	h.mu.Lock()
	start := h.rrCursor[worker]
	h.mu.Unlock()
	for i := 0; i < n; i++ {
		candidate := (start + i) % n
		if candidate == worker {
			continue
		}
		if item, ok := wst.Deque(candidate).StealHead(); ok {
			h.mu.Lock()
			h.lastVictim[worker] = candidate
			h.rrCursor[worker] = (candidate + 1) % n
			h.mu.Unlock()
			return item, true
		}
	}
	h.mu.Lock()
	h.rrCursor[worker] = (start + n) % n
	h.mu.Unlock()
	return guid.NilFat, false
}

func (h *HC) Take(SchedOpts) (guid.Fat, bool) { return h.handles.PopTail() }
func (h *HC) Give(item guid.Fat, _ SchedOpts)  { h.handles.PushTail(item) }

// NeighborState tracks the per-neighbor inbound/outbound pending flags a
// distributed CE heuristic maintains.
type NeighborState struct {
	Outstanding bool // an outbound work request is in flight to this neighbor
	Pending     bool // this neighbor asked for work while we had none
	Child       bool // child contexts are only asked for work once the parent has been served
	ShuttingDown bool
}

// CE is the distributed heuristic: wraps an HC for local deque mechanics
// and adds neighbor work-request pacing.
type CE struct {
	*HC
	mu        sync.Mutex
	neighbors map[guid.Location]*NeighborState
	limiter   *rate.Limiter
	parentServed bool
}

// NewCE builds a CE heuristic over nWorkers local deques, rate-limiting
// outbound work requests to at most reqRate per second so an idle ring
// of CEs doesn't storm its neighbors.
func NewCE(nWorkers int, reqRate rate.Limit) *CE {
	return &CE{
		HC:        NewHC(nWorkers),
		neighbors: make(map[guid.Location]*NeighborState),
		limiter:   rate.NewLimiter(reqRate, 1),
	}
}

func (c *CE) neighbor(loc guid.Location) *NeighborState {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.neighbors[loc]
	if !ok {
		n = &NeighborState{}
		c.neighbors[loc] = n
	}
	return n
}

// ShouldRequestWork reports whether an outbound work request to loc
// should be sent now: own queue must be empty, no request already
// outstanding, and the limiter must admit it.
func (c *CE) ShouldRequestWork(wst *WST, worker int, loc guid.Location) bool {
	if !wst.Deque(worker).Empty() {
		return false
	}
	n := c.neighbor(loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.Outstanding {
		return false
	}
	if n.Child && !c.parentServed {
		return false // "child contexts only if parent has been served"
	}
	if !c.limiter.Allow() {
		return false
	}
	n.Outstanding = true
	return true
}

// MarkParentServed records that the parent context has been given work,
// unblocking child-context work requests.
func (c *CE) MarkParentServed() {
	c.mu.Lock()
	c.parentServed = true
	c.mu.Unlock()
}

// SetChild marks loc as a child context for work-request ordering.
func (c *CE) SetChild(loc guid.Location, isChild bool) {
	c.neighbor(loc).Child = isChild
}

// RespondToRequest answers a foreign work request: an EDT if this PD has
// one available, else the requester is marked pending — unless this PD
// is shutting down, in which case a pending child gets a shutdown
// response rather than work.
func (c *CE) RespondToRequest(wst *WST, worker int, requester guid.Location) (item guid.Fat, ok, shutdownResponse bool) {
	n := c.neighbor(requester)
	c.mu.Lock()
	shuttingDown := n.ShuttingDown
	c.mu.Unlock()
	if item, ok := c.GetWork(wst, worker); ok {
		return item, true, false
	}
	if shuttingDown && n.Child {
		return guid.NilFat, false, true
	}
	c.mu.Lock()
	n.Pending = true
	c.mu.Unlock()
	return guid.NilFat, false, false
}

// ClearOutstanding is called once a neighbor's response (work or
// explicit empty) is received, allowing the next request to that
// neighbor.
func (c *CE) ClearOutstanding(loc guid.Location) {
	c.neighbor(loc).Outstanding = false
}

func (c *CE) BeginShutdown(loc guid.Location) {
	n := c.neighbor(loc)
	c.mu.Lock()
	n.ShuttingDown = true
	c.mu.Unlock()
}

// NULL is the no-op heuristic for Policy Domains that never schedule
// user EDTs, e.g. a domain whose role is purely comm/proxy relaying.
type NULL struct{}

func (NULL) GetWork(*WST, int) (guid.Fat, bool) { return guid.NilFat, false }
func (NULL) Take(SchedOpts) (guid.Fat, bool)    { return guid.NilFat, false }
func (NULL) Give(guid.Fat, SchedOpts)           {}

var (
	_ Heuristic = (*HC)(nil)
	_ Heuristic = (*CE)(nil)
	_ Heuristic = NULL{}
)
