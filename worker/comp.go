package worker

import (
	"context"
	"runtime"

	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/atomic"
	"github.com/ModeladoFoundation/ocr-sub001/runlevel"
)

// Scheduler is the subset of sched.Heuristic+WST a computation worker
// needs to pop its next EDT, addressed by its own sequence id.
type Scheduler interface {
	GetWork(worker int) (guid.Fat, bool)
}

// Executor runs one EDT to completion: template function, release,
// output-event satisfaction, destroy.
type Executor interface {
	Execute(e *edt.EDT) error
}

// WorkRequester is optionally implemented by the scheduler when a
// distributed CE heuristic is configured: an idle worker asks its
// neighbors for work before spinning.
type WorkRequester interface {
	MaybeRequestWork(worker int)
}

// ComputationWorker loops: request an EDT from the scheduler, execute
// it, notify done. The done notification has no bookkeeping beyond
// Execute's own reap, since the scheduler never held a reference to a
// RUNNING EDT to begin with -- the notification is Execute returning.
type ComputationWorker struct {
	id      int
	sched   Scheduler
	exec    Executor
	running atomic.Bool
	stop    chan struct{}
}

func NewComputationWorker(id int, sched Scheduler, exec Executor) *ComputationWorker {
	return &ComputationWorker{id: id, sched: sched, exec: exec, stop: make(chan struct{})}
}

// IsRunning reports whether the worker's loop is currently active.
func (w *ComputationWorker) IsRunning() bool { return w.running.Load() }

// Run drives the request/execute/notify loop until ctx is canceled or
// Stop is called (typically from a COMP_QUIESCE runlevel switch).
func (w *ComputationWorker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}
		item, ok := w.sched.GetWork(w.id)
		if !ok {
			if r, isReq := w.sched.(WorkRequester); isReq {
				r.MaybeRequestWork(w.id)
			}
			runtime.Gosched()
			continue
		}
		e, ok := item.Metadata.(*edt.EDT)
		if !ok || e == nil {
			continue
		}
		_ = w.exec.Execute(e)
	}
}

// Stop ends the worker's Run loop after its current iteration; it is
// idempotent-safe to call once per worker lifetime.
func (w *ComputationWorker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// SwitchRunlevelAsync implements runlevel.Worker: on a USER_OK
// tear-down request (COMP_QUIESCE) the worker stops taking new user
// EDTs by ending its loop.
func (w *ComputationWorker) SwitchRunlevelAsync(ctx context.Context, level runlevel.Level, phase int, props runlevel.Properties, done func()) error {
	if level == runlevel.UserOK && props&runlevel.PropTearDown != 0 && props&runlevel.PropRequest != 0 {
		w.Stop()
	}
	done()
	return nil
}

var _ runlevel.Worker = (*ComputationWorker)(nil)
