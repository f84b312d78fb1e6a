package worker

import (
	"context"
	"testing"

	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
)

// fakeDomain records which path CommWorker.Step routed each message down.
type fakeDomain struct {
	outgoing []*msg.Message
	incoming []*msg.Message

	processed []*msg.Message
	given     []*msg.Message
	spawned   []*msg.Message
}

func (f *fakeDomain) ProcessMessage(m *msg.Message) *msg.Message {
	f.processed = append(f.processed, m)
	return m
}

func (f *fakeDomain) TakeOutgoing() (*msg.Message, bool) {
	if len(f.outgoing) == 0 {
		return nil, false
	}
	m := f.outgoing[0]
	f.outgoing = f.outgoing[1:]
	return m, true
}

func (f *fakeDomain) GiveIncoming(m *msg.Message) { f.given = append(f.given, m) }

func (f *fakeDomain) PollIncoming() (*msg.Message, bool) {
	if len(f.incoming) == 0 {
		return nil, false
	}
	m := f.incoming[0]
	f.incoming = f.incoming[1:]
	return m, true
}

func (f *fakeDomain) OutgoingCount() int { return len(f.outgoing) }
func (f *fakeDomain) IncomingCount() int { return len(f.incoming) }

func (f *fakeDomain) SpawnRuntimeEDT(m *msg.Message) { f.spawned = append(f.spawned, m) }

func TestStepSendsOutgoingBeforePolling(t *testing.T) {
	out := &msg.Message{Kind: msg.DbRelease, Prop: msg.Outbound}
	f := &fakeDomain{outgoing: []*msg.Message{out}}
	w := NewCommWorker(f)

	w.Step(context.Background())
	if len(f.processed) != 1 || f.processed[0] != out {
		t.Fatalf("expected the outgoing message handed to ProcessMessage for sending")
	}
}

func TestStepRoutesSyncResponseToHandle(t *testing.T) {
	resp := &msg.Message{Kind: msg.KindNone, Prop: msg.TwoWay, ID: 9}
	f := &fakeDomain{incoming: []*msg.Message{resp}}
	w := NewCommWorker(f)

	w.Step(context.Background())
	if len(f.given) != 1 || f.given[0] != resp {
		t.Fatalf("expected the synchronous response routed via GiveIncoming, got given=%d spawned=%d", len(f.given), len(f.spawned))
	}
}

func TestStepSpawnsRuntimeEDTForRequest(t *testing.T) {
	req := &msg.Message{Kind: msg.DbAcquire, Prop: msg.TwoWay}
	f := &fakeDomain{incoming: []*msg.Message{req}}
	w := NewCommWorker(f)

	w.Step(context.Background())
	if len(f.spawned) != 1 || f.spawned[0] != req {
		t.Fatalf("expected the request to spawn a runtime EDT, got spawned=%d given=%d", len(f.spawned), len(f.given))
	}
}

func TestComputationWorkerStopEndsLoop(t *testing.T) {
	w := NewComputationWorker(0, schedNone{}, execNone{})
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	w.Stop()
	<-done
	if w.IsRunning() {
		t.Fatalf("expected worker to report not-running after Stop")
	}
}

type schedNone struct{}

func (schedNone) GetWork(int) (guid.Fat, bool) { return guid.NilFat, false }

type execNone struct{}

func (execNone) Execute(*edt.EDT) error { return nil }
