package datablock

import (
	"testing"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
)

func TestProxyFetchThenCoalescedAcquires(t *testing.T) {
	p := NewProxy(guid.GUID(1), guid.Location(0))
	if !p.BeginFetch() {
		t.Fatalf("expected first BeginFetch to succeed")
	}
	if p.BeginFetch() {
		t.Fatalf("expected concurrent BeginFetch to fail while FETCH outstanding")
	}

	// three queued acquires arrive before the fetch response
	for i := 0; i < 3; i++ {
		if _, _, err := p.Acquire(guid.GUID(int(i)), 0, ModeRO); err == nil {
			t.Fatalf("expected pending while proxy is in FETCH")
		}
	}

	p.CompleteFetch(4, []byte{1, 2, 3, 4}, ModeRO, 0)
	if p.State() != ProxyRun {
		t.Fatalf("expected RUN after CompleteFetch")
	}
	if p.NbUsers() != 0 {
		t.Fatalf("expected nbUsers=0 before the queued acquires replay, got %d", p.NbUsers())
	}

	drained := p.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 queued acquires drained, got %d", len(drained))
	}
	for _, w := range drained {
		if _, _, err := p.Acquire(w.EDT, w.Slot, w.Mode); err != nil {
			t.Fatalf("drained RO acquire should now succeed: %v", err)
		}
	}
	// two more RO acquires arriving after the fetch response
	if _, _, err := p.Acquire(guid.GUID(200), 0, ModeRO); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Acquire(guid.GUID(201), 0, ModeRO); err != nil {
		t.Fatal(err)
	}
	if p.NbUsers() != 5 {
		t.Fatalf("expected nbUsers=5 (3 replayed + 2 direct), got %d", p.NbUsers())
	}
}

func TestProxyReleaseToRelinquishNotReusable(t *testing.T) {
	p := NewProxy(guid.GUID(1), guid.Location(0))
	p.BeginFetch()
	p.CompleteFetch(4, []byte{1, 2, 3, 4}, ModeRW, 0)
	if _, _, err := p.Acquire(guid.GUID(10), 0, ModeRW); err != nil {
		t.Fatal(err)
	}

	relinquish, writeBack := p.Release(ModeRW, true)
	if !relinquish {
		t.Fatalf("expected relinquish once last user releases")
	}
	if !writeBack {
		t.Fatalf("expected write-back for a RW (non-CONST/RO) release")
	}
	if p.State() != ProxyRelinquish {
		t.Fatalf("expected RELINQUISH state")
	}

	if reusable := p.FinishRelinquish(); reusable {
		t.Fatalf("expected not reusable with no queue/refs")
	}
}

func TestProxyNoWriteBackForReadOnly(t *testing.T) {
	p := NewProxy(guid.GUID(1), guid.Location(0))
	p.BeginFetch()
	p.CompleteFetch(4, []byte{1, 2, 3, 4}, ModeRO, 0)
	if _, _, err := p.Acquire(guid.GUID(10), 0, ModeRO); err != nil {
		t.Fatal(err)
	}
	_, writeBack := p.Release(ModeRO, true)
	if writeBack {
		t.Fatalf("expected no write-back for RO mode")
	}
}
