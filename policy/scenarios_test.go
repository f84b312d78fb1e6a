package policy

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ModeladoFoundation/ocr-sub001/api"
	"github.com/ModeladoFoundation/ocr-sub001/datablock"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/event"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
	"github.com/ModeladoFoundation/ocr-sub001/transport"
	"github.com/ModeladoFoundation/ocr-sub001/worker"
)

// newOverlayPair wires two Policy Domains onto one shared in-memory
// transport, each naming the other as its sole neighbor, the harness
// the two-PD scenarios (distributed affinity, shutdown barrier) need.
// Each side's comm and computation workers run as real goroutines
// against ctx so a message actually crosses the wire and gets serviced,
// rather than being driven by hand one call at a time.
func newOverlayPair(ctx context.Context) (o0, o1 *Overlay) {
	shared := transport.NewMemory()

	mk := func(loc guid.Location, neighbor guid.Location) *Overlay {
		wst := sched.NewWST(1)
		d := NewDomain(loc, []Allocator{memAlloc{}}, sched.NewHC(1), wst, shared, []guid.Location{neighbor}, loc == 0)
		o := NewOverlay(d)
		go worker.NewCommWorker(o).Run(ctx)
		go worker.NewComputationWorker(0, o, o).Run(ctx)
		return o
	}

	return mk(guid.Location(0), guid.Location(1)), mk(guid.Location(1), guid.Location(0))
}

var _ = Describe("single-PD smoke", func() {
	It("carries a DB dependence straight through DEP_ADD to ALLACQ and onto the scheduler", func() {
		d := newTestDomain()

		tmpl := d.ProcessMessage(&msg.Message{Kind: msg.EdtTempCreate, ParamC: 0, DepC: 1})
		work := d.ProcessMessage(&msg.Message{Kind: msg.WorkCreate, TemplateGUID: tmpl.GUID})
		db := d.ProcessMessage(&msg.Message{Kind: msg.DbCreate, Size: 8, Mode: datablock.ModeRW})
		Expect(db.ReturnDetail).To(BeZero())

		dep := d.ProcessMessage(&msg.Message{Kind: msg.DepAdd, EdtGUID: work.GUID, Slot: 0, Source: guid.Fat{GUID: db.GUID}, Mode: datablock.ModeRW})
		Expect(dep.ReturnDetail).To(BeZero())

		e, ok := d.edtByGUID(work.GUID)
		Expect(ok).To(BeTrue())
		Expect(e.State()).To(Equal(edt.AllAcq))

		item, ok := d.Heuristic.GetWork(d.WST, 0)
		Expect(ok).To(BeTrue())
		Expect(item.GUID).To(Equal(work.GUID))
	})

	It("executes an EDT that observes its params and both data-block buffers", func() {
		d := newTestDomain()

		ran := false
		tmpl := d.ProcessMessage(&msg.Message{Kind: msg.EdtTempCreate, ParamC: 1, DepC: 2})
		d.BindTemplateFunc(tmpl.GUID, func(paramv []int64, depv []edt.Dep) (guid.Fat, error) {
			Expect(paramv).To(Equal([]int64{42}))
			Expect(depv[0].Ptr).To(HaveLen(16))
			Expect(string(depv[0].Ptr[:6])).To(Equal("hello\x00"))
			Expect(depv[1].Ptr).To(HaveLen(8))
			for i, b := range depv[1].Ptr {
				Expect(b).To(Equal(byte(i)))
			}
			ran = true
			return guid.NilFat, nil
		}, "smoke")

		work := d.ProcessMessage(&msg.Message{Kind: msg.WorkCreate, TemplateGUID: tmpl.GUID, ParamC: 1, ParamV: []int64{42}})
		Expect(work.ReturnDetail).To(BeZero())

		d1 := d.ProcessMessage(&msg.Message{Kind: msg.DbCreate, Size: 16, Mode: datablock.ModeRW})
		copy(d1.Pointer, "hello\x00")
		d2 := d.ProcessMessage(&msg.Message{Kind: msg.DbCreate, Size: 8, Mode: datablock.ModeRO})
		for i := range d2.Pointer {
			d2.Pointer[i] = byte(i)
		}

		Expect(d.ProcessMessage(&msg.Message{Kind: msg.DepAdd, EdtGUID: work.GUID, Slot: 0, Source: guid.Fat{GUID: d1.GUID}, Mode: datablock.ModeRW}).ReturnDetail).To(BeZero())
		Expect(d.ProcessMessage(&msg.Message{Kind: msg.DepAdd, EdtGUID: work.GUID, Slot: 1, Source: guid.Fat{GUID: d2.GUID}, Mode: datablock.ModeRO}).ReturnDetail).To(BeZero())

		e, ok := d.edtByGUID(work.GUID)
		Expect(ok).To(BeTrue())
		Expect(e.State()).To(Equal(edt.AllAcq))

		item, ok := d.Heuristic.GetWork(d.WST, 0)
		Expect(ok).To(BeTrue())
		Expect(item.GUID).To(Equal(work.GUID))
		Expect(d.Execute(e)).To(Succeed())
		Expect(ran).To(BeTrue())
	})
})

var _ = Describe("ONCE event fan-out", func() {
	It("wakes every registered waiter on a single satisfy", func() {
		d := newTestDomain()
		evt := d.ProcessMessage(&msg.Message{Kind: msg.EvtCreate, WorkType: int(event.Once)})

		const nWaiters = 4
		edts := make([]guid.GUID, nWaiters)
		for i := 0; i < nWaiters; i++ {
			tmpl := d.ProcessMessage(&msg.Message{Kind: msg.EdtTempCreate, ParamC: 0, DepC: 1})
			work := d.ProcessMessage(&msg.Message{Kind: msg.WorkCreate, TemplateGUID: tmpl.GUID})
			edts[i] = work.GUID
			Expect(d.ProcessMessage(&msg.Message{Kind: msg.EvtRegisterWaiter, GUID: evt.GUID, EdtGUID: work.GUID, Slot: 0}).ReturnDetail).To(BeZero())
			Expect(d.ProcessMessage(&msg.Message{Kind: msg.DepAdd, EdtGUID: work.GUID, Slot: 0, Source: guid.Fat{GUID: evt.GUID}, Mode: datablock.ModeRO}).ReturnDetail).To(BeZero())
		}

		Expect(d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: evt.GUID, Payload: guid.NilFat}).ReturnDetail).To(BeZero())

		for _, g := range edts {
			e, ok := d.edtByGUID(g)
			Expect(ok).To(BeTrue())
			Expect(e.State()).To(Equal(edt.AllAcq))
		}

		seen := make(map[guid.GUID]bool, nWaiters)
		for i := 0; i < nWaiters; i++ {
			item, ok := d.Heuristic.GetWork(d.WST, 0)
			Expect(ok).To(BeTrue())
			seen[item.GUID] = true
		}
		for _, g := range edts {
			Expect(seen[g]).To(BeTrue())
		}
	})
})

var _ = Describe("LATCH counting", func() {
	It("fires exactly once, at incr == decr", func() {
		d := newTestDomain()
		g := d.newGUID(guid.KindEvent, nil)
		lat := event.New(g, event.Latch, false)
		d.storeEvent(g, lat)

		var fired int
		_, _ = lat.RegisterWaiter(event.Waiter{Notify: func(guid.Fat) { fired++ }})

		d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: g, Payload: guid.NilFat, Slot: int(event.SlotIncr)})
		d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: g, Payload: guid.NilFat, Slot: int(event.SlotIncr)})
		d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: g, Payload: guid.NilFat, Slot: int(event.SlotIncr)})
		Expect(fired).To(BeZero())

		d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: g, Payload: guid.NilFat, Slot: int(event.SlotDecr)})
		d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: g, Payload: guid.NilFat, Slot: int(event.SlotDecr)})
		Expect(fired).To(BeZero())
		d.ProcessMessage(&msg.Message{Kind: msg.EvtSatisfy, GUID: g, Payload: guid.NilFat, Slot: int(event.SlotDecr)})
		Expect(fired).To(Equal(1))
	})
})

var _ = Describe("distributed DB affinity", func() {
	It("completes a DB_CREATE routed to a remote PD end-to-end", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		o0, o1 := newOverlayPair(ctx)
		_ = o1

		h, resp := o0.Route(ctx, guid.Location(1), &msg.Message{
			Kind: msg.DbCreate, Size: 32, Mode: datablock.ModeRW, Prop: msg.TwoWay,
		})
		Expect(resp).To(BeNil())
		Expect(h).NotTo(BeNil())

		Eventually(h.Status, 2*time.Second, 5*time.Millisecond).Should(Equal(msg.ResponseOK))
		Expect(h.Response.ReturnDetail).To(BeZero())
		Expect(guid.HomeOf(h.Response.GUID)).To(Equal(guid.Location(1)))
		Expect(h.Response.Pointer).To(HaveLen(32))
	})
})

var _ = Describe("proxy compatible coalescing", func() {
	It("coalesces a second acquire behind the first fetch and drains it on completion", func() {
		home := guid.Location(1)
		dbGUID := guid.GUID(uint64(home)<<48 | 7)
		p := datablock.NewProxy(dbGUID, home)

		_, _, err := p.Acquire(guid.GUID(100), 0, datablock.ModeRO)
		Expect(err).To(HaveOccurred())
		Expect(p.BeginFetch()).To(BeTrue())
		Expect(p.BeginFetch()).To(BeFalse(), "a second BeginFetch must not start a redundant fetch")

		_, _, err = p.Acquire(guid.GUID(200), 1, datablock.ModeRO)
		Expect(err).To(HaveOccurred(), "a second acquirer must queue behind the outstanding fetch, not fail outright")

		p.CompleteFetch(16, make([]byte, 16), datablock.ModeRO, 0)
		Expect(p.State()).To(Equal(datablock.ProxyRun))

		queued := p.Drain()
		Expect(queued).To(HaveLen(2), "both acquires issued before the fetch completed should be queued")
		Expect(queued[0].EDT).To(Equal(guid.GUID(100)))
		Expect(queued[1].EDT).To(Equal(guid.GUID(200)))

		data, mode, err := p.Acquire(guid.GUID(100), 0, datablock.ModeRO)
		Expect(err).NotTo(HaveOccurred())
		Expect(mode).To(Equal(datablock.ModeRO))
		Expect(data).To(HaveLen(16))
	})
})

var _ = Describe("remote data-block acquire", func() {
	It("fetches once through the proxy, re-drives the waiting EDT, and releases back to the home PD", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		o0, o1 := newOverlayPair(ctx)

		db := o0.ProcessMessage(&msg.Message{Kind: msg.DbCreate, Size: 16, Mode: datablock.ModeRO})
		Expect(db.ReturnDetail).To(BeZero())
		for i := range db.Pointer {
			db.Pointer[i] = byte(i + 1)
		}
		observed := make(chan []byte, 1)
		tmpl := o1.Domain.ProcessMessage(&msg.Message{Kind: msg.EdtTempCreate, DepC: 1})
		o1.BindTemplateFunc(tmpl.GUID, func(_ []int64, depv []edt.Dep) (guid.Fat, error) {
			observed <- append([]byte(nil), depv[0].Ptr...)
			return guid.NilFat, nil
		}, "remote-acquire-probe")
		work := o1.Domain.ProcessMessage(&msg.Message{Kind: msg.WorkCreate, TemplateGUID: tmpl.GUID})
		Expect(work.ReturnDetail).To(BeZero())

		dep := o1.ProcessMessage(&msg.Message{Kind: msg.DepAdd, EdtGUID: work.GUID, Slot: 0, Source: guid.Fat{GUID: db.GUID}, Mode: datablock.ModeRO})
		Expect(dep.ReturnDetail).To(BeZero())

		var got []byte
		Eventually(observed, 2*time.Second, 5*time.Millisecond).Should(Receive(&got))
		Expect(got).To(HaveLen(16))
		for i, b := range got {
			Expect(b).To(Equal(byte(i + 1)))
		}
		// the last local release relinquishes and destroys the proxy,
		// sending one DB_RELEASE back to the home PD
		Eventually(func() bool {
			_, ok := o1.proxy(db.GUID)
			return ok
		}, 2*time.Second, 5*time.Millisecond).Should(BeFalse())
	})

	It("writes modified bytes back to the home PD on the last release", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		o0, o1 := newOverlayPair(ctx)

		db := o0.ProcessMessage(&msg.Message{Kind: msg.DbCreate, Size: 8, Mode: datablock.ModeRW})
		Expect(db.ReturnDetail).To(BeZero())
		home, ok := o0.dataBlock(db.GUID)
		Expect(ok).To(BeTrue())

		done := make(chan struct{})
		tmpl := o1.Domain.ProcessMessage(&msg.Message{Kind: msg.EdtTempCreate, DepC: 1})
		o1.BindTemplateFunc(tmpl.GUID, func(_ []int64, depv []edt.Dep) (guid.Fat, error) {
			for i := range depv[0].Ptr {
				depv[0].Ptr[i] = 0xAB
			}
			close(done)
			return guid.NilFat, nil
		}, "write-back-probe")
		work := o1.Domain.ProcessMessage(&msg.Message{Kind: msg.WorkCreate, TemplateGUID: tmpl.GUID})
		Expect(o1.ProcessMessage(&msg.Message{Kind: msg.DepAdd, EdtGUID: work.GUID, Slot: 0, Source: guid.Fat{GUID: db.GUID}, Mode: datablock.ModeRW}).ReturnDetail).To(BeZero())

		Eventually(done, 2*time.Second, 5*time.Millisecond).Should(BeClosed())
		Eventually(func() byte {
			return home.Data()[0]
		}, 2*time.Second, 5*time.Millisecond).Should(Equal(byte(0xAB)))
	})
})

var _ = Describe("template metadata clone", func() {
	It("busy-waits an application create on the clone and resolves the function by name", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		o0, o1 := newOverlayPair(ctx)

		ran := make(chan int64, 1)
		c0 := &api.Context{PD: o0}
		tmpl, err := api.EdtTemplateCreate(c0, func(paramv []int64, _ []edt.Dep) (guid.Fat, error) {
			ran <- paramv[0]
			return guid.NilFat, nil
		}, 1, 0, "clone-probe")
		Expect(err).NotTo(HaveOccurred())
		Expect(guid.HomeOf(tmpl)).To(Equal(guid.Location(0)))

		// the create runs on PD1, which has never seen the template; the
		// overlay clones the metadata from PD0 before instantiating.
		c1 := &api.Context{PD: o1}
		edtGUID, _, err := api.EdtCreate(c1, tmpl, []int64{42}, 0, guid.Invalid, guid.Nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(edtGUID.Valid()).To(BeTrue())
		Expect(guid.HomeOf(edtGUID)).To(Equal(guid.Location(1)))

		var param int64
		Eventually(ran, 2*time.Second, 5*time.Millisecond).Should(Receive(&param))
		Expect(param).To(Equal(int64(42)))

		// the clone is cached: a second create resolves locally
		_, ok := o1.template(tmpl)
		Expect(ok).To(BeTrue())
	})
})

var _ = Describe("distributed shutdown barrier", func() {
	It("blocks both sides until they've exchanged MGT_RL_NOTIFY acks and propagates the code", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		o0, o1 := newOverlayPair(ctx)

		done0 := make(chan struct{})
		done1 := make(chan struct{})
		go func() { o0.ShutdownBarrier(ctx, 7); close(done0) }()
		go func() { o1.ShutdownBarrier(ctx, 7); close(done1) }()

		Eventually(done0, 2*time.Second, 5*time.Millisecond).Should(BeClosed())
		Eventually(done1, 2*time.Second, 5*time.Millisecond).Should(BeClosed())
		Expect(o0.ShutdownCode()).To(Equal(7))
		Expect(o1.ShutdownCode()).To(Equal(7))
	})
})
