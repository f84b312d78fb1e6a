// Command ocrd is the bring-up executable: it parses a Policy Domain
// configuration file, constructs every Policy Domain it describes,
// drives each one's runlevel machine from CONFIG_PARSE to USER_OK, runs
// the blessed mainEDT on the PD_MASTER, blocks until a shutdown request
// or an interrupt, and tears every PD back down through COMP_QUIESCE
// and COMM_QUIESCE before exiting.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ModeladoFoundation/ocr-sub001/config"
	"github.com/ModeladoFoundation/ocr-sub001/edt"
	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/policy"
	"github.com/ModeladoFoundation/ocr-sub001/runlevel"
	"github.com/ModeladoFoundation/ocr-sub001/sched"
	"github.com/ModeladoFoundation/ocr-sub001/transport"
	"github.com/ModeladoFoundation/ocr-sub001/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the policy-domain configuration file")
	flag.Parse()
	if *configPath == "" {
		nlog.Fatalln("ocrd: -config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		nlog.Fatalln("ocrd:", err)
	}

	n, err := newNode(cfg)
	if err != nil {
		nlog.Fatalln("ocrd:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := n.run(ctx, flag.Args())
	if err != nil {
		nlog.Fatalln("ocrd:", err)
	}
	stop()
	os.Exit(code)
}

// heapAllocator is the default production datablock.Allocator: a bare
// make([]byte, size) standing in for whatever hardware allocator a
// deployment plugs in.
type heapAllocator struct{ name string }

func (heapAllocator) Alloc(size int64, _ int) ([]byte, error) {
	if size < 0 {
		return nil, ocrerr.New(ocrerr.InvalidArg, "MEM_ALLOC", "negative size")
	}
	return make([]byte, size), nil
}

func (heapAllocator) Free([]byte) {}

// pd bundles one configured Policy Domain with the workers its runlevel
// machine drives.
type pd struct {
	cfg     config.PolicyDomainConfig
	overlay *policy.Overlay
	comp    []*worker.ComputationWorker
	comm    *worker.CommWorker
}

// node is every Policy Domain this process hosts, bridged by a shared
// in-memory transport for any PD configured with commApi.kind "memory".
type node struct {
	pds    []*pd
	master *pd
}

func newNode(cfg *config.Config) (*node, error) {
	shared := transport.NewMemory()
	n := &node{}
	for _, pdCfg := range cfg.PolicyDomains {
		p, err := newPD(pdCfg, shared)
		if err != nil {
			return nil, err
		}
		n.pds = append(n.pds, p)
		if pdCfg.PDMaster {
			n.master = p
		}
	}
	if n.master == nil {
		return nil, ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", "no pdMaster resolved")
	}
	return n, nil
}

func newPD(pdCfg config.PolicyDomainConfig, shared *transport.Memory) (*pd, error) {
	loc := guid.Location(pdCfg.Location)

	var tr transport.Transport = shared
	if pdCfg.CommAPI.Kind == "network" {
		tr = transport.NewNetwork(loc, pdCfg.CommAPI.Address)
		// Neighbor listen addresses aren't part of PolicyDomainConfig today
		// (it only names this PD's own address), so a network PD started by
		// this executable alone can't resolve peers to dial; wiring
		// RegisterPeer is left to whatever out-of-process bring-up tool
		// does have that map.
	}

	allocators := make([]policy.Allocator, 0, len(pdCfg.Allocators))
	for _, a := range pdCfg.Allocators {
		allocators = append(allocators, heapAllocator{name: a.Name})
	}
	if len(allocators) == 0 {
		allocators = []policy.Allocator{heapAllocator{name: "default"}}
	}

	nComp := pdCfg.NumComputeWorkers
	if nComp <= 0 {
		nComp = 1
	}

	var heuristic sched.Heuristic
	switch pdCfg.Heuristic {
	case config.HeuristicCE:
		heuristic = sched.NewCE(nComp, rate.Limit(4))
	case config.HeuristicNull:
		heuristic = sched.NULL{}
	default:
		heuristic = sched.NewHC(nComp)
	}

	// DEQUE and WST scheduler objects both root per-worker deques here; a
	// NULL scheduler object keeps the same (never-popped) structure so the
	// pipeline's routing stays total when paired with the NULL heuristic.
	wst := sched.NewWST(nComp)

	neighbors := make([]guid.Location, len(pdCfg.Neighbors))
	for i, loc32 := range pdCfg.Neighbors {
		neighbors[i] = guid.Location(loc32)
	}

	d := policy.NewDomain(loc, allocators, heuristic, wst, tr, neighbors, pdCfg.PDMaster)
	o := policy.NewOverlay(d)

	p := &pd{cfg: pdCfg, overlay: o}
	p.comm = worker.NewCommWorker(o)
	d.RL.Workers = append(d.RL.Workers, p.comm)
	for i := 0; i < nComp; i++ {
		cw := worker.NewComputationWorker(i, o, o)
		p.comp = append(p.comp, cw)
		d.RL.Workers = append(d.RL.Workers, cw)
	}
	return p, nil
}

// run brings every Policy Domain up to USER_OK, starts its workers, runs
// the blessed mainEDT on the PD_MASTER, blocks until a shutdown request
// or a signal arrives, then tears every PD back down. The returned code
// is the shutdown code, which becomes the process exit status.
func (n *node) run(ctx context.Context, argv []string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range n.pds {
		p := p
		g.Go(func() error { return p.overlay.RL.BringUp(gctx) })
	}
	if err := g.Wait(); err != nil {
		return 1, err
	}
	nlog.Infof("ocrd: %d policy domain(s) at USER_OK", len(n.pds))

	shutdownCh := make(chan int, len(n.pds)+1)
	requestShutdown := func(code int) {
		select {
		case shutdownCh <- code:
		default:
		}
	}
	for _, p := range n.pds {
		p.overlay.OnRemoteShutdown = requestShutdown
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	for _, p := range n.pds {
		p := p
		go p.comm.Run(runCtx)
		for _, cw := range p.comp {
			cw := cw
			go cw.Run(runCtx)
		}
	}

	mainEDT, err := n.master.overlay.BuildMainEDT(packArgv(argv), mainTask(requestShutdown))
	if err != nil {
		return 1, err
	}
	nlog.Infof("ocrd: mainEDT %s scheduled on pd %d", mainEDT, int32(n.master.overlay.Location))

	var code int
	select {
	case <-ctx.Done():
	case code = <-shutdownCh:
	}
	nlog.Infof("ocrd: shutdown requested (code %d), tearing down", code)

	teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTeardown()
	for _, p := range n.pds {
		if err := p.tearDown(teardownCtx, code); err != nil {
			nlog.Warningf("ocrd: pd %d tear-down error: %v", int32(p.overlay.Location), err)
		}
	}
	cancelRun()
	for _, p := range n.pds {
		if c := p.overlay.ShutdownCode(); code == 0 && c != 0 {
			code = c
		}
	}
	return code, nil
}

// tearDown drives this PD's three USER_OK tear-down phases: COMP_QUIESCE
// stops its computation workers, COMM_QUIESCE drains the transport and
// exchanges the MGT_RL_NOTIFY barrier with neighbors, and DONE is a
// no-op left for the caller's own context cancellation.
func (p *pd) tearDown(ctx context.Context, code int) error {
	barrier := func(ctx context.Context) error { return p.commQuiesceAndBarrier(ctx, code) }
	return p.overlay.RL.TearDownUserOK(ctx, p.compQuiesce, barrier, func(context.Context) error { return nil })
}

func (p *pd) compQuiesce(ctx context.Context) error {
	props := runlevel.PropTearDown | runlevel.PropRequest
	for _, w := range p.overlay.RL.Workers {
		done := make(chan struct{})
		if err := w.SwitchRunlevelAsync(ctx, runlevel.UserOK, 0, props, func() { close(done) }); err != nil {
			return err
		}
		<-done
	}
	return nil
}

func (p *pd) commQuiesceAndBarrier(ctx context.Context, code int) error {
	for p.overlay.OutgoingCount() > 0 || p.overlay.IncomingCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.overlay.ShutdownBarrier(ctx, code)
	return nil
}

// mainTask builds ocrd's default blessed-worker body: it logs the packed
// argv it was handed and requests a clean exit. A real deployment links
// its own application function in place of this one.
func mainTask(requestShutdown func(int)) edt.TaskFunc {
	return func(_ []int64, depv []edt.Dep) (guid.Fat, error) {
		var payload []byte
		if len(depv) > 0 {
			payload = depv[0].Ptr
		}
		nlog.Infof("ocrd: mainEDT argv=%v", unpackArgv(payload))
		requestShutdown(0)
		return guid.NilFat, nil
	}
}

// packArgv wraps the command-line arguments the way BuildMainEDT expects:
// an 8-byte big-endian prefix holding the total buffer length (prefix
// included) followed by the NUL-joined argument list.
func packArgv(args []string) []byte {
	joined := strings.Join(args, "\x00")
	buf := make([]byte, 8+len(joined))
	binary.BigEndian.PutUint64(buf[:8], uint64(len(buf)))
	copy(buf[8:], joined)
	return buf
}

func unpackArgv(buf []byte) []string {
	if len(buf) < 8 {
		return nil
	}
	n := binary.BigEndian.Uint64(buf[:8])
	if n <= 8 || n > uint64(len(buf)) {
		return nil
	}
	return strings.Split(string(buf[8:n]), "\x00")
}
