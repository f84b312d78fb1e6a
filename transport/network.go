package transport

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pierrec/lz4/v3"
	"github.com/valyala/fasthttp"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
)

// lz4Threshold is the encoded-message size above which the body is
// lz4-framed before POSTing. Small control messages aren't worth the
// frame overhead; data-block transfers usually are.
const lz4Threshold = 1024

const hdrContentEncoding = "Content-Encoding"

// Network is a Transport across real processes/machines: each Policy
// Domain Location maps to an address this PD can dial, messages are
// msgp-encoded over HTTP POST. Built on valyala/fasthttp for its
// low-allocation client/server; a hardware comm platform would slot in
// behind the same Transport interface.
type Network struct {
	self guid.Location

	mu        sync.RWMutex
	addresses map[guid.Location]string
	outstanding map[guid.Location]int32

	incomingMu sync.Mutex
	incoming   []*msg.Message

	server *fasthttp.Server
	client *fasthttp.Client
}

func NewNetwork(self guid.Location, listenAddr string) *Network {
	n := &Network{
		self:        self,
		addresses:   make(map[guid.Location]string),
		outstanding: make(map[guid.Location]int32),
		client:      &fasthttp.Client{},
	}
	n.server = &fasthttp.Server{Handler: n.handle}
	if listenAddr != "" {
		go func() {
			if err := n.server.ListenAndServe(listenAddr); err != nil {
				nlog.Errorf("transport: listen %s: %v", listenAddr, err)
			}
		}()
	}
	return n
}

// RegisterPeer records the dial address for a remote Location.
func (n *Network) RegisterPeer(loc guid.Location, addr string) {
	n.mu.Lock()
	n.addresses[loc] = addr
	n.mu.Unlock()
}

func (n *Network) handle(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if string(ctx.Request.Header.Peek(hdrContentEncoding)) == "lz4" {
		decoded, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		body = decoded
	}
	var m msg.Message
	if _, err := m.DecodeMsgp(body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	n.incomingMu.Lock()
	n.incoming = append(n.incoming, &m)
	n.incomingMu.Unlock()
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (n *Network) Send(ctx context.Context, dest guid.Location, m *msg.Message) error {
	n.mu.RLock()
	addr, ok := n.addresses[dest]
	n.mu.RUnlock()
	if !ok {
		return ocrerr.New(ocrerr.InvalidArg, "COMM_SEND", "no registered address for destination location")
	}

	n.mu.Lock()
	n.outstanding[dest]++
	n.mu.Unlock()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(addr)
	req.Header.SetMethod(fasthttp.MethodPost)
	body := m.EncodeMsgp(nil)
	if len(body) > lz4Threshold {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			req.Header.Set(hdrContentEncoding, "lz4")
		}
	}
	req.SetBody(body)

	err := n.client.Do(req, resp)

	n.mu.Lock()
	n.outstanding[dest]--
	n.mu.Unlock()

	if err != nil {
		return ocrerr.Wrap(ocrerr.NotSupported, "COMM_SEND", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return ocrerr.New(ocrerr.NotSupported, "COMM_SEND", "peer rejected message")
	}
	return nil
}

func (n *Network) Poll(self guid.Location) (*msg.Message, bool) {
	n.incomingMu.Lock()
	defer n.incomingMu.Unlock()
	if len(n.incoming) == 0 {
		return nil, false
	}
	m := n.incoming[0]
	n.incoming = n.incoming[1:]
	return m, true
}

func (n *Network) Outgoing(loc guid.Location) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return int(n.outstanding[loc])
}

func (n *Network) Incoming(guid.Location) int {
	n.incomingMu.Lock()
	defer n.incomingMu.Unlock()
	return len(n.incoming)
}

func (n *Network) Close() error {
	return n.server.Shutdown()
}

var _ Transport = (*Network)(nil)
