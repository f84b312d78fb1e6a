package msg

import (
	"sync"

	"github.com/teris-io/shortid"
)

// HandleStatus is a Comm API handle's progression: NORMAL -> SEND_OK ->
// SEND_RECV_OK -> RESPONSE_OK, with SEND_ERR and RECV_ERR as the error
// branches.
type HandleStatus uint8

const (
	Normal HandleStatus = iota
	SendOK
	SendRecvOK
	ResponseOK
	SendErr
	RecvErr
)

func (s HandleStatus) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case SendOK:
		return "SEND_OK"
	case SendRecvOK:
		return "SEND_RECV_OK"
	case ResponseOK:
		return "RESPONSE_OK"
	case SendErr:
		return "SEND_ERR"
	case RecvErr:
		return "RECV_ERR"
	default:
		return "unknown"
	}
}

// PollResult is the outcome of a comm API Poll.
type PollResult uint8

const (
	PollMoreMessage PollResult = iota
	PollNoMessage
	PollNoOutgoingMessage
	PollNoIncomingMessage
)

// Handle tracks one outstanding send/receive exchange: request message,
// response buffer (once available) and status.
type Handle struct {
	mu       sync.Mutex
	Request  *Message
	Response *Message
	status   HandleStatus
	waiters  []chan struct{}
}

func NewHandle(req *Message) *Handle {
	if req != nil && req.Trace == "" {
		if id, err := shortid.Generate(); err == nil {
			req.Trace = id
		}
	}
	return &Handle{Request: req, status: Normal}
}

func (h *Handle) Status() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// advance records next as the handle's status and, on a terminal status
// (ResponseOK, SendErr, RecvErr), wakes every waiter. The order of the
// progression is not checked.
func (h *Handle) advance(next HandleStatus) {
	h.mu.Lock()
	h.status = next
	waiters := h.waiters
	if next == ResponseOK || next == SendErr || next == RecvErr {
		h.waiters = nil
	} else {
		waiters = nil
	}
	h.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (h *Handle) MarkSendOK()  { h.advance(SendOK) }
func (h *Handle) MarkSendErr() { h.advance(SendErr) }

// MarkResponse installs resp and transitions SEND_OK -> SEND_RECV_OK ->
// RESPONSE_OK for a TWOWAY handle; a synchronous, non-TWOWAY send only
// ever reaches SEND_OK.
func (h *Handle) MarkResponse(resp *Message) {
	h.mu.Lock()
	h.Response = resp
	h.status = SendRecvOK
	h.mu.Unlock()
	h.advance(ResponseOK)
}

func (h *Handle) MarkRecvErr() { h.advance(RecvErr) }

// Wait blocks until the handle reaches a terminal status (RESPONSE_OK,
// SEND_ERR, RECV_ERR). An application thread that sent TWOWAY+PERSIST
// parks here until the response (or a send/recv failure) arrives.
func (h *Handle) Wait() HandleStatus {
	h.mu.Lock()
	if h.terminalLocked() {
		s := h.status
		h.mu.Unlock()
		return s
	}
	ch := make(chan struct{})
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()
	<-ch
	return h.Status()
}

func (h *Handle) terminalLocked() bool {
	return h.status == ResponseOK || h.status == SendErr || h.status == RecvErr
}
