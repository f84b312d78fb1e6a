package transport

import (
	"context"
	"sync"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/internal/nlog"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
)

// Memory is an in-process Transport backed by per-destination channels,
// used for single-process multi-PD configurations and tests.
type Memory struct {
	mu    sync.Mutex
	boxes map[guid.Location]chan *msg.Message
	outCount map[guid.Location]*int32
}

func NewMemory() *Memory {
	return &Memory{
		boxes:    make(map[guid.Location]chan *msg.Message),
		outCount: make(map[guid.Location]*int32),
	}
}

func (m *Memory) box(loc guid.Location) chan *msg.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boxes[loc]
	if !ok {
		b = make(chan *msg.Message, 1024)
		m.boxes[loc] = b
	}
	return b
}

func (m *Memory) Send(ctx context.Context, dest guid.Location, message *msg.Message) error {
	select {
	case m.box(dest) <- message:
		nlog.Infof("transport: sent %s [%s] to %d", message.Kind, message.Trace, int32(dest))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Poll(self guid.Location) (*msg.Message, bool) {
	select {
	case message := <-m.box(self):
		return message, true
	default:
		return nil, false
	}
}

func (m *Memory) Outgoing(guid.Location) int { return 0 } // delivery is synchronous; nothing stays "outgoing"

func (m *Memory) Incoming(self guid.Location) int { return len(m.box(self)) }

var _ Transport = (*Memory)(nil)
