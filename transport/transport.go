// Package transport implements the Comm API's send/poll contract over
// pluggable carriers. Hardware-specific comm platforms plug in behind the
// same interface; only their message-send/poll behavior matters here.
package transport

import (
	"context"

	"github.com/ModeladoFoundation/ocr-sub001/guid"
	"github.com/ModeladoFoundation/ocr-sub001/msg"
)

// Transport is the minimal contract a comm API implementation must
// satisfy: send a message to a destination Location, and poll for an
// incoming one.
type Transport interface {
	Send(ctx context.Context, dest guid.Location, m *msg.Message) error
	// Poll returns the next queued incoming message for this Location, if
	// any, without blocking.
	Poll(self guid.Location) (*msg.Message, bool)
	Outgoing(self guid.Location) int
	Incoming(self guid.Location) int
}
