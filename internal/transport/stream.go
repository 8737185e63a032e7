// ABOUTME: Stream is the message-level view of one agent connection.
// ABOUTME: Adapters for gRPC and websocket implement it on both ends.

package transport

import (
	"github.com/2389/gantry/internal/protocol"
)

// Stream sends and receives protocol messages. Recv blocks until a message
// arrives. A decode failure is reported as an error wrapping
// protocol.ErrMalformedMessage and the stream stays usable.
type Stream interface {
	Send(msg *protocol.Message) error
	Recv() (*protocol.Message, error)
	Close() error
}
