// ABOUTME: Represents a single connected agent's outbound stream.
// ABOUTME: Serializes sends so messages to one agent stay in FIFO order.

package agent

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/gantry/internal/protocol"
)

// ErrConnectionClosed is returned when sending on a detached connection.
var ErrConnectionClosed = errors.New("connection closed")

// MessageSender is the write half of a transport stream.
type MessageSender interface {
	Send(msg *protocol.Message) error
}

// Connection represents one live transport connection for an agent.
type Connection struct {
	ID        string
	AgentUUID string

	stream MessageSender
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewConnection creates a Connection for agentUUID writing to stream.
func NewConnection(agentUUID string, stream MessageSender, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		ID:        id,
		AgentUUID: agentUUID,
		stream:    stream,
		logger:    logger.With("agent_uuid", agentUUID, "connection_id", id),
	}
}

// Send writes msg to the agent. Concurrent callers are serialized.
func (c *Connection) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if err := c.stream.Send(msg); err != nil {
		c.logger.Debug("send failed", "action", msg.Action, "error", err)
		return err
	}
	return nil
}

// Close marks the connection unusable. Later sends fail with ErrConnectionClosed.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
