// ABOUTME: Tests for the agent Registry and Connection.
// ABOUTME: Validates registration, re-registration, heartbeats, attach/detach and send ordering.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gantry/internal/protocol"
)

type mockStream struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error
}

func (m *mockStream) Send(msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockStream) Sent() []*protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.Message(nil), m.sent...)
}

func info(id string) protocol.AgentRuntimeInfo {
	return protocol.AgentRuntimeInfo{
		Identifier:    protocol.AgentIdentifier{HostName: "host-" + id, IPAddress: "10.0.0.1", UUID: id},
		RuntimeStatus: protocol.StatusIdle,
		Resources:     []string{"linux"},
		Cookie:        "agent-supplied",
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(slog.Default())
	now := time.Now()

	a, prev, err := reg.Register(info("u1"), "c1", now)
	require.NoError(t, err)
	assert.Equal(t, State{}, prev)
	assert.Equal(t, "u1", a.UUID)
	assert.Equal(t, "c1", a.Cookie)
	assert.Empty(t, a.Info.Cookie, "agent-supplied cookie is never trusted")
	assert.True(t, a.Enabled)
	assert.True(t, a.State.IsIdle())
	assert.Equal(t, 1, reg.Len())

	t.Run("duplicate cookie", func(t *testing.T) {
		_, _, err := reg.Register(info("u2"), "c1", now)
		assert.ErrorIs(t, err, ErrDuplicateCookie)
	})

	t.Run("re-register resets state and returns previous", func(t *testing.T) {
		require.NoError(t, reg.Update("u1", func(a *Agent) error {
			var err error
			a.State, err = a.State.Assign(jobA)
			return err
		}))

		a, prev, err := reg.Register(info("u1"), "c2", now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, prev.Holds(jobA))
		assert.True(t, a.State.IsIdle())
		assert.Equal(t, "c2", a.Cookie)
		assert.Equal(t, now, a.RegisteredAt)
	})
}

func TestRegistry_Heard(t *testing.T) {
	reg := NewRegistry(slog.Default())
	now := time.Now()

	assert.ErrorIs(t, reg.Heard(info("ghost"), now), ErrAgentNotFound)

	_, _, err := reg.Register(info("u1"), "c1", now)
	require.NoError(t, err)

	later := now.Add(10 * time.Second)
	hb := info("u1")
	hb.Location = "/opt/agent"
	require.NoError(t, reg.Heard(hb, later))

	a, ok := reg.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, later, a.LastHeard)
	assert.Equal(t, "/opt/agent", a.Info.Location)

	require.NoError(t, reg.Update("u1", func(a *Agent) error {
		a.State = a.State.Lose()
		return nil
	}))
	assert.ErrorIs(t, reg.Heard(hb, later), ErrAgentLost)
}

func TestRegistry_AttachDetach(t *testing.T) {
	reg := NewRegistry(slog.Default())
	_, _, err := reg.Register(info("u1"), "c1", time.Now())
	require.NoError(t, err)

	first := NewConnection("u1", &mockStream{}, slog.Default())
	second := NewConnection("u1", &mockStream{}, slog.Default())

	require.NoError(t, reg.Attach("u1", first))
	assert.Equal(t, 1, reg.ConnectedCount())

	require.NoError(t, reg.Attach("u1", second))
	assert.ErrorIs(t, first.Send(protocol.Ping(nil)), ErrConnectionClosed, "replaced connection is closed")

	// A stale session detaching must not drop the newer connection.
	reg.Detach("u1", first)
	c, ok := reg.Sender("u1")
	require.True(t, ok)
	assert.Same(t, second, c)

	reg.Detach("u1", second)
	_, ok = reg.Sender("u1")
	assert.False(t, ok)

	a, ok := reg.Lookup("u1")
	require.True(t, ok, "detach keeps the agent registered")
	assert.False(t, a.Connected)

	assert.ErrorIs(t, reg.Attach("ghost", first), ErrAgentNotFound)
}

func TestRegistry_EnableEvictRestore(t *testing.T) {
	reg := NewRegistry(slog.Default())
	_, _, err := reg.Register(info("u1"), "c1", time.Now())
	require.NoError(t, err)

	require.NoError(t, reg.SetEnabled("u1", false))
	a, _ := reg.Lookup("u1")
	assert.False(t, a.Enabled)
	assert.ErrorIs(t, reg.SetEnabled("ghost", true), ErrAgentNotFound)

	reg.Evict("u1")
	_, ok := reg.Lookup("u1")
	assert.False(t, ok)

	building, err := Idle().Assign(jobA)
	require.NoError(t, err)
	reg.Restore(Agent{UUID: "u9", Info: info("u9"), State: building, Cookie: "old", Enabled: true})
	restored, ok := reg.Lookup("u9")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusLostContact, restored.State.Status)
	assert.Empty(t, restored.Cookie)
}

func TestRegistry_SnapshotIsSortedCopy(t *testing.T) {
	reg := NewRegistry(slog.Default())
	for _, id := range []string{"c", "a", "b"} {
		_, _, err := reg.Register(info(id), "cookie-"+id, time.Now())
		require.NoError(t, err)
	}
	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].UUID)
	assert.Equal(t, "c", snap[2].UUID)

	snap[0].Info.Resources[0] = "mutated"
	a, _ := reg.Lookup("a")
	assert.Equal(t, []string{"linux"}, a.Info.Resources)
}

func TestAgent_RuntimeInfo(t *testing.T) {
	building, err := Idle().Assign(jobA)
	require.NoError(t, err)
	a := Agent{UUID: "u1", Info: info("u1"), State: building, Cookie: "c1"}

	ri := a.RuntimeInfo()
	assert.Equal(t, protocol.StatusBuilding, ri.RuntimeStatus)
	require.NotNil(t, ri.BuildingJob)
	assert.Equal(t, jobA, *ri.BuildingJob)
	assert.Equal(t, "c1", ri.Cookie)
}

func TestConnection_SendOrderAndErrors(t *testing.T) {
	stream := &mockStream{}
	conn := NewConnection("u1", stream, slog.Default())

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Send(protocol.Ping(nil)))
	}
	require.NoError(t, conn.Send(protocol.Reregister()))
	sent := stream.Sent()
	require.Len(t, sent, 6)
	assert.Equal(t, protocol.ActionReregister, sent[5].Action)

	stream.err = errors.New("broken pipe")
	assert.Error(t, conn.Send(protocol.Ping(nil)))

	conn.Close()
	assert.ErrorIs(t, conn.Send(protocol.Ping(nil)), ErrConnectionClosed)
}
