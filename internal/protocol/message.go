// ABOUTME: Message envelope, codec interface, and the typed constructors used by callers.
// ABOUTME: checkPayload enforces that Data matches the type its action names.

package protocol

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrMalformedMessage is returned when bytes cannot be decoded into a Message.
var ErrMalformedMessage = errors.New("malformed message")

// ErrPayloadMismatch is returned when a message's data does not match its action.
var ErrPayloadMismatch = errors.New("payload does not match action")

// ErrUnknownAction is returned when encoding a message with ActionUnknown.
var ErrUnknownAction = errors.New("unknown action")

// Message is one protocol exchange. Data holds a pointer to the payload type
// for Action, nil for actions without a payload, or the raw undecoded bytes
// when Action is ActionUnknown.
type Message struct {
	Action Action
	Data   any
}

// Codec turns messages into bytes and back.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

// NewMessage builds a message and checks the payload type.
func NewMessage(a Action, data any) (*Message, error) {
	m := &Message{Action: a, Data: data}
	if err := checkPayload(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Ping returns a heartbeat carrying info. info may be nil for a bare liveness ping.
func Ping(info *AgentRuntimeInfo) *Message {
	if info == nil {
		return &Message{Action: ActionPing}
	}
	return &Message{Action: ActionPing, Data: info}
}

// Reregister tells the agent its cookie is no longer valid.
func Reregister() *Message {
	return &Message{Action: ActionReregister}
}

// checkPayload verifies m.Data is nil or the pointer type payloadFor names.
func checkPayload(m *Message) error {
	if m.Action == ActionUnknown || m.Action > maxAction {
		return fmt.Errorf("encoding %s: %w", m.Action, ErrUnknownAction)
	}
	want, required := payloadFor(m.Action)
	if isNil(m.Data) {
		if required {
			return fmt.Errorf("%s requires a payload: %w", m.Action, ErrPayloadMismatch)
		}
		return nil
	}
	if want == nil || reflect.TypeOf(m.Data) != reflect.TypeOf(want) {
		return fmt.Errorf("%s cannot carry %T: %w", m.Action, m.Data, ErrPayloadMismatch)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Unpack type-asserts m.Data to T, failing if the payload has a different type.
func Unpack[T any](m *Message) (*T, error) {
	v, ok := m.Data.(*T)
	if !ok || v == nil {
		var zero T
		return nil, fmt.Errorf("%s: want %T, have %T: %w", m.Action, &zero, m.Data, ErrPayloadMismatch)
	}
	return v, nil
}

// malformed wraps cause in ErrMalformedMessage.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
