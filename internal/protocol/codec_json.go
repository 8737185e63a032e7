// ABOUTME: JSON codec producing {"action": ..., "data": ...} documents.
// ABOUTME: Used for websocket text frames; payload decoding is driven by the action table.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes messages as JSON objects.
type JSONCodec struct{}

type jsonEnvelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode implements Codec.
func (JSONCodec) Encode(m *Message) ([]byte, error) {
	if err := checkPayload(m); err != nil {
		return nil, err
	}
	env := jsonEnvelope{Action: m.Action}
	if !isNil(m.Data) {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", m.Action, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode implements Codec.
func (JSONCodec) Decode(b []byte) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, malformed("panic decoding json: %v", r)
		}
	}()

	var env jsonEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, malformed("%v", err)
	}
	if env.Action == ActionUnknown {
		return &Message{Action: ActionUnknown, Data: []byte(env.Data)}, nil
	}

	ptr, required := payloadFor(env.Action)
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		if required {
			return nil, malformed("%s without data", env.Action)
		}
		return &Message{Action: env.Action}, nil
	}
	if ptr == nil {
		return nil, malformed("%s carries unexpected data", env.Action)
	}
	if err := json.Unmarshal(env.Data, ptr); err != nil {
		return nil, malformed("%s data: %v", env.Action, err)
	}
	return &Message{Action: env.Action, Data: ptr}, nil
}
