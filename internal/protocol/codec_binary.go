// ABOUTME: Binary codec: protobuf wire framing around a deterministic CBOR payload.
// ABOUTME: Used on the gRPC agent stream; unknown fields are skipped for forward compatibility.

package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldAction protowire.Number = 1
	fieldData   protowire.Number = 2
)

// encMode is Core Deterministic: the same message always gives the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown payload fields.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// BinaryCodec encodes messages for the gRPC stream.
type BinaryCodec struct{}

// Encode implements Codec.
func (BinaryCodec) Encode(m *Message) ([]byte, error) {
	if err := checkPayload(m); err != nil {
		return nil, err
	}
	b := protowire.AppendTag(nil, fieldAction, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Action))
	if !isNil(m.Data) {
		payload, err := encMode.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", m.Action, err)
		}
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(b []byte) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, malformed("panic decoding binary: %v", r)
		}
	}()

	var (
		action    Action
		sawAction bool
		data      []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldAction && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("action: %v", protowire.ParseError(n))
			}
			action, sawAction = actionFromWire(v), true
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("data: %v", protowire.ParseError(n))
			}
			data = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldAction || num == fieldData:
			return nil, malformed("field %d has wire type %d", num, typ)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawAction {
		return nil, malformed("missing action")
	}
	if action == ActionUnknown {
		return &Message{Action: ActionUnknown, Data: data}, nil
	}

	ptr, required := payloadFor(action)
	if len(data) == 0 {
		if required {
			return nil, malformed("%s without data", action)
		}
		return &Message{Action: action}, nil
	}
	if ptr == nil {
		return nil, malformed("%s carries unexpected data", action)
	}
	if err := decMode.Unmarshal(data, ptr); err != nil {
		return nil, malformed("%s data: %v", action, err)
	}
	return &Message{Action: action, Data: ptr}, nil
}
