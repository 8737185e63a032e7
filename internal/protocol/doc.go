// Package protocol defines the messages exchanged between the server and its
// agents and the codecs that put them on the wire.
//
// # Overview
//
// Every exchange is a [Message]: an [Action] tag plus a payload whose Go type
// is fixed by the action. The action-to-payload table lives in one place
// (payloadFor) and both codecs consult it, so a payload can only ever decode
// into the type its action names.
//
// # Codecs
//
//   - [JSONCodec]: {"action": "assignWork", "data": {...}}. Used for
//     websocket text frames and the HTTP API.
//   - [BinaryCodec]: protobuf wire framing (field 1 action, field 2 payload)
//     around a CBOR payload encoded in Core Deterministic mode. Used on the
//     gRPC stream.
//
// Decoding never panics. Anything that cannot be decoded returns an error
// wrapping [ErrMalformedMessage]. An action the receiver does not know
// decodes to [ActionUnknown] with the raw payload kept, so the caller can
// report it.
package protocol
