package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Envelope is the wire shape a JSON-encoded outbox event or delivery is
// carried in: the event's own domain id, a type name the handler registry
// binds against, plus the caller's payload already marshaled to JSON.
// Keeping Payload as raw bytes lets EncodeEnvelope/DecodeEnvelope run before
// the concrete Go type behind Type is known. ID is the idempotency key the
// consumer dispatch engine records against; carrying it on the wire this way
// means every redelivery of the same event, queue or stream, resolves to the
// same key regardless of what id the transport itself assigns the delivery.
type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

// EncodeEnvelope marshals value and wraps it with id and typeName, ready to
// store in the outbox table or hand to a broker publisher.
func EncodeEnvelope(id, typeName string, value any) ([]byte, error) {
	payload, err := Marshal(value)
	if err != nil {
		return nil, err
	}
	return Marshal(Envelope{ID: id, Type: typeName, Payload: payload})
}

// DecodeEnvelope unwraps an Envelope (its ID, type name, and raw payload),
// deferring payload decoding to the handler registry's bound handler for
// that type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := Unmarshal(data, &env)
	return env, err
}
