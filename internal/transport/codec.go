package transport

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for envelopes.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(env Envelope) ([]byte, error)

	// Decode deserializes bytes into an envelope.
	Decode(data []byte) (Envelope, error)

	// Name returns the codec identifier used during negotiation.
	Name() string
}

// Codec names for negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// JSONCodec encodes envelopes as JSON text.
type JSONCodec struct{}

func (JSONCodec) Encode(env Envelope) ([]byte, error) { return json.Marshal(env) }

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes envelopes as MessagePack arrays.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) { return msgpack.Marshal(&env) }

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
