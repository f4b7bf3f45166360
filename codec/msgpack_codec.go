package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes payloads as MessagePack. It is the default codec:
// compact, schemaless, and binary-safe for []byte metadata.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(&buf)
	// Structs without msgpack tags fall back to their json tags so that the
	// same types work under both codecs.
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() Type {
	return TypeMsgpack
}
