package codec

import (
	json "github.com/goccy/go-json"
)

// JSONCodec encodes payloads as JSON.
// Pros: human-readable, easy to debug with a packet capture.
// Cons: larger frames, and []byte fields are base64 encoded.
type JSONCodec struct{}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}
