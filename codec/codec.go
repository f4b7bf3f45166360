// Package codec serializes frame payloads.
//
// The codec is a build-time contract: client and server must be configured
// with the same one, nothing on the wire says which codec produced a frame.
package codec

import (
	"fmt"
	"strings"
)

type Type byte

const (
	TypeJSON    Type = 0
	TypeMsgpack Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Type() Type
}

// Default is the codec used when none is configured.
var Default Codec = &MsgpackCodec{}

func Get(t Type) Codec {
	if t == TypeJSON {
		return &JSONCodec{}
	}

	return &MsgpackCodec{}
}

// ByName resolves a codec from its configuration name: "msgpack", "json",
// optionally suffixed with "+zstd" for compressed payloads. maxDecodedSize
// bounds decompressed payloads, see Zstd.
func ByName(name string, maxDecodedSize int) (Codec, error) {
	base, compressed := strings.CutSuffix(name, "+zstd")

	var c Codec
	switch base {
	case "", "msgpack":
		c = &MsgpackCodec{}
	case "json":
		c = &JSONCodec{}
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}

	if compressed {
		return Zstd(c, maxDecodedSize), nil
	}
	return c, nil
}
