package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecodedSize bounds a decompressed payload when no other ceiling
// is configured. It matches the default frame size limit.
const DefaultMaxDecodedSize = 16 << 20

// Shared zstd encoder. Only EncodeAll is used, which is safe for concurrent
// use.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err) // this is impossible
	}
}

type zstdCodec struct {
	inner   Codec
	limit   int
	decoder *zstd.Decoder
}

// Zstd wraps inner so that every marshalled payload is zstd compressed.
// Both peers must use the wrapped codec. A payload that decompresses to more
// than maxDecodedSize bytes is rejected; non-positive means
// DefaultMaxDecodedSize.
func Zstd(inner Codec, maxDecodedSize int) Codec {
	if maxDecodedSize <= 0 {
		maxDecodedSize = DefaultMaxDecodedSize
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(maxDecodedSize)),
	)
	if err != nil {
		panic(err) // this is impossible
	}
	return &zstdCodec{inner: inner, limit: maxDecodedSize, decoder: dec}
}

func (c *zstdCodec) Marshal(v any) ([]byte, error) {
	raw, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func (c *zstdCodec) Unmarshal(data []byte, v any) error {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("codec: zstd: %w", err)
	}
	if len(raw) > c.limit {
		return fmt.Errorf("codec: zstd: %w: %d > %d bytes", zstd.ErrDecoderSizeExceeded, len(raw), c.limit)
	}
	return c.inner.Unmarshal(raw, v)
}

func (c *zstdCodec) Type() Type {
	return c.inner.Type()
}
