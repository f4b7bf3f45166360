// Package message defines the values exchanged between client and server.
//
// Every connection starts with one Header frame naming the method. Every
// frame after it carries a Result envelope:
//
//	client → server:  [Header][Result[I, EC]...]
//	server → client:  [Result[Unit, E] ack, streaming only][Result[R, E] | Result[O, ES]...]
//
// The frames themselves are produced by the protocol package and the payload
// encoding by the codec package.
package message

import "sort"

// Header is the first frame of every call.
//
//   - Method is the discriminator looked up in the server's dispatch table.
//   - Args holds the codec-encoded non-streaming arguments. Methods with several
//     arguments use a struct, methods without arguments use Unit.
//   - Metadata carries call-scoped key/values such as the call id and trace context.
//
// Empty and nil Args are equivalent: both decode to the zero argument value.
// The server always hands middlewares a non-nil Metadata.
type Header struct {
	Method   string   `json:"method" msgpack:"method"`
	Args     []byte   `json:"args" msgpack:"args"`
	Metadata Metadata `json:"metadata" msgpack:"metadata"`
}

// MetadataCallID is the metadata key under which clients send a unique id
// for each call, so both sides can correlate their logs.
const MetadataCallID = "call-id"

// Metadata is the header's key/value map. Its Get/Set/Keys methods make it
// usable as an OpenTelemetry propagation carrier.
type Metadata map[string][]byte

func (m Metadata) Get(key string) string {
	return string(m[key])
}

// Set panics on a nil Metadata, like any map write.
func (m Metadata) Set(key, value string) {
	m[key] = []byte(value)
}

func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy that can be modified without affecting m.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Shape is the call shape of a method.
type Shape byte

const (
	Unary           Shape = 0 // one argument frame set, one result
	ClientStreaming Shape = 1 // input stream, one result
	ServerStreaming Shape = 2 // ack, then output stream
	Bidi            Shape = 3 // input stream, ack, then output stream
)

func (s Shape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client_streaming"
	case ServerStreaming:
		return "server_streaming"
	case Bidi:
		return "bidi"
	default:
		return "unknown"
	}
}

// StreamsInput reports whether the client sends a stream of argument frames.
func (s Shape) StreamsInput() bool {
	return s == ClientStreaming || s == Bidi
}

// StreamsOutput reports whether the server answers with an ack and a stream.
func (s Shape) StreamsOutput() bool {
	return s == ServerStreaming || s == Bidi
}
