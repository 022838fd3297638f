// Package codec is the pluggable serializer abstraction from spec section
// 4.6: every registered method carries a (request, response) Codec pair
// chosen independently of the transport.
package codec

// Codec encodes and decodes user values to and from bytes. Implementations
// must be total on their declared types and must never panic on malformed
// input; they fail with a SERIALIZATION error instead (see rpcerr), with
// the offending bytes still available to the caller for diagnostics.
type Codec interface {
	// Name identifies the codec, primarily for logging/content-type
	// negotiation.
	Name() string

	// Marshal encodes v.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into v, a pointer to the destination value.
	Unmarshal(data []byte, v interface{}) error
}

// Pair is the per-method (request, response) codec pair from the
// MethodDescriptor in spec section 3.
type Pair struct {
	Request  Codec
	Response Codec
}
