package call

import "github.com/cloudwebrtc/rpcmesh/pkg/metadata"

// EventKind distinguishes the things a Base can observe on its feed.
type EventKind int

const (
	// EventMessage carries one decoded payload frame.
	EventMessage EventKind = iota
	// EventHalfClose signals the peer finished sending (end-of-stream on
	// a data frame with no further payload).
	EventHalfClose
	// EventHeaders carries a responder's initial, non-terminal metadata
	// frame (Responder.SendInitialMetadata/SendResponse) — sent before
	// the first payload, never carrying grpc-status. Every call shape's
	// Recv loop ignores it and keeps waiting for a message or the real
	// trailer.
	EventHeaders
	// EventTrailer carries the call's final metadata frame.
	EventTrailer
)

// Event is one item out of Base.Recv.
type Event struct {
	Kind       EventKind
	Payload    []byte
	Compressed bool
	Trailer    metadata.List
}
