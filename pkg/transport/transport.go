// Package transport defines the abstract duplex-channel contract (spec
// section 4.3) that the RPC core is built against. Concrete transports —
// memtransport for tests/in-process peers, natstransport for production —
// implement Transport; the core never touches transport-specific state.
package transport

import (
	"context"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
)

// InboundKind distinguishes a metadata frame from a data frame on the
// Incoming sequence.
type InboundKind int

const (
	InboundMetadata InboundKind = iota
	InboundData
)

// Inbound is one frame observed on the transport's multiplexed incoming
// sequence, addressed to StreamID.
type Inbound struct {
	StreamID    uint32
	Kind        InboundKind
	Metadata    metadata.List // set when Kind == InboundMetadata
	Payload     []byte        // set when Kind == InboundData; one or more concatenated wire.EncodeMessage frames
	EndOfStream bool
	MethodPath  string // set only on the call-opening metadata frame
}

// Transport is the abstract duplex channel the RPC core is built on top
// of. All operations may suspend pending transport progress. Implementations
// must be safe for concurrent use across stream ids.
type Transport interface {
	// CreateStream allocates a new stream id for an outgoing (caller-side)
	// call.
	CreateStream(ctx context.Context) (uint32, error)

	// SendMetadata sends a metadata frame for id. The first call per
	// stream on the caller side must carry the method path.
	SendMetadata(ctx context.Context, id uint32, md metadata.List, endStream bool) error

	// SendMessage sends an already-framed payload (see package wire) for
	// id.
	SendMessage(ctx context.Context, id uint32, framed []byte, endStream bool) error

	// FinishSending sends an empty end-of-stream trailer for id. It is
	// idempotent.
	FinishSending(ctx context.Context, id uint32) error

	// ReleaseStreamID retires id. Idempotent; returns false if already
	// released.
	ReleaseStreamID(id uint32) bool

	// Incoming returns the channel of inbound frames, multiplexed across
	// every stream id this transport observes. The channel closes when
	// the transport closes.
	Incoming() <-chan Inbound

	// Close cancels every active stream and signals end-of-stream to
	// local observers.
	Close() error
}
