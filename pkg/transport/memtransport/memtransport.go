// Package memtransport realizes the transport.Transport contract over a
// pair of in-process Go channels — the transport used by rpcmesh's own
// tests and by same-process peers that don't need a network hop.
package memtransport

import (
	"context"
	"sync"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
)

const inboxSize = 256

// Transport is one end of an in-memory duplex pair. Build a connected pair
// with NewPair.
type Transport struct {
	nextID uint32 // caller-parity starts at 1, responder-parity at 2; +2 each

	mu      sync.Mutex
	peer    *Transport
	active  map[uint32]struct{}
	closed  bool
	closeCh chan struct{}

	// sendMu guards delivery into incoming against a concurrent Close of
	// this transport: a deliver call from the peer holds the read lock
	// for as long as it may still be selecting on incoming <- in; Close
	// takes the write lock before closing incoming, so it never runs
	// concurrently with an in-flight send.
	sendMu sync.RWMutex

	incoming chan transport.Inbound
}

var _ transport.Transport = (*Transport)(nil)

// NewPair builds two connected Transports: a allocates caller-parity
// (odd) stream ids, b allocates responder-parity (even) ids, matching
// spec's odd/even id convention for the two roles at each end of a call.
func NewPair() (a, b *Transport) {
	a = &Transport{
		nextID:   1,
		incoming: make(chan transport.Inbound, inboxSize),
		active:   make(map[uint32]struct{}),
		closeCh:  make(chan struct{}),
	}
	b = &Transport{
		nextID:   2,
		incoming: make(chan transport.Inbound, inboxSize),
		active:   make(map[uint32]struct{}),
		closeCh:  make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CreateStream allocates the next id on this side's parity and marks it
// active locally; the peer's own active set is updated once it observes
// the first frame for the id.
func (t *Transport) CreateStream(ctx context.Context) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextID > 0x7fffffff {
		return 0, rpcerr.StreamExhausted()
	}
	id := t.nextID
	t.nextID += 2
	t.active[id] = struct{}{}
	return id, nil
}

func (t *Transport) deliver(ctx context.Context, in transport.Inbound) error {
	if t.isClosed() {
		return rpcerr.Unavailable("rpcmesh: transport closed")
	}
	peer := t.peer
	peer.sendMu.RLock()
	defer peer.sendMu.RUnlock()
	if peer.isClosed() {
		return rpcerr.Unavailable("rpcmesh: transport closed")
	}
	select {
	case peer.incoming <- in:
		peer.mu.Lock()
		peer.active[in.StreamID] = struct{}{}
		peer.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return rpcerr.Unavailable("rpcmesh: transport closed")
	case <-peer.closeCh:
		return rpcerr.Unavailable("rpcmesh: transport closed")
	}
}

func (t *Transport) SendMetadata(ctx context.Context, id uint32, md metadata.List, endStream bool) error {
	path, _ := md.Get(metadata.KeyPath)
	t.mu.Lock()
	t.active[id] = struct{}{}
	t.mu.Unlock()
	return t.deliver(ctx, transport.Inbound{
		StreamID:    id,
		Kind:        transport.InboundMetadata,
		Metadata:    md,
		EndOfStream: endStream,
		MethodPath:  path,
	})
}

func (t *Transport) SendMessage(ctx context.Context, id uint32, framed []byte, endStream bool) error {
	return t.deliver(ctx, transport.Inbound{
		StreamID:    id,
		Kind:        transport.InboundData,
		Payload:     framed,
		EndOfStream: endStream,
	})
}

func (t *Transport) FinishSending(ctx context.Context, id uint32) error {
	return t.deliver(ctx, transport.Inbound{
		StreamID:    id,
		Kind:        transport.InboundData,
		EndOfStream: true,
	})
}

// ReleaseStreamID retires id from this side's active set. Idempotent.
func (t *Transport) ReleaseStreamID(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}

func (t *Transport) Incoming() <-chan transport.Inbound {
	return t.incoming
}

// Close cancels every stream this side knows about, signaling
// end-of-stream to local observers, and tears down the channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ids := make([]uint32, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	t.active = make(map[uint32]struct{})
	t.mu.Unlock()

	// Unblock any deliver call currently selecting on this transport as
	// peer before waiting for it: closed is already true, so a blocked
	// sender takes this case instead of delivering into incoming.
	close(t.closeCh)

	// Wait for any deliver call that had already committed to sending on
	// incoming (past the closed checks, inside the select) to finish,
	// so incoming never closes while a send to it is in flight.
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	for _, id := range ids {
		select {
		case t.incoming <- transport.Inbound{StreamID: id, Kind: transport.InboundData, EndOfStream: true}:
		default:
		}
	}
	close(t.incoming)
	return nil
}
