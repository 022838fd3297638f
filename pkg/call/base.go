// Package call implements the four RPC call shapes from spec section 4.5
// — unary, server-stream, client-stream, bidirectional — all built on one
// bidirectional primitive (Base) that owns a single stream id and two
// directions of framed, codec-encoded traffic.
package call

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
	"github.com/cloudwebrtc/rpcmesh/pkg/wire"
)

// Feed is the per-stream inbound channel an Endpoint's demultiplexer
// delivers frames into; a Base never touches transport.Transport.Incoming
// directly.
type Feed chan transport.Inbound

// DefaultFeedBuffer sizes a new stream's Feed.
const DefaultFeedBuffer = 32

// Base is the bidirectional engine every call shape composes.
type Base struct {
	ID         uint32
	Transport  transport.Transport
	Codecs     codec.Pair
	MethodPath string
	Feed       Feed
	Log        *logrus.Entry

	Ctx    context.Context
	Cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	pending   []Event
	onRelease func()
}

// SetOnRelease registers a callback run once Release actually retires the
// stream id (never on a second, idempotent call). An Endpoint uses this to
// drop its demultiplexer entry for the stream without Base needing to know
// anything about endpoints.
func (b *Base) SetOnRelease(fn func()) {
	b.mu.Lock()
	b.onRelease = fn
	b.mu.Unlock()
}

// NewBase constructs a Base bound to one stream id. parent is the context
// the call's lifetime is derived from (an endpoint's root context, or a
// per-call deadline context on the caller side).
func NewBase(parent context.Context, id uint32, tr transport.Transport, codecs codec.Pair, methodPath string, log *logrus.Entry) *Base {
	ctx, cancel := context.WithCancel(parent)
	return &Base{
		ID:         id,
		Transport:  tr,
		Codecs:     codecs,
		MethodPath: methodPath,
		Feed:       make(Feed, DefaultFeedBuffer),
		Log:        log,
		Ctx:        ctx,
		Cancel:     cancel,
		state:      StateIdle,
	}
}

// State reports the current per-direction state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// wrapCtxErr maps context-package sentinel errors to their rpcerr status
// equivalents; every other error (including nil) passes through unchanged.
func wrapCtxErr(err error) error {
	switch err {
	case context.DeadlineExceeded:
		return rpcerr.DeadlineExceeded()
	case context.Canceled:
		return rpcerr.Canceled("")
	default:
		return err
	}
}

// SendInitialMetadata sends md as the call's first metadata frame.
func (b *Base) SendInitialMetadata(ctx context.Context, md metadata.List) error {
	err := b.Transport.SendMetadata(ctx, b.ID, md, false)
	if err != nil {
		return wrapCtxErr(err)
	}
	b.setState(StateHeadersSent)
	return nil
}

// SendMessage marshals v with c and sends it as one framed data message.
func (b *Base) SendMessage(ctx context.Context, c codec.Codec, v interface{}) error {
	data, err := c.Marshal(v)
	if err != nil {
		return err
	}
	frame := wire.EncodeMessage(data, false)
	if err := b.Transport.SendMessage(ctx, b.ID, frame, false); err != nil {
		return wrapCtxErr(err)
	}
	b.setState(StateOpen)
	return nil
}

// FinishSending signals end-of-sending on this stream. Idempotent, per
// the underlying Transport contract.
func (b *Base) FinishSending(ctx context.Context) error {
	err := b.Transport.FinishSending(ctx, b.ID)
	if err != nil {
		return wrapCtxErr(err)
	}
	b.setState(StateHalfClosed)
	return nil
}

// SendTrailer sends the call's final metadata frame carrying st, and marks
// the stream closed.
func (b *Base) SendTrailer(ctx context.Context, st *status.Status) error {
	md := metadata.ForTrailer(int(st.Code()), st.Message())
	err := b.Transport.SendMetadata(ctx, b.ID, md, true)
	b.setState(StateClosed)
	if err != nil {
		return wrapCtxErr(err)
	}
	return nil
}

// CancelBestEffort attempts to signal the peer that this side is giving up
// on the call (deadline exceeded / explicit cancellation). The underlying
// send is best-effort: its error is discarded, matching spec's "best-effort
// cancel on the wire" language.
func (b *Base) CancelBestEffort() {
	_ = b.Transport.FinishSending(context.Background(), b.ID)
	b.Cancel()
}

// Release retires this stream's id on the transport. Idempotent: onRelease
// only fires the call that actually transitions the id from active to
// released.
func (b *Base) Release() bool {
	b.Cancel()
	released := b.Transport.ReleaseStreamID(b.ID)
	if released {
		b.mu.Lock()
		fn := b.onRelease
		b.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return released
}

func (b *Base) nextInbound(ctx context.Context) (transport.Inbound, error) {
	select {
	case in, ok := <-b.Feed:
		if !ok {
			return transport.Inbound{}, rpcerr.Unavailable("rpcmesh: stream feed closed")
		}
		return in, nil
	case <-ctx.Done():
		return transport.Inbound{}, wrapCtxErr(ctx.Err())
	case <-b.Ctx.Done():
		return transport.Inbound{}, rpcerr.Canceled("rpcmesh: call context done")
	}
}

// Recv returns the next Event observed on this stream: a message, a
// half-close, or the trailer. FIFO within the stream is preserved by
// construction — Feed is fed in arrival order and pending is a strict
// queue.
func (b *Base) Recv(ctx context.Context) (Event, error) {
	b.mu.Lock()
	if len(b.pending) > 0 {
		ev := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
		return ev, nil
	}
	b.mu.Unlock()

	in, err := b.nextInbound(ctx)
	if err != nil {
		return Event{}, err
	}

	switch in.Kind {
	case transport.InboundMetadata:
		// A responder sends exactly two metadata frames: initial
		// response headers (SendInitialMetadata/SendResponse, endStream
		// false, no grpc-status) before its first payload, then the
		// trailer (SendTrailer, endStream true) on Finish. Only the
		// latter ends the call.
		if !in.EndOfStream {
			return Event{Kind: EventHeaders, Trailer: in.Metadata}, nil
		}
		return Event{Kind: EventTrailer, Trailer: in.Metadata}, nil
	case transport.InboundData:
		var events []Event
		if len(in.Payload) > 0 {
			r := wire.NewReader()
			r.Feed(in.Payload)
			if derr := r.Drain(func(payload []byte, compressed bool) error {
				events = append(events, Event{Kind: EventMessage, Payload: payload, Compressed: compressed})
				return nil
			}); derr != nil {
				return Event{}, derr
			}
		}
		if in.EndOfStream {
			events = append(events, Event{Kind: EventHalfClose})
		}
		if len(events) == 0 {
			return b.Recv(ctx)
		}
		if len(events) > 1 {
			b.mu.Lock()
			b.pending = append(b.pending, events[1:]...)
			b.mu.Unlock()
		}
		return events[0], nil
	default:
		return b.Recv(ctx)
	}
}

// DrainUntilHalfClose discards messages until the peer's half-close
// arrives. A trailer observed before half-close means the peer aborted
// mid-stream; that is reported as a cancellation.
func (b *Base) DrainUntilHalfClose(ctx context.Context) error {
	for {
		ev, err := b.Recv(ctx)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case EventHalfClose:
			return nil
		case EventTrailer:
			return rpcerr.Canceled("rpcmesh: peer closed before end-of-sending")
		}
	}
}

// StatusFromTrailer extracts the grpc-status/grpc-message pair from a
// trailer's metadata into a *status.Status.
func StatusFromTrailer(md metadata.List) *status.Status {
	code := codes.Unknown
	if v, ok := md.Get(metadata.KeyGRPCStatus); ok {
		if n, err := parsePositiveInt(v); err == nil {
			code = codes.Code(n)
		}
	}
	msg, _ := md.Get(metadata.KeyGRPCMessage)
	return status.New(code, msg)
}

// isLocalTimeoutOrCancel reports whether err is this side's own
// DEADLINE_EXCEEDED or CANCELLED status, as opposed to one relayed from
// the peer's trailer — used to decide whether a best-effort wire cancel
// is warranted.
func isLocalTimeoutOrCancel(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return st.Code() == codes.DeadlineExceeded || st.Code() == codes.Canceled
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, rpcerr.New(codes.InvalidArgument, "rpcmesh: invalid status code %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
