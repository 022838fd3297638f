// Package natstransport realizes the transport.Transport contract over
// nats.go, the production transport for rpcmesh. It generalizes the
// teacher prototype's per-call reply-subject addressing
// (zjzhang-cn-nats-grpc/pkg/rpc.Server.onMessage) into a point-to-point
// link between two peer subjects, with the spec's own envelope+message
// framing (package wire) multiplexing stream ids inside each NATS message
// instead of relying on one subject per call.
package natstransport

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpclog"
	"github.com/cloudwebrtc/rpcmesh/pkg/streamid"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
	"github.com/cloudwebrtc/rpcmesh/pkg/wire"
)

// NatsConn is the subset of *nats.Conn the transport depends on, named
// after the teacher prototype's own NatsConn abstraction so a test fake
// can stand in for a live connection.
type NatsConn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
	Flush() error
}

const inboxSize = 256

// Transport binds one peer endpoint of a NATS link: it subscribes on
// selfSubject for inbound frames and publishes outbound frames to
// peerSubject.
type Transport struct {
	nc          NatsConn
	selfSubject string
	peerSubject string
	ids         *streamid.Manager
	log         *logrus.Entry

	incoming chan transport.Inbound
	sub      *nats.Subscription
	closeCh  chan struct{}

	mu     sync.Mutex
	active map[uint32]struct{}
	closed bool

	// sendMu guards delivery into incoming against a concurrent Close:
	// pushInbound holds the read lock for as long as it may still be
	// sending on incoming; Close takes the write lock before closing
	// incoming, so the two never run concurrently.
	sendMu sync.RWMutex
}

var _ transport.Transport = (*Transport)(nil)

// New subscribes selfSubject and returns a Transport that publishes to
// peerSubject. role picks this side's stream-id parity: the side that
// opens calls (the caller) uses streamid.Caller, the side that accepts
// them (the responder) uses streamid.Responder — mirroring the teacher's
// QueueSubscribe-per-service / Publish-to-reply split.
func New(nc NatsConn, selfSubject, peerSubject string, role streamid.Role) (*Transport, error) {
	t := &Transport{
		nc:          nc,
		selfSubject: selfSubject,
		peerSubject: peerSubject,
		ids:         streamid.New(role),
		log:         rpclog.New("natstransport", logrus.Fields{"self": selfSubject, "peer": peerSubject}),
		incoming:    make(chan transport.Inbound, inboxSize),
		active:      make(map[uint32]struct{}),
		closeCh:     make(chan struct{}),
	}
	sub, err := nc.Subscribe(selfSubject, t.onMessage)
	if err != nil {
		return nil, err
	}
	t.sub = sub
	return t, nil
}

func (t *Transport) onMessage(msg *nats.Msg) {
	env, n, err := wire.DecodeEnvelope(msg.Data)
	if err != nil {
		t.log.WithError(err).Warn("dropping malformed envelope")
		return
	}
	body := msg.Data[n:]
	t.markActive(env.StreamID)

	switch env.Type {
	case wire.FrameMetadata:
		md, err := metadata.Decode(body)
		if err != nil {
			t.log.WithError(err).Warn("dropping malformed metadata frame")
			return
		}
		t.pushInbound(transport.Inbound{
			StreamID:    env.StreamID,
			Kind:        transport.InboundMetadata,
			Metadata:    md,
			EndOfStream: env.EndOfStream,
			MethodPath:  env.MethodPath,
		})
	case wire.FrameData:
		t.onDataFrame(env, body)
	default:
		t.log.WithField("type", env.Type).Warn("dropping unknown frame type")
	}
}

func (t *Transport) onDataFrame(env wire.Envelope, body []byte) {
	if len(body) > 0 {
		r := wire.NewReader()
		r.Feed(body)
		if err := r.Drain(func([]byte, bool) error { return nil }); err != nil {
			t.log.WithError(err).Warn("dropping malformed data frame")
			return
		}
	}
	t.pushInbound(transport.Inbound{
		StreamID:    env.StreamID,
		Kind:        transport.InboundData,
		Payload:     body,
		EndOfStream: env.EndOfStream,
	})
}

func (t *Transport) pushInbound(in transport.Inbound) {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	select {
	case t.incoming <- in:
	case <-t.closeCh:
	}
}

func (t *Transport) markActive(id uint32) {
	t.mu.Lock()
	t.active[id] = struct{}{}
	t.mu.Unlock()
}

// CreateStream allocates the next id for this side's role.
func (t *Transport) CreateStream(ctx context.Context) (uint32, error) {
	id, err := t.ids.Allocate()
	if err != nil {
		return 0, err
	}
	t.markActive(id)
	return id, nil
}

func (t *Transport) publish(env wire.Envelope, body []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return rpcerr.Unavailable("rpcmesh: transport closed")
	}
	buf := append(env.Encode(), body...)
	if err := t.nc.Publish(t.peerSubject, buf); err != nil {
		return err
	}
	return t.nc.Flush()
}

func (t *Transport) SendMetadata(ctx context.Context, id uint32, md metadata.List, endStream bool) error {
	path, _ := md.Get(metadata.KeyPath)
	t.markActive(id)
	return t.publish(wire.Envelope{StreamID: id, Type: wire.FrameMetadata, EndOfStream: endStream, MethodPath: path}, metadata.Encode(md))
}

func (t *Transport) SendMessage(ctx context.Context, id uint32, framed []byte, endStream bool) error {
	return t.publish(wire.Envelope{StreamID: id, Type: wire.FrameData, EndOfStream: endStream}, framed)
}

func (t *Transport) FinishSending(ctx context.Context, id uint32) error {
	return t.publish(wire.Envelope{StreamID: id, Type: wire.FrameData, EndOfStream: true}, nil)
}

// ReleaseStreamID retires id. Idempotent.
func (t *Transport) ReleaseStreamID(id uint32) bool {
	t.ids.Release(id)
	t.mu.Lock()
	_, released := t.active[id]
	delete(t.active, id)
	t.mu.Unlock()
	return released
}

func (t *Transport) Incoming() <-chan transport.Inbound {
	return t.incoming
}

// Close unsubscribes from selfSubject, signals end-of-stream to local
// observers for every still-active stream, and closes the incoming
// channel.
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

	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			t.log.WithError(err).Warn("unsubscribe failed during close")
		}
	}

	// Unblock any pushInbound call already past the closed check before
	// waiting for it below.
	close(t.closeCh)

	// Wait for any pushInbound call currently inside its select to
	// finish, so incoming never closes while a send to it is in flight.
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
