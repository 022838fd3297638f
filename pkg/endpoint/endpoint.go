// Package endpoint implements the per-peer dispatch layer from spec
// section 4.7: one Endpoint owns exactly one transport, holds the
// registry every registered contract.Contract installs into, demultiplexes
// the transport's inbound sequence to the handler already bound to a
// stream id, and mints typed caller primitives for outbound calls. It is
// the symmetric "both sides run the same code" piece the teacher's
// Server type only half models — the teacher has no caller-side factory at
// all, since zjzhang-cn-nats-grpc only ever plays the grpc-server role.
package endpoint

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudwebrtc/rpcmesh/pkg/call"
	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/contract"
	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpclog"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
)

// Endpoint owns one transport.Transport, a registry of services installed
// at setup time, and every live call.Base currently routed through it
// (both caller- and responder-originated streams share the same stream-id
// space on the wire, so both are demultiplexed through the same map).
type Endpoint struct {
	tr  transport.Transport
	log *logrus.Entry

	defaultCodecs codec.Pair

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	descriptors map[string]*contract.MethodDesc
	streams     map[uint32]streamEntry
	closed      bool

	wg sync.WaitGroup
}

// streamEntry remembers which side of a stream this endpoint plays, since
// aborting it means something different for each: a responder abort sends
// a real trailer out to the peer; a caller abort only needs to wake the
// caller's own Recv loop with a local error, never the wire.
type streamEntry struct {
	base     *call.Base
	isCaller bool
}

var _ contract.CallerHost = (*Endpoint)(nil)

// New builds an Endpoint over tr. defaultCodecs is used for every typed
// caller factory below; a registered contract's own descriptor codecs
// govern the responder side regardless of this default.
func New(tr transport.Transport, defaultCodecs codec.Pair, log *logrus.Entry) *Endpoint {
	if log == nil {
		log = rpclog.New("endpoint", nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		tr:            tr,
		log:           log,
		defaultCodecs: defaultCodecs,
		ctx:           ctx,
		cancel:        cancel,
		descriptors:   make(map[string]*contract.MethodDesc),
		streams:       make(map[uint32]streamEntry),
	}
}

// RegisterService installs every method contract contributes (including
// everything absorbed through Include, transitively) into the local
// registry. Installation is all-or-nothing: a single duplicate (service,
// method) tuple anywhere in the set fails the whole call with no partial
// registration.
func (e *Endpoint) RegisterService(c *contract.Contract) error {
	descs := c.Descriptors()

	e.mu.Lock()
	defer e.mu.Unlock()
	for path := range descs {
		if _, exists := e.descriptors[path]; exists {
			return rpcerr.Config("rpcmesh: duplicate registration for %q", path)
		}
	}
	for path, d := range descs {
		e.descriptors[path] = d
	}
	return nil
}

// Serve starts the single inbound demultiplexer goroutine. Call once,
// after every RegisterService call the endpoint will ever need.
func (e *Endpoint) Serve() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for in := range e.tr.Incoming() {
			e.dispatch(in)
		}
	}()
}

func (e *Endpoint) dispatch(in transport.Inbound) {
	e.mu.Lock()
	entry, routed := e.streams[in.StreamID]
	e.mu.Unlock()

	if routed {
		select {
		case entry.base.Feed <- in:
		case <-entry.base.Ctx.Done():
		}
		return
	}

	if in.Kind != transport.InboundMetadata || in.MethodPath == "" {
		e.protocolViolation(in.StreamID)
		return
	}

	e.mu.Lock()
	desc, found := e.descriptors[in.MethodPath]
	e.mu.Unlock()
	if !found {
		e.log.WithField("methodPath", in.MethodPath).Warn("rejecting call for unregistered method")
		_ = e.tr.SendMetadata(e.ctx, in.StreamID, metadata.ForTrailer(int(codes.Unimplemented), "rpcmesh: method not registered"), true)
		e.tr.ReleaseStreamID(in.StreamID)
		return
	}

	handlerBase := call.NewBase(e.ctx, in.StreamID, e.tr, desc.Codecs, in.MethodPath, e.log.WithField("method", in.MethodPath))
	e.track(handlerBase, false)

	if in.EndOfStream {
		// The opening metadata frame itself signaled end-of-sending (a
		// request with zero messages); synthesize the half-close the
		// responder's RecvRequest/RecvSingleRequest still expects to see.
		select {
		case handlerBase.Feed <- transport.Inbound{StreamID: in.StreamID, Kind: transport.InboundData, EndOfStream: true}:
		default:
		}
	}

	e.wg.Add(1)
	go e.runHandler(handlerBase, desc)
}

func (e *Endpoint) protocolViolation(id uint32) {
	e.log.WithField("streamId", id).Warn("protocol violation: inbound frame with no bound handler and no method path")
	_ = e.tr.SendMetadata(e.ctx, id, metadata.ForTrailer(int(codes.Internal), "rpcmesh: protocol violation"), true)
	e.tr.ReleaseStreamID(id)
}

func (e *Endpoint) track(b *call.Base, isCaller bool) {
	e.mu.Lock()
	e.streams[b.ID] = streamEntry{base: b, isCaller: isCaller}
	e.mu.Unlock()
	b.SetOnRelease(func() {
		e.mu.Lock()
		delete(e.streams, b.ID)
		e.mu.Unlock()
	})
}

func (e *Endpoint) runHandler(base *call.Base, desc *contract.MethodDesc) {
	defer e.wg.Done()
	responder := call.NewResponder(base, desc.Type.Shape())

	defer func() {
		if r := recover(); r != nil {
			err := rpcerr.FromRecover(r)
			base.Log.WithField("panic", r).Error("handler panicked")
			e.finishOnBehalfOf(base, responder, err)
		}
	}()

	err := desc.Handler(base.Ctx, responder)
	if err != nil {
		base.Log.WithError(err).Warn("handler returned an error")
	}
	e.finishOnBehalfOf(base, responder, err)
}

// finishOnBehalfOf finishes the call with err's status (OK if err is nil)
// unless the handler already finished it itself, or the call was aborted
// out from under it (AbortStreamsFor/Close already sent the trailer and
// canceled base.Ctx — finishing again here would double-send).
func (e *Endpoint) finishOnBehalfOf(base *call.Base, r *call.Responder, err error) {
	if r.Finished() {
		return
	}
	select {
	case <-base.Ctx.Done():
		return
	default:
	}
	if err == nil {
		_ = r.FinishOK(context.Background())
		return
	}
	_ = r.FinishErr(context.Background(), err)
}

func (e *Endpoint) newCallerBase(codecs codec.Pair) (*call.Base, error) {
	id, err := e.tr.CreateStream(e.ctx)
	if err != nil {
		return nil, err
	}
	base := call.NewBase(e.ctx, id, e.tr, codecs, "", e.log.WithField("streamId", id))
	e.track(base, true)
	return base, nil
}

// NewUnaryCaller mints a caller primitive bound to a fresh stream, using
// codecs for this one call. Part of contract.CallerHost.
func (e *Endpoint) NewUnaryCaller(codecs codec.Pair) (*call.UnaryCaller, error) {
	base, err := e.newCallerBase(codecs)
	if err != nil {
		return nil, err
	}
	return call.NewUnaryCaller(base), nil
}

// NewServerStreamCaller mints a server-streaming caller on a fresh stream.
func (e *Endpoint) NewServerStreamCaller(codecs codec.Pair) (*call.ServerStreamCaller, error) {
	base, err := e.newCallerBase(codecs)
	if err != nil {
		return nil, err
	}
	return call.NewServerStreamCaller(base), nil
}

// NewClientStreamCaller mints a client-streaming caller on a fresh stream.
func (e *Endpoint) NewClientStreamCaller(codecs codec.Pair) (*call.ClientStreamCaller, error) {
	base, err := e.newCallerBase(codecs)
	if err != nil {
		return nil, err
	}
	return call.NewClientStreamCaller(base), nil
}

// NewBidiCaller mints a bidirectional caller on a fresh stream.
func (e *Endpoint) NewBidiCaller(codecs codec.Pair) (*call.BidiCaller, error) {
	base, err := e.newCallerBase(codecs)
	if err != nil {
		return nil, err
	}
	return call.NewBidiCaller(base), nil
}

// DefaultCodecs returns the codec pair passed to New, for callers that
// don't need a per-call override.
func (e *Endpoint) DefaultCodecs() codec.Pair { return e.defaultCodecs }

// AbortStreamsFor cancels every call.Base currently routed through this
// endpoint, generalizing the teacher's Server.CloseStream (single-stream
// cancellation) to the whole-transport case; Close calls it. Responder-side
// streams get a real UNAVAILABLE
// trailer sent to their caller; caller-side streams only need their own
// Recv loop woken with a local error, so that status is delivered straight
// into the stream's Feed rather than round-tripped over the wire.
func (e *Endpoint) AbortStreamsFor(reason string) {
	e.mu.Lock()
	entries := make([]streamEntry, 0, len(e.streams))
	for _, entry := range e.streams {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	md := metadata.ForTrailer(int(codes.Unavailable), reason)
	st := status.New(codes.Unavailable, reason)
	for _, entry := range entries {
		if entry.isCaller {
			select {
			case entry.base.Feed <- transport.Inbound{StreamID: entry.base.ID, Kind: transport.InboundMetadata, Metadata: md, EndOfStream: true}:
			default:
			}
		} else {
			_ = entry.base.SendTrailer(context.Background(), st)
		}
		entry.base.Cancel()
	}
}

// Close cancels all in-flight handlers, aborts every live stream with
// UNAVAILABLE, and closes the transport. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.AbortStreamsFor("rpcmesh: endpoint closing")
	e.cancel()

	var result *multierror.Error
	if err := e.tr.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	// tr.Close() closing Incoming() is what lets Serve's range loop (and,
	// transitively, every in-flight handler still waiting on base.Ctx from
	// AbortStreamsFor above) return; wait for it only now.
	e.wg.Wait()
	return result.ErrorOrNil()
}
