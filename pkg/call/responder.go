package call

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// Shape names the four call patterns a responder's handler may implement.
type Shape int

const (
	Unary Shape = iota
	ServerStream
	ClientStream
	Bidirectional
)

func (s Shape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ServerStream:
		return "server-stream"
	case ClientStream:
		return "client-stream"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Responder is the generic responder-side handle an Endpoint gives to
// registered handlers, regardless of Shape: reads requests, writes
// responses, finishes with a trailer.
type Responder struct {
	Base  *Base
	Shape Shape

	headersSent bool
	finished    bool
}

// NewResponder wraps base as a responder for the given shape.
func NewResponder(base *Base, shape Shape) *Responder {
	return &Responder{Base: base, Shape: shape}
}

// RecvRequest decodes the next request message. ok is false once the
// caller signals end-of-sending with no further message pending.
func (r *Responder) RecvRequest(ctx context.Context, v interface{}) (ok bool, err error) {
	for {
		ev, err := r.Base.Recv(ctx)
		if err != nil {
			return false, err
		}
		switch ev.Kind {
		case EventMessage:
			if err := r.Base.Codecs.Request.Unmarshal(ev.Payload, v); err != nil {
				return false, err
			}
			return true, nil
		case EventHalfClose:
			return false, nil
		case EventTrailer:
			return false, rpcerr.Canceled("rpcmesh: caller closed before end-of-sending")
		case EventHeaders:
			continue
		default:
			return false, nil
		}
	}
}

// RecvSingleRequest reads exactly the one request a unary or
// server-streaming call sends, discarding any further messages the caller
// sends before its half-close (spec: "extras are discarded"), and fails
// INTERNAL if zero messages arrived.
func (r *Responder) RecvSingleRequest(ctx context.Context, v interface{}) error {
	ok, err := r.RecvRequest(ctx, v)
	if err != nil {
		return err
	}
	if !ok {
		return rpcerr.New(codes.Internal, "rpcmesh: expected one request message, got zero")
	}
	return r.Base.DrainUntilHalfClose(ctx)
}

// SendInitialMetadata sends the server's initial metadata, once.
func (r *Responder) SendInitialMetadata(ctx context.Context) error {
	if r.headersSent {
		return nil
	}
	r.headersSent = true
	return r.Base.SendInitialMetadata(ctx, metadata.ForServerInitialResponse())
}

// SendResponse lazily sends initial metadata, then encodes and sends v.
func (r *Responder) SendResponse(ctx context.Context, v interface{}) error {
	if err := r.SendInitialMetadata(ctx); err != nil {
		return err
	}
	return r.Base.SendMessage(ctx, r.Base.Codecs.Response, v)
}

// Finish sends initial metadata if it hasn't gone out yet, sends the
// trailer for st, and releases the stream id.
func (r *Responder) Finish(ctx context.Context, st *status.Status) error {
	if r.finished {
		return nil
	}
	r.finished = true
	_ = r.SendInitialMetadata(ctx)
	err := r.Base.SendTrailer(ctx, st)
	r.Base.Release()
	return err
}

// Finished reports whether Finish (or FinishOK/FinishErr) has already run.
func (r *Responder) Finished() bool { return r.finished }

// FinishOK is Finish with an OK status.
func (r *Responder) FinishOK(ctx context.Context) error {
	return r.Finish(ctx, status.New(codes.OK, ""))
}

// FinishErr is Finish with err converted to a *status.Status (wrapping it
// as INTERNAL if it isn't already a status error).
func (r *Responder) FinishErr(ctx context.Context, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		st = status.New(codes.Internal, rpcerr.Redact(err))
	}
	return r.Finish(ctx, st)
}

// Context returns the call-scoped context, canceled when the responder
// finishes or the owning endpoint closes.
func (r *Responder) Context() context.Context { return r.Base.Ctx }
