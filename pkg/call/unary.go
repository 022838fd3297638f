package call

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// UnaryCaller drives a unary call (spec section 4.5: one request, one
// response, then trailer) from the caller side.
type UnaryCaller struct {
	Base *Base
}

// NewUnaryCaller wraps base as a unary caller.
func NewUnaryCaller(base *Base) *UnaryCaller { return &UnaryCaller{Base: base} }

// Invoke sends req and blocks for exactly one response or an error.
func (u *UnaryCaller) Invoke(ctx context.Context, service, method, host string, req, resp interface{}) error {
	md := metadata.ForClientRequest(service, method, host)
	if err := u.Base.SendInitialMetadata(ctx, md); err != nil {
		u.abortOnDeadline(err)
		return err
	}
	if err := u.Base.SendMessage(ctx, u.Base.Codecs.Request, req); err != nil {
		u.abortOnDeadline(err)
		return err
	}
	if err := u.Base.FinishSending(ctx); err != nil {
		u.abortOnDeadline(err)
		return err
	}

	var got bool
	for {
		ev, err := u.Base.Recv(ctx)
		if err != nil {
			u.abortOnDeadline(err)
			return err
		}
		switch ev.Kind {
		case EventMessage:
			if !got {
				if err := u.Base.Codecs.Response.Unmarshal(ev.Payload, resp); err != nil {
					return err
				}
				got = true
			}
			// extra response messages before the trailer are discarded.
		case EventTrailer:
			st := StatusFromTrailer(ev.Trailer)
			if st.Code() != codes.OK {
				u.Base.Release()
				return st.Err()
			}
			if !got {
				u.Base.Release()
				return rpcerr.New(codes.Internal, "rpcmesh: unary call received zero response messages")
			}
			u.Base.Release()
			return nil
		case EventHalfClose:
			// peer's own half-close, irrelevant on the caller side; keep waiting.
		}
	}
}

func (u *UnaryCaller) abortOnDeadline(err error) {
	if isLocalTimeoutOrCancel(err) {
		u.Base.CancelBestEffort()
	}
}
