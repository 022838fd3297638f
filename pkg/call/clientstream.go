package call

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// ClientStreamCaller drives a client-streaming call: many requests, then
// end-of-sending, one response, then trailer.
type ClientStreamCaller struct {
	Base *Base
}

// NewClientStreamCaller wraps base as a client-stream caller.
func NewClientStreamCaller(base *Base) *ClientStreamCaller { return &ClientStreamCaller{Base: base} }

// Open sends the call's initial metadata.
func (c *ClientStreamCaller) Open(ctx context.Context, service, method, host string) error {
	return c.Base.SendInitialMetadata(ctx, metadata.ForClientRequest(service, method, host))
}

// Send sends one request message.
func (c *ClientStreamCaller) Send(ctx context.Context, req interface{}) error {
	return c.Base.SendMessage(ctx, c.Base.Codecs.Request, req)
}

// CloseAndRecv signals end-of-sending and blocks for the single response.
func (c *ClientStreamCaller) CloseAndRecv(ctx context.Context, resp interface{}) error {
	if err := c.Base.FinishSending(ctx); err != nil {
		c.abortOnDeadline(err)
		return err
	}

	var got bool
	for {
		ev, err := c.Base.Recv(ctx)
		if err != nil {
			c.abortOnDeadline(err)
			return err
		}
		switch ev.Kind {
		case EventMessage:
			if !got {
				if err := c.Base.Codecs.Response.Unmarshal(ev.Payload, resp); err != nil {
					return err
				}
				got = true
			}
		case EventTrailer:
			st := StatusFromTrailer(ev.Trailer)
			if st.Code() != codes.OK {
				c.Base.Release()
				return st.Err()
			}
			if !got {
				c.Base.Release()
				return rpcerr.New(codes.Internal, "rpcmesh: client-stream call received zero response messages")
			}
			c.Base.Release()
			return nil
		case EventHalfClose:
		}
	}
}

func (c *ClientStreamCaller) abortOnDeadline(err error) {
	if isLocalTimeoutOrCancel(err) {
		c.Base.CancelBestEffort()
	}
}
