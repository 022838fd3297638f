package call

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
)

// ServerStreamCaller drives a server-streaming call: one request, many
// responses, then trailer.
type ServerStreamCaller struct {
	Base *Base
}

// NewServerStreamCaller wraps base as a server-stream caller.
func NewServerStreamCaller(base *Base) *ServerStreamCaller { return &ServerStreamCaller{Base: base} }

// Open sends the single request with end-of-stream set.
func (c *ServerStreamCaller) Open(ctx context.Context, service, method, host string, req interface{}) error {
	md := metadata.ForClientRequest(service, method, host)
	if err := c.Base.SendInitialMetadata(ctx, md); err != nil {
		c.abortOnDeadline(err)
		return err
	}
	if err := c.Base.SendMessage(ctx, c.Base.Codecs.Request, req); err != nil {
		c.abortOnDeadline(err)
		return err
	}
	if err := c.Base.FinishSending(ctx); err != nil {
		c.abortOnDeadline(err)
		return err
	}
	return nil
}

// Recv decodes the next response message into resp. ok is false and err
// is nil once the trailer arrives with status OK; a non-OK trailer is
// returned as an error.
func (c *ServerStreamCaller) Recv(ctx context.Context, resp interface{}) (ok bool, err error) {
	for {
		ev, err := c.Base.Recv(ctx)
		if err != nil {
			c.abortOnDeadline(err)
			return false, err
		}
		switch ev.Kind {
		case EventMessage:
			if err := c.Base.Codecs.Response.Unmarshal(ev.Payload, resp); err != nil {
				return false, err
			}
			return true, nil
		case EventTrailer:
			st := StatusFromTrailer(ev.Trailer)
			c.Base.Release()
			if st.Code() != codes.OK {
				return false, st.Err()
			}
			return false, nil
		case EventHalfClose:
			continue
		}
	}
}

func (c *ServerStreamCaller) abortOnDeadline(err error) {
	if isLocalTimeoutOrCancel(err) {
		c.Base.CancelBestEffort()
	}
}
