package call

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
)

// BidiCaller drives a bidirectional call: both sides stream freely until
// each signals end-of-sending.
type BidiCaller struct {
	Base *Base

	openOnce sync.Once
	openErr  error
}

// NewBidiCaller wraps base as a bidirectional caller.
func NewBidiCaller(base *Base) *BidiCaller { return &BidiCaller{Base: base} }

// Open sends the call's initial metadata exactly once, even under
// concurrent callers.
func (c *BidiCaller) Open(ctx context.Context, service, method, host string) error {
	c.openOnce.Do(func() {
		c.openErr = c.Base.SendInitialMetadata(ctx, metadata.ForClientRequest(service, method, host))
	})
	return c.openErr
}

// Send sends one request message.
func (c *BidiCaller) Send(ctx context.Context, req interface{}) error {
	return c.Base.SendMessage(ctx, c.Base.Codecs.Request, req)
}

// CloseSend signals end-of-sending without waiting for a response.
func (c *BidiCaller) CloseSend(ctx context.Context) error {
	return c.Base.FinishSending(ctx)
}

// Recv decodes the next response message. ok is false and err nil once the
// trailer arrives with status OK.
func (c *BidiCaller) Recv(ctx context.Context, resp interface{}) (ok bool, err error) {
	for {
		ev, err := c.Base.Recv(ctx)
		if err != nil {
			if isLocalTimeoutOrCancel(err) {
				c.Base.CancelBestEffort()
			}
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
