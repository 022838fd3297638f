// Package contract implements the declarative service description from
// spec section 4.8: a contract contributes method descriptors to whatever
// registers it, and composes by absorbing sub-contracts transitively. The
// contract itself never touches a transport; it is opaque to the endpoint
// beyond the descriptor list it yields.
package contract

import (
	"context"

	"github.com/cloudwebrtc/rpcmesh/pkg/call"
	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
)

// MethodType names the four call shapes a MethodDesc may declare.
type MethodType int

const (
	Unary MethodType = iota
	ServerStream
	ClientStream
	Bidirectional
)

func (t MethodType) String() string {
	switch t {
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

func (t MethodType) shape() call.Shape {
	switch t {
	case ServerStream:
		return call.ServerStream
	case ClientStream:
		return call.ClientStream
	case Bidirectional:
		return call.Bidirectional
	default:
		return call.Unary
	}
}

// Shape returns the call.Shape a responder for this method type is built
// with.
func (t MethodType) Shape() call.Shape { return t.shape() }

// Handler is the responder-side business logic for one method: it reads
// requests and writes responses through r, and finishes the call itself
// (SendResponse/Finish/FinishOK/FinishErr) before returning. A non-nil
// return from a handler that never finished the call is treated by the
// endpoint as an unhandled failure and finished on its behalf with that
// error's status, or with INTERNAL if it is not a status error.
type Handler func(ctx context.Context, r *call.Responder) error

// MethodDesc is one method's descriptor: its shape, its codec pair, and
// the handler that serves it.
type MethodDesc struct {
	Name    string
	Type    MethodType
	Codecs  codec.Pair
	Handler Handler
}

// Contract is a declarative (serviceName, methodName -> descriptor)
// registry, composable via Include.
type Contract struct {
	ServiceName string

	methods map[string]*MethodDesc
	subs    []*Contract
}

// New starts an empty contract for serviceName.
func New(serviceName string) *Contract {
	return &Contract{ServiceName: serviceName, methods: map[string]*MethodDesc{}}
}

// AddMethod registers one method descriptor under this contract.
func (c *Contract) AddMethod(m *MethodDesc) *Contract {
	c.methods[m.Name] = m
	return c
}

// Include absorbs sub's descriptors into this contract's composition.
// Sub-contracts keep their own ServiceName; absorption happens at
// Descriptors() time, transitively.
func (c *Contract) Include(sub *Contract) *Contract {
	c.subs = append(c.subs, sub)
	return c
}

// Descriptors returns every "/service/method" path this contract
// contributes, including everything reachable through Include, recursively.
func (c *Contract) Descriptors() map[string]*MethodDesc {
	out := make(map[string]*MethodDesc)
	c.collect(out)
	return out
}

func (c *Contract) collect(out map[string]*MethodDesc) {
	for name, m := range c.methods {
		out["/"+c.ServiceName+"/"+name] = m
	}
	for _, sub := range c.subs {
		sub.collect(out)
	}
}
