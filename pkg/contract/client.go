package contract

import (
	"github.com/cloudwebrtc/rpcmesh/pkg/call"
	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
)

// CallerHost is the subset of *endpoint.Endpoint a client-side contract
// needs: something that can mint caller primitives bound to a fresh stream.
// Declared here (rather than importing pkg/endpoint) so pkg/contract stays
// free of a contract<->endpoint import cycle; *endpoint.Endpoint satisfies
// this interface.
type CallerHost interface {
	NewUnaryCaller(codecs codec.Pair) (*call.UnaryCaller, error)
	NewServerStreamCaller(codecs codec.Pair) (*call.ServerStreamCaller, error)
	NewClientStreamCaller(codecs codec.Pair) (*call.ClientStreamCaller, error)
	NewBidiCaller(codecs codec.Pair) (*call.BidiCaller, error)
}

// ClientContract is the caller-side counterpart of Contract: a thin typed
// wrapper that constructs caller primitives over a given endpoint. It holds
// no method registry and is never handed to registerService — per spec,
// registration is strictly a responder concept.
type ClientContract struct {
	ServiceName string
	Host        CallerHost
}

// NewClient builds a ClientContract for serviceName over host. Generated or
// hand-written service-specific clients embed this and add one typed method
// per RPC, each calling the matching New*Caller below.
func NewClient(serviceName string, host CallerHost) ClientContract {
	return ClientContract{ServiceName: serviceName, Host: host}
}

// Unary opens a unary caller for one of this service's methods.
func (c ClientContract) Unary(codecs codec.Pair) (*call.UnaryCaller, error) {
	return c.Host.NewUnaryCaller(codecs)
}

// ServerStream opens a server-streaming caller for one of this service's
// methods.
func (c ClientContract) ServerStream(codecs codec.Pair) (*call.ServerStreamCaller, error) {
	return c.Host.NewServerStreamCaller(codecs)
}

// ClientStream opens a client-streaming caller for one of this service's
// methods.
func (c ClientContract) ClientStream(codecs codec.Pair) (*call.ClientStreamCaller, error) {
	return c.Host.NewClientStreamCaller(codecs)
}

// Bidi opens a bidirectional caller for one of this service's methods.
func (c ClientContract) Bidi(codecs codec.Pair) (*call.BidiCaller, error) {
	return c.Host.NewBidiCaller(codecs)
}
