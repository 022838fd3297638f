package natstransport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/streamid"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport/natstransport"
	"github.com/cloudwebrtc/rpcmesh/pkg/wire"
)

// fakeBus is an in-memory stand-in for a NATS server, just enough surface
// for natstransport.NatsConn to drive two peers without a real broker.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]nats.MsgHandler
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string]nats.MsgHandler)} }

type fakeConn struct{ bus *fakeBus }

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.bus.mu.Lock()
	c.bus.subs[subj] = cb
	c.bus.mu.Unlock()
	return &nats.Subscription{Subject: subj}, nil
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.bus.mu.Lock()
	cb := c.bus.subs[subj]
	c.bus.mu.Unlock()
	if cb != nil {
		cb(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (c *fakeConn) Flush() error { return nil }

func TestNatsTransportRoundTrip(t *testing.T) {
	bus := newFakeBus()
	caller, err := natstransport.New(&fakeConn{bus: bus}, "client.inbox", "server.inbox", streamid.Caller)
	require.NoError(t, err)
	responder, err := natstransport.New(&fakeConn{bus: bus}, "server.inbox", "client.inbox", streamid.Responder)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := caller.CreateStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	require.NoError(t, caller.SendMetadata(ctx, id, metadata.ForClientRequest("Echo", "SayHello", ""), false))
	select {
	case in := <-responder.Incoming():
		require.Equal(t, transport.InboundMetadata, in.Kind)
		require.Equal(t, "/Echo/SayHello", in.MethodPath)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for metadata")
	}

	frame := wire.EncodeMessage([]byte("hi"), false)
	require.NoError(t, caller.SendMessage(ctx, id, frame, true))
	select {
	case in := <-responder.Incoming():
		require.Equal(t, transport.InboundData, in.Kind)
		require.True(t, in.EndOfStream)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestNatsTransportCloseClosesIncoming(t *testing.T) {
	bus := newFakeBus()
	tr, err := natstransport.New(&fakeConn{bus: bus}, "x.inbox", "y.inbox", streamid.Caller)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	_, ok := <-tr.Incoming()
	require.False(t, ok)
}
