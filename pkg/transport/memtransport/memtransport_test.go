package memtransport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport/memtransport"
	"github.com/cloudwebrtc/rpcmesh/pkg/wire"
)

func TestPairDeliversMetadataAndData(t *testing.T) {
	caller, responder := memtransport.NewPair()
	ctx := context.Background()

	id, err := caller.CreateStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	md := metadata.ForClientRequest("Echo", "SayHello", "")
	require.NoError(t, caller.SendMetadata(ctx, id, md, false))

	select {
	case in := <-responder.Incoming():
		require.Equal(t, transport.InboundMetadata, in.Kind)
		require.Equal(t, "/Echo/SayHello", in.MethodPath)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for metadata frame")
	}

	frame := wire.EncodeMessage([]byte(`{"text":"hi"}`), false)
	require.NoError(t, caller.SendMessage(ctx, id, frame, true))

	select {
	case in := <-responder.Incoming():
		require.Equal(t, transport.InboundData, in.Kind)
		require.True(t, in.EndOfStream)
		require.Equal(t, frame, in.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data frame")
	}
}

func TestCloseSignalsLocalObservers(t *testing.T) {
	caller, responder := memtransport.NewPair()
	ctx := context.Background()
	id, err := caller.CreateStream(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SendMetadata(ctx, id, metadata.ForClientRequest("Echo", "SayHello", ""), false))
	<-responder.Incoming()

	require.NoError(t, caller.Close())

	in, ok := <-caller.Incoming()
	require.True(t, ok, "close should first signal end-of-stream for the active stream")
	require.Equal(t, id, in.StreamID)
	require.True(t, in.EndOfStream)

	_, ok = <-caller.Incoming()
	require.False(t, ok, "channel should be closed")
}

func TestReleaseIdempotent(t *testing.T) {
	caller, _ := memtransport.NewPair()
	id, err := caller.CreateStream(context.Background())
	require.NoError(t, err)
	require.True(t, caller.ReleaseStreamID(id))
	require.False(t, caller.ReleaseStreamID(id))
}
