package routerclient_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/endpoint"
	"github.com/cloudwebrtc/rpcmesh/pkg/routerclient"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport/memtransport"
)

func jsonCodecs() codec.Pair {
	return codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
}

func TestInitializeP2PBeforeRegisterFails(t *testing.T) {
	clientTr, _ := memtransport.NewPair()
	clientEp := endpoint.New(clientTr, jsonCodecs(), nil)
	clientEp.Serve()
	defer clientEp.Close()

	rc := routerclient.New(clientEp, jsonCodecs(), nil)
	err := rc.InitializeP2P(context.Background(), nil)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.FailedPrecondition, st.Code())
}

func TestCloseWithoutRegisterIsNoop(t *testing.T) {
	clientTr, _ := memtransport.NewPair()
	clientEp := endpoint.New(clientTr, jsonCodecs(), nil)
	clientEp.Serve()
	defer clientEp.Close()

	rc := routerclient.New(clientEp, jsonCodecs(), nil)
	require.NoError(t, rc.Close(context.Background()))
}

func TestRegisterFailsWhenNoRouterListening(t *testing.T) {
	clientTr, serverTr := memtransport.NewPair()
	serverEp := endpoint.New(serverTr, jsonCodecs(), nil)
	serverEp.Serve()
	defer serverEp.Close()

	clientEp := endpoint.New(clientTr, jsonCodecs(), nil)
	clientEp.Serve()
	defer clientEp.Close()

	rc := routerclient.New(clientEp, jsonCodecs(), nil)
	_, err := rc.Register(context.Background(), "alice", nil, nil)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Unimplemented, st.Code())
}
