package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudwebrtc/rpcmesh/pkg/metadata"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := metadata.ForClientRequest("Echo", "SayHello", "peer-1")
	buf := metadata.Encode(l)
	got, err := metadata.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, l.Pairs(), got.Pairs())
}

func TestGetIsCaseSensitive(t *testing.T) {
	l := metadata.New(metadata.Pair{Name: "Content-Type", Value: "x"})
	_, ok := l.Get("content-type")
	require.False(t, ok)
	v, ok := l.Get("Content-Type")
	require.True(t, ok)
	require.Equal(t, "x", v)
}

func TestForTrailerZeroStatusNoMessage(t *testing.T) {
	l := metadata.ForTrailer(0, "ignored")
	_, ok := l.Get(metadata.KeyGRPCMessage)
	require.False(t, ok)
}

func TestForTrailerNonZeroStatusWithMessage(t *testing.T) {
	l := metadata.ForTrailer(13, "boom")
	v, ok := l.Get(metadata.KeyGRPCMessage)
	require.True(t, ok)
	require.Equal(t, "boom", v)
}

func TestForTrailerNonZeroStatusEmptyMessage(t *testing.T) {
	l := metadata.ForTrailer(5, "")
	_, ok := l.Get(metadata.KeyGRPCMessage)
	require.False(t, ok)
}

func TestMethodPath(t *testing.T) {
	service, method, ok := metadata.MethodPath("/Echo/SayHello")
	require.True(t, ok)
	require.Equal(t, "Echo", service)
	require.Equal(t, "SayHello", method)

	_, _, ok = metadata.MethodPath("nope")
	require.False(t, ok)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := metadata.Decode([]byte{0, 5, 'h', 'i'})
	require.Error(t, err)
}
