package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
)

type greeting struct {
	Text string `json:"text"`
}

func TestJSONRoundTrip(t *testing.T) {
	c := codec.NewJSON()
	b, err := c.Marshal(greeting{Text: "hi"})
	require.NoError(t, err)

	var out greeting
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, "hi", out.Text)
}

func TestJSONUnmarshalMalformedNeverPanics(t *testing.T) {
	c := codec.NewJSON()
	var out greeting
	err := c.Unmarshal([]byte(`{not json`), &out)
	require.Error(t, err)
}

func TestProtoRoundTrip(t *testing.T) {
	c := codec.NewProto()
	in := wrapperspb.String("hello")
	b, err := c.Marshal(in)
	require.NoError(t, err)

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.Unmarshal(b, out))
	require.Equal(t, "hello", out.GetValue())
}

func TestProtoRejectsNonProtoMessage(t *testing.T) {
	c := codec.NewProto()
	_, err := c.Marshal(greeting{Text: "hi"})
	require.Error(t, err)
}

func TestProtoUnmarshalMalformedNeverPanics(t *testing.T) {
	c := codec.NewProto()
	out := &wrapperspb.StringValue{}
	err := c.Unmarshal([]byte{0xff, 0xff, 0xff}, out)
	require.Error(t, err)
}
