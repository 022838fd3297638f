package call_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudwebrtc/rpcmesh/pkg/call"
	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport/memtransport"
)

type text struct {
	Text string `json:"text"`
}

type num struct {
	N int `json:"n"`
}

var testLog = logrus.NewEntry(logrus.New())

// pump copies frames addressed to id from a transport's Incoming() into a
// Base's Feed, simulating the endpoint demultiplexer's per-stream routing.
func pump(t *testing.T, tr transport.Transport, id uint32, feed call.Feed) {
	t.Helper()
	go func() {
		for in := range tr.Incoming() {
			if in.StreamID != id {
				continue
			}
			feed <- in
		}
	}()
}

func newPairForStream(t *testing.T) (callerTr, responderTr transport.Transport, id uint32) {
	t.Helper()
	c, r := memtransport.NewPair()
	sid, err := c.CreateStream(context.Background())
	require.NoError(t, err)
	return c, r, sid
}

func TestUnaryEcho(t *testing.T) {
	callerTr, responderTr, id := newPairForStream(t)
	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}

	callerBase := call.NewBase(context.Background(), id, callerTr, codecs, "", testLog)
	responderBase := call.NewBase(context.Background(), id, responderTr, codecs, "", testLog)
	pump(t, callerTr, id, callerBase.Feed)
	pump(t, responderTr, id, responderBase.Feed)

	go func() {
		responder := call.NewResponder(responderBase, call.Unary)
		var req text
		require.NoError(t, responder.RecvSingleRequest(context.Background(), &req))
		require.NoError(t, responder.SendResponse(context.Background(), text{Text: strings.ToUpper(req.Text)}))
		require.NoError(t, responder.FinishOK(context.Background()))
	}()

	caller := call.NewUnaryCaller(callerBase)
	var resp text
	err := caller.Invoke(context.Background(), "Echo", "SayHello", "", text{Text: "hi"}, &resp)
	require.NoError(t, err)
	require.Equal(t, "HI", resp.Text)
}

func TestServerStreamCounter(t *testing.T) {
	callerTr, responderTr, id := newPairForStream(t)
	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
	callerBase := call.NewBase(context.Background(), id, callerTr, codecs, "", testLog)
	responderBase := call.NewBase(context.Background(), id, responderTr, codecs, "", testLog)
	pump(t, callerTr, id, callerBase.Feed)
	pump(t, responderTr, id, responderBase.Feed)

	go func() {
		responder := call.NewResponder(responderBase, call.ServerStream)
		var req num
		require.NoError(t, responder.RecvSingleRequest(context.Background(), &req))
		for i := 1; i <= req.N; i++ {
			require.NoError(t, responder.SendResponse(context.Background(), num{N: i}))
		}
		require.NoError(t, responder.FinishOK(context.Background()))
	}()

	caller := call.NewServerStreamCaller(callerBase)
	require.NoError(t, caller.Open(context.Background(), "Counter", "CountTo", "", num{N: 5}))

	var got []int
	for {
		var resp num
		ok, err := caller.Recv(context.Background(), &resp)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, resp.N)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestClientStreamSum(t *testing.T) {
	callerTr, responderTr, id := newPairForStream(t)
	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
	callerBase := call.NewBase(context.Background(), id, callerTr, codecs, "", testLog)
	responderBase := call.NewBase(context.Background(), id, responderTr, codecs, "", testLog)
	pump(t, callerTr, id, callerBase.Feed)
	pump(t, responderTr, id, responderBase.Feed)

	go func() {
		responder := call.NewResponder(responderBase, call.ClientStream)
		total := 0
		for {
			var req num
			ok, err := responder.RecvRequest(context.Background(), &req)
			require.NoError(t, err)
			if !ok {
				break
			}
			total += req.N
		}
		require.NoError(t, responder.SendResponse(context.Background(), num{N: total}))
		require.NoError(t, responder.FinishOK(context.Background()))
	}()

	caller := call.NewClientStreamCaller(callerBase)
	require.NoError(t, caller.Open(context.Background(), "Aggregator", "Sum", ""))
	for _, n := range []int{3, 4, 5} {
		require.NoError(t, caller.Send(context.Background(), num{N: n}))
	}
	var resp num
	require.NoError(t, caller.CloseAndRecv(context.Background(), &resp))
	require.Equal(t, 12, resp.N)
}

func TestBidiChat(t *testing.T) {
	callerTr, responderTr, id := newPairForStream(t)
	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
	callerBase := call.NewBase(context.Background(), id, callerTr, codecs, "", testLog)
	responderBase := call.NewBase(context.Background(), id, responderTr, codecs, "", testLog)
	pump(t, callerTr, id, callerBase.Feed)
	pump(t, responderTr, id, responderBase.Feed)

	go func() {
		responder := call.NewResponder(responderBase, call.Bidirectional)
		for {
			var req text
			ok, err := responder.RecvRequest(context.Background(), &req)
			require.NoError(t, err)
			if !ok {
				break
			}
			require.NoError(t, responder.SendResponse(context.Background(), text{Text: "srv:" + req.Text}))
		}
		require.NoError(t, responder.FinishOK(context.Background()))
	}()

	caller := call.NewBidiCaller(callerBase)
	require.NoError(t, caller.Open(context.Background(), "Chat", "Connect", ""))
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, caller.Send(context.Background(), text{Text: msg}))
	}
	require.NoError(t, caller.CloseSend(context.Background()))

	var got []string
	for {
		var resp text
		ok, err := caller.Recv(context.Background(), &resp)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, resp.Text)
	}
	require.Equal(t, []string{"srv:a", "srv:b", "srv:c"}, got)
}

func TestHandlerFailureYieldsInternalTrailer(t *testing.T) {
	callerTr, responderTr, id := newPairForStream(t)
	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
	callerBase := call.NewBase(context.Background(), id, callerTr, codecs, "", testLog)
	responderBase := call.NewBase(context.Background(), id, responderTr, codecs, "", testLog)
	pump(t, callerTr, id, callerBase.Feed)
	pump(t, responderTr, id, responderBase.Feed)

	go func() {
		responder := call.NewResponder(responderBase, call.Unary)
		var req text
		require.NoError(t, responder.RecvSingleRequest(context.Background(), &req))
		require.NoError(t, responder.FinishErr(context.Background(), status.Error(codes.Internal, "boom")))
	}()

	caller := call.NewUnaryCaller(callerBase)
	var resp text
	err := caller.Invoke(context.Background(), "Boom", "Raise", "", text{Text: "x"}, &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Internal, st.Code())
	require.NotEmpty(t, st.Message())
}

func TestUnaryDeadlineExceeded(t *testing.T) {
	callerTr, _, id := newPairForStream(t)
	codecs := codec.Pair{Request: codec.NewJSON(), Response: codec.NewJSON()}
	callerBase := call.NewBase(context.Background(), id, callerTr, codecs, "", testLog)
	pump(t, callerTr, id, callerBase.Feed)
	// no responder ever replies

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	caller := call.NewUnaryCaller(callerBase)
	var resp text
	err := caller.Invoke(ctx, "Echo", "SayHello", "", text{Text: "hi"}, &resp)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.DeadlineExceeded, st.Code())
}
