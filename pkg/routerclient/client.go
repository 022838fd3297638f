// Package routerclient implements the convenience wrapper from spec
// section 4.11: register, initializeP2P, sendUnicast/Multicast/Broadcast,
// sendRequest (a future resolved by the router's own response or its
// synthesized timeout), updateMetadata, heartbeat, subscribeEvents — all
// multiplexed over the one `connect` bidirectional call's stream.
//
// Grounded on pkg/contract.ClientContract's "thin typed wrapper over a
// caller primitive" shape, applied to a fixed, hand-rolled protocol
// instead of a user-registered contract, since the router's message kinds
// are spec-defined rather than declared per application.
package routerclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/cloudwebrtc/rpcmesh/pkg/call"
	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/contract"
	"github.com/cloudwebrtc/rpcmesh/pkg/router"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
	"github.com/cloudwebrtc/rpcmesh/pkg/rpclog"
)

// MessageHandler receives every inbound router.Message that InitializeP2P's
// receive loop doesn't consume itself to resolve a pending SendRequest
// Future.
type MessageHandler func(router.Message)

// EventHandler receives every router.Event delivered to a SubscribeEvents
// subscription.
type EventHandler func(router.Event)

// Client is one application's connection to a Router. The zero value is
// not usable; build one with New, then Register before anything else.
type Client struct {
	host   contract.CallerHost
	codecs codec.Pair
	log    *logrus.Entry

	caller   *call.BidiCaller
	clientID string

	mu      sync.Mutex
	pending map[string]chan router.Message
}

// New builds a Client bound to host, typically an *endpoint.Endpoint
// already dialed or listening on the transport the router is reachable
// through.
func New(host contract.CallerHost, codecs codec.Pair, log *logrus.Entry) *Client {
	if log == nil {
		log = rpclog.New("routerclient", nil)
	}
	return &Client{host: host, codecs: codecs, log: log, pending: make(map[string]chan router.Message)}
}

// Register opens the connect call and performs the register handshake,
// returning the clientId the router assigned.
func (c *Client) Register(ctx context.Context, clientName string, groups []string, metadata map[string]string) (string, error) {
	caller, err := c.host.NewBidiCaller(c.codecs)
	if err != nil {
		return "", err
	}
	if err := caller.Open(ctx, "Router", "connect", ""); err != nil {
		return "", err
	}
	if err := caller.Send(ctx, router.Message{
		Tag:        router.TagRegister,
		ClientName: clientName,
		Groups:     groups,
		Metadata:   metadata,
	}); err != nil {
		return "", err
	}

	var ack router.Message
	ok, err := caller.Recv(ctx, &ack)
	if err != nil {
		return "", err
	}
	if !ok || ack.Tag != router.TagRegister || ack.ClientID == "" {
		return "", rpcerr.New(codes.Internal, "rpcmesh: router did not acknowledge registration")
	}

	c.caller = caller
	c.clientID = ack.ClientID
	return ack.ClientID, nil
}

// ClientID returns the id the router assigned during Register.
func (c *Client) ClientID() string { return c.clientID }

// InitializeP2P starts the background receive loop over the connect
// call's stream. Every response message that resolves a pending
// SendRequest Future is consumed here and never reaches onMessage; every
// other inbound message (forwarded unicast/multicast/broadcast, or a
// router error reply) is handed to onMessage. Call once, after Register.
func (c *Client) InitializeP2P(ctx context.Context, onMessage MessageHandler) error {
	if c.caller == nil {
		return rpcerr.New(codes.FailedPrecondition, "rpcmesh: InitializeP2P called before Register")
	}
	go func() {
		for {
			var msg router.Message
			ok, err := c.caller.Recv(ctx, &msg)
			if err != nil || !ok {
				return
			}
			if msg.Tag == router.TagResponse && c.resolvePending(msg) {
				continue
			}
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}()
	return nil
}

func (c *Client) resolvePending(msg router.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// SendUnicast forwards payload to targetID.
func (c *Client) SendUnicast(ctx context.Context, targetID string, payload []byte) error {
	return c.caller.Send(ctx, router.Message{Tag: router.TagUnicast, TargetID: targetID, Payload: payload})
}

// SendMulticast forwards payload to every online client in groupName,
// excluding this client.
func (c *Client) SendMulticast(ctx context.Context, groupName string, payload []byte) error {
	return c.caller.Send(ctx, router.Message{Tag: router.TagMulticast, GroupName: groupName, Payload: payload})
}

// SendBroadcast forwards payload to every other online client.
func (c *Client) SendBroadcast(ctx context.Context, payload []byte) error {
	return c.caller.Send(ctx, router.Message{Tag: router.TagBroadcast, Payload: payload})
}

// UpdateMetadata replaces this client's metadata on the router, sent over
// the connect stream (never as a separate unary call, per spec section
// 4.11, so the sender's id stays implicit from the stream binding).
func (c *Client) UpdateMetadata(ctx context.Context, metadata map[string]string) error {
	return c.caller.Send(ctx, router.Message{Tag: router.TagUpdateMetadata, Metadata: metadata})
}

// Heartbeat touches this client's lastActivity on the router without
// triggering any delivery.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.caller.Send(ctx, router.Message{Tag: router.TagHeartbeat})
}

// SendRequestReply answers an inbound request message (as delivered to
// InitializeP2P's onMessage) with a response routed back to its sender.
func (c *Client) SendRequestReply(ctx context.Context, request router.Message, success bool, errorMessage string) error {
	return c.caller.Send(ctx, router.Message{
		Tag:          router.TagResponse,
		TargetID:     request.SenderID,
		RequestID:    request.RequestID,
		Success:      success,
		ErrorMessage: errorMessage,
	})
}

// Future resolves to the response a SendRequest eventually receives,
// whether a real answer from the target or the router's own
// synthesized timeout response.
type Future struct {
	ch <-chan router.Message
}

// Wait blocks for the response or ctx's own cancellation/deadline,
// whichever comes first. The router's own request timeout (passed to
// SendRequest) resolves the future on its own with a synthesized
// success=false response; ctx here is a local escape hatch, not a
// substitute for that timeout.
func (f *Future) Wait(ctx context.Context) (router.Message, error) {
	select {
	case msg := <-f.ch:
		return msg, nil
	case <-ctx.Done():
		return router.Message{}, ctx.Err()
	}
}

// SendRequest sends a request to targetID and returns a Future resolved
// once a response arrives — either the target's own reply or, after
// timeout, the router's synthesized success=false/"Request timeout"
// response.
func (c *Client) SendRequest(ctx context.Context, targetID string, payload []byte, timeout time.Duration) (*Future, error) {
	requestID := uuid.NewString()
	ch := make(chan router.Message, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	err := c.caller.Send(ctx, router.Message{
		Tag:       router.TagRequest,
		TargetID:  targetID,
		RequestID: requestID,
		TimeoutMs: timeout.Milliseconds(),
		Payload:   payload,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, err
	}
	return &Future{ch: ch}, nil
}

// SubscribeEvents opens a subscribeEvents call and forwards every
// delivered router.Event to onEvent until the call ends.
func (c *Client) SubscribeEvents(ctx context.Context, onEvent EventHandler) error {
	caller, err := c.host.NewBidiCaller(c.codecs)
	if err != nil {
		return err
	}
	if err := caller.Open(ctx, "Router", "subscribeEvents", ""); err != nil {
		return err
	}
	go func() {
		for {
			var ev router.Event
			ok, err := caller.Recv(ctx, &ev)
			if err != nil || !ok {
				return
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}()
	return nil
}

// Close ends the connect call's sending direction, which the router
// observes as a normal disconnect.
func (c *Client) Close(ctx context.Context) error {
	if c.caller == nil {
		return nil
	}
	return c.caller.CloseSend(ctx)
}
