package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/cloudwebrtc/rpcmesh/pkg/codec"
	"github.com/cloudwebrtc/rpcmesh/pkg/endpoint"
	"github.com/cloudwebrtc/rpcmesh/pkg/router"
	"github.com/cloudwebrtc/rpcmesh/pkg/streamid"
	"github.com/cloudwebrtc/rpcmesh/pkg/transport/natstransport"
)

// lobbyHello is what a prospective client publishes (as a NATS request)
// on the lobby subject to ask for a dedicated session.
type lobbyHello struct {
	ClientSubject string `json:"clientSubject"`
}

// lobbyAck is the router's reply: the subject the client should publish
// its frames to, and the subject it should subscribe on for the router's
// replies. Mirrors natstransport's own self/peer pairing, just handed out
// per session instead of configured ahead of time.
type lobbyAck struct {
	SessionID      string `json:"sessionId"`
	RouterSubject  string `json:"routerSubject"`
	ClientSubject  string `json:"clientSubject"`
	AcceptedByHost string `json:"acceptedByHost"`
}

// acceptor answers rendezvous requests on the lobby subject, builds a
// dedicated natstransport pair and Endpoint per accepted session, and
// registers rt onto each one. This is the piece that turns router.Router
// (reachable through any number of pre-wired Endpoints) into something a
// remote client can actually dial into over a live NATS connection,
// generalizing the teacher's one-subscription-per-service pattern to
// one-subscription-per-connected-client.
type acceptor struct {
	nc     *nats.Conn
	prefix string
	rt     *router.Router
	codecs codec.Pair
	log    *logrus.Entry

	mu       sync.Mutex
	sessions []*endpoint.Endpoint
	sub      *nats.Subscription
}

func newAcceptor(nc *nats.Conn, prefix string, rt *router.Router, codecs codec.Pair, log *logrus.Entry) *acceptor {
	return &acceptor{nc: nc, prefix: prefix, rt: rt, codecs: codecs, log: log}
}

func (a *acceptor) lobbySubject() string {
	return a.prefix + ".lobby"
}

// start subscribes the lobby subject. Each inbound request spawns one
// session; failures are logged and the request simply goes unanswered
// rather than taking the acceptor down.
func (a *acceptor) start() error {
	sub, err := a.nc.Subscribe(a.lobbySubject(), a.onHello)
	if err != nil {
		return err
	}
	a.sub = sub
	return nil
}

func (a *acceptor) onHello(msg *nats.Msg) {
	if msg.Reply == "" {
		a.log.Warn("dropping lobby message with no reply subject")
		return
	}
	var hello lobbyHello
	if err := json.Unmarshal(msg.Data, &hello); err != nil || hello.ClientSubject == "" {
		a.log.WithError(err).Warn("dropping malformed lobby hello")
		return
	}

	sessionID := uuid.NewString()
	routerSubject := fmt.Sprintf("%s.session.%s.to-router", a.prefix, sessionID)

	tr, err := natstransport.New(a.nc, routerSubject, hello.ClientSubject, streamid.Responder)
	if err != nil {
		a.log.WithError(err).Error("failed to build session transport")
		return
	}

	ep := endpoint.New(tr, a.codecs, a.log.WithField("session", sessionID))
	if err := ep.RegisterService(a.rt.Contract()); err != nil {
		a.log.WithError(err).Error("failed to register router contract on session endpoint")
		_ = tr.Close()
		return
	}
	ep.Serve()

	a.mu.Lock()
	a.sessions = append(a.sessions, ep)
	a.mu.Unlock()

	ack := lobbyAck{SessionID: sessionID, RouterSubject: routerSubject, ClientSubject: hello.ClientSubject}
	body, err := json.Marshal(ack)
	if err != nil {
		a.log.WithError(err).Error("failed to marshal lobby ack")
		return
	}
	if err := msg.Respond(body); err != nil {
		a.log.WithError(err).Warn("failed to respond to lobby hello")
	}
}

// stop unsubscribes the lobby and closes every session endpoint opened so
// far, in no particular order.
func (a *acceptor) stop() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = nil
	a.mu.Unlock()
	for _, ep := range sessions {
		_ = ep.Close()
	}
}
