package ports

import (
	"context"

	"confhammer/internal/core/domain"
	"confhammer/pkg/jingle"
)

// IQMatcher selects the inbound IQs a handler receives.
type IQMatcher func(iq *jingle.IQ) bool

// IQHandler runs on the transport's dispatcher goroutine. Handlers
// registered on one transport never run concurrently.
type IQHandler func(iq *jingle.IQ)

// SignalingTransport is an XMPP client connection.
type SignalingTransport interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, creds domain.Credentials) error
	// JoinChannel returns domain.ErrNicknameConflict when nickname is taken.
	JoinChannel(ctx context.Context, room, nickname string) error
	LeaveChannel(ctx context.Context, room, nickname string) error
	// Send writes a stanza (*jingle.IQ, *jingle.Presence) without waiting.
	Send(ctx context.Context, stanza interface{}) error
	// Request sends an IQ get/set and waits for its result or error.
	Request(ctx context.Context, iq *jingle.IQ) (*jingle.IQ, error)
	RegisterInboundHandler(match IQMatcher, handler IQHandler)
	// JID is the full address bound after authentication.
	JID() string
	Disconnect(ctx context.Context) error
}

// TransportFactory creates one transport per simulated participant.
type TransportFactory func() SignalingTransport

// InviteGate runs the focus invite exactly once across a fleet. A failed
// invite leaves the gate open for the next caller.
type InviteGate interface {
	Do(ctx context.Context, invite func(ctx context.Context) error) error
	Invited(ctx context.Context) (bool, error)
}
