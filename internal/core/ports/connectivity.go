package ports

import (
	"context"

	"confhammer/internal/core/domain"
)

// ConnectivityAgent performs ICE for all transports of one session.
// Transports are addressed by name (the Jingle content or bundle name).
type ConnectivityAgent interface {
	// CreateComponentPair allocates the RTP/RTCP components of a transport
	// and gathers its local candidates.
	CreateComponentPair(ctx context.Context, name string) error
	ImportRemoteCandidates(name, ufrag, pwd string, candidates []domain.Candidate) error
	LocalCredentials() (ufrag, pwd string)
	LocalCandidates(name string) []domain.Candidate
	Generation() int
	StartEstablishment(ctx context.Context) error
	State() domain.ConnectivityState
	AddStateChangeListener(fn func(domain.ConnectivityState))
	SelectedSocketPair(name string) (domain.SocketPair, error)
	Free() error
}

// AgentFactory creates a fresh agent for one negotiation.
type AgentFactory func(ctx context.Context) (ConnectivityAgent, error)
