package ice

import (
	"context"
	"testing"
	"time"

	"confhammer/internal/core/domain"

	"github.com/pion/ice/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	factory, err := NewAgentFactory(Config{GatherTimeout: 2 * time.Second}, zap.NewNop().Sugar())
	require.NoError(t, err)
	agent, err := factory(context.Background())
	require.NoError(t, err)
	return agent.(*Agent)
}

func TestNewAgentFactoryRejectsBadConfig(t *testing.T) {
	_, err := NewAgentFactory(Config{STUNServers: []string{"http://nope"}}, zap.NewNop().Sugar())
	assert.Error(t, err)

	_, err = NewAgentFactory(Config{NetworkTypes: []string{"sctp"}}, zap.NewNop().Sugar())
	assert.Error(t, err)

	_, err = NewAgentFactory(Config{STUNServers: []string{"stun:stun.l.google.com:19302"}, NetworkTypes: []string{"udp4", "UDP6"}}, zap.NewNop().Sugar())
	assert.NoError(t, err)
}

func TestCandidateSDPParsesInPion(t *testing.T) {
	c := domain.Candidate{
		Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431,
		IP: "192.0.2.10", Port: 10000, Type: "srflx", RelAddr: "10.0.0.1", RelPort: 40000,
	}

	parsed, err := ice.UnmarshalCandidate(candidateSDP(c))
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.10", parsed.Address())
	assert.Equal(t, 10000, parsed.Port())
	assert.Equal(t, ice.CandidateTypeServerReflexive, parsed.Type())
	assert.Equal(t, uint32(2130706431), parsed.Priority())
	require.NotNil(t, parsed.RelatedAddress())
	assert.Equal(t, "10.0.0.1", parsed.RelatedAddress().Address)
}

func TestUnknownTransport(t *testing.T) {
	a := newTestAgent(t)

	assert.ErrorIs(t, a.ImportRemoteCandidates("video", "u", "p", nil), domain.ErrUnknownTransport)
	_, err := a.SelectedSocketPair("video")
	assert.ErrorIs(t, err, domain.ErrUnknownTransport)
	assert.Nil(t, a.LocalCandidates("video"))
	assert.Error(t, a.StartEstablishment(context.Background()))
	assert.Zero(t, a.Generation())
}

func TestSelectedSocketPairBeforeConnection(t *testing.T) {
	a := newTestAgent(t)
	a.transports["audio"] = &transport{name: "audio"}

	_, err := a.SelectedSocketPair("audio")
	assert.ErrorIs(t, err, domain.ErrNoSelectedPair)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFreeIsIdempotentAndTerminates(t *testing.T) {
	a := newTestAgent(t)
	var seen []domain.ConnectivityState
	a.AddStateChangeListener(func(s domain.ConnectivityState) { seen = append(seen, s) })

	require.NoError(t, a.Free())
	require.NoError(t, a.Free())

	assert.Equal(t, domain.ConnectivityTerminated, a.State())
	assert.Equal(t, []domain.ConnectivityState{domain.ConnectivityTerminated}, seen)
	assert.ErrorIs(t, a.CreateComponentPair(context.Background(), "audio"), domain.ErrSessionStopped)
}

// TestEstablishOverLoopback runs a full check against a controlling pion
// agent. Hosts without a usable interface skip it.
func TestEstablishOverLoopback(t *testing.T) {
	a := newTestAgent(t)
	defer a.Free()

	if err := a.CreateComponentPair(context.Background(), "audio"); err != nil {
		t.Skipf("no usable local candidates: %v", err)
	}
	ufrag, pwd := a.LocalCredentials()
	require.NotEmpty(t, ufrag)
	require.NotEmpty(t, pwd)

	remote, err := ice.NewAgent(&ice.AgentConfig{NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4}})
	require.NoError(t, err)
	defer remote.Close()

	gathered := make(chan struct{})
	var remoteCands []domain.Candidate
	require.NoError(t, remote.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(gathered)
			return
		}
		remoteCands = append(remoteCands, localCandidate(c))
	}))
	require.NoError(t, remote.GatherCandidates())
	<-gathered
	for _, c := range a.LocalCandidates("audio") {
		parsed, err := ice.UnmarshalCandidate(candidateSDP(c))
		require.NoError(t, err)
		require.NoError(t, remote.AddRemoteCandidate(parsed))
	}

	rufrag, rpwd, err := remote.GetLocalUserCredentials()
	require.NoError(t, err)
	require.NoError(t, a.ImportRemoteCandidates("audio", rufrag, rpwd, remoteCands))

	states := make(chan domain.ConnectivityState, 4)
	a.AddStateChangeListener(func(s domain.ConnectivityState) { states <- s })
	require.NoError(t, a.StartEstablishment(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remoteConn, err := remote.Dial(ctx, ufrag, pwd)
	require.NoError(t, err)

	var final domain.ConnectivityState
	for final = range states {
		if final.IsTerminal() {
			break
		}
	}
	require.Equal(t, domain.ConnectivityCompleted, final)

	pair, err := a.SelectedSocketPair("audio")
	require.NoError(t, err)
	assert.Same(t, pair.RTP, pair.RTCP)

	_, err = remoteConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	require.NoError(t, pair.RTP.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := pair.RTP.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
