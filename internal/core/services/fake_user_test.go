package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	herrors "confhammer/pkg/errors"
	"confhammer/pkg/jingle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeUser_StartJoinsAndInvitesFocus(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)

	require.NoError(t, h.user.Start(context.Background()))

	assert.Equal(t, domain.SessionJoined, h.user.State())
	assert.Equal(t, "Guest", h.user.Nickname())
	require.Len(t, h.transport.requests, 1)
	conf := h.transport.requests[0].Conference
	require.NotNil(t, conf)
	assert.Equal(t, "loadtest@conference.meet.example.com", conf.Room)
	assert.Equal(t, "focus.meet.example.com", h.transport.requests[0].To)
	assert.Equal(t, []jingle.Property{{Name: "startAudioMuted", Value: "9"}}, conf.Properties)
	assert.NotEmpty(t, conf.MachineUID)
}

func TestFakeUser_StartConnectFailureIsTransportError(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	h.transport.connectErr = errors.New("connection refused")

	err := h.user.Start(context.Background())

	require.Error(t, err)
	assert.Equal(t, herrors.ErrCodeTransport, herrors.CodeOf(err))
	assert.Equal(t, domain.SessionFailed, h.user.State())
	assert.Empty(t, h.transport.joins)
}

func TestFakeUser_NicknameConflictAppendsUnderscore(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil, "Guest", "Guest_")

	require.NoError(t, h.user.Start(context.Background()))

	assert.Equal(t, []string{"Guest", "Guest_", "Guest__"}, h.transport.joins)
	assert.Equal(t, "Guest__", h.user.Nickname())
	assert.Equal(t, 2, h.observer.retries)
}

func TestFakeUser_NicknameRetriesBounded(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, func(cfg *FakeUserConfig) {
		cfg.MaxNicknameRetries = 1
	}, "Guest", "Guest_", "Guest__")

	err := h.user.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNicknameConflict))
	assert.Equal(t, herrors.ErrCodeProtocol, herrors.CodeOf(err))
	assert.Equal(t, []string{"Guest", "Guest_"}, h.transport.joins)
}

func TestFakeUser_InviteOnceAcrossFleet(t *testing.T) {
	server, err := domain.ParseServerInfo("wss://meet.example.com/xmpp-websocket", "", "", "loadtest", "focus.meet.example.com")
	require.NoError(t, err)
	gate := NewInviteGate()

	var transports []*fakeTransport
	var users []*FakeUser
	for i := 0; i < 5; i++ {
		tr := newFakeTransport()
		transports = append(transports, tr)
		users = append(users, NewFakeUser(
			FakeUserConfig{Server: server, Nickname: "Guest"},
			FakeUserDeps{Transport: tr, Gate: gate, Devices: noDevices{}},
		))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u *FakeUser) {
			defer wg.Done()
			assert.NoError(t, u.Start(context.Background()))
		}(u)
	}
	wg.Wait()

	requests := 0
	for _, tr := range transports {
		requests += len(tr.requests)
	}
	assert.Equal(t, 1, requests)
	invited, err := gate.Invited(context.Background())
	require.NoError(t, err)
	assert.True(t, invited)
}

func TestFakeUser_FailedInviteLeavesGateOpen(t *testing.T) {
	first := newHarness(domain.ConnectivityCompleted, nil)
	first.transport.respond = func(iq *jingle.IQ) (*jingle.IQ, error) {
		return jingle.ErrorFor(iq, "cancel", "service-unavailable"), nil
	}
	require.Error(t, first.user.Start(context.Background()))

	ok, err := first.user.deps.Gate.Invited(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// A second session on the same gate retries the invite.
	tr := newFakeTransport()
	second := NewFakeUser(first.user.cfg, FakeUserDeps{Transport: tr, Gate: first.user.deps.Gate, Devices: noDevices{}})
	require.NoError(t, second.Start(context.Background()))
	assert.Len(t, tr.requests, 1)
}

func TestFakeUser_AcceptSelectsPreferredCodec(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, func(cfg *FakeUserConfig) {
		cfg.Codecs = map[domain.MediaKind]CodecPreference{
			domain.MediaAudio: {Preferred: "opus", Supported: []string{"opus"}},
		}
	})
	require.NoError(t, h.user.Start(context.Background()))

	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus, ptPCMU)))

	accepts := h.transport.jingleSent(jingle.ActionSessionAccept)
	require.Len(t, accepts, 1)
	accept := accepts[0].Jingle
	require.Len(t, accept.Contents, 1)
	content := accept.Contents[0]
	assert.Equal(t, "audio", content.Name)
	require.Len(t, content.Description.PayloadTypes, 1)
	assert.Equal(t, "opus", content.Description.PayloadTypes[0].Name)
	assert.Equal(t, uint8(111), content.Description.PayloadTypes[0].ID)
	assert.Equal(t, "s1", accept.SID)
	assert.Equal(t, "user@meet.example.com/res", accept.Responder)

	require.Len(t, content.Description.HdrExts, 1)
	assert.Equal(t, uint8(1), content.Description.HdrExts[0].ID)

	require.NotNil(t, content.Transport)
	assert.Equal(t, "lufrag", content.Transport.Ufrag)
	require.Len(t, content.Transport.Fingerprints, 1)
	assert.Equal(t, "active", content.Transport.Fingerprints[0].Setup)
	assert.Equal(t, "AA:BB", content.Transport.Fingerprints[0].Value)
	require.NotEmpty(t, content.Description.Sources)
	assert.NotEmpty(t, content.Description.Sources[0].Param("cname"))
	assert.NotEmpty(t, content.Description.Sources[0].Param("msid"))

	assert.Equal(t, domain.SessionEstablished, h.user.State())
	require.Len(t, h.engine.streams, 1)
	stream := h.engine.streams[0]
	assert.Equal(t, 1, stream.started)
	assert.True(t, stream.security.started)
	assert.Equal(t, "opus", stream.codec.Name)
	assert.Contains(t, stream.dynamic, uint8(111))
	assert.Equal(t, []domain.Fingerprint{{Hash: "sha-256", Value: "11:22", Setup: "actpass"}}, stream.security.remote)

	cands := h.agent.imported["audio"]
	require.Len(t, cands, 2)
	assert.Equal(t, "c1", cands[0].ID)
	assert.Equal(t, "c2", cands[1].ID)
}

func TestFakeUser_DataContentExcludedFromAccept(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))

	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus), videoContent(), dataContent()))

	accepts := h.transport.jingleSent(jingle.ActionSessionAccept)
	require.Len(t, accepts, 1)
	var names []string
	for _, c := range accepts[0].Jingle.Contents {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"audio", "video"}, names)
	assert.ElementsMatch(t, []string{"audio", "video"}, h.agent.pairs)
}

func TestFakeUser_BundledContentsShareTransport(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))

	iq := sessionInitiate("s1", audioContent(ptOpus), videoContent())
	iq.Jingle.Group = &jingle.Group{Semantics: "BUNDLE", Contents: []jingle.GroupContent{{Name: "audio"}, {Name: "video"}}}
	h.transport.deliver(iq)

	assert.Equal(t, []string{"audio"}, h.agent.pairs)
	accepts := h.transport.jingleSent(jingle.ActionSessionAccept)
	require.Len(t, accepts, 1)
	require.NotNil(t, accepts[0].Jingle.Group)
	assert.Len(t, accepts[0].Jingle.Group.Contents, 2)
}

func TestFakeUser_ConnectivityFailureStartsNoMedia(t *testing.T) {
	h := newHarness(domain.ConnectivityFailed, nil)
	require.NoError(t, h.user.Start(context.Background()))

	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))

	assert.Equal(t, domain.SessionFailed, h.user.State())
	for _, s := range h.engine.streams {
		assert.Zero(t, s.started)
	}
	assert.Zero(t, h.transport.leaves)
	assert.Zero(t, h.transport.disconnects)
	snap := h.user.Snapshot()
	assert.Equal(t, "failed", snap.State)
	assert.NotEmpty(t, snap.Error)
}

func TestFakeUser_ConnectivityTimeout(t *testing.T) {
	h := newHarness(domain.ConnectivityWaiting, func(cfg *FakeUserConfig) {
		cfg.AcceptTimeout = 50 * time.Millisecond
	})
	require.NoError(t, h.user.Start(context.Background()))

	started := time.Now()
	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, domain.SessionFailed, h.user.State())
	for _, s := range h.engine.streams {
		assert.Zero(t, s.started)
	}
}

func TestFakeUser_SecondInitiateIgnored(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))

	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))
	h.transport.deliver(sessionInitiate("s2", audioContent(ptOpus)))

	assert.Equal(t, 1, h.agents)
	assert.Len(t, h.transport.jingleSent(jingle.ActionSessionAccept), 1)
	assert.Equal(t, 2, h.transport.acks())
}

func TestFakeUser_SourceAddOnlyAcknowledged(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))

	iq := sessionInitiate("s1", audioContent(ptOpus))
	iq.Jingle.Action = jingle.ActionSourceAdd
	h.transport.deliver(iq)

	assert.Equal(t, 1, h.transport.acks())
	assert.Zero(t, h.agents)
	assert.Equal(t, domain.SessionJoined, h.user.State())
}

func TestFakeUser_TerminateAllowsNewSession(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))
	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))

	term := sessionInitiate("s1")
	term.Jingle.Action = jingle.ActionSessionTerminate
	term.Jingle.Reason = jingle.NewReason("success", "")
	h.transport.deliver(term)

	assert.Equal(t, domain.SessionJoined, h.user.State())
	assert.Equal(t, 1, h.agent.freeCount())
	assert.Equal(t, 1, h.engine.streams[0].closed)

	h.transport.deliver(sessionInitiate("s2", audioContent(ptOpus)))
	assert.Equal(t, 2, h.agents)
	assert.Equal(t, domain.SessionEstablished, h.user.State())
}

func TestFakeUser_StopIsIdempotent(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))
	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))

	require.NoError(t, h.user.Stop(context.Background()))
	require.NoError(t, h.user.Stop(context.Background()))

	assert.Equal(t, domain.SessionStopped, h.user.State())
	assert.Equal(t, 1, h.transport.disconnects)
	assert.Equal(t, 1, h.transport.leaves)
	assert.Equal(t, 1, h.agent.freeCount())
	assert.Equal(t, 1, h.engine.closed)
	assert.Equal(t, 1, h.engine.streams[0].closed)
	terms := h.transport.jingleSent(jingle.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, "success", terms[0].Jingle.Reason.Condition.XMLName.Local)

	select {
	case <-h.user.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestFakeUser_StopBeforeStart(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)

	select {
	case <-h.user.Done():
		t.Fatal("Done closed before Stop")
	default:
	}
	require.NoError(t, h.user.Stop(context.Background()))
	assert.Equal(t, domain.SessionStopped, h.user.State())
	assert.Equal(t, 0, h.transport.leaves)
	<-h.user.Done()
}

func TestFakeUser_InitiateAfterStopIgnored(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))
	require.NoError(t, h.user.Stop(context.Background()))

	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))

	assert.Zero(t, h.agents)
	assert.Equal(t, domain.SessionStopped, h.user.State())
}

func TestFakeUser_StateTransitions(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))
	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus)))
	require.NoError(t, h.user.Stop(context.Background()))

	assert.Equal(t, []domain.SessionState{
		domain.SessionJoined,
		domain.SessionNegotiating,
		domain.SessionEstablished,
		domain.SessionStopped,
	}, h.observer.transitions)
}

func TestFakeUser_SnapshotIncludesStreams(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))
	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus), videoContent()))

	snap := h.user.Snapshot()
	assert.Equal(t, "Guest", snap.Nickname)
	assert.Equal(t, "established", snap.State)
	assert.Len(t, snap.Streams, 2)
	assert.Equal(t, map[string]uint8{"opus": 111, "vp8": 100}, snap.PayloadTypes)
	assert.Equal(t, 3, snap.HeaderExtensions)
}

func TestFakeUser_OnlyDynamicPayloadTypesRegistered(t *testing.T) {
	h := newHarness(domain.ConnectivityCompleted, nil)
	require.NoError(t, h.user.Start(context.Background()))
	h.transport.deliver(sessionInitiate("s1", audioContent(ptOpus, ptPCMU)))

	require.Len(t, h.engine.streams, 1)
	assert.Contains(t, h.engine.streams[0].dynamic, uint8(111))
	assert.NotContains(t, h.engine.streams[0].dynamic, uint8(0))
}

var _ ports.SignalingTransport = (*fakeTransport)(nil)
var _ ports.ConnectivityAgent = (*fakeAgent)(nil)
var _ ports.MediaStream = (*fakeStream)(nil)
var _ ports.MediaEngine = (*fakeEngine)(nil)
