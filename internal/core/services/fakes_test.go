package services

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	"confhammer/pkg/jingle"

	"github.com/pion/sdp/v3"
)

type inboundHandler struct {
	match   ports.IQMatcher
	handler ports.IQHandler
}

// fakeTransport records every stanza and delivers inbound IQs on the
// calling goroutine.
type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	taken       map[string]bool
	joins       []string
	leaves      int
	sent        []interface{}
	requests    []*jingle.IQ
	handlers    []inboundHandler
	disconnects int
	respond     func(iq *jingle.IQ) (*jingle.IQ, error)
}

func newFakeTransport(taken ...string) *fakeTransport {
	t := &fakeTransport{taken: make(map[string]bool)}
	for _, n := range taken {
		t.taken[n] = true
	}
	return t
}

func (t *fakeTransport) Connect(context.Context) error { return t.connectErr }

func (t *fakeTransport) Authenticate(context.Context, domain.Credentials) error { return nil }

func (t *fakeTransport) JoinChannel(_ context.Context, _ string, nickname string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins = append(t.joins, nickname)
	if t.taken[nickname] {
		return domain.ErrNicknameConflict
	}
	return nil
}

func (t *fakeTransport) LeaveChannel(context.Context, string, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves++
	return nil
}

func (t *fakeTransport) Send(_ context.Context, stanza interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, stanza)
	return nil
}

func (t *fakeTransport) Request(_ context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
	t.mu.Lock()
	t.requests = append(t.requests, iq)
	respond := t.respond
	t.mu.Unlock()
	if respond != nil {
		return respond(iq)
	}
	resp := jingle.NewIQ(jingle.IQResult, "", iq.ID)
	resp.Conference = &jingle.Conference{Room: iq.Conference.Room, Ready: "true"}
	return resp, nil
}

func (t *fakeTransport) RegisterInboundHandler(match ports.IQMatcher, handler ports.IQHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, inboundHandler{match, handler})
}

func (t *fakeTransport) JID() string { return "user@meet.example.com/res" }

func (t *fakeTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	return nil
}

func (t *fakeTransport) deliver(iq *jingle.IQ) {
	t.mu.Lock()
	handlers := append([]inboundHandler(nil), t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		if h.match(iq) {
			h.handler(iq)
		}
	}
}

// jingleSent returns the sent Jingle IQs with the given action.
func (t *fakeTransport) jingleSent(action string) []*jingle.IQ {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*jingle.IQ
	for _, s := range t.sent {
		if iq, ok := s.(*jingle.IQ); ok && iq.Jingle != nil && iq.Jingle.Action == action {
			out = append(out, iq)
		}
	}
	return out
}

func (t *fakeTransport) acks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if iq, ok := s.(*jingle.IQ); ok && iq.Type == jingle.IQResult {
			n++
		}
	}
	return n
}

// fakeAgent reports final once StartEstablishment is called. A zero final
// never reports, simulating a hung check.
type fakeAgent struct {
	final domain.ConnectivityState

	mu        sync.Mutex
	state     domain.ConnectivityState
	pairs     []string
	imported  map[string][]domain.Candidate
	listeners []func(domain.ConnectivityState)
	frees     int
}

func newFakeAgent(final domain.ConnectivityState) *fakeAgent {
	return &fakeAgent{final: final, imported: make(map[string][]domain.Candidate)}
}

func (a *fakeAgent) CreateComponentPair(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairs = append(a.pairs, name)
	return nil
}

func (a *fakeAgent) ImportRemoteCandidates(name, _, _ string, cands []domain.Candidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imported[name] = cands
	return nil
}

func (a *fakeAgent) LocalCredentials() (string, string) { return "lufrag", "lpwd" }

func (a *fakeAgent) LocalCandidates(string) []domain.Candidate {
	return []domain.Candidate{{ID: "l1", Foundation: "1", Component: 1, Protocol: "udp", Priority: 100, IP: "10.0.0.2", Port: 5000, Type: "host"}}
}

func (a *fakeAgent) Generation() int { return 0 }

func (a *fakeAgent) StartEstablishment(context.Context) error {
	if a.final == domain.ConnectivityWaiting {
		return nil
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.mu.Lock()
		a.state = a.final
		listeners := append([]func(domain.ConnectivityState){}, a.listeners...)
		a.mu.Unlock()
		for _, l := range listeners {
			l(domain.ConnectivityRunning)
			l(a.final)
		}
	}()
	return nil
}

func (a *fakeAgent) State() domain.ConnectivityState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAgent) AddStateChangeListener(fn func(domain.ConnectivityState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *fakeAgent) SelectedSocketPair(string) (domain.SocketPair, error) {
	return domain.SocketPair{Remote: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 10000}}, nil
}

func (a *fakeAgent) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
	return nil
}

func (a *fakeAgent) freeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frees
}

type fakeSecurity struct {
	remote  []domain.Fingerprint
	started bool
}

func (s *fakeSecurity) SetRemoteFingerprints(fps []domain.Fingerprint) { s.remote = fps }
func (s *fakeSecurity) LocalFingerprint() domain.Fingerprint           { return testFingerprint }
func (s *fakeSecurity) Start(context.Context, domain.MediaKind) error {
	s.started = true
	return nil
}

var testFingerprint = domain.Fingerprint{Hash: "sha-256", Value: "AA:BB"}

type fakeStream struct {
	kind      domain.MediaKind
	ssrc      uint32
	security  *fakeSecurity
	mu        sync.Mutex
	codec     domain.Codec
	direction sdp.Direction
	dynamic   map[uint8]domain.Codec
	exts      []sdp.ExtMap
	started   int
	closed    int
}

func (s *fakeStream) InjectPacket([]byte, bool) error            { return nil }
func (s *fakeStream) Kind() domain.MediaKind                     { return s.kind }
func (s *fakeStream) SetDevice(ports.CaptureDevice)              {}
func (s *fakeStream) SetFormat(c domain.Codec)                   { s.codec = c }
func (s *fakeStream) SetDirection(d sdp.Direction)               { s.direction = d }
func (s *fakeStream) AddRTPExtension(e sdp.ExtMap)               { s.exts = append(s.exts, e) }
func (s *fakeStream) SetConnector(domain.SocketPair)             {}
func (s *fakeStream) SetTarget(net.Addr)                         {}
func (s *fakeStream) SecurityControl() ports.SecurityControl     { return s.security }
func (s *fakeStream) LocalSourceID() uint32                      { return s.ssrc }
func (s *fakeStream) LocalSourceIDs() []uint32                   { return []uint32{s.ssrc} }
func (s *fakeStream) AddFeedbackListener(ports.FeedbackListener) {}

func (s *fakeStream) AddDynamicPayloadType(pt uint8, c domain.Codec) {
	if s.dynamic == nil {
		s.dynamic = make(map[uint8]domain.Codec)
	}
	s.dynamic[pt] = c
}

func (s *fakeStream) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) Stats() domain.StreamStats {
	return domain.StreamStats{Kind: s.kind, SSRC: s.ssrc, PacketsSent: 10, BytesSent: 1000}
}

type fakeEngine struct {
	mu      sync.Mutex
	streams []*fakeStream
	closed  int
}

func (e *fakeEngine) NewStream(kind domain.MediaKind) (ports.MediaStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeStream{kind: kind, ssrc: uint32(1000 + len(e.streams)), security: &fakeSecurity{}}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *fakeEngine) LocalFingerprint() domain.Fingerprint { return testFingerprint }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

type noDevices struct{}

func (noDevices) Device(domain.MediaKind) (ports.CaptureDevice, error) {
	return nil, errors.New("no device")
}

// recordingObserver collects state transitions.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []domain.SessionState
	retries     int
}

func (o *recordingObserver) SessionStateChanged(_ string, _, to domain.SessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) ConnectivityEstablished(string, time.Duration, domain.ConnectivityState) {
}

func (o *recordingObserver) NicknameRetried(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

type harness struct {
	user      *FakeUser
	transport *fakeTransport
	agent     *fakeAgent
	engine    *fakeEngine
	observer  *recordingObserver
	agents    int
}

func newHarness(final domain.ConnectivityState, mutate func(*FakeUserConfig), taken ...string) *harness {
	h := &harness{
		transport: newFakeTransport(taken...),
		agent:     newFakeAgent(final),
		engine:    &fakeEngine{},
		observer:  &recordingObserver{},
	}
	server, err := domain.ParseServerInfo("wss://meet.example.com/xmpp-websocket", "", "", "loadtest", "focus.meet.example.com")
	if err != nil {
		panic(err)
	}
	cfg := FakeUserConfig{
		Server:        server,
		Conference:    domain.NewConferenceParameters([][2]string{{"startAudioMuted", "9"}}),
		Nickname:      "Guest",
		AcceptTimeout: 2 * time.Second,
		SendTerminate: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.user = NewFakeUser(cfg, FakeUserDeps{
		Transport: h.transport,
		Agents: func(context.Context) (ports.ConnectivityAgent, error) {
			h.agents++
			return h.agent, nil
		},
		Engines:  func() (ports.MediaEngine, error) { return h.engine, nil },
		Devices:  noDevices{},
		Gate:     NewInviteGate(),
		Observer: h.observer,
	})
	return h
}

func hdrExt(id uint8, uri, senders string) jingle.RTPHdrExt {
	return jingle.RTPHdrExt{ID: id, URI: uri, Senders: senders}
}

func audioContent(codecs ...jingle.PayloadType) jingle.Content {
	return jingle.Content{
		Name:    "audio",
		Creator: "initiator",
		Senders: "both",
		Description: &jingle.RTPDescription{
			Media:        "audio",
			PayloadTypes: codecs,
			HdrExts: []jingle.RTPHdrExt{
				hdrExt(1, "urn:ietf:params:rtp-hdrext:ssrc-audio-level", ""),
				hdrExt(5, "http://example.com/unknown", ""),
			},
		},
		Transport: &jingle.Transport{
			Ufrag:        "rufrag",
			Pwd:          "rpwd",
			Fingerprints: []jingle.Fingerprint{{Hash: "sha-256", Setup: "actpass", Value: "11:22"}},
			Candidates: []jingle.Candidate{
				{Component: 1, Foundation: "2", Generation: 0, ID: "c2", IP: "10.0.0.1", Port: 10000, Priority: 10, Protocol: "udp", Type: "host"},
				{Component: 1, Foundation: "1", Generation: 0, ID: "c1", IP: "10.0.0.1", Port: 10001, Priority: 20, Protocol: "udp", Type: "host"},
				{Component: 1, Foundation: "1", Generation: 1, ID: "old", IP: "10.0.0.9", Port: 10009, Priority: 99, Protocol: "udp", Type: "host"},
			},
		},
	}
}

func videoContent() jingle.Content {
	c := audioContent(jingle.PayloadType{ID: 100, Name: "VP8", ClockRate: 90000})
	c.Name = "video"
	c.Description.Media = "video"
	c.Description.HdrExts = []jingle.RTPHdrExt{hdrExt(3, "urn:3gpp:video-orientation", "")}
	return c
}

func dataContent() jingle.Content {
	return jingle.Content{
		Name:        "data",
		Creator:     "initiator",
		Description: &jingle.RTPDescription{Media: "application"},
		Transport:   &jingle.Transport{Ufrag: "rufrag", Pwd: "rpwd"},
	}
}

var (
	ptOpus = jingle.PayloadType{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2}
	ptPCMU = jingle.PayloadType{ID: 0, Name: "PCMU", ClockRate: 8000}
)

func sessionInitiate(sid string, contents ...jingle.Content) *jingle.IQ {
	iq := jingle.NewIQ(jingle.IQSet, "user@meet.example.com/res", "init-"+sid)
	iq.From = "loadtest@conference.meet.example.com/focus"
	iq.Jingle = &jingle.Jingle{
		Action:    jingle.ActionSessionInitiate,
		Initiator: "focus@auth.meet.example.com/focus",
		SID:       sid,
		Contents:  contents,
	}
	return iq
}
