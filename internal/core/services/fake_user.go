package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	herrors "confhammer/pkg/errors"
	"confhammer/pkg/jingle"
	"confhammer/pkg/logger"
	"confhammer/pkg/tracing"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FakeUserConfig is the per-participant configuration.
type FakeUserConfig struct {
	Server     domain.ServerInfo
	Conference domain.ConferenceParameters
	Nickname   string
	// AcceptTimeout bounds the wait for connectivity establishment.
	AcceptTimeout time.Duration
	// MaxNicknameRetries bounds the rename-and-rejoin loop. 0 is unbounded.
	MaxNicknameRetries int
	SendTerminate      bool
	Codecs             map[domain.MediaKind]CodecPreference
	Extensions         func(kind domain.MediaKind) []sdp.ExtMap
}

// FakeUserDeps are the collaborators of a FakeUser. Transport is owned by
// the user; the gate is shared by the fleet.
type FakeUserDeps struct {
	Transport ports.SignalingTransport
	Agents    ports.AgentFactory
	Engines   ports.MediaEngineFactory
	Devices   ports.DeviceChooser
	Gate      ports.InviteGate
	Auth      AuthService
	Observer  ports.SessionObserver
	Logger    *zap.SugaredLogger
}

// FakeUser simulates one conference participant: it joins the room, answers
// the focus's session-initiate, establishes ICE and DTLS, then sends media.
type FakeUser struct {
	cfg  FakeUserConfig
	deps FakeUserDeps
	log  *zap.SugaredLogger
	clog *logger.ContextLogger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
	stopped  core.Fuse

	negotiating atomic.Bool

	mu        sync.Mutex
	nickname  string
	state     domain.SessionState
	startedAt time.Time
	lastErr   error
	joined    bool
	sid       string
	peer      string
	agent     ports.ConnectivityAgent
	engine    ports.MediaEngine
	streams   map[domain.MediaKind]ports.MediaStream

	payloadTypes *PayloadTypeRegistry
	extensions   *ExtensionRegistry
}

type streamBinding struct {
	kind      domain.MediaKind
	content   jingle.Content
	transport string
	codec     domain.Codec
	offered   []domain.Codec
	exts      []sdp.ExtMap
	direction sdp.Direction
	stream    ports.MediaStream
}

func NewFakeUser(cfg FakeUserConfig, deps FakeUserDeps) *FakeUser {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 30 * time.Second
	}
	if cfg.Codecs == nil {
		cfg.Codecs = DefaultCodecPreferences()
	}
	if cfg.Extensions == nil {
		cfg.Extensions = DefaultLocalExtensions
	}
	if deps.Observer == nil {
		deps.Observer = ports.NopObserver{}
	}
	if deps.Auth == nil {
		deps.Auth = NewAuthService(AuthConfig{Mode: domain.AuthAnonymous})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(sessionContext(context.Background(), cfg))
	return &FakeUser{
		cfg:          cfg,
		deps:         deps,
		log:          deps.Logger.With("nickname", cfg.Nickname, "room", cfg.Server.Room),
		clog:         logger.NewContextLogger(deps.Logger.Desugar()),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      core.NewFuse(),
		nickname:     cfg.Nickname,
		streams:      make(map[domain.MediaKind]ports.MediaStream),
		payloadTypes: NewPayloadTypeRegistry(),
		extensions:   NewExtensionRegistry(),
	}
}

// Nickname is the nickname the room accepted, which may carry rename
// suffixes.
func (f *FakeUser) Nickname() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nickname
}

func (f *FakeUser) State() domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed once Stop has begun.
func (f *FakeUser) Done() <-chan struct{} {
	return f.stopped.Watch()
}

// Snapshot reports state and stream counters.
func (f *FakeUser) Snapshot() domain.SessionSnapshot {
	f.mu.Lock()
	snap := domain.SessionSnapshot{
		Nickname:  f.nickname,
		State:     f.state.String(),
		StartedAt: f.startedAt,
	}
	if f.lastErr != nil {
		snap.Error = f.lastErr.Error()
	}
	streams := make([]ports.MediaStream, 0, len(f.streams))
	for _, s := range f.streams {
		streams = append(streams, s)
	}
	f.mu.Unlock()

	for _, s := range streams {
		snap.Streams = append(snap.Streams, s.Stats())
	}
	if pts := f.payloadTypes.ByName(); len(pts) > 0 {
		snap.PayloadTypes = pts
	}
	snap.HeaderExtensions = f.extensions.Len()
	return snap
}

// Start connects, logs in, invites the focus through the shared gate and
// joins the room. A nickname conflict appends "_" and rejoins.
func (f *FakeUser) Start(ctx context.Context) error {
	ctx, span := tracing.TraceSession(sessionContext(ctx, f.cfg), "start", f.cfg.Nickname)
	defer span.End()

	f.mu.Lock()
	f.startedAt = time.Now()
	f.mu.Unlock()

	if err := f.deps.Transport.Connect(ctx); err != nil {
		return f.fail(ctx, herrors.Transport(err, "connect"))
	}

	creds, err := f.deps.Auth.Credentials(f.cfg.Nickname)
	if err != nil {
		return f.fail(ctx, herrors.Setup(err, "build credentials"))
	}
	if err := f.deps.Transport.Authenticate(ctx, creds); err != nil {
		return f.fail(ctx, herrors.Transport(err, "authenticate"))
	}

	f.deps.Transport.RegisterInboundHandler(isJingleSet, f.handleJingle)

	if f.cfg.Server.FocusJID != "" {
		if err := f.deps.Gate.Do(ctx, f.inviteFocus); err != nil {
			return f.fail(ctx, herrors.Protocol(err, "invite focus"))
		}
	}

	if err := f.join(ctx); err != nil {
		return f.fail(ctx, err)
	}
	f.setState(domain.SessionJoined)
	f.log.Infow("joined room", "jid", f.deps.Transport.JID(), "joinedAs", f.Nickname())
	return nil
}

func isJingleSet(iq *jingle.IQ) bool {
	return iq.Type == jingle.IQSet && iq.Jingle != nil
}

func (f *FakeUser) inviteFocus(ctx context.Context) error {
	conf := &jingle.Conference{
		Room:       f.cfg.Server.RoomJID(),
		MachineUID: uuid.NewString(),
	}
	f.cfg.Conference.Each(func(name, value string) {
		conf.Properties = append(conf.Properties, jingle.Property{Name: name, Value: value})
	})

	iq := jingle.NewIQ(jingle.IQSet, f.cfg.Server.FocusJID, uuid.NewString())
	iq.Conference = conf

	resp, err := f.deps.Transport.Request(ctx, iq)
	if err != nil {
		return err
	}
	if resp.Type == jingle.IQError {
		return fmt.Errorf("focus refused conference request: %s", resp.Error.Condition())
	}

	ready := ""
	if resp.Conference != nil {
		ready = resp.Conference.Ready
	}
	f.log.Infow("focus invited", "focus", f.cfg.Server.FocusJID, "ready", ready)
	return nil
}

func (f *FakeUser) join(ctx context.Context) error {
	nick := f.cfg.Nickname
	room := f.cfg.Server.RoomJID()

	for retries := 0; ; retries++ {
		err := f.deps.Transport.JoinChannel(ctx, room, nick)
		if err == nil {
			f.mu.Lock()
			f.nickname = nick
			f.joined = true
			f.mu.Unlock()
			return nil
		}
		if !errors.Is(err, domain.ErrNicknameConflict) {
			return herrors.Transport(err, "join room")
		}
		if f.cfg.MaxNicknameRetries > 0 && retries >= f.cfg.MaxNicknameRetries {
			return herrors.Protocol(err, fmt.Sprintf("nickname still taken after %d retries", retries)).
				WithContext("nickname", nick)
		}
		if ctx.Err() != nil {
			return herrors.Transport(ctx.Err(), "join room")
		}

		nick += "_"
		f.deps.Observer.NicknameRetried(f.cfg.Nickname)
		f.log.Infow("nickname taken, rejoining", "next", nick)
	}
}

// handleJingle runs on the transport dispatcher, so a user's handlers are
// serialized. Every Jingle set is acknowledged first.
func (f *FakeUser) handleJingle(iq *jingle.IQ) {
	if err := f.deps.Transport.Send(f.ctx, jingle.ResultFor(iq)); err != nil {
		f.log.Warnw("failed to acknowledge jingle", "action", iq.Jingle.Action, "error", err)
	}

	switch iq.Jingle.Action {
	case jingle.ActionSessionInitiate:
		f.onSessionInitiate(iq)
	case jingle.ActionSourceAdd, jingle.ActionSourceRemove:
		f.log.Debugw("ignoring source update", "action", iq.Jingle.Action, "contents", len(iq.Jingle.Contents))
	case jingle.ActionSessionTerminate:
		f.onSessionTerminate(iq)
	default:
		f.log.Debugw("ignoring jingle action", "action", iq.Jingle.Action)
	}
}

func (f *FakeUser) onSessionInitiate(iq *jingle.IQ) {
	if f.stopped.IsBroken() {
		return
	}
	if !f.negotiating.CompareAndSwap(false, true) {
		f.log.Infow("ignoring session-initiate, already negotiating", "sid", iq.Jingle.SID)
		return
	}

	if err := f.accept(f.ctx, iq); err != nil {
		_ = f.fail(f.ctx, err)
	}
}

func (f *FakeUser) onSessionTerminate(iq *jingle.IQ) {
	f.mu.Lock()
	sid := f.sid
	f.mu.Unlock()
	if iq.Jingle.SID != sid {
		f.log.Debugw("ignoring session-terminate for unknown session", "sid", iq.Jingle.SID)
		return
	}

	reason := ""
	if iq.Jingle.Reason != nil {
		reason = iq.Jingle.Reason.Condition.XMLName.Local
	}
	f.log.Infow("session terminated by focus", "sid", sid, "reason", reason)

	if err := f.teardownMedia(); err != nil {
		f.log.Warnw("media teardown failed", "error", err)
	}
	f.mu.Lock()
	f.sid, f.peer = "", ""
	f.mu.Unlock()
	f.negotiating.Store(false)
	if !f.stopped.IsBroken() {
		f.setState(domain.SessionJoined)
	}
}

// accept answers a session-initiate and brings the media up. It blocks for
// at most AcceptTimeout waiting on connectivity.
func (f *FakeUser) accept(ctx context.Context, iq *jingle.IQ) error {
	offer := iq.Jingle
	ctx, span := tracing.TraceSession(logger.WithSessionID(ctx, offer.SID), "accept", f.Nickname())
	defer span.End()

	f.mu.Lock()
	f.sid = offer.SID
	f.peer = iq.From
	f.mu.Unlock()
	f.setState(domain.SessionNegotiating)
	tracing.AddSpanAttributes(ctx, tracing.SessionIDKey.String(offer.SID), tracing.ContentsKey.Int(len(offer.Contents)))

	transportNames := BundleNames(offer)
	bindings := f.negotiateContents(offer, transportNames)
	if len(bindings) == 0 {
		return herrors.Negotiation(domain.ErrNoMediaContent, "nothing to accept").WithContext("sid", offer.SID)
	}

	agent, err := f.deps.Agents(ctx)
	if err != nil {
		return herrors.Connectivity(err, "create agent")
	}
	if err := f.adoptAgent(agent); err != nil {
		return err
	}

	stateCh := make(chan domain.ConnectivityState, 1)
	agent.AddStateChangeListener(func(s domain.ConnectivityState) {
		if !s.IsTerminal() {
			return
		}
		select {
		case stateCh <- s:
		default:
		}
	})

	created := make(map[string]bool)
	var order []string
	for _, b := range bindings {
		if created[b.transport] {
			continue
		}
		if err := agent.CreateComponentPair(ctx, b.transport); err != nil {
			return herrors.Connectivity(err, "create component pair").WithContext("transport", b.transport)
		}
		created[b.transport] = true
		order = append(order, b.transport)
	}

	remoteFingerprints := make(map[string][]domain.Fingerprint)
	imported := make(map[string]bool)
	for _, c := range offer.Contents {
		name := transportNames[c.Name]
		if !created[name] || imported[name] || c.Transport == nil {
			continue
		}
		cands := FilterGeneration(CandidatesFromTransport(c.Transport), agent.Generation())
		SortCandidates(cands)
		if err := agent.ImportRemoteCandidates(name, c.Transport.Ufrag, c.Transport.Pwd, cands); err != nil {
			return herrors.Connectivity(err, "import remote candidates").WithContext("transport", name)
		}
		remoteFingerprints[name] = FingerprintsFromTransport(c.Transport)
		imported[name] = true
	}

	engine, err := f.deps.Engines()
	if err != nil {
		return herrors.Setup(err, "create media engine")
	}
	if err := f.adoptEngine(engine); err != nil {
		return err
	}

	cname := uuid.NewString()
	msLabel := uuid.NewString()
	localFP := engine.LocalFingerprint()
	ufrag, pwd := agent.LocalCredentials()

	var contents []jingle.Content
	var mediaSources []jingle.MediaSource
	for _, b := range bindings {
		stream, err := f.bindStream(b)
		if err != nil {
			return err
		}
		b.stream = stream

		fps := remoteFingerprints[b.transport]
		stream.SecurityControl().SetRemoteFingerprints(fps)
		setup := "actpass"
		if len(fps) > 0 {
			setup = fps[0].Setup
		}
		fp := localFP
		fp.Setup = AnswerSetup(setup)

		desc := &jingle.RTPDescription{
			Media:        string(b.kind),
			SSRC:         strconv.FormatUint(uint64(stream.LocalSourceID()), 10),
			PayloadTypes: []jingle.PayloadType{PayloadTypeElement(b.codec)},
			HdrExts:      HdrExtElements(b.exts),
			RTCPMux:      &jingle.Empty{},
		}
		label := uuid.NewString()
		ssrcs := stream.LocalSourceIDs()
		for _, ssrc := range ssrcs {
			desc.Sources = append(desc.Sources, jingle.Source{
				SSRC: ssrc,
				Parameters: []jingle.Parameter{
					{Name: "cname", Value: cname},
					{Name: "msid", Value: msLabel + " " + label},
					{Name: "mslabel", Value: msLabel},
					{Name: "label", Value: label},
				},
			})
		}
		if b.kind == domain.MediaVideo && len(ssrcs) > 1 {
			group := jingle.SourceGroup{Semantics: "SIM"}
			for _, ssrc := range ssrcs {
				group.Sources = append(group.Sources, jingle.Source{SSRC: ssrc})
			}
			desc.SourceGroups = append(desc.SourceGroups, group)
		}

		contents = append(contents, jingle.Content{
			Name:        b.content.Name,
			Creator:     b.content.Creator,
			Senders:     SendersFromLocalDirection(b.direction),
			Description: desc,
			Transport: &jingle.Transport{
				Ufrag:        ufrag,
				Pwd:          pwd,
				Fingerprints: []jingle.Fingerprint{{Hash: fp.Hash, Setup: fp.Setup, Value: fp.Value}},
				Candidates:   CandidateElements(agent.LocalCandidates(b.transport)),
				RTCPMux:      &jingle.Empty{},
			},
		})
		mediaSources = append(mediaSources, jingle.MediaSource{
			Type:      string(b.kind),
			SSRC:      desc.SSRC,
			Direction: b.direction.String(),
		})
	}

	f.announceSources(ctx, mediaSources)

	acceptIQ := jingle.NewIQ(jingle.IQSet, iq.From, uuid.NewString())
	acceptIQ.Jingle = &jingle.Jingle{
		Action:    jingle.ActionSessionAccept,
		Initiator: offer.Initiator,
		Responder: f.deps.Transport.JID(),
		SID:       offer.SID,
		Contents:  contents,
		Group:     acceptGroup(offer, bindings),
	}
	if err := f.deps.Transport.Send(ctx, acceptIQ); err != nil {
		return herrors.Transport(err, "send session-accept")
	}
	f.log.Infow("session accepted", "sid", offer.SID, "contents", len(contents), "transports", len(order))

	state, err := f.establish(ctx, agent, stateCh, len(order))
	if err != nil {
		return err
	}
	if state != domain.ConnectivityCompleted && state != domain.ConnectivityTerminated {
		return herrors.Connectivity(domain.ErrConnectivityFailed, "ice did not complete").WithContext("state", state.String())
	}

	for _, b := range bindings {
		pair, err := agent.SelectedSocketPair(b.transport)
		if err != nil {
			return herrors.Connectivity(err, "selected socket pair").WithContext("transport", b.transport)
		}
		b.stream.SetConnector(pair)
		b.stream.SetTarget(pair.Remote)
		if err := b.stream.SecurityControl().Start(ctx, b.kind); err != nil {
			return herrors.Connectivity(err, "start dtls-srtp").WithContext("kind", string(b.kind))
		}
	}
	for _, b := range bindings {
		if err := b.stream.Start(ctx); err != nil {
			return herrors.Replay(err, "start stream").WithContext("kind", string(b.kind))
		}
	}

	f.setState(domain.SessionEstablished)
	f.log.Infow("media established", "sid", offer.SID, "state", state.String())
	return nil
}

// negotiateContents runs the per-content part of the accept algorithm.
// Data contents get a placeholder that is never sent; contents without a
// usable description or codec are skipped.
func (f *FakeUser) negotiateContents(offer *jingle.Jingle, transportNames map[string]string) []*streamBinding {
	var bindings []*streamBinding
	seen := make(map[domain.MediaKind]bool)

	for _, c := range offer.Contents {
		if c.IsData() {
			placeholder := DataPlaceholder(c)
			f.log.Debugw("data content not exercised", "content", placeholder.Name)
			continue
		}
		if c.Description == nil {
			f.log.Warnw("skipping content", "content", c.Name, "error", domain.ErrMissingDescription)
			continue
		}

		kind := domain.MediaKind(c.Description.Media)
		if seen[kind] {
			f.log.Warnw("skipping duplicate media kind", "content", c.Name, "kind", kind)
			continue
		}

		offered := CodecsFromDescription(c.Description)
		for _, codec := range offered {
			f.payloadTypes.Register(codec)
		}
		remoteExts := ExtensionsFromDescription(c.Description)
		for _, ext := range remoteExts {
			f.extensions.Register(ext)
		}

		codec, ok := SelectCodec(offered, f.cfg.Codecs[kind])
		if !ok {
			f.log.Warnw("skipping content", "content", c.Name, "error", domain.ErrNoSupportedCodec)
			continue
		}

		seen[kind] = true
		bindings = append(bindings, &streamBinding{
			kind:      kind,
			content:   c,
			transport: transportNames[c.Name],
			codec:     codec,
			offered:   offered,
			exts:      IntersectExtensions(f.cfg.Extensions(kind), remoteExts),
			direction: IntersectDirection(sdp.DirectionSendRecv, ReverseDirection(DirectionFromSenders(c.Senders))),
		})
	}
	return bindings
}

func (f *FakeUser) bindStream(b *streamBinding) (ports.MediaStream, error) {
	f.mu.Lock()
	engine := f.engine
	f.mu.Unlock()
	if engine == nil {
		return nil, herrors.Setup(domain.ErrSessionStopped, "media engine released")
	}

	stream, err := engine.NewStream(b.kind)
	if err != nil {
		return nil, herrors.Setup(err, "create media stream").WithContext("kind", string(b.kind))
	}

	if dev, err := f.deps.Devices.Device(b.kind); err != nil {
		f.log.Warnw("no capture device, stream stays silent", "kind", b.kind, "error", err)
	} else {
		stream.SetDevice(dev)
	}
	stream.SetFormat(b.codec)
	stream.SetDirection(b.direction)
	for _, codec := range b.offered {
		if isDynamicPayloadType(codec.PayloadType) {
			stream.AddDynamicPayloadType(codec.PayloadType, codec)
		}
	}
	for _, ext := range b.exts {
		stream.AddRTPExtension(ext)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped.IsBroken() {
		_ = stream.Close()
		return nil, herrors.Setup(domain.ErrSessionStopped, "bind stream")
	}
	f.streams[b.kind] = stream
	return stream, nil
}

func (f *FakeUser) adoptAgent(agent ports.ConnectivityAgent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped.IsBroken() {
		_ = agent.Free()
		return herrors.Connectivity(domain.ErrSessionStopped, "adopt agent")
	}
	f.agent = agent
	return nil
}

func (f *FakeUser) adoptEngine(engine ports.MediaEngine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped.IsBroken() {
		_ = engine.Close()
		return herrors.Setup(domain.ErrSessionStopped, "adopt media engine")
	}
	f.engine = engine
	return nil
}

// announceSources sends the informational media presence. Failures are
// only logged.
func (f *FakeUser) announceSources(ctx context.Context, sources []jingle.MediaSource) {
	p := jingle.NewPresence(f.cfg.Server.OccupantJID(f.Nickname()))
	p.Media = &jingle.MediaPresence{Sources: sources}
	if err := f.deps.Transport.Send(ctx, p); err != nil {
		f.log.Warnw("failed to announce sources", "error", err)
	}
}

func acceptGroup(offer *jingle.Jingle, bindings []*streamBinding) *jingle.Group {
	if offer.Group == nil {
		return nil
	}
	accepted := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		accepted[b.content.Name] = true
	}
	group := &jingle.Group{Semantics: offer.Group.Semantics}
	for _, gc := range offer.Group.Contents {
		if accepted[gc.Name] {
			group.Contents = append(group.Contents, gc)
		}
	}
	if len(group.Contents) == 0 {
		return nil
	}
	return group
}

// establish starts ICE and waits for a terminal state, the accept timeout or
// cancellation, whichever comes first.
func (f *FakeUser) establish(ctx context.Context, agent ports.ConnectivityAgent, stateCh <-chan domain.ConnectivityState, transports int) (domain.ConnectivityState, error) {
	ctx, span := tracing.TraceICE(ctx, f.Nickname(), transports)
	defer span.End()

	started := time.Now()
	if err := agent.StartEstablishment(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return domain.ConnectivityFailed, herrors.Connectivity(err, "start establishment")
	}

	timer := time.NewTimer(f.cfg.AcceptTimeout)
	defer timer.Stop()

	var state domain.ConnectivityState
	select {
	case state = <-stateCh:
	case <-timer.C:
		state = agent.State()
		f.deps.Observer.ConnectivityEstablished(f.Nickname(), time.Since(started), state)
		f.log.Warnw("connectivity establishment timed out", "timeout", f.cfg.AcceptTimeout, "state", state.String())
		tracing.RecordError(ctx, domain.ErrConnectivityTimeout)
		return state, herrors.Connectivity(domain.ErrConnectivityTimeout, "await ice").WithContext("state", state.String())
	case <-ctx.Done():
		return domain.ConnectivityTerminated, herrors.Connectivity(domain.ErrSessionStopped, "await ice")
	}

	took := time.Since(started)
	f.deps.Observer.ConnectivityEstablished(f.Nickname(), took, state)
	tracing.AddSpanAttributes(ctx, tracing.ICEStateKey.String(state.String()))
	tracing.MeasureDuration(ctx, started)
	f.log.Infow("connectivity finished", "state", state.String(), "took", took)
	return state, nil
}

// Stop tears the session down: agent, streams, optional session-terminate,
// room, connection. Only the first call does anything.
func (f *FakeUser) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() {
		f.stopErr = f.stop(ctx)
	})
	return f.stopErr
}

func (f *FakeUser) stop(ctx context.Context) error {
	f.stopped.Break()
	f.cancel()

	var errs []error
	if err := f.teardownMedia(); err != nil {
		errs = append(errs, err)
	}

	f.mu.Lock()
	sid, peer, joined, nick := f.sid, f.peer, f.joined, f.nickname
	f.mu.Unlock()

	if f.cfg.SendTerminate && sid != "" && peer != "" {
		iq := jingle.NewIQ(jingle.IQSet, peer, uuid.NewString())
		iq.Jingle = &jingle.Jingle{
			Action:    jingle.ActionSessionTerminate,
			Responder: f.deps.Transport.JID(),
			SID:       sid,
			Reason:    jingle.NewReason("success", "hammer stopping"),
		}
		if err := f.deps.Transport.Send(ctx, iq); err != nil {
			f.log.Warnw("failed to send session-terminate", "error", err)
		}
	}

	if joined {
		if err := f.deps.Transport.LeaveChannel(ctx, f.cfg.Server.RoomJID(), nick); err != nil {
			f.log.Debugw("leave room failed", "error", err)
		}
	}
	if err := f.deps.Transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}

	f.setState(domain.SessionStopped)
	f.log.Infow("session stopped")
	return errors.Join(errs...)
}

// teardownMedia frees the agent and closes every stream in parallel. Stream
// Close joins the replay workers with a bounded wait.
func (f *FakeUser) teardownMedia() error {
	f.mu.Lock()
	agent, engine, streams := f.agent, f.engine, f.streams
	f.agent, f.engine = nil, nil
	f.streams = make(map[domain.MediaKind]ports.MediaStream)
	f.mu.Unlock()

	var errs []error
	if agent != nil {
		if err := agent.Free(); err != nil {
			errs = append(errs, fmt.Errorf("free agent: %w", err))
		}
	}

	var g errgroup.Group
	for kind, s := range streams {
		kind, s := kind, s
		g.Go(func() error {
			if err := s.Close(); err != nil {
				return fmt.Errorf("close %s stream: %w", kind, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if engine != nil {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close media engine: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (f *FakeUser) setState(to domain.SessionState) {
	f.mu.Lock()
	from := f.state
	if from == domain.SessionStopped || from == to {
		f.mu.Unlock()
		return
	}
	f.state = to
	nick := f.nickname
	f.mu.Unlock()

	f.deps.Observer.SessionStateChanged(nick, from, to)
}

// fail marks the session failed. Failures never leave the session.
func (f *FakeUser) fail(ctx context.Context, err error) error {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	f.setState(domain.SessionFailed)

	tracing.RecordError(ctx, err)
	f.clog.LogError(ctx, err, "session failed",
		zap.String("code", string(herrors.CodeOf(err))),
		zap.String("state", f.State().String()),
	)
	return err
}

// sessionContext tags ctx with the fields every session log line carries.
func sessionContext(ctx context.Context, cfg FakeUserConfig) context.Context {
	return logger.WithRoom(logger.WithNickname(ctx, cfg.Nickname), cfg.Server.Room)
}
