// Package ice adapts pion/ice to the connectivity agent of a session. Every
// transport name gets its own pion agent; all of them share one set of local
// credentials, as one Jingle accept carries one ufrag/pwd pair.
package ice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"

	"github.com/pion/ice/v2"
	"github.com/pion/stun"
	"go.uber.org/zap"
)

// rtpComponent is the only component used; rtcp-mux is always negotiated.
const rtpComponent = 1

var (
	ErrUnknownTransport = domain.ErrUnknownTransport
	ErrNotConnected     = domain.ErrNoSelectedPair
)

// Config is the shared ICE configuration of a fleet.
type Config struct {
	STUNServers   []string
	PortMin       uint16
	PortMax       uint16
	NetworkTypes  []string
	GatherTimeout time.Duration
}

// NewAgentFactory validates cfg once and returns a factory producing one
// agent per negotiation.
func NewAgentFactory(cfg Config, logger *zap.SugaredLogger) (ports.AgentFactory, error) {
	urls := make([]*stun.URI, 0, len(cfg.STUNServers))
	for _, raw := range cfg.STUNServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("parse stun server %q: %w", raw, err)
		}
		urls = append(urls, u)
	}
	networks, err := parseNetworkTypes(cfg.NetworkTypes)
	if err != nil {
		return nil, err
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	return func(ctx context.Context) (ports.ConnectivityAgent, error) {
		return &Agent{
			cfg:        cfg,
			urls:       urls,
			networks:   networks,
			logger:     logger,
			transports: make(map[string]*transport),
		}, nil
	}, nil
}

func parseNetworkTypes(names []string) ([]ice.NetworkType, error) {
	if len(names) == 0 {
		return []ice.NetworkType{ice.NetworkTypeUDP4}, nil
	}
	out := make([]ice.NetworkType, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(n) {
		case "udp4":
			out = append(out, ice.NetworkTypeUDP4)
		case "udp6":
			out = append(out, ice.NetworkTypeUDP6)
		default:
			return nil, fmt.Errorf("unsupported ice network type %q", n)
		}
	}
	return out, nil
}

type transport struct {
	name        string
	agent       *ice.Agent
	local       []domain.Candidate
	remoteUfrag string
	remotePwd   string
	conn        *ice.Conn
	state       domain.ConnectivityState
}

// Agent implements ports.ConnectivityAgent on top of pion/ice.
type Agent struct {
	cfg      Config
	urls     []*stun.URI
	networks []ice.NetworkType
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	ufrag      string
	pwd        string
	transports map[string]*transport
	order      []string
	state      domain.ConnectivityState
	listeners  []func(domain.ConnectivityState)
	cancel     context.CancelFunc
	freed      bool
}

// CreateComponentPair creates the pion agent of transport name and gathers
// its local candidates. Only the RTP component exists.
func (a *Agent) CreateComponentPair(ctx context.Context, name string) error {
	a.mu.Lock()
	if a.freed {
		a.mu.Unlock()
		return domain.ErrSessionStopped
	}
	if _, ok := a.transports[name]; ok {
		a.mu.Unlock()
		return fmt.Errorf("transport %q already exists", name)
	}
	ufrag, pwd := a.ufrag, a.pwd
	a.mu.Unlock()

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:         a.urls,
		NetworkTypes: a.networks,
		PortMin:      a.cfg.PortMin,
		PortMax:      a.cfg.PortMax,
		LocalUfrag:   ufrag,
		LocalPwd:     pwd,
	})
	if err != nil {
		return fmt.Errorf("create ice agent: %w", err)
	}
	if ufrag == "" {
		ufrag, pwd, err = agent.GetLocalUserCredentials()
		if err != nil {
			_ = agent.Close()
			return fmt.Errorf("read local credentials: %w", err)
		}
	}

	t := &transport{name: name, agent: agent}
	if err := a.gather(ctx, t); err != nil {
		_ = agent.Close()
		return err
	}
	if err := agent.OnConnectionStateChange(func(s ice.ConnectionState) {
		a.onTransportState(t, s)
	}); err != nil {
		_ = agent.Close()
		return fmt.Errorf("watch ice state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freed {
		_ = agent.Close()
		return domain.ErrSessionStopped
	}
	a.ufrag, a.pwd = ufrag, pwd
	a.transports[name] = t
	a.order = append(a.order, name)
	a.logger.Debugw("ice transport created", "transport", name, "candidates", len(t.local))
	return nil
}

func (a *Agent) gather(ctx context.Context, t *transport) error {
	done := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex

	if err := t.agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			once.Do(func() { close(done) })
			return
		}
		if c.Component() != rtpComponent {
			return
		}
		mu.Lock()
		t.local = append(t.local, localCandidate(c))
		mu.Unlock()
	}); err != nil {
		return fmt.Errorf("watch candidates: %w", err)
	}
	if err := t.agent.GatherCandidates(); err != nil {
		return fmt.Errorf("gather candidates: %w", err)
	}

	timer := time.NewTimer(a.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		a.logger.Warnw("candidate gathering timed out", "transport", t.name, "timeout", a.cfg.GatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(t.local) == 0 {
		return fmt.Errorf("no local candidates for %q", t.name)
	}
	return nil
}

func localCandidate(c ice.Candidate) domain.Candidate {
	out := domain.Candidate{
		ID:         c.ID(),
		Foundation: c.Foundation(),
		Component:  c.Component(),
		Protocol:   strings.ToLower(c.NetworkType().NetworkShort()),
		Priority:   c.Priority(),
		IP:         c.Address(),
		Port:       uint16(c.Port()),
		Type:       c.Type().String(),
	}
	if rel := c.RelatedAddress(); rel != nil {
		out.RelAddr = rel.Address
		out.RelPort = uint16(rel.Port)
	}
	return out
}

// ImportRemoteCandidates sets the remote credentials of transport name and
// adds its UDP candidates. Candidates of other components are skipped.
func (a *Agent) ImportRemoteCandidates(name, ufrag, pwd string, candidates []domain.Candidate) error {
	t, err := a.transport(name)
	if err != nil {
		return err
	}

	a.mu.Lock()
	t.remoteUfrag, t.remotePwd = ufrag, pwd
	a.mu.Unlock()

	added := 0
	for _, c := range candidates {
		if c.Component != rtpComponent || !strings.EqualFold(c.Protocol, "udp") {
			continue
		}
		remote, err := ice.UnmarshalCandidate(candidateSDP(c))
		if err != nil {
			a.logger.Debugw("skipping remote candidate", "transport", name, "id", c.ID, "error", err)
			continue
		}
		if err := t.agent.AddRemoteCandidate(remote); err != nil {
			return fmt.Errorf("add remote candidate %s: %w", c.ID, err)
		}
		added++
	}
	a.logger.Debugw("remote candidates imported", "transport", name, "offered", len(candidates), "added", added)
	return nil
}

func candidateSDP(c domain.Candidate) string {
	var b strings.Builder
	b.WriteString(c.Foundation)
	b.WriteString(" " + strconv.Itoa(int(c.Component)))
	b.WriteString(" " + strings.ToLower(c.Protocol))
	b.WriteString(" " + strconv.FormatUint(uint64(c.Priority), 10))
	b.WriteString(" " + c.IP)
	b.WriteString(" " + strconv.Itoa(int(c.Port)))
	b.WriteString(" typ " + c.Type)
	if c.RelAddr != "" {
		b.WriteString(" raddr " + c.RelAddr + " rport " + strconv.Itoa(int(c.RelPort)))
	}
	return b.String()
}

func (a *Agent) LocalCredentials() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ufrag, a.pwd
}

func (a *Agent) LocalCandidates(name string) []domain.Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transports[name]
	if !ok {
		return nil
	}
	return append([]domain.Candidate(nil), t.local...)
}

// Generation is always 0; ICE restarts are not performed.
func (a *Agent) Generation() int { return 0 }

// StartEstablishment runs connectivity checks of every transport as the
// controlled side. It returns at once; progress is reported to listeners.
func (a *Agent) StartEstablishment(ctx context.Context) error {
	a.mu.Lock()
	if a.freed {
		a.mu.Unlock()
		return domain.ErrSessionStopped
	}
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("establishment already started")
	}
	if len(a.transports) == 0 {
		a.mu.Unlock()
		return errors.New("no transports to establish")
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	transports := make([]*transport, 0, len(a.order))
	for _, name := range a.order {
		t := a.transports[name]
		t.state = domain.ConnectivityRunning
		transports = append(transports, t)
	}
	a.mu.Unlock()

	a.setState(domain.ConnectivityRunning)
	for _, t := range transports {
		go a.accept(ctx, t)
	}
	return nil
}

func (a *Agent) accept(ctx context.Context, t *transport) {
	a.mu.Lock()
	ufrag, pwd := t.remoteUfrag, t.remotePwd
	a.mu.Unlock()

	conn, err := t.agent.Accept(ctx, ufrag, pwd)

	a.mu.Lock()
	if err != nil {
		if t.state == domain.ConnectivityRunning {
			t.state = domain.ConnectivityFailed
		}
	} else {
		t.conn = conn
		t.state = domain.ConnectivityCompleted
	}
	a.mu.Unlock()

	if err != nil && !a.isFreed() {
		a.logger.Warnw("ice accept failed", "transport", t.name, "error", err)
	}
	a.recompute()
}

func (a *Agent) onTransportState(t *transport, s ice.ConnectionState) {
	a.logger.Debugw("ice transport state", "transport", t.name, "state", s.String())
	if s != ice.ConnectionStateFailed {
		return
	}
	a.mu.Lock()
	t.state = domain.ConnectivityFailed
	a.mu.Unlock()
	a.recompute()
}

// recompute derives the session state: completed once every transport has
// a selected pair, failed as soon as one transport fails.
func (a *Agent) recompute() {
	a.mu.Lock()
	if a.freed {
		a.mu.Unlock()
		return
	}
	next := domain.ConnectivityCompleted
	for _, t := range a.transports {
		switch t.state {
		case domain.ConnectivityFailed:
			next = domain.ConnectivityFailed
		case domain.ConnectivityCompleted:
		default:
			if next != domain.ConnectivityFailed {
				next = domain.ConnectivityRunning
			}
		}
	}
	a.mu.Unlock()
	a.setState(next)
}

func (a *Agent) setState(s domain.ConnectivityState) {
	a.mu.Lock()
	if a.state == s || a.state.IsTerminal() {
		a.mu.Unlock()
		return
	}
	a.state = s
	listeners := append([]func(domain.ConnectivityState){}, a.listeners...)
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (a *Agent) State() domain.ConnectivityState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) AddStateChangeListener(fn func(domain.ConnectivityState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// SelectedSocketPair returns the connected transport of name. With rtcp-mux
// RTP and RTCP share the connection.
func (a *Agent) SelectedSocketPair(name string) (domain.SocketPair, error) {
	t, err := a.transport(name)
	if err != nil {
		return domain.SocketPair{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.conn == nil {
		return domain.SocketPair{}, fmt.Errorf("%q: %w", name, ErrNotConnected)
	}
	return domain.SocketPair{RTP: t.conn, RTCP: t.conn, Remote: t.conn.RemoteAddr()}, nil
}

// Free closes every pion agent. It is safe to call more than once.
func (a *Agent) Free() error {
	a.mu.Lock()
	if a.freed {
		a.mu.Unlock()
		return nil
	}
	a.freed = true
	cancel := a.cancel
	transports := a.transports
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	for name, t := range transports {
		if err := t.agent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	a.mu.Lock()
	terminal := a.state.IsTerminal()
	if !terminal {
		a.state = domain.ConnectivityTerminated
	}
	listeners := append([]func(domain.ConnectivityState){}, a.listeners...)
	a.mu.Unlock()
	if !terminal {
		for _, fn := range listeners {
			fn(domain.ConnectivityTerminated)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) isFreed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed
}

func (a *Agent) transport(name string) (*transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transports[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownTransport)
	}
	return t, nil
}

var _ ports.ConnectivityAgent = (*Agent)(nil)
