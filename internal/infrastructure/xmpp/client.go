// Package xmpp is an XMPP client over WebSocket (RFC 7395) carrying the
// signaling of one simulated participant.
package xmpp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	"confhammer/pkg/jingle"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const subprotocol = "xmpp"

var errStreamClosed = errors.New("stream closed by server")

// Config holds the connection settings of one client.
type Config struct {
	Server domain.ServerInfo
	// Token is appended to the websocket URL for JWT authentication.
	Token          string
	Resource       string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	InboundQueue   int
}

type route struct {
	match   ports.IQMatcher
	handler ports.IQHandler
}

type response struct {
	iq  *jingle.IQ
	err error
}

// Client implements ports.SignalingTransport. A reader goroutine routes
// responses and presences; inbound requests go through a single dispatcher
// goroutine so the handlers of one client never run concurrently.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	conn     *websocket.Conn
	features *jingle.Features
	writeMu  sync.Mutex

	mu      sync.Mutex
	jid     string
	pending map[string]chan response
	joins   map[string]chan *jingle.Presence
	routes  []route

	inbound    chan *jingle.IQ
	online     atomic.Bool
	closed     core.Fuse
	closeOnce  sync.Once
	readerDone chan struct{}
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 64
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			Subprotocols:     []string{subprotocol},
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger:     logger,
		pending:    make(map[string]chan response),
		joins:      make(map[string]chan *jingle.Presence),
		inbound:    make(chan *jingle.IQ, cfg.InboundQueue),
		readerDone: make(chan struct{}),
		closed:     core.NewFuse(),
	}
}

// Connect dials the websocket and opens the XMPP stream.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return errors.New("already connected")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (http %d)", c.cfg.Server.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.Server.URL, err)
	}
	if conn.Subprotocol() != subprotocol {
		conn.Close()
		return fmt.Errorf("server at %s did not accept the %q subprotocol", c.cfg.Server.URL, subprotocol)
	}
	c.conn = conn

	features, err := c.openStream(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("open stream: %w", err)
	}
	c.features = features
	return nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.Server.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("room", c.cfg.Server.Room)
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Authenticate runs SASL, binds a resource and starts the stanza routing
// goroutines. JWT sessions carry their token in the URL and log in
// anonymously.
func (c *Client) Authenticate(ctx context.Context, creds domain.Credentials) error {
	if c.conn == nil || c.features == nil {
		return domain.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	auth := &jingle.Auth{Mechanism: "ANONYMOUS"}
	if creds.Mode == domain.AuthPlain {
		auth.Mechanism = "PLAIN"
		auth.Value = base64.StdEncoding.EncodeToString([]byte("\x00" + creds.Username + "\x00" + creds.Password))
	}
	if !c.features.Mechanisms.Has(auth.Mechanism) {
		return fmt.Errorf("%w: server does not offer %s", domain.ErrAuthFailed, auth.Mechanism)
	}
	if err := c.write(ctx, auth); err != nil {
		return err
	}

	name, frame, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("read sasl result: %w", err)
	}
	switch name.Local {
	case "success":
	case "failure":
		var failure jingle.SASLFailure
		_ = xml.Unmarshal(frame, &failure)
		return fmt.Errorf("%w: %s", domain.ErrAuthFailed, failure.Condition())
	default:
		return fmt.Errorf("unexpected <%s/> during sasl", name.Local)
	}

	features, err := c.openStream(ctx)
	if err != nil {
		return fmt.Errorf("restart stream: %w", err)
	}
	if features.Bind == nil {
		return errors.New("server does not offer resource binding")
	}

	bind := jingle.NewIQ(jingle.IQSet, "", uuid.NewString())
	bind.Bind = &jingle.Bind{Resource: c.cfg.Resource}
	resp, err := c.loginRequest(ctx, bind)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if resp.Bind == nil || resp.Bind.JID == "" {
		return errors.New("bind: server returned no jid")
	}

	if features.Session != nil {
		sess := jingle.NewIQ(jingle.IQSet, "", uuid.NewString())
		sess.Session = &jingle.Empty{}
		if _, err := c.loginRequest(ctx, sess); err != nil {
			c.logger.Debugw("session establishment refused", "error", err)
		}
	}

	c.mu.Lock()
	c.jid = resp.Bind.JID
	c.mu.Unlock()
	c.conn.SetReadDeadline(time.Time{})
	c.online.Store(true)

	go c.readLoop()
	go c.dispatchLoop()
	go c.keepalive()

	c.logger.Debugw("xmpp session online", "jid", resp.Bind.JID, "mechanism", auth.Mechanism)
	return nil
}

func (c *Client) openStream(ctx context.Context) (*jingle.Features, error) {
	open := &jingle.Open{To: c.cfg.Server.Domain, Version: "1.0"}
	if err := c.write(ctx, open); err != nil {
		return nil, err
	}
	if err := c.expect(ctx, "open", nil); err != nil {
		return nil, err
	}
	var features jingle.Features
	if err := c.expect(ctx, "features", &features); err != nil {
		return nil, err
	}
	return &features, nil
}

// loginRequest sends an IQ before the reader goroutine runs and reads its
// answer synchronously.
func (c *Client) loginRequest(ctx context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
	if err := c.write(ctx, iq); err != nil {
		return nil, err
	}
	var resp jingle.IQ
	if err := c.expect(ctx, "iq", &resp); err != nil {
		return nil, err
	}
	if resp.ID != iq.ID {
		return nil, fmt.Errorf("unexpected iq %q while waiting for %q", resp.ID, iq.ID)
	}
	if resp.Type == jingle.IQError {
		return nil, fmt.Errorf("server error: %s", resp.Error.Condition())
	}
	return &resp, nil
}

func (c *Client) expect(ctx context.Context, local string, v interface{}) error {
	name, frame, err := c.readFrame(ctx)
	if err != nil {
		return err
	}
	if name.Local != local {
		return fmt.Errorf("expected <%s/>, got <%s/>", local, name.Local)
	}
	if v == nil {
		return nil
	}
	return xml.Unmarshal(frame, v)
}

func (c *Client) readFrame(ctx context.Context) (xml.Name, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
	}
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return xml.Name{}, nil, err
	}
	name, err := rootName(frame)
	return name, frame, err
}

func rootName(frame []byte) (xml.Name, error) {
	d := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.Name{}, fmt.Errorf("parse frame: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name, nil
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	defer c.shutdown()

	for {
		if c.cfg.PingInterval > 0 {
			c.conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
		}
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.IsBroken() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("xmpp connection lost", "error", err)
			}
			return
		}
		if err := c.route(frame); err != nil {
			if errors.Is(err, errStreamClosed) {
				c.logger.Infow("server closed the xmpp stream")
				return
			}
			c.logger.Debugw("dropping frame", "error", err)
		}
	}
}

func (c *Client) route(frame []byte) error {
	name, err := rootName(frame)
	if err != nil {
		return err
	}
	switch name.Local {
	case "iq":
		var iq jingle.IQ
		if err := xml.Unmarshal(frame, &iq); err != nil {
			return fmt.Errorf("decode iq: %w", err)
		}
		c.routeIQ(&iq)
	case "presence":
		var p jingle.Presence
		if err := xml.Unmarshal(frame, &p); err != nil {
			return fmt.Errorf("decode presence: %w", err)
		}
		c.routePresence(&p)
	case "close":
		return errStreamClosed
	default:
		c.logger.Debugw("ignoring stanza", "element", name.Local)
	}
	return nil
}

func (c *Client) routeIQ(iq *jingle.IQ) {
	switch iq.Type {
	case jingle.IQResult, jingle.IQError:
		c.mu.Lock()
		ch, ok := c.pending[iq.ID]
		delete(c.pending, iq.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debugw("response to unknown request", "id", iq.ID)
			return
		}
		ch <- response{iq: iq}
	case jingle.IQGet, jingle.IQSet:
		if iq.Ping != nil {
			if err := c.Send(context.Background(), jingle.ResultFor(iq)); err != nil {
				c.logger.Debugw("failed to answer ping", "error", err)
			}
			return
		}
		select {
		case c.inbound <- iq:
		case <-c.closed.Watch():
		}
	}
}

func (c *Client) routePresence(p *jingle.Presence) {
	c.mu.Lock()
	ch, ok := c.joins[strings.ToLower(p.From)]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case iq := <-c.inbound:
			c.dispatch(iq)
		case <-c.closed.Watch():
			return
		}
	}
}

func (c *Client) dispatch(iq *jingle.IQ) {
	c.mu.Lock()
	routes := c.routes
	c.mu.Unlock()

	for _, r := range routes {
		if r.match(iq) {
			r.handler(iq)
			return
		}
	}
	if err := c.Send(context.Background(), jingle.ErrorFor(iq, "cancel", "service-unavailable")); err != nil {
		c.logger.Debugw("failed to refuse unhandled iq", "id", iq.ID, "error", err)
	}
}

func (c *Client) keepalive() {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping := jingle.NewIQ(jingle.IQGet, c.cfg.Server.Domain, "")
			ping.Ping = &jingle.Empty{}
			if _, err := c.Request(context.Background(), ping); err != nil {
				c.logger.Warnw("xmpp ping failed", "error", err)
			}
		case <-c.closed.Watch():
			return
		}
	}
}

// RegisterInboundHandler routes matching get/set IQs to handler. The first
// matching registration wins; unmatched requests are refused with
// service-unavailable.
func (c *Client) RegisterInboundHandler(match ports.IQMatcher, handler ports.IQHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = append(c.routes, route{match: match, handler: handler})
}

// JoinChannel enters a MUC room and waits for the room's verdict on the
// nickname.
func (c *Client) JoinChannel(ctx context.Context, room, nickname string) error {
	if !c.online.Load() {
		return domain.ErrNotConnected
	}
	occupant := room + "/" + nickname
	key := strings.ToLower(occupant)
	ch := make(chan *jingle.Presence, 1)

	c.mu.Lock()
	c.joins[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.joins, key)
		c.mu.Unlock()
	}()

	p := jingle.NewPresence(occupant)
	p.MUC = &jingle.MUC{}
	p.Nick = nickname
	if err := c.Send(ctx, p); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case reply := <-ch:
		switch reply.Type {
		case "error":
			cond := reply.Error.Condition()
			if cond == "conflict" {
				return domain.ErrNicknameConflict
			}
			return fmt.Errorf("join %s refused: %s", room, cond)
		case "unavailable":
			return fmt.Errorf("join %s: removed from room", room)
		}
		if !reply.HasStatus(110) {
			c.logger.Debugw("self presence without status 110", "occupant", occupant)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join %s: %w", room, domain.ErrRequestTimeout)
	case <-c.closed.Watch():
		return domain.ErrNotConnected
	}
}

func (c *Client) LeaveChannel(ctx context.Context, room, nickname string) error {
	p := jingle.NewPresence(room + "/" + nickname)
	p.Type = "unavailable"
	return c.Send(ctx, p)
}

// Send writes stanza without waiting for an answer.
func (c *Client) Send(ctx context.Context, stanza interface{}) error {
	if !c.online.Load() || c.closed.IsBroken() {
		return domain.ErrNotConnected
	}
	return c.write(ctx, stanza)
}

// Request sends iq and waits for the matching result or error. Error IQs are
// returned as responses, not as errors.
func (c *Client) Request(ctx context.Context, iq *jingle.IQ) (*jingle.IQ, error) {
	if !c.online.Load() || c.closed.IsBroken() {
		return nil, domain.ErrNotConnected
	}
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[iq.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, iq.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, iq); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.iq, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("iq %s to %s: %w", iq.ID, iq.To, domain.ErrRequestTimeout)
	}
}

func (c *Client) JID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

// Disconnect closes the stream. It never waits for the dispatcher, which may
// be running a handler of the session being stopped.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		if c.online.Load() && !c.closed.IsBroken() {
			if werr := c.write(ctx, &jingle.Close{}); werr != nil {
				c.logger.Debugw("failed to close stream", "error", werr)
			}
		}
		c.closed.Break()
		err = c.conn.Close()
	})
	if !c.online.Load() {
		return err
	}
	select {
	case <-c.readerDone:
	case <-ctx.Done():
	}
	return err
}

// shutdown fails every waiter once the reader is gone.
func (c *Client) shutdown() {
	c.closed.Break()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- response{err: domain.ErrNotConnected}
		delete(c.pending, id)
	}
}

func (c *Client) write(ctx context.Context, stanza interface{}) error {
	b, err := xml.Marshal(stanza)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", stanza, err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write %T: %w", stanza, err)
	}
	return nil
}

var _ ports.SignalingTransport = (*Client)(nil)
