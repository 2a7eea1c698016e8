package media

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"

	"github.com/pion/sdp/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// restartCounter is implemented by devices that restart their source on
// feedback, e.g. a replay jumping back to a keyframe.
type restartCounter interface {
	Restarts() uint64
}

// Stream sends one media kind. Packets come from its capture device and go
// out through the shared DTLS-SRTP transport of its ICE connection.
type Stream struct {
	engine *Engine
	kind   domain.MediaKind
	logger *zap.SugaredLogger
	ssrc   uint32

	mu        sync.RWMutex
	device    ports.CaptureDevice
	codec     domain.Codec
	direction sdp.Direction
	dynamic   map[uint8]domain.Codec
	exts      []sdp.ExtMap
	pair      domain.SocketPair
	target    net.Addr
	listeners []ports.FeedbackListener
	transport *Transport
	cancel    context.CancelFunc

	security *security
	started  atomic.Bool
	closed   atomic.Bool

	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	rtcpSent        atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	firs            atomic.Uint64
	plis            atomic.Uint64
	nacks           atomic.Uint64
}

func newStream(engine *Engine, kind domain.MediaKind, logger *zap.SugaredLogger) *Stream {
	s := &Stream{
		engine:    engine,
		kind:      kind,
		logger:    logger,
		ssrc:      rand.Uint32(),
		direction: sdp.DirectionSendRecv,
		dynamic:   make(map[uint8]domain.Codec),
	}
	s.security = &security{stream: s}
	return s
}

func (s *Stream) Kind() domain.MediaKind { return s.kind }

// SetDevice attaches the capture device. A device that also listens for
// feedback is registered as a listener.
func (s *Stream) SetDevice(dev ports.CaptureDevice) {
	s.mu.Lock()
	s.device = dev
	s.mu.Unlock()
	if l, ok := dev.(ports.FeedbackListener); ok {
		s.AddFeedbackListener(l)
	}
}

func (s *Stream) SetFormat(codec domain.Codec) {
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()
}

func (s *Stream) SetDirection(dir sdp.Direction) {
	s.mu.Lock()
	s.direction = dir
	s.mu.Unlock()
}

func (s *Stream) AddDynamicPayloadType(pt uint8, codec domain.Codec) {
	s.mu.Lock()
	s.dynamic[pt] = codec
	s.mu.Unlock()
}

func (s *Stream) AddRTPExtension(ext sdp.ExtMap) {
	s.mu.Lock()
	s.exts = append(s.exts, ext)
	s.mu.Unlock()
}

func (s *Stream) SetConnector(pair domain.SocketPair) {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
}

// SetTarget records the remote address. The ICE connection is already bound
// to it.
func (s *Stream) SetTarget(remote net.Addr) {
	s.mu.Lock()
	s.target = remote
	s.mu.Unlock()
}

func (s *Stream) SecurityControl() ports.SecurityControl { return s.security }

func (s *Stream) LocalSourceID() uint32 {
	return s.LocalSourceIDs()[0]
}

func (s *Stream) LocalSourceIDs() []uint32 {
	s.mu.RLock()
	dev := s.device
	s.mu.RUnlock()
	if dev != nil {
		if ids := dev.SourceIDs(); len(ids) > 0 {
			return ids
		}
	}
	return []uint32{s.ssrc}
}

// Format describes the negotiated session to a capture device.
func (s *Stream) Format() ports.DeviceFormat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := make(map[string]uint8, len(s.dynamic)+1)
	for pt, c := range s.dynamic {
		pts[strings.ToLower(c.Name)] = pt
	}
	if s.codec.Name != "" {
		pts[strings.ToLower(s.codec.Name)] = s.codec.PayloadType
	}
	return ports.DeviceFormat{Codec: s.codec, PayloadTypes: pts}
}

func sends(dir sdp.Direction) bool {
	return dir == sdp.DirectionSendRecv || dir == sdp.DirectionSendOnly
}

// Start begins capture. The device keeps running until Close; the context
// only bounds the start itself.
func (s *Stream) Start(ctx context.Context) error {
	if s.closed.Load() {
		return domain.ErrSessionStopped
	}
	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		return domain.ErrStreamNotConnected
	}
	dev := s.device
	dir := s.direction
	s.mu.Unlock()

	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if dev == nil || !sends(dir) {
		s.logger.Debugw("stream started without capture", "direction", dir.String(), "device", dev != nil)
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := dev.Start(runCtx, s, s.Format()); err != nil {
		cancel()
		return err
	}
	s.logger.Infow("stream started", "ssrcs", s.LocalSourceIDs(), "codec", s.Format().Codec.Name)
	return nil
}

// InjectPacket sends a raw RTP or RTCP packet.
func (s *Stream) InjectPacket(raw []byte, isRTP bool) error {
	if s.closed.Load() || !s.started.Load() {
		return domain.ErrStreamNotConnected
	}
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return domain.ErrStreamNotConnected
	}

	if isRTP {
		n, err := t.WriteRTP(raw)
		if err != nil {
			return err
		}
		s.packetsSent.Inc()
		s.bytesSent.Add(uint64(n))
		return nil
	}
	if _, err := t.WriteRTCP(raw); err != nil {
		return err
	}
	s.rtcpSent.Inc()
	return nil
}

func (s *Stream) AddFeedbackListener(l ports.FeedbackListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Stream) ownsSource(ssrc uint32) bool {
	for _, id := range s.LocalSourceIDs() {
		if id == ssrc {
			return true
		}
	}
	return false
}

func (s *Stream) acceptsPayloadType(pt uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.codec.Name != "" && s.codec.PayloadType == pt {
		return true
	}
	_, ok := s.dynamic[pt]
	return ok
}

func (s *Stream) onReceive(size int) {
	s.packetsReceived.Inc()
	s.bytesReceived.Add(uint64(size))
}

func (s *Stream) onFeedback(kind domain.FeedbackType, ssrc uint32, seqs []uint16) {
	switch kind {
	case domain.FeedbackFIR:
		s.firs.Inc()
	case domain.FeedbackPLI:
		s.plis.Inc()
	case domain.FeedbackNACK:
		s.nacks.Inc()
	}

	s.mu.RLock()
	listeners := append([]ports.FeedbackListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		switch kind {
		case domain.FeedbackFIR:
			l.OnFIR(ssrc)
		case domain.FeedbackPLI:
			l.OnPLI(ssrc)
		case domain.FeedbackNACK:
			l.OnNACK(ssrc, seqs)
		}
	}
}

func (s *Stream) Stats() domain.StreamStats {
	st := domain.StreamStats{
		Kind:            s.kind,
		SSRC:            s.LocalSourceID(),
		PacketsSent:     s.packetsSent.Load(),
		BytesSent:       s.bytesSent.Load(),
		RTCPSent:        s.rtcpSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		FIRs:            s.firs.Load(),
		PLIs:            s.plis.Load(),
		NACKs:           s.nacks.Load(),
	}
	s.mu.RLock()
	dev := s.device
	s.mu.RUnlock()
	if rc, ok := dev.(restartCounter); ok {
		st.Restarts = rc.Restarts()
	}
	return st
}

// Close stops the device. The transport belongs to the engine.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	dev := s.device
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dev != nil && s.started.Load() {
		return dev.Stop()
	}
	return nil
}

// security is the DTLS-SRTP side of a stream.
type security struct {
	stream *Stream

	mu     sync.Mutex
	remote []domain.Fingerprint
}

func (c *security) SetRemoteFingerprints(fps []domain.Fingerprint) {
	c.mu.Lock()
	c.remote = append([]domain.Fingerprint(nil), fps...)
	c.mu.Unlock()
}

func (c *security) LocalFingerprint() domain.Fingerprint {
	return c.stream.engine.LocalFingerprint()
}

// Start binds the stream to the transport of its connection and completes
// the handshake, which bundled streams share.
func (c *security) Start(ctx context.Context, kind domain.MediaKind) error {
	s := c.stream
	s.mu.RLock()
	conn := s.pair.RTP
	s.mu.RUnlock()
	if conn == nil {
		return domain.ErrStreamNotConnected
	}

	t, err := s.engine.transportFor(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()

	if err := t.Handshake(ctx, remote); err != nil {
		return errors.Join(domain.ErrConnectivityFailed, err)
	}
	t.attach(s)

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	s.logger.Debugw("srtp ready", "kind", kind)
	return nil
}

var (
	_ ports.MediaStream     = (*Stream)(nil)
	_ ports.SecurityControl = (*security)(nil)
	_ receiver              = (*Stream)(nil)
)
