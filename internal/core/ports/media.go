package ports

import (
	"context"
	"net"

	"confhammer/internal/core/domain"

	"github.com/pion/sdp/v3"
)

// PacketSink receives raw RTP or RTCP packets for transmission.
type PacketSink interface {
	InjectPacket(raw []byte, isRTP bool) error
}

// FeedbackListener is notified of congestion feedback about a local source.
type FeedbackListener interface {
	OnFIR(ssrc uint32)
	OnPLI(ssrc uint32)
	OnNACK(ssrc uint32, seqs []uint16)
}

// DeviceFormat is what a capture device needs to know about the negotiated
// session before it starts emitting.
type DeviceFormat struct {
	Codec domain.Codec
	// PayloadTypes maps lower-case codec names to the session payload types.
	PayloadTypes map[string]uint8
}

// CaptureDevice produces the packets of one media stream.
type CaptureDevice interface {
	Kind() domain.MediaKind
	// SourceIDs are the SSRCs the device emits, fixed at construction.
	SourceIDs() []uint32
	Start(ctx context.Context, sink PacketSink, format DeviceFormat) error
	// Stop halts production and waits a bounded time for workers to exit.
	Stop() error
}

// DeviceChooser builds a fresh device per stream.
type DeviceChooser interface {
	Device(kind domain.MediaKind) (CaptureDevice, error)
}

// SecurityControl is the DTLS-SRTP layer of a stream.
type SecurityControl interface {
	SetRemoteFingerprints(fps []domain.Fingerprint)
	LocalFingerprint() domain.Fingerprint
	Start(ctx context.Context, kind domain.MediaKind) error
}

// MediaStream sends one media kind over a connected transport.
type MediaStream interface {
	PacketSink

	Kind() domain.MediaKind
	SetDevice(dev CaptureDevice)
	SetFormat(codec domain.Codec)
	SetDirection(dir sdp.Direction)
	AddDynamicPayloadType(pt uint8, codec domain.Codec)
	AddRTPExtension(ext sdp.ExtMap)
	SetConnector(pair domain.SocketPair)
	SetTarget(remote net.Addr)
	SecurityControl() SecurityControl
	// LocalSourceID is the primary SSRC. LocalSourceIDs includes every SSRC
	// the device emits, e.g. simulcast layers of a replay.
	LocalSourceID() uint32
	LocalSourceIDs() []uint32
	Start(ctx context.Context) error
	Close() error
	AddFeedbackListener(l FeedbackListener)
	Stats() domain.StreamStats
}

// MediaEngine creates the streams of one session and owns the session
// certificate.
type MediaEngine interface {
	NewStream(kind domain.MediaKind) (MediaStream, error)
	LocalFingerprint() domain.Fingerprint
	Close() error
}

// MediaEngineFactory creates one engine per negotiation.
type MediaEngineFactory func() (MediaEngine, error)
