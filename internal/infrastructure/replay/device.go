// Package replay sends captured RTP as if it were live: a looper walks an
// rtpdump capture forever and per-source injectors rewrite and pace it.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

var errNoSources = errors.New("capture has no rtp sources")

// DeviceConfig configures one replayed stream.
type DeviceConfig struct {
	Kind   domain.MediaKind
	Source Source
	// PayloadNames names the captured payload types so they can be mapped
	// to the negotiated ones.
	PayloadNames        map[uint8]string
	KeyframeCodec       string
	KeyframePayloadType []uint8
	KeyframeMinDistance int
	RestartMinInterval  time.Duration
	RestartOnFIR        bool
	RestartOnPLI        bool
	RestartOnNACK       bool
	QueueSize           int
	EnqueueTimeout      time.Duration
	ReopenBackoff       time.Duration
	JoinTimeout         time.Duration
	Seed                int64
}

// Device is a capture device backed by a replayed capture. It reacts to
// feedback about its sources by restarting from the last keyframe.
type Device struct {
	cfg    DeviceConfig
	ssrcs  *SSRCMap
	logger *zap.SugaredLogger

	mu     sync.Mutex
	looper *Looper
}

// NewDevice scans the capture once to learn its sources so their rewritten
// SSRCs can be announced before any packet is sent.
func NewDevice(cfg DeviceConfig, logger *zap.SugaredLogger) (*Device, error) {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Int63()
	}
	d := &Device{
		cfg:    cfg,
		ssrcs:  NewSSRCMap(cfg.Seed),
		logger: logger.With("device", "replay", "kind", cfg.Kind),
	}
	if err := d.scan(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) scan() error {
	reader, err := d.cfg.Source.Open()
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer reader.Close()

	var hdr rtp.Header
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("scan capture: %w", err)
		}
		if rec.IsRTCP {
			continue
		}
		if _, err := hdr.Unmarshal(rec.Payload); err != nil {
			continue
		}
		d.ssrcs.Map(hdr.SSRC)
	}
	if len(d.ssrcs.Mapped()) == 0 {
		return errNoSources
	}
	return nil
}

func (d *Device) Kind() domain.MediaKind { return d.cfg.Kind }

func (d *Device) SourceIDs() []uint32 { return d.ssrcs.Mapped() }

// Start begins replaying toward sink.
func (d *Device) Start(ctx context.Context, sink ports.PacketSink, format ports.DeviceFormat) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.looper != nil {
		return nil
	}

	clockRate := format.Codec.ClockRate
	if clockRate == 0 {
		clockRate = 90000
		if d.cfg.Kind == domain.MediaAudio {
			clockRate = 48000
		}
	}

	var detector *KeyframeDetector
	if d.cfg.Kind == domain.MediaVideo && len(d.cfg.KeyframePayloadType) > 0 {
		detector = NewKeyframeDetector(d.cfg.KeyframeCodec, d.cfg.KeyframePayloadType...)
	}

	d.looper = NewLooper(LooperConfig{
		ClockRate:           clockRate,
		QueueSize:           d.cfg.QueueSize,
		EnqueueTimeout:      d.cfg.EnqueueTimeout,
		PayloadTypes:        RemapPayloadTypes(d.cfg.PayloadNames, format.PayloadTypes),
		KeyframeMinDistance: d.cfg.KeyframeMinDistance,
		RestartMinInterval:  d.cfg.RestartMinInterval,
		ReopenBackoff:       d.cfg.ReopenBackoff,
	}, d.cfg.Source, d.ssrcs, detector, sink, d.logger)
	d.looper.Start(ctx)
	d.logger.Infow("replay started", "ssrcs", d.ssrcs.Mapped(), "clock_rate", clockRate)
	return nil
}

// RemapPayloadTypes maps captured payload types to negotiated ones by codec
// name. Unnamed or unnegotiated types are left out and pass unchanged.
func RemapPayloadTypes(names map[uint8]string, negotiated map[string]uint8) map[uint8]uint8 {
	out := make(map[uint8]uint8)
	for pt, name := range names {
		if npt, ok := negotiated[strings.ToLower(name)]; ok && npt != pt {
			out[pt] = npt
		}
	}
	return out
}

// Stop halts the replay and joins its workers with a bounded wait.
func (d *Device) Stop() error {
	d.mu.Lock()
	looper := d.looper
	d.mu.Unlock()
	if looper == nil {
		return nil
	}
	return looper.Stop(d.cfg.JoinTimeout)
}

// Restarts counts feedback-driven restarts.
func (d *Device) Restarts() uint64 {
	d.mu.Lock()
	looper := d.looper
	d.mu.Unlock()
	if looper == nil {
		return 0
	}
	return looper.Restarts()
}

func (d *Device) restart(kind domain.FeedbackType, ssrc uint32) {
	d.mu.Lock()
	looper := d.looper
	d.mu.Unlock()
	if looper == nil {
		return
	}
	if looper.Restart() {
		d.logger.Debugw("restarting from last keyframe", "feedback", kind, "ssrc", ssrc)
	}
}

func (d *Device) OnFIR(ssrc uint32) {
	if d.cfg.RestartOnFIR {
		d.restart(domain.FeedbackFIR, ssrc)
	}
}

func (d *Device) OnPLI(ssrc uint32) {
	if d.cfg.RestartOnPLI {
		d.restart(domain.FeedbackPLI, ssrc)
	}
}

func (d *Device) OnNACK(ssrc uint32, _ []uint16) {
	if d.cfg.RestartOnNACK {
		d.restart(domain.FeedbackNACK, ssrc)
	}
}

var (
	_ ports.CaptureDevice    = (*Device)(nil)
	_ ports.FeedbackListener = (*Device)(nil)
)
