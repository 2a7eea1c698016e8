// Package capture provides live capture devices: synthetic generators and
// file readers whose samples are packetized to RTP as they are produced.
package capture

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	mtu         = 1200
	stopTimeout = 2 * time.Second
)

// sample is one encoded frame and how long it plays.
type sample struct {
	data     []byte
	duration time.Duration
}

// sampleSource yields samples until io.EOF, after which the device opens a
// fresh one.
type sampleSource interface {
	next() (sample, error)
	close() error
}

type closedSource struct{}

func (closedSource) next() (sample, error) { return sample{}, io.EOF }
func (closedSource) close() error          { return nil }

// keyframeSource can be asked to emit a keyframe next.
type keyframeSource interface {
	requestKeyframe()
}

type sourceFactory func() (sampleSource, error)

// Device paces samples from its source and packetizes them for one SSRC.
type Device struct {
	kind      domain.MediaKind
	codec     string
	clockRate uint32
	payloader rtp.Payloader
	open      sourceFactory
	ssrc      uint32
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	source   sampleSource
	cancel   context.CancelFunc
	done     chan struct{}
	sent     atomic.Uint64
	restarts atomic.Uint64
}

func newDevice(kind domain.MediaKind, codec string, clockRate uint32, payloader rtp.Payloader, open sourceFactory, logger *zap.SugaredLogger) *Device {
	return &Device{
		kind:      kind,
		codec:     codec,
		clockRate: clockRate,
		payloader: payloader,
		open:      open,
		ssrc:      rand.Uint32(),
		logger:    logger.With("kind", kind, "codec", codec),
	}
}

func (d *Device) Kind() domain.MediaKind { return d.kind }

func (d *Device) SourceIDs() []uint32 { return []uint32{d.ssrc} }

// Start opens the source and runs the pacing loop until Stop.
func (d *Device) Start(ctx context.Context, sink ports.PacketSink, format ports.DeviceFormat) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}

	pt, ok := format.PayloadTypes[strings.ToLower(d.codec)]
	if !ok {
		pt = format.Codec.PayloadType
	}
	src, err := d.open()
	if err != nil {
		return err
	}
	d.source = src

	packetizer := rtp.NewPacketizer(mtu, pt, d.ssrc, d.payloader, rtp.NewRandomSequencer(), d.clockRate)
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx, sink, packetizer)
	return nil
}

func (d *Device) run(ctx context.Context, sink ports.PacketSink, packetizer rtp.Packetizer) {
	defer close(d.done)
	ticker := time.NewTimer(0)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s, err := d.nextSample()
		if err != nil {
			d.logger.Warnw("capture source failed", "error", err)
			return
		}
		samples := uint32((uint64(s.duration)*uint64(d.clockRate) + uint64(time.Second)/2) / uint64(time.Second))
		for _, pkt := range packetizer.Packetize(s.data, samples) {
			raw, err := pkt.Marshal()
			if err != nil {
				continue
			}
			if err := sink.InjectPacket(raw, true); err != nil && !errors.Is(err, domain.ErrStreamNotConnected) {
				d.logger.Debugw("inject failed", "error", err)
			}
			d.sent.Inc()
		}
		ticker.Reset(s.duration)
	}
}

// nextSample loops the source forever, reopening it at EOF.
func (d *Device) nextSample() (sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		s, err := d.source.next()
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, io.EOF) {
			return sample{}, err
		}
		_ = d.source.close()
		src, err := d.open()
		if err != nil {
			d.source = closedSource{}
			return sample{}, err
		}
		d.source = src
	}
	return sample{}, io.ErrUnexpectedEOF
}

// Stop halts the pacing loop.
func (d *Device) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		return errors.New("capture device did not stop in time")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source.close()
}

// Sent counts packets handed to the stream.
func (d *Device) Sent() uint64 { return d.sent.Load() }

func (d *Device) Restarts() uint64 { return d.restarts.Load() }

func (d *Device) requestKeyframe() {
	d.mu.Lock()
	src := d.source
	d.mu.Unlock()
	if k, ok := src.(keyframeSource); ok {
		k.requestKeyframe()
		d.restarts.Inc()
	}
}

func (d *Device) OnFIR(uint32)            { d.requestKeyframe() }
func (d *Device) OnPLI(uint32)            { d.requestKeyframe() }
func (d *Device) OnNACK(uint32, []uint16) {}

var (
	_ ports.CaptureDevice    = (*Device)(nil)
	_ ports.FeedbackListener = (*Device)(nil)
)
