package capture

import (
	"fmt"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	"confhammer/internal/infrastructure/replay"

	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"
)

const (
	SourceReplay    = "replay"
	SourceFile      = "file"
	SourceSynthetic = "synthetic"
)

// ChooserConfig selects and tunes the devices handed to each stream.
type ChooserConfig struct {
	Source           string
	AudioFile        string
	VideoFile        string
	VideoFPS         int
	SyntheticBitrate int
	// AudioReplay and VideoReplay are used when Source is replay. An empty
	// capture path falls back to a synthetic device.
	AudioReplay replay.DeviceConfig
	VideoReplay replay.DeviceConfig
}

// Chooser builds a fresh device for every stream so sessions never share
// replay or packetizer state.
type Chooser struct {
	cfg    ChooserConfig
	logger *zap.SugaredLogger
}

func NewChooser(cfg ChooserConfig, logger *zap.SugaredLogger) *Chooser {
	if cfg.VideoFPS <= 0 {
		cfg.VideoFPS = 30
	}
	if cfg.SyntheticBitrate <= 0 {
		cfg.SyntheticBitrate = 500_000
	}
	return &Chooser{cfg: cfg, logger: logger}
}

func (c *Chooser) Device(kind domain.MediaKind) (ports.CaptureDevice, error) {
	switch kind {
	case domain.MediaAudio, domain.MediaVideo:
	default:
		return nil, fmt.Errorf("no capture device for %s", kind)
	}

	switch c.cfg.Source {
	case SourceReplay:
		rc := c.cfg.VideoReplay
		if kind == domain.MediaAudio {
			rc = c.cfg.AudioReplay
		}
		if rc.Source != nil {
			rc.Kind = kind
			return replay.NewDevice(rc, c.logger)
		}
	case SourceFile:
		if kind == domain.MediaAudio && c.cfg.AudioFile != "" {
			path := c.cfg.AudioFile
			return newDevice(kind, "opus", opusClockRate, &codecs.OpusPayloader{},
				func() (sampleSource, error) { return openOgg(path) }, c.logger), nil
		}
		if kind == domain.MediaVideo && c.cfg.VideoFile != "" {
			path := c.cfg.VideoFile
			return newDevice(kind, "vp8", 90000, &codecs.VP8Payloader{},
				func() (sampleSource, error) { return openIVF(path) }, c.logger), nil
		}
	}
	return c.synthetic(kind), nil
}

func (c *Chooser) synthetic(kind domain.MediaKind) ports.CaptureDevice {
	if kind == domain.MediaAudio {
		return newDevice(kind, "opus", opusClockRate, &codecs.OpusPayloader{},
			func() (sampleSource, error) { return silenceSource{}, nil }, c.logger)
	}
	fps, bitrate := c.cfg.VideoFPS, c.cfg.SyntheticBitrate
	return newDevice(kind, "vp8", 90000, &codecs.VP8Payloader{},
		func() (sampleSource, error) { return newPatternSource(fps, bitrate), nil }, c.logger)
}

var _ ports.DeviceChooser = (*Chooser)(nil)
