package capture

import (
	"time"

	"go.uber.org/atomic"
)

// opusSilence is a 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type silenceSource struct{}

func (silenceSource) next() (sample, error) {
	return sample{data: opusSilence, duration: 20 * time.Millisecond}, nil
}

func (silenceSource) close() error { return nil }

// patternSource emits fixed-size VP8-shaped frames at the target bitrate.
// Every keyframeInterval frames, and on request, the frame is a keyframe.
type patternSource struct {
	fps              int
	frameSize        int
	keyframeInterval int

	frame    int
	forceKey atomic.Bool
}

func newPatternSource(fps, bitrate int) *patternSource {
	size := bitrate / 8 / fps
	if size < 16 {
		size = 16
	}
	return &patternSource{fps: fps, frameSize: size, keyframeInterval: fps * 2}
}

func (p *patternSource) next() (sample, error) {
	key := p.frame%p.keyframeInterval == 0 || p.forceKey.CompareAndSwap(true, false)
	p.frame++

	data := make([]byte, p.frameSize)
	for i := range data {
		data[i] = byte(p.frame + i)
	}
	// Bit 0 of the VP8 frame tag is the inverted keyframe flag.
	if key {
		data[0] &^= 0x01
	} else {
		data[0] |= 0x01
	}
	return sample{data: data, duration: time.Second / time.Duration(p.fps)}, nil
}

func (p *patternSource) close() error { return nil }

func (p *patternSource) requestKeyframe() { p.forceKey.Store(true) }
