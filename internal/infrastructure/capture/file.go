package capture

import (
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// ivfSource reads VP8 frames from an IVF file.
type ivfSource struct {
	f        *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func openIVF(path string) (sampleSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	duration := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		duration = time.Duration(uint64(time.Second) * uint64(header.TimebaseNumerator) / uint64(header.TimebaseDenominator))
	}
	return &ivfSource{f: f, reader: reader, duration: duration}, nil
}

func (s *ivfSource) next() (sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return sample{}, err
	}
	return sample{data: frame, duration: s.duration}, nil
}

func (s *ivfSource) close() error { return s.f.Close() }

// oggSource reads Opus pages from an Ogg file. A page plays for the
// difference between its granule position and the previous one.
type oggSource struct {
	f           *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

const opusClockRate = 48000

func openOgg(path string) (sampleSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &oggSource{f: f, reader: reader}, nil
}

func (s *oggSource) next() (sample, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if err != nil {
			return sample{}, err
		}
		if header.GranulePosition <= s.lastGranule {
			// Header pages carry no audio.
			continue
		}
		count := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		return sample{
			data:     page,
			duration: time.Duration(count) * time.Second / opusClockRate,
		}, nil
	}
}

func (s *oggSource) close() error { return s.f.Close() }
