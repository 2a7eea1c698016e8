package replay

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"confhammer/pkg/rtpdump"

	"github.com/pion/rtp"
)

type recordingSink struct {
	mu   sync.Mutex
	pkts []*rtp.Packet
}

func (s *recordingSink) InjectPacket(raw []byte, isRTP bool) error {
	if !isRTP {
		return nil
	}
	p := &rtp.Packet{}
	if err := p.Unmarshal(append([]byte(nil), raw...)); err != nil {
		return err
	}
	s.mu.Lock()
	s.pkts = append(s.pkts, p)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) packets() []*rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*rtp.Packet(nil), s.pkts...)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

// recordIndex reads the record number tests put after the VP8 header.
func recordIndex(p *rtp.Packet) int {
	return int(binary.BigEndian.Uint16(p.Payload[2:4]))
}

// vp8Record builds an RTP packet whose payload starts a VP8 frame and
// carries its own record index.
func vp8Record(ssrc uint32, index int, ts uint32, keyframe bool) []byte {
	frame := byte(0x01)
	if keyframe {
		frame = 0x00
	}
	payload := []byte{0x10, frame, 0, 0}
	binary.BigEndian.PutUint16(payload[2:], uint16(index))
	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: uint16(index), Timestamp: ts, SSRC: ssrc},
		Payload: payload,
	}).Marshal()
	if err != nil {
		panic(err)
	}
	return raw
}

// memSource replays records from memory. onNext runs on the looper
// goroutine before each record is returned.
type memSource struct {
	mu       sync.Mutex
	records  []rtpdump.Packet
	openErrs int
	failAt   int
	opened   int
	onNext   func(pass, index int)
}

func (s *memSource) Open() (PacketReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if s.openErrs > 0 {
		s.openErrs--
		return nil, errors.New("capture unavailable")
	}
	failAt := s.failAt
	s.failAt = -1
	return &memReader{src: s, pass: s.opened, failAt: failAt}, nil
}

type memReader struct {
	src    *memSource
	pass   int
	index  int
	failAt int
}

func (r *memReader) Next() (rtpdump.Packet, error) {
	if r.index >= len(r.src.records) {
		return rtpdump.Packet{}, io.EOF
	}
	if r.failAt >= 0 && r.index == r.failAt {
		return rtpdump.Packet{}, errors.New("disk error")
	}
	if r.src.onNext != nil {
		r.src.onNext(r.pass, r.index)
	}
	rec := r.src.records[r.index]
	r.index++
	return rec, nil
}

func (r *memReader) Close() error { return nil }
