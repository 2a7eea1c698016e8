package replay

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// KeyframeDetector classifies the first packet of a keyframe.
type KeyframeDetector struct {
	payloadTypes map[uint8]struct{}
	codec        string
}

// NewKeyframeDetector inspects packets with one of payloadTypes as codec
// ("vp8" or "h264").
func NewKeyframeDetector(codec string, payloadTypes ...uint8) *KeyframeDetector {
	d := &KeyframeDetector{
		payloadTypes: make(map[uint8]struct{}, len(payloadTypes)),
		codec:        strings.ToLower(codec),
	}
	for _, pt := range payloadTypes {
		d.payloadTypes[pt] = struct{}{}
	}
	return d
}

func (d *KeyframeDetector) IsKeyframe(pkt *rtp.Packet) bool {
	if d == nil {
		return false
	}
	if _, ok := d.payloadTypes[pkt.PayloadType]; !ok {
		return false
	}
	switch d.codec {
	case "vp8":
		return isVP8Keyframe(pkt.Payload)
	case "h264":
		return isH264Keyframe(pkt.Payload)
	}
	return false
}

// A VP8 keyframe starts a partition 0 with the inverse keyframe bit clear.
func isVP8Keyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}

const (
	naluIDR  = 5
	naluSPS  = 7
	naluSTAP = 24
	naluFUA  = 28
)

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	switch t := payload[0] & 0x1f; t {
	case naluIDR, naluSPS:
		return true
	case naluSTAP:
		for off := 1; off+2 < len(payload); {
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if off >= len(payload) {
				break
			}
			if nt := payload[off] & 0x1f; nt == naluIDR || nt == naluSPS {
				return true
			}
			off += size
		}
	case naluFUA:
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1f == naluIDR
	}
	return false
}
