package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"
	"confhammer/pkg/rtpdump"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeCapture writes a two-layer simulcast capture to a temp rtpdump file.
func writeCapture(t *testing.T, records int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.rtpdump")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := rtpdump.NewWriter(f, rtpdump.Header{Start: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	for i := 0; i < records; i++ {
		ssrc := uint32(1111)
		if i%2 == 1 {
			ssrc = 2222
		}
		require.NoError(t, w.WritePacket(rtpdump.Packet{
			Offset:  time.Duration(i) * time.Millisecond,
			Payload: vp8Record(ssrc, i, 3000, i < 2),
		}))
	}
	require.NoError(t, w.WritePacket(rtpdump.Packet{IsRTCP: true, Payload: []byte{0x81, 200, 0, 1, 0, 0, 0, 0}}))
	return path
}

func deviceConfig(path string, seed int64) DeviceConfig {
	return DeviceConfig{
		Kind:                domain.MediaVideo,
		Source:              FileSource(path),
		PayloadNames:        map[uint8]string{100: "VP8"},
		KeyframeCodec:       "vp8",
		KeyframePayloadType: []uint8{100},
		KeyframeMinDistance: 10,
		RestartOnFIR:        true,
		ReopenBackoff:       10 * time.Millisecond,
		JoinTimeout:         time.Second,
		Seed:                seed,
	}
}

func TestConcurrentReplaysAreIndependent(t *testing.T) {
	path := writeCapture(t, 40)
	format := ports.DeviceFormat{
		Codec:        domain.Codec{PayloadType: 96, Name: "VP8", ClockRate: 90000},
		PayloadTypes: map[string]uint8{"vp8": 96},
	}

	var devices []*Device
	var sinks []*recordingSink
	for seed := int64(1); seed <= 2; seed++ {
		d, err := NewDevice(deviceConfig(path, seed), zap.NewNop().Sugar())
		require.NoError(t, err)
		require.Len(t, d.SourceIDs(), 2)
		sink := &recordingSink{}
		require.NoError(t, d.Start(context.Background(), sink, format))
		devices = append(devices, d)
		sinks = append(sinks, sink)
	}
	defer func() {
		for _, d := range devices {
			assert.NoError(t, d.Stop())
		}
	}()

	a, b := devices[0].SourceIDs(), devices[1].SourceIDs()
	assert.NotEqual(t, a[0], a[1])
	for _, id := range a {
		assert.NotContains(t, b, id)
	}

	for _, s := range sinks {
		require.Eventually(t, func() bool { return s.count() >= 10 }, 5*time.Second, 10*time.Millisecond)
	}

	firstSeq := make([]map[uint32]uint16, 2)
	for i, s := range sinks {
		firstSeq[i] = make(map[uint32]uint16)
		for _, p := range s.packets() {
			assert.Contains(t, devices[i].SourceIDs(), p.SSRC)
			assert.Equal(t, uint8(96), p.PayloadType)
			if _, ok := firstSeq[i][p.SSRC]; !ok {
				firstSeq[i][p.SSRC] = p.SequenceNumber
			}
		}
	}
	assert.NotEqual(t, firstSeq[0][a[0]], firstSeq[1][b[0]])
}

func TestDeviceFeedbackToggles(t *testing.T) {
	path := writeCapture(t, 10)
	cfg := deviceConfig(path, 3)
	cfg.RestartOnPLI = false
	d, err := NewDevice(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	// Before Start there is nothing to restart.
	d.OnFIR(1)
	assert.Equal(t, uint64(0), d.Restarts())

	require.NoError(t, d.Start(context.Background(), &recordingSink{}, ports.DeviceFormat{}))
	defer d.Stop()

	d.OnPLI(d.SourceIDs()[0])
	d.OnNACK(d.SourceIDs()[0], []uint16{1})
	assert.Equal(t, uint64(0), d.Restarts())

	d.OnFIR(d.SourceIDs()[0])
	assert.Equal(t, uint64(1), d.Restarts())
}

func TestDeviceRejectsEmptyCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.rtpdump")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = rtpdump.NewWriter(f, rtpdump.Header{})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = NewDevice(deviceConfig(path, 1), zap.NewNop().Sugar())
	assert.ErrorIs(t, err, errNoSources)

	_, err = NewDevice(deviceConfig(filepath.Join(t.TempDir(), "missing"), 1), zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestRemapPayloadTypes(t *testing.T) {
	got := RemapPayloadTypes(
		map[uint8]string{100: "VP8", 111: "opus", 107: "H264"},
		map[string]uint8{"vp8": 96, "opus": 111},
	)
	assert.Equal(t, map[uint8]uint8{100: 96}, got)
}

func TestSSRCMapIsInjectiveAndStable(t *testing.T) {
	m := NewSSRCMap(7)
	seen := make(map[uint32]uint32)
	for orig := uint32(0); orig < 500; orig++ {
		id := m.Map(orig)
		assert.NotZero(t, id)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = orig
	}
	for orig := uint32(0); orig < 500; orig++ {
		id, ok := m.Lookup(orig)
		require.True(t, ok)
		assert.Equal(t, orig, seen[id])
		assert.Equal(t, id, m.Map(orig))
	}
	assert.Len(t, m.Mapped(), 500)
	_, ok := m.Lookup(9999)
	assert.False(t, ok)
}

func TestKeyframeDetection(t *testing.T) {
	vp8 := NewKeyframeDetector("VP8", 100)
	parse := func(raw []byte) *rtp.Packet {
		p := &rtp.Packet{}
		require.NoError(t, p.Unmarshal(raw))
		return p
	}
	assert.True(t, vp8.IsKeyframe(parse(vp8Record(1, 0, 0, true))))
	assert.False(t, vp8.IsKeyframe(parse(vp8Record(1, 0, 0, false))))

	other := parse(vp8Record(1, 0, 0, true))
	other.PayloadType = 101
	assert.False(t, vp8.IsKeyframe(other))

	continuation := parse(vp8Record(1, 0, 0, true))
	continuation.Payload[0] = 0x00
	assert.False(t, vp8.IsKeyframe(continuation))

	var nilDetector *KeyframeDetector
	assert.False(t, nilDetector.IsKeyframe(other))

	h264 := NewKeyframeDetector("h264", 107)
	pkt := func(payload ...byte) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{PayloadType: 107}, Payload: payload}
	}
	assert.True(t, h264.IsKeyframe(pkt(0x65, 0x88)))                   // IDR
	assert.True(t, h264.IsKeyframe(pkt(0x67, 0x42)))                   // SPS
	assert.False(t, h264.IsKeyframe(pkt(0x41, 0x9a)))                  // non-IDR slice
	assert.True(t, h264.IsKeyframe(pkt(0x78, 0x00, 0x02, 0x67, 0x42))) // STAP-A with SPS
	assert.True(t, h264.IsKeyframe(pkt(0x7c, 0x85, 0x88)))             // FU-A start of IDR
	assert.False(t, h264.IsKeyframe(pkt(0x7c, 0x05, 0x88)))            // FU-A continuation
}
