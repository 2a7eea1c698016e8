package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/pkg/rtpdump"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func capture(n int, keyframes ...int) []rtpdump.Packet {
	return timedCapture(n, 0, keyframes...)
}

// timedCapture spaces records step ticks apart, starting at 9000.
func timedCapture(n int, step uint32, keyframes ...int) []rtpdump.Packet {
	keys := make(map[int]bool)
	for _, k := range keyframes {
		keys[k] = true
	}
	records := make([]rtpdump.Packet, n)
	for i := range records {
		records[i] = rtpdump.Packet{Payload: vp8Record(0xabcd, i, 9000+uint32(i)*step, keys[i])}
	}
	return records
}

func newTestLooper(src Source, sink *recordingSink, cfg LooperConfig) *Looper {
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 90000
	}
	if cfg.ReopenBackoff == 0 {
		cfg.ReopenBackoff = 10 * time.Millisecond
	}
	return NewLooper(cfg, src, NewSSRCMap(1), NewKeyframeDetector("vp8", 100), sink, zap.NewNop().Sugar())
}

// firstDrop returns the index of the first packet whose record index is
// lower than the one before it.
func firstDrop(pkts []int) int {
	for i := 1; i < len(pkts); i++ {
		if pkts[i] < pkts[i-1] {
			return i
		}
	}
	return -1
}

func indexes(sink *recordingSink) []int {
	var out []int
	for _, p := range sink.packets() {
		out = append(out, recordIndex(p))
	}
	return out
}

func TestLooperRestartResumesFromLastKeyframe(t *testing.T) {
	src := &memSource{records: capture(600, 0, 300, 480, 483), failAt: -1}
	sink := &recordingSink{}
	l := newTestLooper(src, sink, LooperConfig{KeyframeMinDistance: 10})

	var once sync.Once
	src.onNext = func(pass, index int) {
		if pass == 1 && index == 500 {
			once.Do(func() { assert.True(t, l.Restart()) })
		}
	}

	l.Start(context.Background())
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool {
		got := indexes(sink)
		d := firstDrop(got)
		return d > 0 && len(got) > d+40
	}, 5*time.Second, 10*time.Millisecond)

	got := indexes(sink)
	d := firstDrop(got)
	for _, idx := range got[:d] {
		assert.Less(t, idx, 500)
	}
	assert.Equal(t, 480, got[d])
	for i := d + 1; i < d+40; i++ {
		assert.Equal(t, got[i-1]+1, got[i])
	}

	_, lastKey := l.Position()
	assert.Equal(t, 480, lastKey)
	assert.Equal(t, uint64(1), l.Restarts())
	assert.Len(t, l.Injectors(), 1)
}

func TestLooperKeyframeBurstKeepsFirst(t *testing.T) {
	l := newTestLooper(&memSource{}, &recordingSink{}, LooperConfig{KeyframeMinDistance: 10})

	steps := []struct {
		index    int
		keyframe bool
		want     int
	}{
		{0, true, 0},
		{120, false, 0},
		{300, true, 300},
		{305, true, 300},
		{309, true, 300},
		{330, true, 330},
	}
	for _, s := range steps {
		l.advance(s.index, s.keyframe)
		_, key := l.Position()
		assert.Equal(t, s.want, key, "after record %d", s.index)
	}
}

func TestLooperWrapsAroundAndRebases(t *testing.T) {
	src := &memSource{records: capture(20, 0), failAt: -1}
	sink := &recordingSink{}
	l := newTestLooper(src, sink, LooperConfig{})
	l.Start(context.Background())
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool { return sink.count() >= 45 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, l.Passes(), uint64(2))

	pkts := sink.packets()
	for i := 1; i < len(pkts); i++ {
		assert.Equal(t, pkts[i-1].SequenceNumber+1, pkts[i].SequenceNumber)
		assert.GreaterOrEqual(t, int32(pkts[i].Timestamp-pkts[i-1].Timestamp), int32(0))
	}
}

func TestLooperReopensAfterErrors(t *testing.T) {
	src := &memSource{records: capture(10, 0), openErrs: 2, failAt: 4}
	sink := &recordingSink{}
	l := newTestLooper(src, sink, LooperConfig{})
	l.Start(context.Background())
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool { return sink.count() >= 15 }, 5*time.Second, 10*time.Millisecond)
	src.mu.Lock()
	assert.GreaterOrEqual(t, src.opened, 4)
	src.mu.Unlock()
}

func TestLooperRestartDebounce(t *testing.T) {
	src := &memSource{records: capture(50, 0), failAt: -1}
	l := newTestLooper(src, &recordingSink{}, LooperConfig{RestartMinInterval: time.Hour})

	assert.False(t, l.Restart(), "not running")
	l.Start(context.Background())
	assert.True(t, l.Restart())
	assert.False(t, l.Restart())
	assert.Equal(t, uint64(1), l.Restarts())

	require.NoError(t, l.Stop(time.Second))
	require.NoError(t, l.Stop(time.Second))
	assert.False(t, l.Restart())
	for _, inj := range l.Injectors() {
		assert.ErrorIs(t, inj.Enqueue(context.Background(), nil), domain.ErrInjectorClosed)
	}
}

// assertTimeline checks that rewritten timestamps never go backwards and
// that consecutive records of one pass keep their captured spacing.
func assertTimeline(t *testing.T, sink *recordingSink, step uint32) {
	t.Helper()
	pkts := sink.packets()
	for i := 1; i < len(pkts); i++ {
		diff := int32(pkts[i].Timestamp - pkts[i-1].Timestamp)
		assert.GreaterOrEqual(t, diff, int32(0), "packet %d", i)
		if recordIndex(pkts[i]) == recordIndex(pkts[i-1])+1 {
			assert.Equal(t, int32(step), diff, "packet %d", i)
		}
	}
}

// waitEmitted blocks the reading goroutine until n packets reached the sink.
func waitEmitted(t *testing.T, sink *recordingSink, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, sink.count(), n)
}

func TestLooperRestartKeepsTimestampsMonotonic(t *testing.T) {
	src := &memSource{records: timedCapture(20, 900, 0, 10), failAt: -1}
	sink := &recordingSink{}
	l := newTestLooper(src, sink, LooperConfig{KeyframeMinDistance: 1})

	src.onNext = func(pass, index int) {
		if pass == 1 && index == 15 {
			waitEmitted(t, sink, 14)
			assert.True(t, l.Restart())
		}
	}

	l.Start(context.Background())
	defer l.Stop(time.Second)

	require.Eventually(t, func() bool {
		got := indexes(sink)
		d := firstDrop(got)
		return d > 0 && len(got) > d+5
	}, 5*time.Second, 10*time.Millisecond)

	got := indexes(sink)
	assert.Equal(t, 10, got[firstDrop(got)])
	assertTimeline(t, sink, 900)
}

func TestLooperResumeAfterReadErrorKeepsTimestampsMonotonic(t *testing.T) {
	src := &memSource{records: timedCapture(10, 900, 0, 5), failAt: 9}
	sink := &recordingSink{}
	l := newTestLooper(src, sink, LooperConfig{KeyframeMinDistance: 1})

	src.onNext = func(pass, index int) {
		if pass == 1 && index == 8 {
			waitEmitted(t, sink, 8)
		}
	}

	l.Start(context.Background())
	defer l.Stop(time.Second)

	// The read error on record 9 sends the loop back to keyframe 5, then
	// the capture wraps around at EOF.
	require.Eventually(t, func() bool {
		got := indexes(sink)
		drops := 0
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				drops++
			}
		}
		return drops >= 2 && got[len(got)-1] >= 3
	}, 5*time.Second, 10*time.Millisecond)

	got := indexes(sink)
	assert.Equal(t, 5, got[firstDrop(got)])
	assertTimeline(t, sink, 900)

	pkts := sink.packets()
	for i := 1; i < len(pkts); i++ {
		if recordIndex(pkts[i]) == 0 && recordIndex(pkts[i-1]) == 9 {
			assert.Equal(t, uint32(900), pkts[i].Timestamp-pkts[i-1].Timestamp, "rebase keeps one frame of spacing")
		}
	}
}
