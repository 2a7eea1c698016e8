package replay

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"confhammer/internal/core/ports"
	"confhammer/pkg/rtpdump"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var errLooperNotRunning = errors.New("looper not running")

// PacketReader iterates over captured packets.
type PacketReader interface {
	Next() (rtpdump.Packet, error)
	Close() error
}

// Source opens a fresh pass over a capture.
type Source interface {
	Open() (PacketReader, error)
}

// FileSource reads an rtpdump file.
type FileSource string

type fileReader struct {
	*rtpdump.Reader
	f *os.File
}

func (r *fileReader) Close() error { return r.f.Close() }

func (s FileSource) Open() (PacketReader, error) {
	f, err := os.Open(string(s))
	if err != nil {
		return nil, err
	}
	r, _, err := rtpdump.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileReader{Reader: r, f: f}, nil
}

// LooperConfig tunes the replay loop.
type LooperConfig struct {
	ClockRate      uint32
	QueueSize      int
	EnqueueTimeout time.Duration
	PayloadTypes   map[uint8]uint8
	// KeyframeMinDistance is the number of records within which further
	// keyframes belong to the same burst and do not move the resume point.
	KeyframeMinDistance int
	// RestartMinInterval ignores restarts arriving sooner than this after
	// the previous one.
	RestartMinInterval time.Duration
	ReopenBackoff      time.Duration
}

// cursor is the position of the looper inside the current pass.
type cursor struct {
	index        int
	lastKeyframe int
	lastSeenKey  int
	resumeFrom   int
	stop         bool
}

// Looper replays a capture for the lifetime of a stream. It demultiplexes
// records into one injector per captured SSRC and jumps back to the last
// keyframe when asked to restart.
type Looper struct {
	cfg      LooperConfig
	source   Source
	ssrcs    *SSRCMap
	detector *KeyframeDetector
	sink     ports.PacketSink
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	cur         cursor
	passCancel  context.CancelFunc
	lastRestart time.Time
	injectors   map[uint32]*Injector
	order       []*Injector

	restarts atomic.Uint64
	passes   atomic.Uint64
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  core.Fuse
}

func NewLooper(cfg LooperConfig, source Source, ssrcs *SSRCMap, detector *KeyframeDetector, sink ports.PacketSink, logger *zap.SugaredLogger) *Looper {
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = time.Second
	}
	return &Looper{
		cfg:       cfg,
		source:    source,
		ssrcs:     ssrcs,
		detector:  detector,
		sink:      sink,
		logger:    logger,
		cur:       cursor{lastSeenKey: -1},
		injectors: make(map[uint32]*Injector),
		stopped:   core.NewFuse(),
		done:      make(chan struct{}),
	}
}

// Start moves the looper from Stopped to Running.
func (l *Looper) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Restart stops consumption at the current record. The loop then resumes
// from the last keyframe. It reports false when debounced or not running.
func (l *Looper) Restart() bool {
	if !l.running.Load() || l.stopped.IsBroken() {
		return false
	}
	l.mu.Lock()
	now := time.Now()
	if l.cfg.RestartMinInterval > 0 && !l.lastRestart.IsZero() && now.Sub(l.lastRestart) < l.cfg.RestartMinInterval {
		l.mu.Unlock()
		return false
	}
	l.lastRestart = now
	l.cur.stop = true
	cancel := l.passCancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.restarts.Inc()
	return true
}

func (l *Looper) Restarts() uint64 { return l.restarts.Load() }

// Passes counts completed passes over the capture.
func (l *Looper) Passes() uint64 { return l.passes.Load() }

// Position reports the record cursor and the resume point.
func (l *Looper) Position() (index, lastKeyframe int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur.index, l.cur.lastKeyframe
}

// Injectors lists the injectors in creation order.
func (l *Looper) Injectors() []*Injector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Injector(nil), l.order...)
}

type passResult int

const (
	passEOF passResult = iota
	passRestart
	passError
	passCancelled
)

func (l *Looper) run(ctx context.Context) {
	defer close(l.done)
	for ctx.Err() == nil {
		reader, err := l.source.Open()
		if err != nil {
			l.logger.Warnw("cannot open capture, retrying", "error", err, "backoff", l.cfg.ReopenBackoff)
			if !sleep(ctx, l.cfg.ReopenBackoff) {
				return
			}
			continue
		}

		result := l.pass(ctx, reader)
		_ = reader.Close()

		switch result {
		case passCancelled:
			return
		case passRestart:
			l.restartInjectors()
		case passEOF:
			l.passes.Inc()
			l.rebaseInjectors(ctx)
			l.mu.Lock()
			l.cur = cursor{lastSeenKey: -1}
			l.mu.Unlock()
		case passError:
			// Resume from the last keyframe once the capture reopens. The
			// jump back is a restart as far as the injectors are concerned.
			l.restartInjectors()
			if !sleep(ctx, l.cfg.ReopenBackoff) {
				return
			}
		}
	}
}

func (l *Looper) pass(ctx context.Context, reader PacketReader) passResult {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.passCancel = cancel
	l.cur.resumeFrom = l.cur.lastKeyframe
	l.cur.index = 0
	l.cur.stop = false
	l.mu.Unlock()

	for index := 0; ; index++ {
		rec, err := reader.Next()

		l.mu.Lock()
		stop := l.cur.stop
		l.mu.Unlock()
		if ctx.Err() != nil {
			return passCancelled
		}
		if stop {
			return passRestart
		}
		if errors.Is(err, io.EOF) {
			return passEOF
		}
		if err != nil {
			l.logger.Warnw("capture read failed, ending pass", "record", index, "error", err)
			return passError
		}
		if rec.IsRTCP {
			l.advance(index, false)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(rec.Payload); err != nil {
			l.advance(index, false)
			continue
		}
		l.advance(index, l.detector.IsKeyframe(&pkt))

		l.mu.Lock()
		skip := index < l.cur.resumeFrom
		l.mu.Unlock()
		if skip {
			continue
		}

		inj := l.injectorFor(ctx, pkt.SSRC)
		if err := inj.Enqueue(passCtx, rec.Payload); err != nil {
			if passCtx.Err() != nil {
				continue
			}
			l.logger.Debugw("enqueue failed", "record", index, "error", err)
		}
	}
}

// advance moves the cursor past record index. Keyframes closer than the
// burst distance to the previous one keep the earlier resume point.
func (l *Looper) advance(index int, keyframe bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cur.index = index
	if !keyframe {
		return
	}
	if index < l.cur.resumeFrom {
		return
	}
	inBurst := l.cur.lastSeenKey >= 0 && index-l.cur.lastSeenKey < l.cfg.KeyframeMinDistance
	if !inBurst && index != l.cur.lastKeyframe {
		l.cur.lastKeyframe = index
	}
	l.cur.lastSeenKey = index
}

func (l *Looper) injectorFor(ctx context.Context, orig uint32) *Injector {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inj, ok := l.injectors[orig]; ok {
		return inj
	}
	inj := NewInjector(InjectorConfig{
		SSRC:           l.ssrcs.Map(orig),
		ClockRate:      l.cfg.ClockRate,
		QueueSize:      l.cfg.QueueSize,
		EnqueueTimeout: l.cfg.EnqueueTimeout,
		PayloadTypes:   l.cfg.PayloadTypes,
	}, l.sink, l.logger)
	inj.Start(ctx)
	l.injectors[orig] = inj
	l.order = append(l.order, inj)
	l.logger.Debugw("injector created", "captured_ssrc", orig, "ssrc", inj.SSRC())
	return inj
}

func (l *Looper) restartInjectors() {
	for _, inj := range l.Injectors() {
		inj.Restart()
	}
}

func (l *Looper) rebaseInjectors(ctx context.Context) {
	for _, inj := range l.Injectors() {
		if err := inj.Rebase(ctx); err != nil {
			l.logger.Debugw("rebase failed", "ssrc", inj.SSRC(), "error", err)
		}
	}
}

// Stop halts the loop and every injector, waiting up to timeout in total.
// It is idempotent.
func (l *Looper) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return errLooperNotRunning
	}
	l.stopped.Break()
	if l.cancel != nil {
		l.cancel()
	}

	deadline := time.Now().Add(timeout)
	select {
	case <-l.done:
	case <-time.After(timeout):
		return errors.New("looper did not stop in time")
	}

	var errs []error
	for _, inj := range l.Injectors() {
		errs = append(errs, inj.Stop(time.Until(deadline)))
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
