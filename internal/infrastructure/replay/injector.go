package replay

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// InjectorConfig describes one rewritten source.
type InjectorConfig struct {
	SSRC      uint32
	ClockRate uint32
	QueueSize int
	// EnqueueTimeout is how long a producer blocks on a full queue before
	// the packet is dropped.
	EnqueueTimeout time.Duration
	// PayloadTypes rewrites captured payload types to negotiated ones.
	PayloadTypes map[uint8]uint8
}

type queued struct {
	raw    []byte
	gen    uint64
	rebase bool
}

// Injector paces the packets of one source and rewrites SSRC, sequence
// number, timestamp and payload type before handing them to the stream.
// The rewrite state is owned by the run goroutine.
type Injector struct {
	cfg    InjectorConfig
	sink   ports.PacketSink
	logger *zap.SugaredLogger

	queue     chan queued
	restartCh chan struct{}
	gen       atomic.Uint64

	// run goroutine state
	seq        uint16
	tsBase     uint32
	firstTS    uint32
	haveFirst  bool
	lastDelta  uint32
	lastStep   uint32
	wallStart  time.Time
	appliedGen uint64

	emitted atomic.Uint64
	lastSeq atomic.Uint32
	lastTS  atomic.Uint32
	dropped atomic.Uint64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewInjector(cfg InjectorConfig, sink ports.PacketSink, logger *zap.SugaredLogger) *Injector {
	return newInjector(cfg, sink, logger, uint16(rand.Uint32()), rand.Uint32())
}

func newInjector(cfg InjectorConfig, sink ports.PacketSink, logger *zap.SugaredLogger, seqBase uint16, tsBase uint32) *Injector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 90000
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 500 * time.Millisecond
	}
	return &Injector{
		cfg:       cfg,
		sink:      sink,
		logger:    logger.With("ssrc", cfg.SSRC),
		queue:     make(chan queued, cfg.QueueSize),
		restartCh: make(chan struct{}, 1),
		seq:       seqBase,
		tsBase:    tsBase,
		done:      make(chan struct{}),
	}
}

func (i *Injector) SSRC() uint32 { return i.cfg.SSRC }

// Start launches the run goroutine.
func (i *Injector) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	go i.run(ctx)
}

// Enqueue blocks while the queue is full, up to the configured tolerance,
// and returns ErrQueueFull when it gives up. ctx interrupts the wait.
func (i *Injector) Enqueue(ctx context.Context, raw []byte) error {
	return i.put(ctx, queued{raw: raw, gen: i.gen.Load()})
}

// Rebase marks the end of a pass over the capture. Packets after the marker
// continue the rewritten timeline one frame after the last packet before it.
func (i *Injector) Rebase(ctx context.Context) error {
	return i.put(ctx, queued{rebase: true, gen: i.gen.Load()})
}

func (i *Injector) put(ctx context.Context, q queued) error {
	select {
	case <-i.done:
		return domain.ErrInjectorClosed
	default:
	}

	select {
	case i.queue <- q:
		return nil
	default:
	}

	timer := time.NewTimer(i.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case i.queue <- q:
		return nil
	case <-timer.C:
		i.dropped.Inc()
		return domain.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return domain.ErrInjectorClosed
	}
}

// Restart drops everything queued. The next packet starts a new segment of
// the rewritten timeline at base plus the last delta, so timestamps keep
// moving forward across the skip.
func (i *Injector) Restart() {
	i.gen.Inc()
	for {
		select {
		case <-i.queue:
			continue
		default:
		}
		break
	}
	select {
	case i.restartCh <- struct{}{}:
	default:
	}
}

func (i *Injector) run(ctx context.Context) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.restartCh:
			i.catchUp()
		case q := <-i.queue:
			i.catchUp()
			if q.gen < i.appliedGen {
				continue
			}
			if q.rebase {
				i.rebase()
				continue
			}
			i.emit(ctx, q)
		}
	}
}

// catchUp applies a pending Restart once, however many were requested.
func (i *Injector) catchUp() {
	gen := i.gen.Load()
	if gen == i.appliedGen {
		return
	}
	i.appliedGen = gen
	i.tsBase += i.lastDelta
	i.resetSegment()
}

func (i *Injector) rebase() {
	i.tsBase += i.lastDelta + i.lastStep
	i.resetSegment()
}

func (i *Injector) resetSegment() {
	i.haveFirst = false
	i.lastDelta = 0
}

func (i *Injector) emit(ctx context.Context, q queued) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(q.raw); err != nil {
		i.logger.Debugw("skipping malformed rtp", "error", err)
		return
	}

	if !i.haveFirst {
		i.firstTS = pkt.Timestamp
		i.haveFirst = true
		i.wallStart = time.Now()
	}
	delta := pkt.Timestamp - i.firstTS
	// A captured timestamp behind the last emitted one would move the
	// rewritten clock backwards; hold it at the last delta instead.
	if int32(delta-i.lastDelta) < 0 {
		delta = i.lastDelta
	}

	due := i.wallStart.Add(time.Duration(uint64(delta) * uint64(time.Second) / uint64(i.cfg.ClockRate)))
	if wait := time.Until(due); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
	pace:
		for {
			select {
			case <-timer.C:
				break pace
			case <-ctx.Done():
				return
			case <-i.restartCh:
				i.catchUp()
				if q.gen < i.appliedGen {
					return
				}
			}
		}
	}

	if delta > i.lastDelta {
		i.lastStep = delta - i.lastDelta
	}
	i.lastDelta = delta

	pkt.SSRC = i.cfg.SSRC
	pkt.SequenceNumber = i.seq
	pkt.Timestamp = i.tsBase + delta
	if pt, ok := i.cfg.PayloadTypes[pkt.PayloadType]; ok {
		pkt.PayloadType = pt
	}
	raw, err := pkt.Marshal()
	if err != nil {
		i.logger.Debugw("marshal rtp", "error", err)
		return
	}
	i.seq++

	if err := i.sink.InjectPacket(raw, true); err != nil && !errors.Is(err, domain.ErrStreamNotConnected) {
		i.logger.Debugw("inject failed", "error", err)
	}
	i.emitted.Inc()
	i.lastSeq.Store(uint32(pkt.SequenceNumber))
	i.lastTS.Store(pkt.Timestamp)
}

// Emitted is the number of packets handed to the stream.
func (i *Injector) Emitted() uint64 { return i.emitted.Load() }

func (i *Injector) Dropped() uint64 { return i.dropped.Load() }

// Last reports the most recently emitted sequence number and timestamp.
func (i *Injector) Last() (seq uint16, ts uint32) {
	return uint16(i.lastSeq.Load()), i.lastTS.Load()
}

// Stop cancels the run goroutine and waits up to timeout for it to exit.
func (i *Injector) Stop(timeout time.Duration) error {
	i.stopOnce.Do(func() {
		if i.cancel != nil {
			i.cancel()
		} else {
			close(i.done)
		}
	})
	select {
	case <-i.done:
		return nil
	case <-time.After(timeout):
		return errors.New("injector did not stop in time")
	}
}
