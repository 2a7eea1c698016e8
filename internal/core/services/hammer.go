package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/pkg/circuitbreaker"
	herrors "confhammer/pkg/errors"
	"confhammer/pkg/retry"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Session is one simulated participant as seen by the fleet.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Nickname() string
	Snapshot() domain.SessionSnapshot
}

// SessionFactory builds the session for fleet slot index. It is called again
// for every start retry so a retry never reuses a half-started session.
type SessionFactory func(index int, nickname string) Session

// HammerConfig drives the fleet.
type HammerConfig struct {
	Users          int
	NicknamePrefix string
	// Duration of the run. 0 runs until the context is cancelled.
	Duration time.Duration
	// RampRate is session starts per second. 0 starts as fast as the pool allows.
	RampRate         float64
	StartConcurrency int
	StartRetry       retry.Config
	Breaker          circuitbreaker.Config
	StopTimeout      time.Duration
}

// Hammer owns the fleet of sessions.
type Hammer struct {
	cfg     HammerConfig
	factory SessionFactory
	logger  *zap.SugaredLogger
	breaker *circuitbreaker.CircuitBreaker

	mu       sync.Mutex
	sessions []Session
	failed   int
	lastErr  error
	setupErr error
}

func NewHammer(cfg HammerConfig, factory SessionFactory, logger *zap.SugaredLogger) *Hammer {
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.NicknamePrefix == "" {
		cfg.NicknamePrefix = "hammer"
	}

	h := &Hammer{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		breaker: circuitbreaker.New(cfg.Breaker),
	}
	h.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("start circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return h
}

// Run starts the fleet, keeps it up for the configured duration and stops it.
// It returns an error only for setup failures.
func (h *Hammer) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), h.cfg.StopTimeout)
		defer cancel()
		_ = h.Stop(stopCtx)
		return err
	}

	if h.cfg.Duration > 0 {
		h.logger.Infow("fleet running", "sessions", len(h.Sessions()), "duration", h.cfg.Duration)
		timer := time.NewTimer(h.cfg.Duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	} else {
		h.logger.Infow("fleet running until interrupted", "sessions", len(h.Sessions()))
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), h.cfg.StopTimeout)
	defer cancel()
	return h.Stop(stopCtx)
}

// Start ramps the fleet up. Session failures are logged and counted; only a
// setup error aborts the ramp-up and is returned. A ramp-up that ends with
// no session running is a setup error too, unless ctx was cancelled.
func (h *Hammer) Start(ctx context.Context) error {
	rampCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := rate.Inf
	if h.cfg.RampRate > 0 {
		limit = rate.Limit(h.cfg.RampRate)
	}
	limiter := rate.NewLimiter(limit, 1)
	pool := workerpool.New(h.cfg.StartConcurrency)

	started := time.Now()
	for i := 0; i < h.cfg.Users; i++ {
		if err := limiter.Wait(rampCtx); err != nil {
			break
		}
		if h.breaker.State() == circuitbreaker.StateOpen {
			h.logger.Warnw("ramp-up aborted, too many consecutive start failures",
				"started", i, "failures", h.breaker.Failures())
			break
		}

		index := i
		nickname := fmt.Sprintf("%s-%d", h.cfg.NicknamePrefix, i+1)
		pool.Submit(func() {
			h.startOne(rampCtx, cancel, index, nickname)
		})
	}
	pool.StopWait()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Infow("ramp-up finished",
		"running", len(h.sessions), "failed", h.failed, "took", time.Since(started))
	if h.setupErr != nil {
		return h.setupErr
	}
	if h.cfg.Users > 0 && len(h.sessions) == 0 && ctx.Err() == nil {
		if h.lastErr == nil {
			return herrors.New(herrors.ErrCodeSetup, "no session started")
		}
		return herrors.Setup(h.lastErr, "no session started")
	}
	return nil
}

func (h *Hammer) startOne(ctx context.Context, abort context.CancelFunc, index int, nickname string) {
	retryCfg := h.cfg.StartRetry
	retryCfg.Retryable = func(err error) bool {
		return !herrors.IsFatal(err) && !errors.Is(err, circuitbreaker.ErrOpen)
	}

	var session Session
	err := retry.Do(ctx, retryCfg, func(attempt int) error {
		s := h.factory(index, nickname)
		err := h.breaker.Execute(func() error { return s.Start(ctx) })
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), h.cfg.StopTimeout)
			_ = s.Stop(stopCtx)
			cancel()
			return err
		}
		session = s
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		h.logger.Warnw("session start failed, retrying",
			"nickname", nickname, "attempt", attempt+1, "delay", delay, "error", err)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.failed++
		h.lastErr = err
		if herrors.IsFatal(err) && h.setupErr == nil {
			h.setupErr = err
			abort()
		}
		h.logger.Errorw("session did not start", "nickname", nickname, "error", err)
		return
	}
	h.sessions = append(h.sessions, session)
}

// Stop stops every session in parallel.
func (h *Hammer) Stop(ctx context.Context) error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil {
				h.logger.Warnw("session stop failed", "nickname", s.Nickname(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	h.logger.Infow("fleet stopped", "sessions", len(sessions))
	return nil
}

// Sessions returns the running sessions.
func (h *Hammer) Sessions() []Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Session, len(h.sessions))
	copy(out, h.sessions)
	return out
}

// Snapshots reports every running session.
func (h *Hammer) Snapshots() []domain.SessionSnapshot {
	sessions := h.Sessions()
	out := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Failed is the number of sessions that never started.
func (h *Hammer) Failed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}
