package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"confhammer/internal/core/domain"
	"confhammer/pkg/circuitbreaker"
	herrors "confhammer/pkg/errors"
	"confhammer/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSession struct {
	mock.Mock
	nickname string
}

func (m *MockSession) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSession) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSession) Nickname() string { return m.nickname }

func (m *MockSession) Snapshot() domain.SessionSnapshot {
	return domain.SessionSnapshot{Nickname: m.nickname, State: domain.SessionJoined.String()}
}

// sessionRecorder hands out mock sessions and keeps them for assertions.
type sessionRecorder struct {
	mu       sync.Mutex
	sessions []*MockSession
	setup    func(index int, s *MockSession)
}

func (r *sessionRecorder) factory(index int, nickname string) Session {
	s := &MockSession{nickname: nickname}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	r.setup(index, s)
	return s
}

func (r *sessionRecorder) all() []*MockSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockSession(nil), r.sessions...)
}

func testHammerConfig(users int) HammerConfig {
	return HammerConfig{
		Users:            users,
		NicknamePrefix:   "guest",
		StartConcurrency: 2,
		StartRetry:       retry.Config{MaxAttempts: 0},
		StopTimeout:      time.Second,
	}
}

func TestHammer_StartsEveryUser(t *testing.T) {
	rec := &sessionRecorder{setup: func(_ int, s *MockSession) {
		s.On("Start", mock.Anything).Return(nil)
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(testHammerConfig(5), rec.factory, zap.NewNop().Sugar())

	require.NoError(t, h.Start(context.Background()))
	assert.Len(t, h.Sessions(), 5)
	assert.Zero(t, h.Failed())

	var names []string
	for _, snap := range h.Snapshots() {
		names = append(names, snap.Nickname)
	}
	assert.ElementsMatch(t, []string{"guest-1", "guest-2", "guest-3", "guest-4", "guest-5"}, names)

	require.NoError(t, h.Stop(context.Background()))
	for _, s := range rec.all() {
		s.AssertNumberOfCalls(t, "Stop", 1)
	}
	assert.Empty(t, h.Sessions())
}

func TestHammer_SessionFailureIsLocal(t *testing.T) {
	rec := &sessionRecorder{setup: func(index int, s *MockSession) {
		if index == 1 {
			s.On("Start", mock.Anything).Return(herrors.Transport(errors.New("refused"), "connect"))
		} else {
			s.On("Start", mock.Anything).Return(nil)
		}
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(testHammerConfig(4), rec.factory, zap.NewNop().Sugar())

	require.NoError(t, h.Start(context.Background()))
	assert.Len(t, h.Sessions(), 3)
	assert.Equal(t, 1, h.Failed())
}

func TestHammer_SetupErrorAborts(t *testing.T) {
	cfg := testHammerConfig(50)
	cfg.StartConcurrency = 1
	cfg.RampRate = 100
	rec := &sessionRecorder{setup: func(index int, s *MockSession) {
		if index == 0 {
			s.On("Start", mock.Anything).Return(herrors.Setup(errors.New("bad certificate"), "create media engine"))
		} else {
			s.On("Start", mock.Anything).Return(nil)
		}
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(cfg, rec.factory, zap.NewNop().Sugar())

	err := h.Start(context.Background())

	require.Error(t, err)
	assert.True(t, herrors.IsFatal(err))
	assert.Less(t, len(rec.all()), 50)
}

func TestHammer_BreakerStopsStarting(t *testing.T) {
	cfg := testHammerConfig(20)
	cfg.StartConcurrency = 1
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 3, Timeout: time.Minute}

	var mu sync.Mutex
	starts := 0
	rec := &sessionRecorder{setup: func(_ int, s *MockSession) {
		s.On("Start", mock.Anything).Run(func(mock.Arguments) {
			mu.Lock()
			starts++
			mu.Unlock()
		}).Return(herrors.Transport(errors.New("refused"), "connect"))
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(cfg, rec.factory, zap.NewNop().Sugar())

	err := h.Start(context.Background())

	assert.True(t, herrors.IsFatal(err))
	assert.Equal(t, 3, starts)
	assert.Empty(t, h.Sessions())
}

func TestHammer_RunFailsWhenNoSessionStarts(t *testing.T) {
	rec := &sessionRecorder{setup: func(_ int, s *MockSession) {
		s.On("Start", mock.Anything).Return(herrors.Transport(errors.New("refused"), "connect"))
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(testHammerConfig(3), rec.factory, zap.NewNop().Sugar())

	err := h.Run(context.Background())

	require.Error(t, err)
	assert.True(t, herrors.IsFatal(err))
	assert.Equal(t, herrors.ErrCodeSetup, herrors.CodeOf(err))
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, 3, h.Failed())
	assert.Empty(t, h.Sessions())
}

func TestHammer_CancelledRampUpIsNotAnError(t *testing.T) {
	rec := &sessionRecorder{setup: func(_ int, s *MockSession) {
		s.On("Start", mock.Anything).Return(nil)
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(testHammerConfig(3), rec.factory, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, h.Start(ctx))
	assert.Empty(t, h.Sessions())
}

func TestHammer_RetriesWithFreshSession(t *testing.T) {
	cfg := testHammerConfig(1)
	cfg.StartRetry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	rec := &sessionRecorder{}
	attempt := 0
	rec.setup = func(_ int, s *MockSession) {
		attempt++
		if attempt == 1 {
			s.On("Start", mock.Anything).Return(herrors.Transport(errors.New("refused"), "connect"))
		} else {
			s.On("Start", mock.Anything).Return(nil)
		}
		s.On("Stop", mock.Anything).Return(nil)
	}
	h := NewHammer(cfg, rec.factory, zap.NewNop().Sugar())

	require.NoError(t, h.Start(context.Background()))

	all := rec.all()
	require.Len(t, all, 2)
	all[0].AssertNumberOfCalls(t, "Stop", 1)
	require.Len(t, h.Sessions(), 1)
	assert.Same(t, all[1], h.Sessions()[0])
}

func TestHammer_RunStopsAfterDuration(t *testing.T) {
	cfg := testHammerConfig(3)
	cfg.Duration = 20 * time.Millisecond
	rec := &sessionRecorder{setup: func(_ int, s *MockSession) {
		s.On("Start", mock.Anything).Return(nil)
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(cfg, rec.factory, zap.NewNop().Sugar())

	started := time.Now()
	require.NoError(t, h.Run(context.Background()))

	assert.GreaterOrEqual(t, time.Since(started), cfg.Duration)
	for _, s := range rec.all() {
		s.AssertNumberOfCalls(t, "Stop", 1)
	}
}

func TestHammer_RunStopsOnCancel(t *testing.T) {
	rec := &sessionRecorder{setup: func(_ int, s *MockSession) {
		s.On("Start", mock.Anything).Return(nil)
		s.On("Stop", mock.Anything).Return(nil)
	}}
	h := NewHammer(testHammerConfig(2), rec.factory, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.Sessions()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, h.Sessions())
}
