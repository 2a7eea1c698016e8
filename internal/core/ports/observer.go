package ports

import (
	"time"

	"confhammer/internal/core/domain"
)

// SessionObserver receives lifecycle events for metrics. Implementations
// must be safe for concurrent use.
type SessionObserver interface {
	SessionStateChanged(nickname string, from, to domain.SessionState)
	ConnectivityEstablished(nickname string, took time.Duration, state domain.ConnectivityState)
	NicknameRetried(nickname string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionStateChanged(string, domain.SessionState, domain.SessionState)    {}
func (NopObserver) ConnectivityEstablished(string, time.Duration, domain.ConnectivityState) {}
func (NopObserver) NicknameRetried(string)                                                  {}
