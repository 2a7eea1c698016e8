package distributed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InviteGate runs the focus invite once across every process sharing the
// Redis instance. A success marker with a TTL records the invite; a lock
// serializes processes racing to perform it.
type InviteGate struct {
	client      redis.UniversalClient
	markerKey   string
	lockKey     string
	ttl         time.Duration
	lockTimeout time.Duration
	logger      *zap.SugaredLogger

	// Sessions of one process queue here instead of polling Redis.
	mu      sync.Mutex
	invited bool
}

// NewInviteGate scopes the gate to one conference room.
func NewInviteGate(client redis.UniversalClient, room string, ttl time.Duration, logger *zap.SugaredLogger) *InviteGate {
	prefix := "confhammer:invite:" + room
	return &InviteGate{
		client:      client,
		markerKey:   prefix + ":done",
		lockKey:     prefix + ":lock",
		ttl:         ttl,
		lockTimeout: 30 * time.Second,
		logger:      logger,
	}
}

func (g *InviteGate) Do(ctx context.Context, invite func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.invited {
		return nil
	}

	done, err := g.marked(ctx)
	if err != nil {
		return err
	}
	if done {
		g.invited = true
		return nil
	}

	lock := NewLock(g.client, g.lockKey, g.ttl)
	if err := lock.LockWithTimeout(ctx, g.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warnw("invite lock release failed", "error", err)
		}
	}()

	// Another process may have invited while we waited for the lock.
	if done, err = g.marked(ctx); err != nil {
		return err
	}
	if !done {
		if err := invite(ctx); err != nil {
			return err
		}
		if err := g.client.Set(ctx, g.markerKey, "1", g.ttl).Err(); err != nil {
			return err
		}
		g.logger.Infow("focus invited", "key", g.markerKey)
	}
	g.invited = true
	return nil
}

func (g *InviteGate) Invited(ctx context.Context) (bool, error) {
	g.mu.Lock()
	invited := g.invited
	g.mu.Unlock()
	if invited {
		return true, nil
	}
	return g.marked(ctx)
}

func (g *InviteGate) marked(ctx context.Context) (bool, error) {
	err := g.client.Get(ctx, g.markerKey).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// Reset clears the marker, e.g. before a new run against the same room.
func (g *InviteGate) Reset(ctx context.Context) error {
	g.mu.Lock()
	g.invited = false
	g.mu.Unlock()
	return g.client.Del(ctx, g.markerKey).Err()
}
