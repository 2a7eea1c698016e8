package services

import (
	"context"
	"sync"
)

// InviteGate serializes the focus invite inside one process. The first
// successful invite closes the gate for every other session.
type InviteGate struct {
	mu      sync.Mutex
	invited bool
}

func NewInviteGate() *InviteGate {
	return &InviteGate{}
}

// Do runs invite unless an earlier call already succeeded. Concurrent callers
// wait for the running invite and then observe its outcome.
func (g *InviteGate) Do(ctx context.Context, invite func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.invited {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := invite(ctx); err != nil {
		return err
	}
	g.invited = true
	return nil
}

func (g *InviteGate) Invited(context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.invited, nil
}
