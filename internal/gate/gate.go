// Package gate validates user requests before they enter the queue.
// It decides nothing about message content: activation and strikes
// are moderation's outputs, consumed here as-is.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astroline/prioq/internal/queue"
	"github.com/astroline/prioq/internal/users"
)

var (
	ErrUserInactive  = errors.New("user account is inactive")
	ErrUserSuspended = errors.New("user suspended after repeated strikes")
)

type Gate struct {
	store       queue.Store
	dir         users.Directory
	maxStrikes  int
	maxAttempts int

	userLocks sync.Map // userID -> *sync.Mutex

	clockMu sync.Mutex
	lastAt  time.Time
}

func New(store queue.Store, dir users.Directory, maxStrikes, maxAttempts int) *Gate {
	if maxStrikes <= 0 {
		maxStrikes = 3
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Gate{
		store:       store,
		dir:         dir,
		maxStrikes:  maxStrikes,
		maxAttempts: maxAttempts,
	}
}

// Admit validates the caller and inserts a new pending request.
// priority 0 means "use the user's configured default". Validation
// and insertion run under a per-user lock so two concurrent
// admissions for one user cannot interleave.
func (g *Gate) Admit(ctx context.Context, userID string, priority int, payload string) (queue.Request, error) {
	if userID == "" {
		return queue.Request{}, errors.New("admit: user_id is required")
	}

	mu := g.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	active, err := g.dir.IsActive(ctx, userID)
	if err != nil {
		return queue.Request{}, fmt.Errorf("admit user %s: %w", userID, err)
	}
	if !active {
		return queue.Request{}, fmt.Errorf("user %s: %w", userID, ErrUserInactive)
	}

	strikes, err := g.dir.StrikeCount(ctx, userID)
	if err != nil {
		return queue.Request{}, fmt.Errorf("admit user %s: %w", userID, err)
	}
	if strikes >= g.maxStrikes {
		return queue.Request{}, fmt.Errorf("user %s (%d/%d strikes): %w",
			userID, strikes, g.maxStrikes, ErrUserSuspended)
	}

	if priority == 0 {
		priority, err = g.dir.DefaultPriority(ctx, userID)
		if err != nil {
			return queue.Request{}, fmt.Errorf("admit user %s: %w", userID, err)
		}
	}
	priority = clampPriority(priority)

	req := queue.Request{
		ID:          uuid.NewString(),
		UserID:      userID,
		Priority:    priority,
		Payload:     payload,
		EnqueuedAt:  g.stamp(),
		MaxAttempts: g.maxAttempts,
	}

	if err := g.store.Enqueue(ctx, &req); err != nil {
		return queue.Request{}, fmt.Errorf("admit user %s: %w", userID, err)
	}
	return req, nil
}

func (g *Gate) userLock(userID string) *sync.Mutex {
	v, _ := g.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// stamp returns a non-decreasing clock reading, so the enqueue-order
// tie-break never moves backwards even if the wall clock does.
func (g *Gate) stamp() time.Time {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()

	now := time.Now()
	if now.Before(g.lastAt) {
		now = g.lastAt
	}
	g.lastAt = now
	return now
}

func clampPriority(p int) int {
	if p < queue.PriorityHighest {
		return queue.PriorityHighest
	}
	if p > queue.PriorityLowest {
		return queue.PriorityLowest
	}
	return p
}
