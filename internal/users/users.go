// Package users exposes the user-status collaborator consumed by the
// admission gate. Activation and strike counts are owned elsewhere
// (moderation); this package only reads them.
package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/astroline/prioq/internal/queue"
)

type Directory interface {
	IsActive(ctx context.Context, userID string) (bool, error)
	StrikeCount(ctx context.Context, userID string) (int, error)
	DefaultPriority(ctx context.Context, userID string) (int, error)
}

// RedisDirectory reads user state from one hash per user:
// user:<id> with fields is_active, strikes, priority.
type RedisDirectory struct {
	rdb       redis.Cmdable
	keyPrefix string
}

func NewRedisDirectory(rdb redis.Cmdable, keyPrefix string) *RedisDirectory {
	if keyPrefix == "" {
		keyPrefix = "user:"
	}
	return &RedisDirectory{rdb: rdb, keyPrefix: keyPrefix}
}

func (d *RedisDirectory) key(userID string) string {
	return d.keyPrefix + userID
}

// Unknown users are treated as active with zero strikes and the
// default priority, matching first-contact registration upstream.
func (d *RedisDirectory) IsActive(ctx context.Context, userID string) (bool, error) {
	v, err := d.rdb.HGet(ctx, d.key(userID), "is_active").Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("user directory: %w", err)
	}
	return v == "1" || v == "true", nil
}

func (d *RedisDirectory) StrikeCount(ctx context.Context, userID string) (int, error) {
	v, err := d.rdb.HGet(ctx, d.key(userID), "strikes").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("user directory: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("user directory: bad strikes for %s: %q", userID, v)
	}
	return n, nil
}

func (d *RedisDirectory) DefaultPriority(ctx context.Context, userID string) (int, error) {
	v, err := d.rdb.HGet(ctx, d.key(userID), "priority").Result()
	if errors.Is(err, redis.Nil) {
		return queue.PriorityDefault, nil
	}
	if err != nil {
		return 0, fmt.Errorf("user directory: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < queue.PriorityHighest || n > queue.PriorityLowest {
		return queue.PriorityDefault, nil
	}
	return n, nil
}

// MemoryDirectory is the in-process Directory for tests and dev runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*memUser
}

type memUser struct {
	active   bool
	strikes  int
	priority int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*memUser)}
}

func (d *MemoryDirectory) Put(userID string, active bool, strikes, priority int) {
	d.mu.Lock()
	d.users[userID] = &memUser{active: active, strikes: strikes, priority: priority}
	d.mu.Unlock()
}

func (d *MemoryDirectory) IsActive(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return true, nil
	}
	return u.active, nil
}

func (d *MemoryDirectory) StrikeCount(_ context.Context, userID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return 0, nil
	}
	return u.strikes, nil
}

func (d *MemoryDirectory) DefaultPriority(_ context.Context, userID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok || u.priority < queue.PriorityHighest || u.priority > queue.PriorityLowest {
		return queue.PriorityDefault, nil
	}
	return u.priority, nil
}
