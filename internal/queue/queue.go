// Package queue holds the durable multi-priority FIFO store feeding
// the dispatch core. Ordering is total: priority first (1 served
// before 10), then enqueue order, then id.
package queue

import (
	"context"
	"errors"
	"time"
)

const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Request is the unit of work. Payload is opaque to this package.
type Request struct {
	ID          string
	UserID      string
	Priority    int
	Payload     string
	EnqueuedAt  time.Time
	Attempt     int
	MaxAttempts int
	State       State
	LastError   string
}

// Lease is a dequeued request plus the token proving the holder still
// owns it. Ack, Nack and Heartbeat all verify the token, which is how
// a purged or reaped request causes a late worker result to be
// discarded instead of mis-applied.
type Lease struct {
	Request
	Token    string
	Deadline time.Time
}

type Disposition string

const (
	DispositionRetry     Disposition = "retry"
	DispositionAbandoned Disposition = "abandoned"
)

// NackResult reports the store's retry decision. The ceiling check
// lives in the store so callers cannot bypass it.
type NackResult struct {
	Disposition Disposition
	Attempt     int
	UserID      string
	NextRunAt   time.Time
}

// Reaped describes one orphaned request recovered from an expired
// lease.
type Reaped struct {
	ID          string
	Disposition Disposition
	UserID      string
	Attempt     int
}

type Status struct {
	Pending     int
	InFlight    int
	Delayed     int
	PerPriority map[int]int
}

var (
	// ErrStoreUnavailable wraps backend connectivity failures so the
	// admission path can refuse new work with a clear signal.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrLeaseLost means the caller no longer owns the request: the
	// lease expired, was purged, or the token never matched.
	ErrLeaseLost = errors.New("lease lost")
)

// Store is the priority queue contract. Implementations must make
// DequeueNext atomic: the returned request is marked in-flight and
// its attempt counter incremented in the same step, so no two callers
// ever hold the same request.
type Store interface {
	Enqueue(ctx context.Context, req *Request) error
	DequeueNext(ctx context.Context) (*Lease, error)
	Ack(ctx context.Context, id, token string) error
	Nack(ctx context.Context, id, token, reason string, permanent bool) (NackResult, error)
	Heartbeat(ctx context.Context, id, token string) (time.Time, error)
	PromoteDue(ctx context.Context, max int) (int, error)
	ReapExpired(ctx context.Context, max int) ([]Reaped, error)
	Purge(ctx context.Context) (int, error)
	Status(ctx context.Context) (Status, error)
}

// Options tune store behavior shared by both backends.
type Options struct {
	// Lease duration granted at dequeue and per heartbeat. This is
	// the in-flight timeout that catches vanished workers; it is
	// independent of the backend call's own timeout.
	LeaseTimeout time.Duration

	// Retry backoff: base * 2^(attempt-1), capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DeadKeep bounds the abandoned lane; 0 keeps everything.
	DeadKeep int
}

func (o *Options) applyDefaults() {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
	if o.DeadKeep < 0 {
		o.DeadKeep = 0
	}
}

// RetryDelay is the deterministic backoff applied before a transient
// failure is retried. attempt is the attempt that just failed.
func RetryDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > cap || d <= 0 {
		d = cap
	}
	return d
}

func NowMs() int64 {
	return time.Now().UnixMilli()
}
