package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RedisStore is the durable Store. Every multi-key mutation is one
// Lua script, so dequeue-and-mark-in-flight, the retry decision and
// purge are each atomic on the server.
type RedisStore struct {
	r       RedisLike
	base    string
	opts    Options
	scripts storeScripts

	scriptMu sync.Mutex
}

func NewRedisStore(ctx context.Context, r RedisLike, queueName string, opts Options) (*RedisStore, error) {
	opts.applyDefaults()

	if strings.TrimSpace(queueName) == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	scripts, err := loadScripts(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &RedisStore{
		r:       r,
		base:    queueBase(queueName),
		opts:    opts,
		scripts: scripts,
	}, nil
}

func (s *RedisStore) eval(ctx context.Context, def ScriptDef, args ...any) ([]any, error) {
	res, err := s.r.EvalSha(ctx, def.SHA, []string{s.base}, args...)
	if err != nil && strings.Contains(strings.ToUpper(err.Error()), "NOSCRIPT") {
		s.scriptMu.Lock()
		res, err = s.r.Eval(ctx, def.Src, []string{s.base}, args...)
		s.scriptMu.Unlock()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	arr, ok := asAnySlice(res)
	if !ok {
		return nil, fmt.Errorf("unexpected script response: %v", res)
	}
	return arr, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, req *Request) error {
	arr, err := s.eval(ctx, s.scripts.Enqueue,
		req.ID,
		req.UserID,
		strconv.Itoa(req.Priority),
		req.Payload,
		strconv.FormatInt(req.EnqueuedAt.UnixMilli(), 10),
		strconv.Itoa(req.MaxAttempts),
	)
	if err != nil {
		return err
	}
	if len(arr) < 2 {
		return fmt.Errorf("unexpected ENQUEUE response: %v", arr)
	}

	switch asStr(arr[0]) {
	case "OK":
		req.State = StatePending
		return nil
	case "DUP":
		return fmt.Errorf("request %s already enqueued", req.ID)
	default:
		return fmt.Errorf("unexpected ENQUEUE response: %v", arr)
	}
}

func (s *RedisStore) DequeueNext(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()

	arr, err := s.eval(ctx, s.scripts.Dequeue,
		strconv.FormatInt(NowMs(), 10),
		strconv.FormatInt(s.opts.LeaseTimeout.Milliseconds(), 10),
		token,
	)
	if err != nil {
		return nil, err
	}
	if len(arr) < 1 {
		return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
	}

	switch asStr(arr[0]) {
	case "EMPTY":
		return nil, nil
	case "JOB":
		if len(arr) < 9 {
			return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
		}

		priority, err := toInt(arr[3])
		if err != nil {
			return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
		}
		enqueuedMs, err := toInt64(arr[5])
		if err != nil {
			return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
		}
		attempt, err := toInt(arr[6])
		if err != nil {
			return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
		}
		maxAttempts, err := toInt(arr[7])
		if err != nil {
			return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
		}
		deadlineMs, err := toInt64(arr[8])
		if err != nil {
			return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
		}

		return &Lease{
			Request: Request{
				ID:          asStr(arr[1]),
				UserID:      asStr(arr[2]),
				Priority:    priority,
				Payload:     asStr(arr[4]),
				EnqueuedAt:  time.UnixMilli(enqueuedMs),
				Attempt:     attempt,
				MaxAttempts: maxAttempts,
				State:       StateInFlight,
			},
			Token:    token,
			Deadline: time.UnixMilli(deadlineMs),
		}, nil
	default:
		return nil, fmt.Errorf("unexpected DEQUEUE response: %v", arr)
	}
}

func (s *RedisStore) Ack(ctx context.Context, id, token string) error {
	arr, err := s.eval(ctx, s.scripts.Ack, id, token)
	if err != nil {
		return err
	}
	if len(arr) < 1 {
		return fmt.Errorf("unexpected ACK response: %v", arr)
	}

	switch asStr(arr[0]) {
	case "OK":
		return nil
	case "ERR":
		return leaseErr(arr)
	default:
		return fmt.Errorf("unexpected ACK response: %v", arr)
	}
}

func (s *RedisStore) Nack(ctx context.Context, id, token, reason string, permanent bool) (NackResult, error) {
	perm := "0"
	if permanent {
		perm = "1"
	}

	arr, err := s.eval(ctx, s.scripts.Nack,
		id,
		token,
		strconv.FormatInt(NowMs(), 10),
		perm,
		strconv.FormatInt(s.opts.BackoffBase.Milliseconds(), 10),
		strconv.FormatInt(s.opts.BackoffCap.Milliseconds(), 10),
		reason,
		strconv.Itoa(s.opts.DeadKeep),
	)
	if err != nil {
		return NackResult{}, err
	}
	if len(arr) < 1 {
		return NackResult{}, fmt.Errorf("unexpected NACK response: %v", arr)
	}

	switch asStr(arr[0]) {
	case "ABANDONED":
		if len(arr) < 3 {
			return NackResult{}, fmt.Errorf("unexpected NACK response: %v", arr)
		}
		attempt, _ := toInt(arr[1])
		return NackResult{
			Disposition: DispositionAbandoned,
			Attempt:     attempt,
			UserID:      asStr(arr[2]),
		}, nil

	case "RETRY":
		if len(arr) < 4 {
			return NackResult{}, fmt.Errorf("unexpected NACK response: %v", arr)
		}
		attempt, _ := toInt(arr[1])
		due, err := toInt64(arr[3])
		if err != nil {
			return NackResult{}, fmt.Errorf("unexpected NACK response: %v", arr)
		}
		return NackResult{
			Disposition: DispositionRetry,
			Attempt:     attempt,
			UserID:      asStr(arr[2]),
			NextRunAt:   time.UnixMilli(due),
		}, nil

	case "ERR":
		return NackResult{}, leaseErr(arr)

	default:
		return NackResult{}, fmt.Errorf("unexpected NACK response: %v", arr)
	}
}

func (s *RedisStore) Heartbeat(ctx context.Context, id, token string) (time.Time, error) {
	arr, err := s.eval(ctx, s.scripts.Heartbeat,
		id,
		token,
		strconv.FormatInt(NowMs(), 10),
		strconv.FormatInt(s.opts.LeaseTimeout.Milliseconds(), 10),
	)
	if err != nil {
		return time.Time{}, err
	}
	if len(arr) < 1 {
		return time.Time{}, fmt.Errorf("unexpected HEARTBEAT response: %v", arr)
	}

	switch asStr(arr[0]) {
	case "OK":
		if len(arr) < 2 {
			return time.Time{}, fmt.Errorf("unexpected HEARTBEAT response: %v", arr)
		}
		deadlineMs, err := toInt64(arr[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("unexpected HEARTBEAT response: %v", arr)
		}
		return time.UnixMilli(deadlineMs), nil
	case "ERR":
		return time.Time{}, leaseErr(arr)
	default:
		return time.Time{}, fmt.Errorf("unexpected HEARTBEAT response: %v", arr)
	}
}

func (s *RedisStore) PromoteDue(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = 1000
	}

	arr, err := s.eval(ctx, s.scripts.Promote,
		strconv.FormatInt(NowMs(), 10),
		strconv.Itoa(max),
	)
	if err != nil {
		return 0, err
	}
	if len(arr) < 2 || asStr(arr[0]) != "OK" {
		return 0, fmt.Errorf("unexpected PROMOTE response: %v", arr)
	}

	n, err := toInt(arr[1])
	if err != nil {
		return 0, fmt.Errorf("unexpected PROMOTE response: %v", arr)
	}
	return n, nil
}

func (s *RedisStore) ReapExpired(ctx context.Context, max int) ([]Reaped, error) {
	if max <= 0 {
		max = 1000
	}

	arr, err := s.eval(ctx, s.scripts.Reap,
		strconv.FormatInt(NowMs(), 10),
		strconv.Itoa(max),
		strconv.Itoa(s.opts.DeadKeep),
	)
	if err != nil {
		return nil, err
	}
	if len(arr) < 2 || asStr(arr[0]) != "OK" {
		return nil, fmt.Errorf("unexpected REAP response: %v", arr)
	}

	var out []Reaped
	for i := 2; i+3 < len(arr); i += 4 {
		attempt, _ := toInt(arr[i+3])
		out = append(out, Reaped{
			ID:          asStr(arr[i]),
			Disposition: Disposition(asStr(arr[i+1])),
			UserID:      asStr(arr[i+2]),
			Attempt:     attempt,
		})
	}
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context) (int, error) {
	arr, err := s.eval(ctx, s.scripts.Purge)
	if err != nil {
		return 0, err
	}
	if len(arr) < 2 || asStr(arr[0]) != "OK" {
		return 0, fmt.Errorf("unexpected PURGE response: %v", arr)
	}

	n, err := toInt(arr[1])
	if err != nil {
		return 0, fmt.Errorf("unexpected PURGE response: %v", arr)
	}
	return n, nil
}

func (s *RedisStore) Status(ctx context.Context) (Status, error) {
	arr, err := s.eval(ctx, s.scripts.Status)
	if err != nil {
		return Status{}, err
	}
	if len(arr) < 13 {
		return Status{}, fmt.Errorf("unexpected STATUS response: %v", arr)
	}

	pending, _ := toInt(arr[0])
	inFlight, _ := toInt(arr[1])
	delayed, _ := toInt(arr[2])

	perPriority := make(map[int]int, 10)
	for p := 1; p <= 10; p++ {
		n, _ := toInt(arr[2+p])
		if n > 0 {
			perPriority[p] = n
		}
	}

	return Status{
		Pending:     pending,
		InFlight:    inFlight,
		Delayed:     delayed,
		PerPriority: perPriority,
	}, nil
}

// leaseErr maps script-level rejections onto ErrLeaseLost: whether
// the record vanished (purge), the token mismatched (reap + redeliver)
// or the state moved on, the caller's claim on the request is gone.
func leaseErr(arr []any) error {
	reason := "UNKNOWN"
	if len(arr) > 1 {
		reason = asStr(arr[1])
	}
	return fmt.Errorf("%w: %s", ErrLeaseLost, reason)
}
