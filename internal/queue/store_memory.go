package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with the same ordering and retry
// semantics as RedisStore, minus durability. Used by tests and
// single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	opts Options

	seq     int64
	jobs    map[string]*memJob
	pending pendingHeap
	delayed delayedHeap
}

type memJob struct {
	req      Request
	seq      int64
	token    string
	deadline time.Time // in-flight lease expiry
	due      time.Time // delayed lane release
}

type pendingHeap []*memJob

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	if h[i].seq != h[j].seq {
		return h[i].seq < h[j].seq
	}
	return h[i].req.ID < h[j].req.ID
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*memJob)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type delayedHeap []*memJob

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*memJob)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts.applyDefaults()
	return &MemoryStore{
		opts: opts,
		jobs: make(map[string]*memJob),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[req.ID]; ok {
		return fmt.Errorf("request %s already enqueued", req.ID)
	}

	s.seq++
	j := &memJob{req: *req, seq: s.seq}
	j.req.State = StatePending

	s.jobs[req.ID] = j
	heap.Push(&s.pending, j)

	req.State = StatePending
	return nil
}

func (s *MemoryStore) DequeueNext(_ context.Context) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 {
		return nil, nil
	}

	j := heap.Pop(&s.pending).(*memJob)
	j.req.Attempt++
	j.req.State = StateInFlight
	j.token = uuid.NewString()
	j.deadline = time.Now().Add(s.opts.LeaseTimeout)

	lease := &Lease{Request: j.req, Token: j.token, Deadline: j.deadline}
	return lease, nil
}

func (s *MemoryStore) Ack(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claim(id, token)
	if err != nil {
		return err
	}

	delete(s.jobs, j.req.ID)
	return nil
}

func (s *MemoryStore) Nack(_ context.Context, id, token, reason string, permanent bool) (NackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claim(id, token)
	if err != nil {
		return NackResult{}, err
	}

	j.req.LastError = reason
	j.token = ""

	if permanent || j.req.Attempt >= j.req.MaxAttempts {
		j.req.State = StateAbandoned
		delete(s.jobs, j.req.ID)
		return NackResult{
			Disposition: DispositionAbandoned,
			Attempt:     j.req.Attempt,
			UserID:      j.req.UserID,
		}, nil
	}

	j.req.State = StateFailed
	j.due = time.Now().Add(RetryDelay(j.req.Attempt, s.opts.BackoffBase, s.opts.BackoffCap))
	heap.Push(&s.delayed, j)

	return NackResult{
		Disposition: DispositionRetry,
		Attempt:     j.req.Attempt,
		UserID:      j.req.UserID,
		NextRunAt:   j.due,
	}, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id, token string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claim(id, token)
	if err != nil {
		return time.Time{}, err
	}

	j.deadline = time.Now().Add(s.opts.LeaseTimeout)
	return j.deadline, nil
}

func (s *MemoryStore) PromoteDue(_ context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 {
		max = 1000
	}

	now := time.Now()
	n := 0
	for s.delayed.Len() > 0 && n < max && !s.delayed[0].due.After(now) {
		j := heap.Pop(&s.delayed).(*memJob)
		if _, ok := s.jobs[j.req.ID]; !ok {
			continue
		}
		j.req.State = StatePending
		heap.Push(&s.pending, j)
		n++
	}
	return n, nil
}

func (s *MemoryStore) ReapExpired(_ context.Context, max int) ([]Reaped, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 {
		max = 1000
	}

	now := time.Now()
	var out []Reaped
	for _, j := range s.jobs {
		if len(out) >= max {
			break
		}
		if j.req.State != StateInFlight || j.deadline.After(now) {
			continue
		}

		j.token = ""
		j.req.LastError = "lease expired"

		if j.req.Attempt >= j.req.MaxAttempts {
			j.req.State = StateAbandoned
			delete(s.jobs, j.req.ID)
			out = append(out, Reaped{
				ID:          j.req.ID,
				Disposition: DispositionAbandoned,
				UserID:      j.req.UserID,
				Attempt:     j.req.Attempt,
			})
			continue
		}

		j.req.State = StatePending
		heap.Push(&s.pending, j)
		out = append(out, Reaped{
			ID:          j.req.ID,
			Disposition: DispositionRetry,
			UserID:      j.req.UserID,
			Attempt:     j.req.Attempt,
		})
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.jobs)
	s.jobs = make(map[string]*memJob)
	s.pending = nil
	s.delayed = nil
	return n, nil
}

func (s *MemoryStore) Status(_ context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{PerPriority: make(map[int]int)}
	for _, j := range s.jobs {
		switch j.req.State {
		case StatePending:
			st.Pending++
			st.PerPriority[j.req.Priority]++
		case StateInFlight:
			st.InFlight++
		case StateFailed:
			st.Delayed++
		}
	}
	return st, nil
}

// claim validates the caller's hold on an in-flight request.
func (s *MemoryStore) claim(id, token string) (*memJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: NOT_FOUND", ErrLeaseLost)
	}
	if token != "" && j.token != token {
		return nil, fmt.Errorf("%w: TOKEN_MISMATCH", ErrLeaseLost)
	}
	if j.req.State != StateInFlight {
		return nil, fmt.Errorf("%w: NOT_ACTIVE", ErrLeaseLost)
	}
	return j, nil
}
