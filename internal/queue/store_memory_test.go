package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		LeaseTimeout: 50 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
	}
}

func enqueueN(t *testing.T, s Store, reqs []Request) {
	t.Helper()
	for i := range reqs {
		req := reqs[i]
		if req.ID == "" {
			req.ID = fmt.Sprintf("req-%d", i)
		}
		if req.UserID == "" {
			req.UserID = "u1"
		}
		if req.MaxAttempts == 0 {
			req.MaxAttempts = 3
		}
		if req.EnqueuedAt.IsZero() {
			req.EnqueuedAt = time.Now()
		}
		if err := s.Enqueue(context.Background(), &req); err != nil {
			t.Fatalf("enqueue %s: %v", req.ID, err)
		}
	}
}

func TestMemoryStoreOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("priority then enqueue order", func(t *testing.T) {
		s := NewMemoryStore(testOptions())
		enqueueN(t, s, []Request{
			{ID: "first", Priority: 1},
			{ID: "second", Priority: 5},
			{ID: "third", Priority: 1},
		})

		want := []string{"first", "third", "second"}
		for i, id := range want {
			lease, err := s.DequeueNext(ctx)
			if err != nil {
				t.Fatalf("dequeue %d: %v", i, err)
			}
			if lease == nil || lease.ID != id {
				t.Fatalf("dequeue %d: got %+v, want id %s", i, lease, id)
			}
			if lease.Attempt != 1 {
				t.Errorf("dequeue %d: attempt = %d, want 1", i, lease.Attempt)
			}
			if lease.State != StateInFlight {
				t.Errorf("dequeue %d: state = %s, want in_flight", i, lease.State)
			}
		}

		lease, err := s.DequeueNext(ctx)
		if err != nil || lease != nil {
			t.Fatalf("empty dequeue: got %+v, %v", lease, err)
		}
	})

	t.Run("low priority flood never reorders ahead", func(t *testing.T) {
		s := NewMemoryStore(testOptions())
		enqueueN(t, s, []Request{{ID: "old-p5", Priority: 5}})
		for i := 0; i < 20; i++ {
			enqueueN(t, s, []Request{{ID: fmt.Sprintf("flood-%d", i), Priority: 8}})
		}
		enqueueN(t, s, []Request{{ID: "late-p2", Priority: 2}})

		lease, _ := s.DequeueNext(ctx)
		if lease.ID != "late-p2" {
			t.Fatalf("first dequeue = %s, want late-p2", lease.ID)
		}
		lease, _ = s.DequeueNext(ctx)
		if lease.ID != "old-p5" {
			t.Fatalf("second dequeue = %s, want old-p5", lease.ID)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		s := NewMemoryStore(testOptions())
		enqueueN(t, s, []Request{{ID: "dup", Priority: 5}})
		req := Request{ID: "dup", UserID: "u1", Priority: 5, MaxAttempts: 3, EnqueuedAt: time.Now()}
		if err := s.Enqueue(ctx, &req); err == nil {
			t.Fatal("expected duplicate enqueue to fail")
		}
	})
}

func TestMemoryStoreRetryCeiling(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testOptions())
	enqueueN(t, s, []Request{{ID: "r1", Priority: 5, MaxAttempts: 3}})

	// attempts 1 and 2 park the request in the delayed lane
	for attempt := 1; attempt <= 2; attempt++ {
		lease, err := s.DequeueNext(ctx)
		if err != nil || lease == nil {
			t.Fatalf("dequeue attempt %d: %+v, %v", attempt, lease, err)
		}
		if lease.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", lease.Attempt, attempt)
		}

		res, err := s.Nack(ctx, lease.ID, lease.Token, "backend timeout", false)
		if err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
		if res.Disposition != DispositionRetry {
			t.Fatalf("attempt %d disposition = %s, want retry", attempt, res.Disposition)
		}

		time.Sleep(10 * time.Millisecond)
		if _, err := s.PromoteDue(ctx, 0); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	// attempt 3 hits the ceiling
	lease, err := s.DequeueNext(ctx)
	if err != nil || lease == nil {
		t.Fatalf("final dequeue: %+v, %v", lease, err)
	}
	if lease.Attempt != 3 {
		t.Fatalf("final attempt = %d, want 3", lease.Attempt)
	}

	res, err := s.Nack(ctx, lease.ID, lease.Token, "backend timeout", false)
	if err != nil {
		t.Fatalf("final nack: %v", err)
	}
	if res.Disposition != DispositionAbandoned {
		t.Fatalf("final disposition = %s, want abandoned", res.Disposition)
	}
	if res.Attempt != 3 {
		t.Fatalf("abandoned attempt = %d, want 3", res.Attempt)
	}

	if lease, _ := s.DequeueNext(ctx); lease != nil {
		t.Fatalf("abandoned request resurfaced: %+v", lease)
	}
}

func TestMemoryStorePermanentNack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testOptions())
	enqueueN(t, s, []Request{{ID: "p1", Priority: 5, MaxAttempts: 3}})

	lease, _ := s.DequeueNext(ctx)
	res, err := s.Nack(ctx, lease.ID, lease.Token, "payload rejected", true)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if res.Disposition != DispositionAbandoned {
		t.Fatalf("disposition = %s, want abandoned on first permanent failure", res.Disposition)
	}
	if res.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", res.Attempt)
	}
}

func TestMemoryStoreAckRemoves(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testOptions())
	enqueueN(t, s, []Request{{ID: "a1", Priority: 5}})

	lease, _ := s.DequeueNext(ctx)
	if err := s.Ack(ctx, lease.ID, lease.Token); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.Ack(ctx, lease.ID, lease.Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("second ack = %v, want ErrLeaseLost", err)
	}

	st, _ := s.Status(ctx)
	if st.Pending != 0 || st.InFlight != 0 {
		t.Fatalf("status after ack = %+v", st)
	}
}

func TestMemoryStoreLeaseTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testOptions())
	enqueueN(t, s, []Request{{ID: "l1", Priority: 5}})

	lease, _ := s.DequeueNext(ctx)

	if err := s.Ack(ctx, lease.ID, "wrong-token"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("ack with bad token = %v, want ErrLeaseLost", err)
	}
	if _, err := s.Nack(ctx, lease.ID, "wrong-token", "x", false); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("nack with bad token = %v, want ErrLeaseLost", err)
	}

	deadline, err := s.Heartbeat(ctx, lease.ID, lease.Token)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !deadline.After(time.Now()) {
		t.Fatalf("heartbeat deadline %s not in the future", deadline)
	}
}

func TestMemoryStoreReapExpired(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.LeaseTimeout = 5 * time.Millisecond
	s := NewMemoryStore(opts)
	enqueueN(t, s, []Request{{ID: "o1", Priority: 5, MaxAttempts: 3}})

	lease, _ := s.DequeueNext(ctx)
	time.Sleep(15 * time.Millisecond)

	reaped, err := s.ReapExpired(ctx, 0)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != "o1" || reaped[0].Disposition != DispositionRetry {
		t.Fatalf("reaped = %+v", reaped)
	}

	// the dead worker's late ack must not apply
	if err := s.Ack(ctx, lease.ID, lease.Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("late ack = %v, want ErrLeaseLost", err)
	}

	// request is dequeueable again and the attempt was counted
	again, _ := s.DequeueNext(ctx)
	if again == nil || again.ID != "o1" || again.Attempt != 2 {
		t.Fatalf("redelivered lease = %+v, want o1 attempt 2", again)
	}
}

func TestMemoryStoreReapAbandonsAtCeiling(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.LeaseTimeout = 5 * time.Millisecond
	s := NewMemoryStore(opts)
	enqueueN(t, s, []Request{{ID: "o2", UserID: "u9", Priority: 5, MaxAttempts: 1}})

	if _, err := s.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	time.Sleep(15 * time.Millisecond)

	reaped, err := s.ReapExpired(ctx, 0)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].Disposition != DispositionAbandoned || reaped[0].UserID != "u9" {
		t.Fatalf("reaped = %+v, want abandoned for u9", reaped)
	}
	if lease, _ := s.DequeueNext(ctx); lease != nil {
		t.Fatalf("abandoned orphan resurfaced: %+v", lease)
	}
}

func TestMemoryStorePurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testOptions())
	enqueueN(t, s, []Request{
		{ID: "q1", Priority: 1},
		{ID: "q2", Priority: 5},
		{ID: "q3", Priority: 5},
		{ID: "q4", Priority: 9},
	})

	lease, _ := s.DequeueNext(ctx)

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 4 {
		t.Fatalf("purge count = %d, want 4 (3 pending + 1 in flight)", n)
	}

	// the in-flight worker's result is discarded, not mis-applied
	if err := s.Ack(ctx, lease.ID, lease.Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("ack after purge = %v, want ErrLeaseLost", err)
	}
	if _, err := s.Heartbeat(ctx, lease.ID, lease.Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("heartbeat after purge = %v, want ErrLeaseLost", err)
	}

	if lease, _ := s.DequeueNext(ctx); lease != nil {
		t.Fatalf("stale request resurfaced after purge: %+v", lease)
	}
	st, _ := s.Status(ctx)
	if st.Pending != 0 || st.InFlight != 0 || st.Delayed != 0 {
		t.Fatalf("status after purge = %+v", st)
	}
}

func TestMemoryStoreStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testOptions())
	enqueueN(t, s, []Request{
		{ID: "s1", Priority: 1},
		{ID: "s2", Priority: 1},
		{ID: "s3", Priority: 5},
		{ID: "s4", Priority: 9},
	})

	if _, err := s.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Pending != 3 || st.InFlight != 1 {
		t.Fatalf("status = %+v, want 3 pending / 1 in flight", st)
	}
	if st.PerPriority[1] != 1 || st.PerPriority[5] != 1 || st.PerPriority[9] != 1 {
		t.Fatalf("per-priority breakdown = %+v", st.PerPriority)
	}
}
