package dispatch

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astroline/prioq/internal/backend"
	"github.com/astroline/prioq/internal/queue"
)

type funcInvoker func(ctx context.Context, payload string) (string, error)

func (f funcInvoker) Invoke(ctx context.Context, payload string) (string, error) {
	return f(ctx, payload)
}

type recordingSink struct {
	mu       sync.Mutex
	results  map[string]string
	failures map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		results:  make(map[string]string),
		failures: make(map[string]string),
	}
}

func (s *recordingSink) Deliver(_ context.Context, _, requestID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[requestID] = result
	return nil
}

func (s *recordingSink) DeliverFailure(_ context.Context, _, requestID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[requestID] = s.failures[requestID] + "|" + reason
	return nil
}

func (s *recordingSink) counts() (results, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), len(s.failures)
}

func testStore() *queue.MemoryStore {
	return queue.NewMemoryStore(queue.Options{
		LeaseTimeout: time.Second,
		BackoffBase:  time.Millisecond,
		BackoffCap:   2 * time.Millisecond,
	})
}

func testConfig(workers int) Config {
	return Config{
		MaxWorkers:        workers,
		PollInterval:      2 * time.Millisecond,
		PromoteInterval:   2 * time.Millisecond,
		ReapInterval:      10 * time.Millisecond,
		InvokeTimeout:     time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		DrainGrace:        time.Second,
	}
}

func enqueue(t *testing.T, s queue.Store, id string, maxAttempts int) {
	t.Helper()
	req := queue.Request{
		ID:          id,
		UserID:      "u1",
		Priority:    5,
		Payload:     "payload " + id,
		EnqueuedAt:  time.Now(),
		MaxAttempts: maxAttempts,
	}
	if err := s.Enqueue(context.Background(), &req); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestCoordinatorBoundedConcurrency(t *testing.T) {
	store := testStore()
	snk := newRecordingSink()

	var concurrent, peak atomic.Int64
	invoker := funcInvoker(func(ctx context.Context, payload string) (string, error) {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return "ok: " + payload, nil
	})

	for i := 0; i < 5; i++ {
		enqueue(t, store, fmt.Sprintf("c-%d", i), 3)
	}

	c := New(store, invoker, snk, testConfig(2), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		results, _ := snk.counts()
		return results == 5
	}, "all 5 requests completed")

	cancel()
	<-done

	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency %d exceeds max_workers 2", p)
	}
	st, _ := store.Status(context.Background())
	if st.Pending != 0 || st.InFlight != 0 || st.Delayed != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
}

func TestCoordinatorTransientRetryCeiling(t *testing.T) {
	store := testStore()
	snk := newRecordingSink()

	var attempts atomic.Int64
	invoker := funcInvoker(func(ctx context.Context, payload string) (string, error) {
		attempts.Add(1)
		return "", backend.Transient("backend timeout")
	})

	enqueue(t, store, "r-1", 3)

	c := New(store, invoker, snk, testConfig(1), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		_, failures := snk.counts()
		return failures == 1
	}, "failure delivery after exhausting retries")

	// give the loop room to over-attempt if it were broken
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := attempts.Load(); n != 3 {
		t.Fatalf("backend attempts = %d, want exactly 3", n)
	}

	snk.mu.Lock()
	reasons := snk.failures["r-1"]
	snk.mu.Unlock()
	if reasons == "" {
		t.Fatal("no failure reason delivered")
	}
	// exactly one delivery, not one per attempt
	if got := len(splitNonEmpty(reasons)); got != 1 {
		t.Fatalf("failure deliveries = %d (%q), want 1", got, reasons)
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '|' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestCoordinatorPermanentFailure(t *testing.T) {
	store := testStore()
	snk := newRecordingSink()

	var attempts atomic.Int64
	invoker := funcInvoker(func(ctx context.Context, payload string) (string, error) {
		attempts.Add(1)
		return "", backend.Permanent("payload rejected")
	})

	enqueue(t, store, "p-1", 3)

	c := New(store, invoker, snk, testConfig(1), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		_, failures := snk.counts()
		return failures == 1
	}, "immediate failure delivery")

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if n := attempts.Load(); n != 1 {
		t.Fatalf("backend attempts = %d, want 1 (no retry budget spent)", n)
	}
	results, _ := snk.counts()
	if results != 0 {
		t.Fatalf("unexpected success deliveries: %d", results)
	}
}

func TestCoordinatorPanicIsTransient(t *testing.T) {
	store := testStore()
	snk := newRecordingSink()

	var attempts atomic.Int64
	invoker := funcInvoker(func(ctx context.Context, payload string) (string, error) {
		attempts.Add(1)
		panic("handler blew up")
	})

	enqueue(t, store, "panic-1", 2)

	c := New(store, invoker, snk, testConfig(1), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		_, failures := snk.counts()
		return failures == 1
	}, "failure delivery after panics exhaust retries")

	cancel()
	<-done

	if n := attempts.Load(); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
}

func TestCoordinatorPurgeDiscardsInFlightResult(t *testing.T) {
	store := testStore()
	snk := newRecordingSink()

	started := make(chan struct{})
	release := make(chan struct{})
	invoker := funcInvoker(func(ctx context.Context, payload string) (string, error) {
		close(started)
		<-release
		return "too late", nil
	})

	enqueue(t, store, "purged-1", 3)

	c := New(store, invoker, snk, testConfig(1), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	<-started

	n, err := c.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purge = %d, want 1", n)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	results, failures := snk.counts()
	if results != 0 || failures != 0 {
		t.Fatalf("purged result was delivered: %d results, %d failures", results, failures)
	}
}

func TestCoordinatorStatus(t *testing.T) {
	store := testStore()
	for i := 0; i < 3; i++ {
		enqueue(t, store, fmt.Sprintf("s-%d", i), 3)
	}

	c := New(store, funcInvoker(func(context.Context, string) (string, error) {
		return "", nil
	}), newRecordingSink(), testConfig(2), quietLogger())

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Pending != 3 || st.MaxWorkers != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.PerPriority[5] != 3 {
		t.Fatalf("per-priority = %+v", st.PerPriority)
	}
}

func TestCoordinatorShutdownStopsIdleSlots(t *testing.T) {
	store := testStore()
	c := New(store, funcInvoker(func(context.Context, string) (string, error) {
		return "", nil
	}), newRecordingSink(), testConfig(4), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle slots did not exit after cancel")
	}
}
