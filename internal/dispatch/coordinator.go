// Package dispatch bridges the queue store and the worker pool. The
// coordinator owns the pull/ack/nack protocol and the concurrency
// ceiling protecting the inference backend: at most MaxWorkers
// requests are ever in flight, enforced structurally by the slot
// count.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astroline/prioq/internal/backend"
	"github.com/astroline/prioq/internal/queue"
	"github.com/astroline/prioq/internal/sink"
)

type Config struct {
	// MaxWorkers is the sole admission control on the backend.
	MaxWorkers int

	// PollInterval paces idle slots when the queue is empty.
	PollInterval time.Duration

	// PromoteInterval / ReapInterval pace the housekeeping loops that
	// release delayed retries and recover orphaned leases.
	PromoteInterval time.Duration
	ReapInterval    time.Duration

	// InvokeTimeout bounds one backend call. Independent of the
	// store's lease timeout, which catches vanished workers.
	InvokeTimeout time.Duration

	// HeartbeatInterval extends the lease while a call runs.
	HeartbeatInterval time.Duration

	// DrainGrace bounds how long in-flight work may finish after a
	// shutdown signal before it is cut off.
	DrainGrace time.Duration

	Verbose bool
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
}

type Status struct {
	Pending     int         `json:"pending_count"`
	InFlight    int         `json:"in_flight_count"`
	Delayed     int         `json:"delayed_count"`
	PerPriority map[int]int `json:"per_priority"`
	MaxWorkers  int         `json:"max_workers"`

	// ActiveWorkers is this coordinator's own live slot count; it can
	// trail the store's in-flight figure while orphans await the
	// reaper.
	ActiveWorkers int `json:"active_workers"`
}

type Coordinator struct {
	store   queue.Store
	invoker backend.Invoker
	sink    sink.Sink
	cfg     Config
	logger  *log.Logger

	inFlight atomic.Int64
	rnd      func() float64
	rndMu    sync.Mutex
}

func New(store queue.Store, invoker backend.Invoker, snk sink.Sink, cfg Config, logger *log.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Coordinator{
		store:   store,
		invoker: invoker,
		sink:    snk,
		cfg:     cfg,
		logger:  logger,
		rnd:     r.Float64,
	}
}

// Run starts the housekeeping loop and MaxWorkers slots, then blocks
// until ctx is cancelled. Idle slots exit immediately on cancel;
// slots mid-call get DrainGrace to finish before their work context
// is cut.
func (c *Coordinator) Run(ctx context.Context) {
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.housekeeping(ctx, workCtx)
	}()

	for i := 0; i < c.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			c.slotLoop(ctx, workCtx, slot)
		}(i)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.DrainGrace):
		c.logger.Printf("dispatch: drain grace expired, aborting in-flight work")
		workCancel()
		<-done
	}
}

// Status merges the store's counters with the live in-flight count.
// Workers never touch these counters directly.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	st, err := c.store.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Pending:       st.Pending,
		InFlight:      st.InFlight,
		Delayed:       st.Delayed,
		PerPriority:   st.PerPriority,
		MaxWorkers:    c.cfg.MaxWorkers,
		ActiveWorkers: int(c.inFlight.Load()),
	}, nil
}

// Purge tears out all queued work. In-flight workers lose their
// leases and their eventual results are discarded.
func (c *Coordinator) Purge(ctx context.Context) (int, error) {
	n, err := c.store.Purge(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Printf("dispatch: purged %d requests", n)
	return n, nil
}

func (c *Coordinator) housekeeping(ctx, workCtx context.Context) {
	promote := time.NewTicker(c.cfg.PromoteInterval)
	defer promote.Stop()
	reap := time.NewTicker(c.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-promote.C:
			if _, err := c.store.PromoteDue(workCtx, 0); err != nil {
				c.logger.Printf("dispatch: promote: %v", err)
			}

		case <-reap.C:
			reaped, err := c.store.ReapExpired(workCtx, 0)
			if err != nil {
				c.logger.Printf("dispatch: reap: %v", err)
				continue
			}
			for _, r := range reaped {
				c.handleOrphan(workCtx, r)
			}
		}
	}
}

// handleOrphan surfaces a request recovered from a dead worker. The
// redelivery is logged, never silently absorbed; an orphan that
// exhausted its attempts still produces exactly one failure delivery.
func (c *Coordinator) handleOrphan(ctx context.Context, r queue.Reaped) {
	c.logger.Printf("dispatch: orphaned request %s user=%s attempt=%d => %s",
		r.ID, r.UserID, r.Attempt, r.Disposition)

	if r.Disposition == queue.DispositionAbandoned {
		reason := fmt.Sprintf("your request could not be completed after %d attempts", r.Attempt)
		if err := c.sink.DeliverFailure(ctx, r.UserID, r.ID, reason); err != nil {
			c.logger.Printf("dispatch: failure delivery for %s: %v", r.ID, err)
		}
	}
}

func (c *Coordinator) slotLoop(ctx, workCtx context.Context, slot int) {
	idleErrs := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := c.store.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			idleErrs++
			c.logger.Printf("dispatch: slot %d dequeue: %v", slot, err)
			sleepCtx(ctx, expJitter(idleErrs, c.cfg.PollInterval, 10*time.Second, c.randFloat))
			continue
		}
		idleErrs = 0

		if lease == nil {
			sleepCtx(ctx, c.cfg.PollInterval)
			continue
		}

		c.process(workCtx, slot, lease)
	}
}

func (c *Coordinator) process(workCtx context.Context, slot int, lease *queue.Lease) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	if c.cfg.Verbose {
		c.logger.Printf("dispatch: slot %d took request %s user=%s priority=%d attempt=%d",
			slot, lease.ID, lease.UserID, lease.Priority, lease.Attempt)
	}

	hb := c.startHeartbeater(workCtx, lease)

	result, invokeErr := c.invoke(workCtx, lease.Payload)

	hb.stop()

	if hb.lostLease() {
		// purged or reaped out from under us: the result must not be
		// applied to a request we no longer own
		c.logger.Printf("dispatch: slot %d discarding result for %s, lease lost mid-call", slot, lease.ID)
		return
	}

	if invokeErr == nil {
		c.complete(workCtx, slot, lease, result)
		return
	}
	c.fail(workCtx, slot, lease, invokeErr)
}

// invoke runs one backend call under its own timeout, converting a
// panic into a transient failure so a crashing handler still reports
// an outcome.
func (c *Coordinator) invoke(ctx context.Context, payload string) (result string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = backend.Transient(fmt.Sprintf("panic: %v", r))
		}
	}()

	return c.invoker.Invoke(callCtx, payload)
}

func (c *Coordinator) complete(ctx context.Context, slot int, lease *queue.Lease, result string) {
	if err := c.store.Ack(ctx, lease.ID, lease.Token); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			c.logger.Printf("dispatch: slot %d discarding result for %s: %v", slot, lease.ID, err)
			return
		}
		c.logger.Printf("dispatch: slot %d ack %s: %v", slot, lease.ID, err)
		return
	}

	if c.cfg.Verbose {
		c.logger.Printf("dispatch: slot %d completed request %s", slot, lease.ID)
	}

	if err := c.sink.Deliver(ctx, lease.UserID, lease.ID, result); err != nil {
		c.logger.Printf("dispatch: delivery for %s: %v", lease.ID, err)
	}
}

func (c *Coordinator) fail(ctx context.Context, slot int, lease *queue.Lease, invokeErr error) {
	permanent := !backend.IsTransient(invokeErr)

	res, err := c.store.Nack(ctx, lease.ID, lease.Token, invokeErr.Error(), permanent)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			c.logger.Printf("dispatch: slot %d discarding failure for %s: %v", slot, lease.ID, err)
			return
		}
		c.logger.Printf("dispatch: slot %d nack %s: %v", slot, lease.ID, err)
		return
	}

	switch res.Disposition {
	case queue.DispositionRetry:
		c.logger.Printf("dispatch: request %s attempt %d failed, retry at %s: %v",
			lease.ID, res.Attempt, res.NextRunAt.Format(time.RFC3339), invokeErr)

	case queue.DispositionAbandoned:
		c.logger.Printf("dispatch: request %s abandoned after %d attempts: %v",
			lease.ID, res.Attempt, invokeErr)

		reason := failureReason(invokeErr, res.Attempt, permanent)
		if err := c.sink.DeliverFailure(ctx, lease.UserID, lease.ID, reason); err != nil {
			c.logger.Printf("dispatch: failure delivery for %s: %v", lease.ID, err)
		}
	}
}

// failureReason is the human-readable text the user receives instead
// of silence.
func failureReason(err error, attempts int, permanent bool) string {
	if permanent {
		return fmt.Sprintf("your request was rejected: %v", err)
	}
	return fmt.Sprintf("your request could not be completed after %d attempts", attempts)
}

func (c *Coordinator) randFloat() float64 {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
