package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/astroline/prioq/internal/queue"
)

// heartbeatHandle keeps one lease alive while its backend call runs.
// Losing the lease (purge, reap) flips lost so the slot discards its
// result instead of acking a request it no longer owns.
type heartbeatHandle struct {
	stopCh chan struct{}
	doneCh chan struct{}
	lost   atomic.Bool
}

func (c *Coordinator) startHeartbeater(ctx context.Context, lease *queue.Lease) *heartbeatHandle {
	h := &heartbeatHandle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go func() {
		defer close(h.doneCh)

		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := c.store.Heartbeat(ctx, lease.ID, lease.Token); err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						h.lost.Store(true)
						return
					}
					c.logger.Printf("dispatch: heartbeat %s: %v", lease.ID, err)
				}
			}
		}
	}()

	return h
}

func (h *heartbeatHandle) stop() {
	close(h.stopCh)
	select {
	case <-h.doneCh:
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *heartbeatHandle) lostLease() bool {
	return h.lost.Load()
}
