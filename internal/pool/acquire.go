package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-classifier/internal/worker"
)

// acquire claims an idle, ready worker.
//
// Waiters wake on any release and also on a poll tick, since slots can
// become ready without a release (respawn). The first waiter to scan wins;
// there is no queue.
func (p *Pool) acquire(ctx context.Context) (*worker.Worker, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	var tick <-chan time.Time

	for {
		if p.closed.Load() {
			return nil, ErrClosed
		}

		// Take the notification channel before scanning so a release that
		// lands between the scan and the select is not missed.
		released := p.releasedCh()

		if w := p.tryClaim(); w != nil {
			return w, nil
		}

		if tick == nil {
			t := time.NewTicker(p.cfg.PollInterval)
			defer t.Stop()
			tick = t.C
		}

		select {
		case <-released:
		case <-tick:
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", ErrWorkerUnavailable, p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// tryClaim scans the slots once, starting at a rotating offset so load
// spreads across workers.
func (p *Pool) tryClaim() *worker.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.slots)
	if n == 0 {
		return nil
	}

	start := int(p.next.Add(1) % uint64(n))
	for i := range n {
		w := p.slots[(start+i)%n]
		if w.TryAcquire() {
			return w
		}
	}
	return nil
}

func (p *Pool) releasedCh() <-chan struct{} {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	return p.released
}

// notifyReleased wakes every waiter in acquire.
func (p *Pool) notifyReleased() {
	p.notifyMu.Lock()
	close(p.released)
	p.released = make(chan struct{})
	p.notifyMu.Unlock()
}
