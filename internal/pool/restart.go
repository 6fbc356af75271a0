package pool

import (
	"context"
	"time"

	"github.com/e7canasta/orion-care-classifier/internal/events"
	"github.com/e7canasta/orion-care-classifier/internal/worker"
)

const (
	reasonCrashed   = "crashed"
	reasonUnhealthy = "unhealthy"
)

// watch respawns slot id when w exits on its own. Exits requested through
// Kill are left to whoever called it.
func (p *Pool) watch(id int, w *worker.Worker) {
	p.watchers.Add(1)
	go func() {
		defer p.watchers.Done()

		select {
		case <-w.Exited():
		case <-p.ctx.Done():
			return
		}

		if p.closed.Load() || w.Killed() {
			return
		}

		p.publish(events.Event{
			Kind:     events.WorkerExited,
			WorkerID: id,
			PID:      w.Status().PID,
			Error:    errString(w.ExitErr()),
		})

		if !p.claimRestart(id, w) {
			return
		}
		p.respawn(id, reasonCrashed)
	}()
}

// recycle kills a worker that reached its failure threshold and respawns
// the slot. The caller does not wait for the new process.
func (p *Pool) recycle(w *worker.Worker) {
	id := w.ID()

	// Cleanup clears the slots under mu before waiting on watchers, so the
	// Add below always happens before that Wait or not at all.
	p.mu.Lock()
	claimed := p.claimRestartLocked(id, w)
	if claimed {
		p.watchers.Add(1)
	}
	p.mu.Unlock()
	if !claimed {
		return
	}

	st := w.Status()
	p.slotLog(id).Warn("recycling unhealthy worker",
		"failures", st.Failures,
		"last_error", st.LastError,
	)

	go func() {
		defer p.watchers.Done()

		w.Kill()
		p.publish(events.Event{Kind: events.WorkerRecycled, WorkerID: id, Reason: reasonUnhealthy})
		p.respawn(id, reasonUnhealthy)
	}()
}

// claimRestart marks slot id as restarting if it still holds w and nobody
// else is restarting it.
func (p *Pool) claimRestart(id int, w *worker.Worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimRestartLocked(id, w)
}

func (p *Pool) claimRestartLocked(id int, w *worker.Worker) bool {
	if p.closed.Load() || id >= len(p.slots) || p.slots[id] != w || p.restarting[id] {
		return false
	}
	p.restarting[id] = true
	return true
}

// respawn starts a replacement for slot id, retrying with capped exponential
// backoff until it succeeds or the pool closes. The slot keeps its exited
// worker meanwhile, so scans skip it.
func (p *Pool) respawn(id int, reason string) {
	log := p.slotLog(id)

	for attempt := 1; ; attempt++ {
		if p.closed.Load() {
			p.releaseRestart(id)
			return
		}

		w := p.newWorker(id)
		err := w.Start(p.ctx)
		if err == nil {
			p.mu.Lock()
			if p.closed.Load() || id >= len(p.slots) {
				p.mu.Unlock()
				w.Kill()
				return
			}
			p.slots[id] = w
			p.restarting[id] = false
			p.mu.Unlock()

			p.statsMu.Lock()
			p.stats.restarts++
			p.statsMu.Unlock()
			p.cfg.Metrics.RecordRestart(context.Background(), reason)

			log.Info("worker restarted", "reason", reason, "attempt", attempt, "pid", w.Status().PID)
			p.publish(events.Event{Kind: events.WorkerRestarted, WorkerID: id, PID: w.Status().PID, Reason: reason})

			p.watch(id, w)
			p.notifyReleased()
			return
		}

		delay := restartBackoff(attempt, p.cfg.RestartDelay, p.cfg.RestartDelayLimit)
		log.Error("worker restart failed",
			"reason", reason,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
			"action", "slot stays unavailable until a restart succeeds",
		)
		p.publish(events.Event{Kind: events.WorkerRestartFail, WorkerID: id, Reason: reason, Error: err.Error()})

		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			p.releaseRestart(id)
			return
		}
	}
}

func (p *Pool) releaseRestart(id int) {
	p.mu.Lock()
	if id < len(p.restarting) {
		p.restarting[id] = false
	}
	p.mu.Unlock()
}

// restartBackoff is base×2^(attempt-1), capped at limit.
func restartBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return limit
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > limit || d <= 0 {
		return limit
	}
	return d
}
