/*
Package pool runs a fixed set of inference workers and routes predictions
to them.

ARCHITECTURE:

	Predict(job)
	   │
	   ├─ acquire ──► scan slots ──► TryAcquire() on first Ready worker
	   │     ▲             │
	   │     └─ released / poll tick (no FIFO among waiters)
	   │
	   ├─ worker.Predict ──► Result
	   │
	   └─ retryable error? backoff RetryBackoff×attempt, up to MaxRetries

	watch(slot) ──► <-Exited() ──► respawn in place (capped exponential backoff)

THREAD SAFETY:

	mu guards the slot list and restart guards. Scans take the read lock;
	respawn swaps a slot under the write lock. Each worker serializes its own
	calls, so at most len(slots) calls are ever inside workers.
*/
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-classifier/internal/events"
	"github.com/e7canasta/orion-care-classifier/internal/protocol"
	"github.com/e7canasta/orion-care-classifier/internal/telemetry"
	"github.com/e7canasta/orion-care-classifier/internal/worker"
)

var (
	// ErrWorkerUnavailable - no worker became idle within the acquire timeout.
	ErrWorkerUnavailable = errors.New("pool: no worker available")
	// ErrClosed - the pool is shutting down.
	ErrClosed = errors.New("pool: closed")
	// ErrNotInitialized - Predict before a successful Initialize.
	ErrNotInitialized = errors.New("pool: not initialized")
	// ErrAlreadyInitialized - Initialize on a running pool.
	ErrAlreadyInitialized = errors.New("pool: already initialized")
)

const (
	DefaultSize              = 2
	DefaultStartStagger      = 500 * time.Millisecond
	DefaultAcquireTimeout    = 120 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = time.Second
	DefaultRestartDelay      = time.Second
	DefaultRestartDelayLimit = 30 * time.Second
)

// Config controls pool size, admission and retry behaviour. Worker is the
// template for every slot; its ID is set per slot.
type Config struct {
	Size   int
	Worker worker.Config

	StartStagger      time.Duration
	AcquireTimeout    time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RestartDelay      time.Duration
	RestartDelayLimit time.Duration

	// Optional sinks.
	Events  events.Publisher
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.StartStagger < 0 {
		c.StartStagger = 0
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.RestartDelayLimit < c.RestartDelay {
		c.RestartDelayLimit = max(DefaultRestartDelayLimit, c.RestartDelay)
	}
	return c
}

// Job is one prediction request.
type Job struct {
	ID        string
	ImagePath string
	Params    map[string]any
	// Timeout overrides the worker's first-call/steady-state timeout.
	Timeout time.Duration
}

// Pool owns the worker slots.
type Pool struct {
	cfg Config

	mu          sync.RWMutex
	slots       []*worker.Worker
	restarting  []bool
	initialized bool

	notifyMu sync.Mutex
	released chan struct{}
	next     atomic.Uint64

	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	watchers  sync.WaitGroup
	closeOnce sync.Once

	statsMu sync.Mutex
	stats   counters

	unobserve func() error
}

// New creates an empty pool. Nothing is spawned until Initialize.
func New(cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:      cfg.withDefaults(),
		released: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Size returns the configured number of workers.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Initialize validates the worker configuration and starts every worker,
// one after another. If any worker fails to start, the ones already running
// are killed and the error is returned: the pool never runs partially.
func (p *Pool) Initialize(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.RLock()
	done := p.initialized
	p.mu.RUnlock()
	if done {
		return ErrAlreadyInitialized
	}

	if err := p.validate(); err != nil {
		slog.Error("classifier pool configuration invalid",
			"error", err,
			"action", "check python executable, inference script and model path",
		)
		return err
	}

	slog.Info("starting classifier pool",
		"pool_size", p.cfg.Size,
		"executable", p.cfg.Worker.Executable,
		"script", p.cfg.Worker.Script,
		"model_path", p.cfg.Worker.ModelPath,
	)

	started := make([]*worker.Worker, 0, p.cfg.Size)
	rollback := func() {
		var g errgroup.Group
		for _, w := range started {
			g.Go(func() error {
				w.Kill()
				return nil
			})
		}
		_ = g.Wait()
	}

	for i := range p.cfg.Size {
		if i > 0 && p.cfg.StartStagger > 0 {
			select {
			case <-time.After(p.cfg.StartStagger):
			case <-ctx.Done():
				rollback()
				return ctx.Err()
			}
		}

		w := p.newWorker(i)
		started = append(started, w)

		if err := w.Start(ctx); err != nil {
			slog.Error("worker failed to start, rolling back pool",
				"worker_id", i,
				"started", len(started)-1,
				"error", err,
			)
			rollback()
			return fmt.Errorf("start worker %d: %w", i, err)
		}

		p.publish(events.Event{Kind: events.WorkerStarted, WorkerID: i, PID: w.Status().PID})
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		rollback()
		return ErrClosed
	}
	p.slots = started
	p.restarting = make([]bool, len(started))
	p.initialized = true
	for i, w := range started {
		p.watch(i, w)
	}
	p.mu.Unlock()

	if unobserve, err := p.cfg.Metrics.ObserveWorkers(p.counts); err == nil {
		p.unobserve = unobserve
	} else {
		slog.Warn("worker gauges not registered", "error", err)
	}

	p.publish(events.Event{Kind: events.PoolReady, WorkerID: -1})
	slog.Info("classifier pool ready", "pool_size", len(started))

	return nil
}

// validate checks that the worker can possibly start before anything is
// spawned.
func (p *Pool) validate() error {
	wc := p.cfg.Worker

	if wc.Executable == "" {
		return fmt.Errorf("%w: python executable not configured", worker.ErrStartup)
	}
	if _, err := exec.LookPath(wc.Executable); err != nil {
		return fmt.Errorf("%w: python executable %q: %v", worker.ErrStartup, wc.Executable, err)
	}
	if wc.Script != "" {
		if _, err := os.Stat(wc.Script); err != nil {
			return fmt.Errorf("%w: inference script: %v", worker.ErrStartup, err)
		}
	}
	if wc.ModelPath == "" {
		return fmt.Errorf("%w: model path not configured", worker.ErrStartup)
	}
	if _, err := os.Stat(wc.ModelPath); err != nil {
		return fmt.Errorf("%w: model: %v", worker.ErrStartup, err)
	}
	return nil
}

func (p *Pool) newWorker(id int) *worker.Worker {
	wc := p.cfg.Worker
	wc.ID = id
	return worker.New(wc)
}

// Predict runs job on some idle worker, retrying transient failures.
//
// Algorithm:
//  1. Acquire a worker (notify-on-release, poll fallback, AcquireTimeout)
//  2. Run the call; a well-formed reply ends the loop, whatever it says
//  3. Retryable error: wait RetryBackoff×attempt and go again, at most
//     MaxRetries times; PREDICTION_FAILED once exhausted
//  4. Anything else fails immediately with its own code
//
// Statistics are updated after each attempt. Predict never returns an
// error: every outcome is a Result.
func (p *Pool) Predict(ctx context.Context, job Job) Result {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.RLock()
	initialized := p.initialized
	p.mu.RUnlock()
	if !initialized {
		res := Failure(CodeNotInitialized, ErrNotInitialized.Error())
		res.RequestID = job.ID
		return res
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.RetryBackoff * time.Duration(attempt)
			slog.Warn("retrying prediction",
				"request_id", job.ID,
				"attempt", attempt+1,
				"max_attempts", p.cfg.MaxRetries+1,
				"backoff", backoff,
				"error", lastErr,
			)
			if err := p.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		res, err := p.attempt(ctx, job)
		if err == nil {
			res.RequestID = job.ID
			res.Attempts = attempts
			return res
		}

		lastErr = err
		if !Retryable(err) {
			res := Failure(CodeOf(err), err.Error())
			res.RequestID = job.ID
			res.Attempts = attempts
			return res
		}
	}

	if code := CodeOf(lastErr); code == CodeCancelled {
		res := Failure(code, lastErr.Error())
		res.RequestID = job.ID
		res.Attempts = attempts
		return res
	}

	slog.Error("prediction failed after retries",
		"request_id", job.ID,
		"image", job.ImagePath,
		"attempts", attempts,
		"error", lastErr,
	)
	p.publish(events.Event{Kind: events.PredictionFailed, WorkerID: -1, Reason: string(CodeOf(lastErr)), Error: errString(lastErr)})

	res := Failure(CodePredictionFailed, fmt.Sprintf("prediction failed after %d attempts: %v", attempts, lastErr))
	res.RequestID = job.ID
	res.Attempts = attempts
	return res
}

// attempt runs one acquire + call. A nil error means the worker produced a
// well-formed reply, which may itself be a reported failure.
func (p *Pool) attempt(ctx context.Context, job Job) (Result, error) {
	start := time.Now()

	w, err := p.acquire(ctx)
	wait := time.Since(start)

	p.statsMu.Lock()
	p.stats.recordWait(wait)
	p.statsMu.Unlock()
	p.cfg.Metrics.RecordAcquireWait(ctx, wait)

	if err != nil {
		p.finishAttempt(ctx, CodeOf(err), 0)
		return Result{}, err
	}

	callStart := time.Now()
	resp, err := w.Predict(ctx, protocol.Request{
		ID:        job.ID,
		ImagePath: job.ImagePath,
		Params:    job.Params,
	}, job.Timeout)
	elapsed := time.Since(callStart)

	if w.ShouldRestart() {
		p.recycle(w)
	}
	p.notifyReleased()

	if err != nil {
		p.finishAttempt(ctx, CodeOf(err), elapsed)
		return Result{}, err
	}

	var res Result
	if resp.Success {
		res = Success(resp.Data)
	} else {
		msg := resp.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		res = Failure(CodeWorkerError, msg)
		res.ErrorType = resp.ErrorType
	}
	res.WorkerID = w.ID()

	p.finishAttempt(ctx, res.Code, elapsed)
	return res, nil
}

func (p *Pool) finishAttempt(ctx context.Context, code Code, elapsed time.Duration) {
	p.statsMu.Lock()
	p.stats.recordAttempt(code == "")
	p.statsMu.Unlock()

	p.cfg.Metrics.RecordAttempt(ctx, string(code), elapsed)
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// CheckHealth reports whether at least one worker can take a call.
func (p *Pool) CheckHealth() bool {
	ready, _, _ := p.counts()
	return ready > 0
}

func (p *Pool) counts() (ready, busy, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.slots {
		switch w.State() {
		case worker.StateReady:
			ready++
		case worker.StateBusy:
			ready++
			busy++
		}
	}
	return ready, busy, p.cfg.Size
}

// Stats returns pool counters and per-worker status.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	slots := append([]*worker.Worker(nil), p.slots...)
	initialized := p.initialized
	p.mu.RUnlock()

	st := Stats{
		PoolSize:    p.cfg.Size,
		Initialized: initialized,
		Workers:     make([]worker.Status, 0, len(slots)),
	}
	for _, w := range slots {
		ws := w.Status()
		if ws.Ready {
			st.ReadyWorkers++
		}
		if ws.Busy {
			st.BusyWorkers++
		}
		st.Workers = append(st.Workers, ws)
	}

	p.statsMu.Lock()
	st.TotalJobs = p.stats.total
	st.SuccessfulJobs = p.stats.succeeded
	st.FailedJobs = p.stats.failed
	st.WorkerRestarts = p.stats.restarts
	st.AvgWaitTimeMs = p.stats.avgWait
	p.statsMu.Unlock()

	return st
}

// Cleanup stops respawning and kills every worker concurrently. Safe to
// call more than once and before Initialize.
func (p *Pool) Cleanup() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()

		p.mu.Lock()
		slots := p.slots
		p.slots = nil
		p.restarting = nil
		p.initialized = false
		p.mu.Unlock()

		slog.Info("stopping classifier pool", "workers", len(slots))

		var g errgroup.Group
		for _, w := range slots {
			g.Go(func() error {
				w.Kill()
				return nil
			})
		}
		_ = g.Wait()

		p.watchers.Wait()
		p.notifyReleased()

		if p.unobserve != nil {
			_ = p.unobserve()
		}

		p.publish(events.Event{Kind: events.PoolStopped, WorkerID: -1})
		slog.Info("classifier pool stopped")
	})
}

func (p *Pool) publish(ev events.Event) {
	if p.cfg.Events != nil {
		p.cfg.Events.Publish(ev)
	}
}

func (p *Pool) slotLog(id int) *slog.Logger {
	return slog.With("worker_id", id)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
