/*
Package worker supervises one external inference process.

LIFECYCLE:

	w := worker.New(cfg)
	w.Start(ctx)            spawn + wait for READY (init timeout)
	w.TryAcquire()          pool claims an idle worker
	w.Predict(ctx, req, 0)  one request line in, one response line out
	w.Kill()                SIGTERM, then SIGKILL after the grace period

PROCESS PLUMBING:

	stdin   <- one JSON request per line (written with the call deadline)
	stdout  -> raw chunks routed to the active call's sink, dropped otherwise
	stderr  -> forwarded to slog, level mapped from the Python log prefix
	Wait()  -> closes Exited(); unsolicited exits are the pool's restart signal

THREAD SAFETY:

	mu guards state, counters and the in-call flag. The stdout sink has its
	own lock because exec's copy goroutine writes into it.
*/
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/e7canasta/orion-care-classifier/internal/protocol"
)

const (
	DefaultInitTimeout            = 60 * time.Second
	DefaultPredictionTimeout      = 60 * time.Second
	DefaultFirstPredictionTimeout = 120 * time.Second
	DefaultKillGrace              = 2 * time.Second
	DefaultFailureThreshold       = 3

	sinkBuffer = 16
)

// Config describes how to spawn and drive one worker process.
type Config struct {
	ID           int
	Executable   string
	Script       string
	ModelPath    string
	ModelKeyPath string
	Env          map[string]string

	InitTimeout            time.Duration
	PredictionTimeout      time.Duration
	FirstPredictionTimeout time.Duration
	KillGrace              time.Duration
	MaxOutputBytes         int
	FailureThreshold       int
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.PredictionTimeout <= 0 {
		c.PredictionTimeout = DefaultPredictionTimeout
	}
	if c.FirstPredictionTimeout <= 0 {
		c.FirstPredictionTimeout = DefaultFirstPredictionTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = protocol.DefaultMaxOutputBytes
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Worker owns one inference process and its standard streams.
type Worker struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	inCall    bool
	failures  int
	lastErr   error
	firstCall bool
	jobs      uint64
	pid       int
	startedAt time.Time

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	cancel  context.CancelFunc
	started atomic.Bool
	killed  atomic.Bool
	resync  atomic.Bool
	exited  chan struct{}
	exitErr error

	sinkMu sync.Mutex
	sink   *outputSink
}

// outputSink receives stdout chunks while a handshake or call is listening.
type outputSink struct {
	ch   chan []byte
	done chan struct{}
}

// New creates a worker in StateStarting. Nothing is spawned until Start.
func New(cfg Config) *Worker {
	cfg = cfg.withDefaults()

	return &Worker{
		cfg:       cfg,
		log:       slog.With("worker_id", cfg.ID),
		state:     StateStarting,
		firstCall: true,
		exited:    make(chan struct{}),
	}
}

// ID returns the worker's slot index.
func (w *Worker) ID() int {
	return w.cfg.ID
}

// Start spawns the process and blocks until it prints the READY sentinel.
//
// Failure modes:
//   - spawn error (missing executable)       -> ErrStartup, immediately
//   - process exits before READY (bad model) -> ErrStartup, immediately
//   - no READY within InitTimeout            -> process killed, ErrInitTimeout
//   - ctx cancelled                          -> process killed, ctx.Err()
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: worker %d already started", ErrStartup, w.cfg.ID)
	}

	sink := w.attachSink()
	defer w.detachSink(sink)

	if err := w.spawn(); err != nil {
		w.markExited(err)
		close(w.exited)
		return err
	}

	timer := time.NewTimer(w.cfg.InitTimeout)
	defer timer.Stop()

	var seen []byte
	ready := func(chunk []byte) bool {
		seen = append(seen, chunk...)
		if bytes.Contains(seen, []byte(protocol.ReadySentinel)) {
			return true
		}
		if keep := len(protocol.ReadySentinel) - 1; len(seen) > keep {
			seen = seen[len(seen)-keep:]
		}
		return false
	}

	for {
		select {
		case chunk := <-sink.ch:
			if ready(chunk) {
				w.mu.Lock()
				alive := w.state == StateStarting
				if alive {
					w.state = StateReady
				}
				w.mu.Unlock()

				if !alive {
					return fmt.Errorf("%w: worker %d exited right after ready: %v", ErrStartup, w.cfg.ID, w.ExitErr())
				}

				w.log.Info("inference worker ready",
					"pid", w.pid,
					"startup_ms", time.Since(w.startedAt).Milliseconds(),
				)
				return nil
			}

		case <-w.exited:
			return fmt.Errorf("%w: worker %d exited before ready: %v", ErrStartup, w.cfg.ID, w.ExitErr())

		case <-timer.C:
			w.log.Error("inference worker did not become ready, killing",
				"pid", w.pid,
				"init_timeout", w.cfg.InitTimeout,
				"action", "check model path and worker stderr",
			)
			w.Kill()
			return fmt.Errorf("%w: worker %d after %s", ErrInitTimeout, w.cfg.ID, w.cfg.InitTimeout)

		case <-ctx.Done():
			w.Kill()
			return ctx.Err()
		}
	}
}

// spawn starts the process with captured stdio.
func (w *Worker) spawn() error {
	args := make([]string, 0, 2)
	if w.cfg.Script != "" {
		args = append(args, w.cfg.Script)
	}
	args = append(args, protocol.ServerModeArg)

	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, w.cfg.Executable, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = w.cfg.KillGrace
	cmd.Env = w.environ()
	cmd.Stdout = stdoutWriter{w}
	cmd.Stderr = newStderrLogger(w.log)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: failed to create stdin pipe: %v", ErrStartup, err)
	}

	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: failed to spawn %s: %v", ErrStartup, w.cfg.Executable, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.cancel = cancel
	w.pid = cmd.Process.Pid
	w.mu.Unlock()

	w.log.Info("inference worker spawned",
		"pid", cmd.Process.Pid,
		"executable", w.cfg.Executable,
		"script", w.cfg.Script,
	)

	go w.waitProcess(cmd)

	return nil
}

func (w *Worker) environ() []string {
	env := append(os.Environ(),
		"MODEL_PATH="+w.cfg.ModelPath,
		"WORKER_ID="+strconv.Itoa(w.cfg.ID),
		"PYTHONUNBUFFERED=1",
	)
	if w.cfg.ModelKeyPath != "" {
		env = append(env, "MODEL_KEY_PATH="+w.cfg.ModelKeyPath)
	}
	for k, v := range w.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// waitProcess reaps the process and publishes the exit through Exited().
func (w *Worker) waitProcess(cmd *exec.Cmd) {
	err := cmd.Wait()

	w.markExited(err)

	if w.killed.Load() {
		w.log.Debug("inference worker exited (killed)", "pid", cmd.Process.Pid)
	} else {
		w.log.Error("inference worker exited unexpectedly",
			"pid", cmd.Process.Pid,
			"error", err,
		)
	}

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	close(w.exited)
}

func (w *Worker) markExited(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = StateExited
	w.exitErr = err
	if err != nil {
		w.lastErr = err
	}
}

// Exited is closed once the process is gone.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// ExitErr returns the process exit error, valid after Exited is closed.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Killed reports whether the exit was requested through Kill.
func (w *Worker) Killed() bool {
	return w.killed.Load()
}

// Kill terminates the process: SIGTERM first, SIGKILL once KillGrace has
// elapsed. Blocks until the process has been reaped. Idempotent.
func (w *Worker) Kill() {
	w.killed.Store(true)

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel == nil {
		// Never spawned or spawn failed.
		if w.started.Load() {
			<-w.exited
		}
		return
	}

	cancel()
	<-w.exited
}

// TryAcquire claims an idle, ready worker for one call.
func (w *Worker) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateReady {
		return false
	}
	w.state = StateBusy
	return true
}

// Release gives back a claim that was never used for a call.
func (w *Worker) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateBusy && !w.inCall {
		w.state = StateReady
	}
}

// Predict runs one inference call.
//
// The worker must be ready and have no call in flight; a claim taken with
// TryAcquire is consumed. timeout <= 0 selects FirstPredictionTimeout for
// the worker's first call and PredictionTimeout afterwards.
//
// A response the worker itself marked as failed is returned without error.
// Timeouts leave the process running. Reaching FailureThreshold moves the
// worker to StateRetiring, where it keeps running but is never claimed.
func (w *Worker) Predict(ctx context.Context, req protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	first, err := w.beginCall()
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = w.cfg.PredictionTimeout
		if first {
			timeout = w.cfg.FirstPredictionTimeout
		}
	}

	start := time.Now()
	resp, err := w.call(ctx, req, timeout)
	w.endCall(err)

	if err != nil {
		w.log.Warn("inference call failed",
			"request_id", req.ID,
			"image", req.ImagePath,
			"first_call", first,
			"timeout", timeout,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	w.log.Debug("inference call complete",
		"request_id", req.ID,
		"success", resp.Success,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (w *Worker) beginCall() (first bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.state == StateBusy && w.inCall:
		return false, fmt.Errorf("%w: worker %d", ErrBusy, w.cfg.ID)
	case w.state == StateBusy, w.state == StateReady:
		w.state = StateBusy
		w.inCall = true
		return w.firstCall, nil
	default:
		return false, fmt.Errorf("%w: worker %d is %s", ErrNotReady, w.cfg.ID, w.state)
	}
}

func (w *Worker) endCall(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.inCall = false

	switch {
	case err == nil:
		w.failures = 0
		w.firstCall = false
		w.jobs++
	case errors.Is(err, context.Canceled):
		// Caller gave up; not the worker's fault.
	default:
		w.failures++
		w.lastErr = err
	}

	if w.state == StateExited {
		return
	}
	// Retire under the same lock that frees the worker, so no waiter can
	// claim a process that is about to be recycled.
	w.state = StateReady
	if w.failures >= w.cfg.FailureThreshold {
		w.state = StateRetiring
	}
}

func (w *Worker) call(ctx context.Context, req protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	line, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	sink := w.attachSink()
	defer w.detachSink(sink)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := w.writeLine(ctx, line, timer.C); err != nil {
		if errors.Is(err, ErrPredictionTimeout) {
			return nil, fmt.Errorf("%w after %s (stdin blocked)", ErrPredictionTimeout, timeout)
		}
		return nil, err
	}

	dec := protocol.NewLineDecoder(req.ID, w.cfg.MaxOutputBytes)

	for {
		select {
		case chunk := <-sink.ch:
			resp, err := dec.Feed(chunk)
			if errors.Is(err, protocol.ErrOutputSizeExceeded) {
				w.skipLine(sink, chunk, timer.C)
			}
			if err != nil || resp != nil {
				return resp, err
			}

		case <-w.exited:
			// Wait returns only after every stdout write has been handed
			// to the sink, so whatever the process said is already queued.
			for {
				select {
				case chunk := <-sink.ch:
					resp, err := dec.Feed(chunk)
					if err != nil || resp != nil {
						return resp, err
					}
					continue
				default:
				}
				break
			}
			if resp, err := dec.Flush(); resp != nil {
				return resp, nil
			} else if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrCrashed, w.ExitErr())

		case <-timer.C:
			if n := dec.Malformed(); n > 0 {
				return nil, fmt.Errorf("%w: %d reply line(s) without data, no valid reply within %s",
					protocol.ErrMalformedResponse, n, timeout)
			}
			return nil, fmt.Errorf("%w after %s", ErrPredictionTimeout, timeout)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// skipLine consumes output up to the end of the current line so the tail
// of an oversized response cannot answer the next call. If the deadline
// passes first, the stdout writer drops the remainder instead.
func (w *Worker) skipLine(sink *outputSink, chunk []byte, deadline <-chan time.Time) {
	for bytes.IndexByte(chunk, '\n') < 0 {
		select {
		case chunk = <-sink.ch:
		case <-w.exited:
			return
		case <-deadline:
			w.resync.Store(true)
			return
		}
	}
}

// writeLine writes to stdin without letting a stuck process block the call
// past its deadline.
func (w *Worker) writeLine(ctx context.Context, line []byte, deadline <-chan time.Time) error {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("%w: stdin not available", ErrWrite)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := stdin.Write(line)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		return nil
	case <-w.exited:
		return fmt.Errorf("%w: %v", ErrCrashed, w.ExitErr())
	case <-deadline:
		return ErrPredictionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldRestart reports whether consecutive failures reached the threshold.
func (w *Worker) ShouldRestart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures >= w.cfg.FailureThreshold
}

// Ready reports whether the handshake completed and the process is alive.
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateReady || w.state == StateBusy
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) attachSink() *outputSink {
	s := &outputSink{
		ch:   make(chan []byte, sinkBuffer),
		done: make(chan struct{}),
	}

	w.sinkMu.Lock()
	w.sink = s
	w.sinkMu.Unlock()

	return s
}

func (w *Worker) detachSink(s *outputSink) {
	w.sinkMu.Lock()
	if w.sink == s {
		w.sink = nil
	}
	w.sinkMu.Unlock()

	close(s.done)
}

// stdoutWriter routes process stdout to the active sink. Output written
// while nobody listens is dropped, as is the tail of an oversized line.
type stdoutWriter struct {
	w *Worker
}

func (o stdoutWriter) Write(p []byte) (int, error) {
	n := len(p)

	if o.w.resync.Load() {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return n, nil
		}
		o.w.resync.Store(false)
		p = p[i+1:]
		if len(p) == 0 {
			return n, nil
		}
	}

	o.w.sinkMu.Lock()
	s := o.w.sink
	o.w.sinkMu.Unlock()

	if s == nil {
		return n, nil
	}

	select {
	case s.ch <- bytes.Clone(p):
	case <-s.done:
	}
	return n, nil
}
