package worker

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-classifier/internal/protocol"
	"github.com/e7canasta/orion-care-classifier/internal/testutil/fakeworker"
)

func TestMain(m *testing.M) {
	fakeworker.RunIfRequested()
	os.Exit(m.Run())
}

func newTestWorker(t *testing.T, opts fakeworker.Options, mutate func(*Config)) *Worker {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := Config{
		ID:                     0,
		Executable:             exe,
		ModelPath:              "/models/best_model.encrypted",
		Env:                    fakeworker.Env(opts),
		InitTimeout:            5 * time.Second,
		PredictionTimeout:      2 * time.Second,
		FirstPredictionTimeout: 4 * time.Second,
		KillGrace:              500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	w := New(cfg)
	t.Cleanup(w.Kill)
	return w
}

func startTestWorker(t *testing.T, opts fakeworker.Options, mutate func(*Config)) *Worker {
	t.Helper()

	w := newTestWorker(t, opts, mutate)
	require.NoError(t, w.Start(context.Background()))
	return w
}

func predict(t *testing.T, w *Worker, image string) (*protocol.Response, error) {
	t.Helper()
	return w.Predict(context.Background(), protocol.Request{ID: image + "-req", ImagePath: "/uploads/" + image}, 0)
}

func TestStartAndPredict(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	assert.Equal(t, StateReady, w.State())
	assert.True(t, w.Status().FirstCall)

	resp, err := predict(t, w, "leaf.jpg")
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), `"predicted_class":"Healthy"`)

	st := w.Status()
	assert.Equal(t, StateReady, st.State)
	assert.False(t, st.FirstCall)
	assert.Equal(t, uint64(1), st.Jobs)
	assert.Equal(t, 0, st.Failures)
	assert.NotZero(t, st.PID)
}

func TestStartFailsFastWhenProcessExits(t *testing.T) {
	w := newTestWorker(t, fakeworker.Options{FailWorkers: []int{0}}, func(c *Config) {
		c.InitTimeout = 10 * time.Second
	})

	start := time.Now()
	err := w.Start(context.Background())

	require.ErrorIs(t, err, ErrStartup)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateExited, w.State())
}

func TestStartMissingExecutable(t *testing.T) {
	w := New(Config{Executable: "/nonexistent/python3", ModelPath: "/models/m"})

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrStartup)

	select {
	case <-w.Exited():
	default:
		t.Fatal("exited channel must be closed after a failed spawn")
	}
	w.Kill()
}

func TestStartInitTimeout(t *testing.T) {
	w := newTestWorker(t, fakeworker.Options{NoReady: true}, func(c *Config) {
		c.InitTimeout = 300 * time.Millisecond
	})

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrInitTimeout)

	select {
	case <-w.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process must be killed after init timeout")
	}
	assert.True(t, w.Killed())
}

func TestPredictSkipsGarbageLines(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{Garbage: true}, nil)

	resp, err := predict(t, w, "leaf.jpg")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestPredictWorkerReportedFailure(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	resp, err := predict(t, w, "missing.jpg")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "FileNotFoundError", resp.ErrorType)
	assert.Equal(t, 0, w.Status().Failures)
	assert.False(t, w.Status().FirstCall)
}

func TestPredictOutputSizeExceeded(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{HugeBytes: 256 * 1024}, func(c *Config) {
		c.MaxOutputBytes = 8 * 1024
	})

	_, err := predict(t, w, "huge.jpg")
	require.ErrorIs(t, err, protocol.ErrOutputSizeExceeded)

	assert.Equal(t, StateReady, w.State())
	assert.Equal(t, 1, w.Status().Failures)

	resp, err := predict(t, w, "leaf.jpg")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestFirstCallUsesWarmupTimeout(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{FirstDelay: 500 * time.Millisecond}, func(c *Config) {
		c.PredictionTimeout = 250 * time.Millisecond
		c.FirstPredictionTimeout = 3 * time.Second
	})

	// 500ms is over the steady-state timeout but within the warm-up one.
	resp, err := predict(t, w, "leaf.jpg")
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = predict(t, w, "slow-500.jpg")
	require.ErrorIs(t, err, ErrPredictionTimeout)
}

func TestTimeoutKeepsProcessAndCountsFailures(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, func(c *Config) {
		c.PredictionTimeout = 100 * time.Millisecond
		c.FirstPredictionTimeout = 100 * time.Millisecond
		c.FailureThreshold = 3
	})

	for i := 0; i < 2; i++ {
		_, err := predict(t, w, "slow-300.jpg")
		require.ErrorIs(t, err, ErrPredictionTimeout)
	}
	assert.False(t, w.ShouldRestart())
	assert.Equal(t, 2, w.Status().Failures)

	assert.Equal(t, StateReady, w.State())
	select {
	case <-w.Exited():
		t.Fatal("a timeout must not kill the process")
	default:
	}

	// Late replies to the abandoned calls are not mistaken for this one.
	time.Sleep(700 * time.Millisecond)
	resp, err := w.Predict(context.Background(), protocol.Request{ID: "fresh", ImagePath: "/uploads/leaf.jpg"}, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(resp.Data), "leaf.jpg")
	assert.Zero(t, w.Status().Failures)
}

func TestReplyWithoutDataIsMalformed(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, func(c *Config) {
		c.PredictionTimeout = 200 * time.Millisecond
		c.FirstPredictionTimeout = 200 * time.Millisecond
	})

	_, err := predict(t, w, "nodata.jpg")
	require.ErrorIs(t, err, protocol.ErrMalformedResponse)
	assert.NotErrorIs(t, err, ErrPredictionTimeout)

	resp, err := predict(t, w, "leaf.jpg")
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestFailureThresholdRetiresWorker(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, func(c *Config) {
		c.PredictionTimeout = 100 * time.Millisecond
		c.FirstPredictionTimeout = 100 * time.Millisecond
		c.FailureThreshold = 1
	})

	_, err := predict(t, w, "slow-300.jpg")
	require.ErrorIs(t, err, ErrPredictionTimeout)

	assert.True(t, w.ShouldRestart())
	assert.Equal(t, StateRetiring, w.State())
	assert.False(t, w.Ready())
	assert.False(t, w.TryAcquire())

	_, err = predict(t, w, "leaf.jpg")
	assert.ErrorIs(t, err, ErrNotReady)

	select {
	case <-w.Exited():
		t.Fatal("retiring leaves the process to whoever recycles it")
	default:
	}

	w.Kill()
	assert.Equal(t, StateExited, w.State())
}

func TestExplicitTimeoutOverridesDefaults(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	_, err := w.Predict(context.Background(), protocol.Request{ImagePath: "/uploads/slow-400.jpg"}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrPredictionTimeout)
}

func TestCrashDuringPredict(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	_, err := predict(t, w, "crash.jpg")
	require.ErrorIs(t, err, ErrCrashed)

	select {
	case <-w.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("exit not signalled")
	}
	assert.False(t, w.Killed())
	assert.Equal(t, StateExited, w.State())
	assert.False(t, w.Ready())

	_, err = predict(t, w, "leaf.jpg")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPredictRejectsConcurrentCall(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := predict(t, w, "slow-400.jpg")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return w.Status().Busy
	}, time.Second, 5*time.Millisecond)

	_, err := predict(t, w, "leaf.jpg")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, <-done)
}

func TestTryAcquireRelease(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	require.True(t, w.TryAcquire())
	assert.False(t, w.TryAcquire())
	assert.Equal(t, StateBusy, w.State())

	w.Release()
	assert.Equal(t, StateReady, w.State())

	// A claim is consumed by the call that follows it.
	require.True(t, w.TryAcquire())
	_, err := predict(t, w, "leaf.jpg")
	require.NoError(t, err)
	assert.Equal(t, StateReady, w.State())
}

func TestKillIsIdempotent(t *testing.T) {
	w := startTestWorker(t, fakeworker.Options{}, nil)

	w.Kill()
	w.Kill()

	assert.True(t, w.Killed())
	assert.Equal(t, StateExited, w.State())
	assert.False(t, w.TryAcquire())
}

func TestStderrLevelMapping(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := newStderrLogger(log)
	_, _ = l.Write([]byte("2025-01-01 [INFO] loading model\n2025-01-01 [WARN"))
	_, _ = l.Write([]byte("ING] cuda not available\nTraceback (most recent call last):\n"))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)

	assert.Contains(t, lines[0], "level=DEBUG")
	assert.Contains(t, lines[0], "loading model")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "cuda not available")
	assert.Contains(t, lines[2], "level=ERROR")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "retiring", StateRetiring.String())
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "unknown", State(42).String())
}
