package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-classifier/classifier"
	"github.com/e7canasta/orion-care-classifier/internal/config"
)

func TestConfigCommandPrintsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classifier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_id: ward-3
worker:
  model_path: /models/plant.onnx
pool:
  size: 4
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.Execute())

	var got config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "ward-3", got.InstanceID)
	assert.Equal(t, 4, got.Pool.Size)
	assert.Equal(t, "python3", got.Worker.PythonExecutable)
	assert.Equal(t, "care/classifier/ward-3/events", got.MQTT.Topics.Events)
	require.NotNil(t, got.Pool.MaxRetries)
	assert.Equal(t, 3, *got.Pool.MaxRetries)
}

func TestConfigCommandRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classifier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  size: 2\n"), 0o644))

	rootCmd.SetArgs([]string{"config", "--config", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_path")
}

type stubPredictor struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *stubPredictor) PredictJob(_ context.Context, job classifier.Job) classifier.Result {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return classifier.Result{Success: true, RequestID: filepath.Base(job.ImagePath)}
}

func TestPredictAllKeepsOrderAndLimit(t *testing.T) {
	dir := t.TempDir()
	var images []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("img"), 0o644))
		images = append(images, p)
	}
	images = append(images, filepath.Join(dir, "missing.jpg"))

	stub := &stubPredictor{}
	results := predictAll(context.Background(), stub, images, 2, 0)

	require.Len(t, results, 6)
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"} {
		assert.True(t, results[i].Success)
		assert.Equal(t, name, results[i].RequestID)
	}

	missing := results[5]
	assert.False(t, missing.Success)
	assert.Equal(t, classifier.CodePredictionFailed, missing.Code)
	assert.Equal(t, -1, missing.WorkerID)

	assert.LessOrEqual(t, stub.peak.Load(), int32(2))
}
