package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classifier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
worker:
  script: ai/inference_server.py
  model_path: models/best_model.encrypted
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "classifier", cfg.InstanceID)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 3, *cfg.Pool.MaxRetries)
	assert.Equal(t, 1000, cfg.Pool.RetryBackoffMS)
	assert.Equal(t, 120_000, cfg.Pool.AcquireTimeoutMS)
	assert.Equal(t, "python3", cfg.Worker.PythonExecutable)
	assert.Equal(t, 60_000, cfg.Worker.PredictionTimeoutMS)
	assert.Equal(t, 120_000, cfg.Worker.FirstPredictionTimeoutMS)
	assert.Equal(t, 1<<20, cfg.Worker.MaxOutputBytes)
	assert.Equal(t, "json", cfg.MQTT.PayloadFormat)
	assert.Equal(t, "care/classifier/classifier/events", cfg.MQTT.Topics.Events)
	assert.Equal(t, "care/classifier/classifier/control/commands", cfg.MQTT.Topics.Control)
	assert.Equal(t, "care/classifier/classifier/control/responses", cfg.MQTT.Topics.Responses)
	assert.Equal(t, 2*time.Minute, Millis(cfg.Worker.FirstPredictionTimeoutMS))
}

func TestLoadExplicitZeroRetries(t *testing.T) {
	path := writeConfig(t, `
pool:
  max_retries: 0
worker:
  model_path: m.pth
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, *cfg.Pool.MaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
pool:
  size: 4
worker:
  model_path: from-file.pth
`)

	t.Setenv("CLASSIFIER_POOL_SIZE", "3")
	t.Setenv("MODEL_PATH", "/models/from-env.encrypted")
	t.Setenv("MODEL_KEY_PATH", "/secrets/model.key")
	t.Setenv("PYTHON_EXECUTABLE", "/venv/bin/python")
	t.Setenv("PREDICTION_TIMEOUT_MS", "30000")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("MAX_OUTPUT_SIZE", "2048")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, "/models/from-env.encrypted", cfg.Worker.ModelPath)
	assert.Equal(t, "/secrets/model.key", cfg.Worker.ModelKeyPath)
	assert.Equal(t, "/venv/bin/python", cfg.Worker.PythonExecutable)
	assert.Equal(t, 30_000, cfg.Worker.PredictionTimeoutMS)
	assert.Equal(t, 5, *cfg.Pool.MaxRetries)
	assert.Equal(t, 2048, cfg.Worker.MaxOutputBytes)
}

func TestEnvOnlyWithoutFile(t *testing.T) {
	t.Setenv("MODEL_PATH", "/models/m.pth")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/models/m.pth", cfg.Worker.ModelPath)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("MODEL_PATH", "")

	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{"missing model", "pool:\n  size: 1\n", nil, "model_path is required"},
		{"negative size", "pool:\n  size: -1\nworker:\n  model_path: m\n", nil, "pool.size"},
		{"bad payload format", "worker:\n  model_path: m\nmqtt:\n  payload_format: xml\n", nil, "payload_format"},
		{"bad instance id", "instance_id: Bad_ID\nworker:\n  model_path: m\n", nil, "instance_id"},
		{"warmup shorter than steady", "worker:\n  model_path: m\n  prediction_timeout_ms: 5000\n  first_prediction_timeout_ms: 1000\n", nil, "first_prediction_timeout_ms"},
		{"bad env number", "worker:\n  model_path: m\n", map[string]string{"CLASSIFIER_POOL_SIZE": "two"}, "CLASSIFIER_POOL_SIZE"},
		{"bad yaml", "pool: [", nil, "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
