package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete classifier daemon configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	Pool             PoolConfig      `yaml:"pool"`
	Worker           WorkerConfig    `yaml:"worker"`
	Health           HealthConfig    `yaml:"health"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
}

// PoolConfig contains pool sizing, admission and retry settings
type PoolConfig struct {
	Size              int  `yaml:"size"`                 // Number of worker processes (default: 2)
	StartStaggerMS    int  `yaml:"start_stagger_ms"`     // Pause between worker starts (default: 500)
	AcquireTimeoutMS  int  `yaml:"acquire_timeout_ms"`   // Wait for an idle worker (default: 120000)
	PollIntervalMS    int  `yaml:"poll_interval_ms"`     // Acquisition rescan interval (default: 100)
	MaxRetries        *int `yaml:"max_retries"`          // Retries after the first attempt (default: 3)
	RetryBackoffMS    int  `yaml:"retry_backoff_ms"`     // Linear backoff base (default: 1000)
	RestartDelayMS    int  `yaml:"restart_delay_ms"`     // First respawn retry delay (default: 1000)
	RestartDelayMaxMS int  `yaml:"restart_delay_max_ms"` // Respawn retry delay cap (default: 30000)
}

// WorkerConfig describes the inference process
type WorkerConfig struct {
	PythonExecutable         string            `yaml:"python_executable"` // default: python3
	Script                   string            `yaml:"script"`            // inference_server.py
	ModelPath                string            `yaml:"model_path"`
	ModelKeyPath             string            `yaml:"model_key_path"` // Encrypted model key (optional)
	Env                      map[string]string `yaml:"env"`
	InitTimeoutMS            int               `yaml:"init_timeout_ms"`             // default: 60000
	PredictionTimeoutMS      int               `yaml:"prediction_timeout_ms"`       // default: 60000
	FirstPredictionTimeoutMS int               `yaml:"first_prediction_timeout_ms"` // default: 120000
	KillGraceMS              int               `yaml:"kill_grace_ms"`               // SIGTERM -> SIGKILL (default: 2000)
	MaxOutputBytes           int               `yaml:"max_output_bytes"`            // default: 1MB
	FailureThreshold         int               `yaml:"failure_threshold"`           // Consecutive failures before recycle (default: 3)
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // e.g. ":8081"; empty disables the server
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker         string     `yaml:"broker"` // empty disables the emitter
	ClientID       string     `yaml:"client_id"`
	Topics         MQTTTopics `yaml:"topics"`
	QoS            byte       `yaml:"qos"`
	PayloadFormat  string     `yaml:"payload_format"`   // json | msgpack (default: json)
	StatsIntervalS int        `yaml:"stats_interval_s"` // Periodic stats publish (default: 30)
	Control        bool       `yaml:"control"`          // Accept commands on the control topic
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Events    string `yaml:"events"`
	Stats     string `yaml:"stats"`
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
}

// TelemetryConfig contains OpenTelemetry metric export settings
type TelemetryConfig struct {
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	ExportIntervalS int    `yaml:"export_interval_s"` // default: 10
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg with the deployment environment variables.
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	str("PYTHON_EXECUTABLE", &cfg.Worker.PythonExecutable)
	str("INFERENCE_SCRIPT", &cfg.Worker.Script)
	str("MODEL_PATH", &cfg.Worker.ModelPath)
	str("MODEL_KEY_PATH", &cfg.Worker.ModelKeyPath)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	for key, dst := range map[string]*int{
		"CLASSIFIER_POOL_SIZE":        &cfg.Pool.Size,
		"ACQUIRE_TIMEOUT_MS":          &cfg.Pool.AcquireTimeoutMS,
		"RETRY_BACKOFF_MS":            &cfg.Pool.RetryBackoffMS,
		"MAX_OUTPUT_SIZE":             &cfg.Worker.MaxOutputBytes,
		"PREDICTION_TIMEOUT_MS":       &cfg.Worker.PredictionTimeoutMS,
		"FIRST_PREDICTION_TIMEOUT_MS": &cfg.Worker.FirstPredictionTimeoutMS,
		"WORKER_INIT_TIMEOUT_MS":      &cfg.Worker.InitTimeoutMS,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %q is not an integer", v)
		}
		cfg.Pool.MaxRetries = &n
	}

	return nil
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second setting to a duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
