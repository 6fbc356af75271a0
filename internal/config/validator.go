package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "classifier"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}

	if err := validatePool(&cfg.Pool); err != nil {
		return err
	}
	if err := validateWorker(&cfg.Worker); err != nil {
		return err
	}
	if err := validateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return err
	}

	if cfg.Telemetry.ExportIntervalS <= 0 {
		cfg.Telemetry.ExportIntervalS = 10
	}

	return nil
}

func validatePool(p *PoolConfig) error {
	if p.Size == 0 {
		p.Size = 2
	}
	if p.Size < 0 {
		return fmt.Errorf("pool.size must be > 0, got %d", p.Size)
	}
	if p.StartStaggerMS < 0 {
		return fmt.Errorf("pool.start_stagger_ms must be >= 0")
	}
	if p.StartStaggerMS == 0 {
		p.StartStaggerMS = 500
	}
	if p.AcquireTimeoutMS <= 0 {
		p.AcquireTimeoutMS = 120_000
	}
	if p.PollIntervalMS <= 0 {
		p.PollIntervalMS = 100
	}
	if p.MaxRetries == nil {
		n := 3
		p.MaxRetries = &n
	}
	if *p.MaxRetries < 0 {
		return fmt.Errorf("pool.max_retries must be >= 0, got %d", *p.MaxRetries)
	}
	if p.RetryBackoffMS <= 0 {
		p.RetryBackoffMS = 1000
	}
	if p.RestartDelayMS <= 0 {
		p.RestartDelayMS = 1000
	}
	if p.RestartDelayMaxMS <= 0 {
		p.RestartDelayMaxMS = 30_000
	}
	if p.RestartDelayMaxMS < p.RestartDelayMS {
		return fmt.Errorf("pool.restart_delay_max_ms (%d) must be >= restart_delay_ms (%d)",
			p.RestartDelayMaxMS, p.RestartDelayMS)
	}
	return nil
}

func validateWorker(w *WorkerConfig) error {
	if w.PythonExecutable == "" {
		w.PythonExecutable = "python3"
	}
	if w.ModelPath == "" {
		return fmt.Errorf("worker.model_path is required")
	}
	if w.InitTimeoutMS <= 0 {
		w.InitTimeoutMS = 60_000
	}
	if w.PredictionTimeoutMS <= 0 {
		w.PredictionTimeoutMS = 60_000
	}
	if w.FirstPredictionTimeoutMS <= 0 {
		w.FirstPredictionTimeoutMS = 120_000
	}
	if w.FirstPredictionTimeoutMS < w.PredictionTimeoutMS {
		return fmt.Errorf("worker.first_prediction_timeout_ms (%d) must be >= prediction_timeout_ms (%d)",
			w.FirstPredictionTimeoutMS, w.PredictionTimeoutMS)
	}
	if w.KillGraceMS <= 0 {
		w.KillGraceMS = 2000
	}
	if w.MaxOutputBytes <= 0 {
		w.MaxOutputBytes = 1 << 20
	}
	if w.FailureThreshold <= 0 {
		w.FailureThreshold = 3
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	switch m.PayloadFormat {
	case "":
		m.PayloadFormat = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.payload_format must be 'json' or 'msgpack', got '%s'", m.PayloadFormat)
	}
	if m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}

	// Set default topics if not provided
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("care/classifier/%s/events", instanceID)
	}
	if m.Topics.Stats == "" {
		m.Topics.Stats = fmt.Sprintf("care/classifier/%s/stats", instanceID)
	}
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("care/classifier/%s/control/commands", instanceID)
	}
	if m.Topics.Responses == "" {
		m.Topics.Responses = fmt.Sprintf("care/classifier/%s/control/responses", instanceID)
	}
	if m.StatsIntervalS <= 0 {
		m.StatsIntervalS = 30
	}
	return nil
}
