package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-classifier/internal/config"
	"github.com/e7canasta/orion-care-classifier/internal/events"
	"github.com/e7canasta/orion-care-classifier/internal/pool"
	"github.com/e7canasta/orion-care-classifier/internal/telemetry"
	"github.com/e7canasta/orion-care-classifier/internal/worker"
)

// Config configures the service. Zero values select the defaults noted.
type Config struct {
	PoolSize int // 2

	PythonExecutable string // python3
	Script           string
	ModelPath        string
	ModelKeyPath     string
	Env              map[string]string

	InitTimeout            time.Duration // 60s
	PredictionTimeout      time.Duration // 60s
	FirstPredictionTimeout time.Duration // 120s
	KillGrace              time.Duration // 2s
	MaxOutputBytes         int           // 1MB
	FailureThreshold       int           // 3

	StartStagger      time.Duration // none
	AcquireTimeout    time.Duration // 120s
	PollInterval      time.Duration // 100ms
	MaxRetries        *int          // 3
	RetryBackoff      time.Duration // 1s
	RestartDelay      time.Duration // 1s
	RestartDelayLimit time.Duration // 30s
}

// FromConfig maps the daemon configuration file onto a service Config.
func FromConfig(c *config.Config) Config {
	return Config{
		PoolSize:               c.Pool.Size,
		PythonExecutable:       c.Worker.PythonExecutable,
		Script:                 c.Worker.Script,
		ModelPath:              c.Worker.ModelPath,
		ModelKeyPath:           c.Worker.ModelKeyPath,
		Env:                    c.Worker.Env,
		InitTimeout:            config.Millis(c.Worker.InitTimeoutMS),
		PredictionTimeout:      config.Millis(c.Worker.PredictionTimeoutMS),
		FirstPredictionTimeout: config.Millis(c.Worker.FirstPredictionTimeoutMS),
		KillGrace:              config.Millis(c.Worker.KillGraceMS),
		MaxOutputBytes:         c.Worker.MaxOutputBytes,
		FailureThreshold:       c.Worker.FailureThreshold,
		StartStagger:           config.Millis(c.Pool.StartStaggerMS),
		AcquireTimeout:         config.Millis(c.Pool.AcquireTimeoutMS),
		PollInterval:           config.Millis(c.Pool.PollIntervalMS),
		MaxRetries:             c.Pool.MaxRetries,
		RetryBackoff:           config.Millis(c.Pool.RetryBackoffMS),
		RestartDelay:           config.Millis(c.Pool.RestartDelayMS),
		RestartDelayLimit:      config.Millis(c.Pool.RestartDelayMaxMS),
	}
}

func (c Config) poolConfig() pool.Config {
	exe := c.PythonExecutable
	if exe == "" {
		exe = "python3"
	}
	retries := pool.DefaultMaxRetries
	if c.MaxRetries != nil {
		retries = *c.MaxRetries
	}

	return pool.Config{
		Size: c.PoolSize,
		Worker: worker.Config{
			Executable:             exe,
			Script:                 c.Script,
			ModelPath:              c.ModelPath,
			ModelKeyPath:           c.ModelKeyPath,
			Env:                    c.Env,
			InitTimeout:            c.InitTimeout,
			PredictionTimeout:      c.PredictionTimeout,
			FirstPredictionTimeout: c.FirstPredictionTimeout,
			KillGrace:              c.KillGrace,
			MaxOutputBytes:         c.MaxOutputBytes,
			FailureThreshold:       c.FailureThreshold,
		},
		StartStagger:      c.StartStagger,
		AcquireTimeout:    c.AcquireTimeout,
		PollInterval:      c.PollInterval,
		MaxRetries:        retries,
		RetryBackoff:      c.RetryBackoff,
		RestartDelay:      c.RestartDelay,
		RestartDelayLimit: c.RestartDelayLimit,
	}
}

// Option customizes a Service.
type Option func(*pool.Config)

// WithEvents publishes worker lifecycle events to pub.
func WithEvents(pub events.Publisher) Option {
	return func(c *pool.Config) { c.Events = pub }
}

// WithMetrics records pool activity on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *pool.Config) { c.Metrics = m }
}

// Service is the classification entry point. Safe for concurrent use.
type Service struct {
	cfg pool.Config

	initMu sync.Mutex // serializes Initialize and Cleanup
	mu     sync.RWMutex
	pool   *pool.Pool
}

// New creates a service. Nothing runs until Initialize.
func New(cfg Config, opts ...Option) *Service {
	pc := cfg.poolConfig()
	for _, opt := range opts {
		opt(&pc)
	}
	return &Service{cfg: pc}
}

// Initialize starts the worker pool. Calling it on a running service is a
// no-op; after a failure, or after Cleanup, it may be called again.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.current() != nil {
		return nil
	}

	p := pool.New(s.cfg)
	if err := p.Initialize(ctx); err != nil {
		p.Cleanup()
		return err
	}

	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
	return nil
}

// Predict classifies the image at imagePath.
func (s *Service) Predict(ctx context.Context, imagePath string) Result {
	return s.PredictJob(ctx, Job{ImagePath: imagePath})
}

// PredictJob runs job. Internal panics are converted into an
// INTERNAL_ERROR Result.
func (s *Service) PredictJob(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("prediction panicked",
				"request_id", job.ID,
				"image", job.ImagePath,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = pool.Failure(CodeInternalError, fmt.Sprintf("internal error: %v", r))
			res.RequestID = job.ID
		}
	}()

	p := s.current()
	if p == nil {
		return pool.Failure(CodeNotInitialized, "classifier service not initialized")
	}
	if job.ImagePath == "" {
		return pool.Failure(CodePredictionFailed, "image path is required")
	}

	return p.Predict(ctx, job)
}

// CheckHealth reports whether at least one worker can take a call.
func (s *Service) CheckHealth() bool {
	p := s.current()
	return p != nil && p.CheckHealth()
}

// GetStats returns pool counters and per-worker status.
func (s *Service) GetStats() Stats {
	if p := s.current(); p != nil {
		return p.Stats()
	}
	size := s.cfg.Size
	if size <= 0 {
		size = pool.DefaultSize
	}
	return Stats{PoolSize: size}
}

// Cleanup stops every worker. Idempotent.
func (s *Service) Cleanup() {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	p := s.pool
	s.pool = nil
	s.mu.Unlock()

	if p != nil {
		p.Cleanup()
	}
}

func (s *Service) current() *pool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}
