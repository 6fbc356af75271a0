package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-classifier/classifier"
	"github.com/e7canasta/orion-care-classifier/internal/config"
	"github.com/e7canasta/orion-care-classifier/internal/control"
	"github.com/e7canasta/orion-care-classifier/internal/emitter"
	"github.com/e7canasta/orion-care-classifier/internal/events"
	"github.com/e7canasta/orion-care-classifier/internal/health"
	"github.com/e7canasta/orion-care-classifier/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool with health endpoints until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, requestShutdown := context.WithCancel(ctx)
	defer requestShutdown()

	slog.Info("starting classifier service",
		"instance_id", cfg.InstanceID,
		"config", configPath,
		"pool_size", cfg.Pool.Size,
		"debug", debug,
	)

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, "classifierd", version,
		config.Seconds(cfg.Telemetry.ExportIntervalS))
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	metrics, err := telemetry.New(nil)
	if err != nil {
		return fmt.Errorf("telemetry instruments: %w", err)
	}

	bus := events.NewBus()
	defer func() {
		st := bus.Stats()
		slog.Info("event bus closed",
			"total_published", st.TotalPublished,
			"mqtt_drop_rate", st.DropRate("mqtt"),
		)
		bus.Close()
	}()

	svc := classifier.New(classifier.FromConfig(cfg),
		classifier.WithEvents(bus),
		classifier.WithMetrics(metrics),
	)

	var (
		mqttConnected func() bool
		mqttEmitter   *emitter.MQTTEmitter
		controlPlane  *control.Handler
	)
	if cfg.MQTT.Broker != "" {
		mqttEmitter, err = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
		if err != nil {
			return err
		}

		if cfg.MQTT.Control {
			controlPlane = control.NewHandler(cfg.MQTT, control.Callbacks{
				OnGetStatus: func() any { return svc.GetStats() },
				OnHealth:    svc.CheckHealth,
				OnPredict:   svc.PredictJob,
				OnShutdown: func() error {
					slog.Info("shutdown requested via control plane")
					requestShutdown()
					return nil
				},
			})
			controlPlane.Start(ctx)
			mqttEmitter.OnConnect(controlPlane.Subscribe)
		}

		if err := mqttEmitter.Connect(ctx); err != nil {
			// Auto-reconnect keeps trying; events are dropped meanwhile.
			slog.Warn("mqtt broker not reachable at startup", "error", err, "broker", cfg.MQTT.Broker)
		}

		ch := make(chan events.Event, 64)
		if err := bus.Subscribe("mqtt", ch); err != nil {
			return err
		}
		go mqttEmitter.Run(ctx, ch, func() any { return svc.GetStats() })

		mqttConnected = func() bool { return mqttEmitter.Stats().Connected }
	}

	var healthSrv *health.Server
	if cfg.Health.Addr != "" {
		healthSrv = health.NewServer(cfg.Health.Addr, svc, mqttConnected)
		if err := healthSrv.Start(); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
	}

	initErr := svc.Initialize(ctx)
	if initErr != nil {
		slog.Error("classifier pool failed to start", "error", initErr)
	} else {
		slog.Info("classifier service ready")
		<-ctx.Done()
		slog.Info("received shutdown signal")
	}

	timeout := config.Seconds(cfg.ShutdownTimeoutS)
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown failed", "error", err)
		}
	}

	if controlPlane != nil {
		controlPlane.Stop()
	}

	svc.Cleanup()

	if mqttEmitter != nil {
		_ = mqttEmitter.Disconnect()
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	if initErr != nil {
		return initErr
	}

	slog.Info("classifier service stopped successfully")
	return nil
}
