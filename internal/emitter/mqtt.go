package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-classifier/internal/config"
	"github.com/e7canasta/orion-care-classifier/internal/events"
)

// MQTTEmitter publishes worker lifecycle events and pool stats to an MQTT
// broker
type MQTTEmitter struct {
	cfg      config.MQTTConfig
	clientID string
	codec    Codec
	Client   mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
	onConnect []func(mqtt.Client)
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string) (*MQTTEmitter, error) {
	codec, err := NewCodec(cfg.PayloadFormat)
	if err != nil {
		return nil, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", instanceID, uuid.NewString()[:8])
	}

	return &MQTTEmitter{
		cfg:       cfg,
		clientID:  clientID,
		codec:     codec,
		published: make(map[string]uint64),
	}, nil
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", broker,
			"client_id", e.clientID,
			"auto_reconnect", "enabled")

		e.mu.RLock()
		hooks := append([]func(mqtt.Client){}, e.onConnect...)
		e.mu.RUnlock()
		for _, fn := range hooks {
			fn(c)
		}
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
			"max_retry_interval", "30s",
			"action", "waiting for automatic reconnection")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", broker, "payload_format", e.codec.Name())

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// OnConnect registers fn to run after every (re)connection. Register before
// Connect; subscriptions made in fn survive reconnects.
func (e *MQTTEmitter) OnConnect(fn func(mqtt.Client)) {
	e.mu.Lock()
	e.onConnect = append(e.onConnect, fn)
	e.mu.Unlock()
}

// PublishEvent publishes one lifecycle event to {events topic}/{kind}
func (e *MQTTEmitter) PublishEvent(ev events.Event) error {
	topic := fmt.Sprintf("%s/%s", e.cfg.Topics.Events, ev.Kind)
	return e.publish(topic, ev)
}

// PublishStats publishes a pool stats snapshot
func (e *MQTTEmitter) PublishStats(stats any) error {
	return e.publish(e.cfg.Topics.Stats, stats)
}

func (e *MQTTEmitter) publish(topic string, v any) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := e.codec.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := e.Client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)

	return nil
}

// Run forwards events from ch and publishes stats() every StatsInterval
// until ctx is done or ch is closed. Publish errors are logged, not fatal.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan events.Event, stats func() any) {
	interval := config.Seconds(e.cfg.StatsIntervalS)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.PublishEvent(ev); err != nil {
				slog.Warn("failed to publish worker event", "kind", ev.Kind, "worker_id", ev.WorkerID, "error", err)
			}

		case <-ticker.C:
			if stats == nil {
				continue
			}
			if err := e.PublishStats(stats()); err != nil {
				slog.Warn("failed to publish pool stats", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
