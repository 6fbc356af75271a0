// Package control accepts classifier commands over MQTT and answers on the
// responses topic.
//
// Commands are JSON objects:
//
//	{"command": "get_status"}
//	{"command": "health"}
//	{"command": "predict", "params": {"image_path": "/data/leaf.jpg", "request_id": "r1", "timeout_ms": 5000}}
//	{"command": "shutdown"}
//
// get_status and health are answered in arrival order. predict runs in its own
// goroutine so a slow prediction never blocks the queue; its response echoes
// request_id.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/e7canasta/orion-care-classifier/internal/config"
	"github.com/e7canasta/orion-care-classifier/internal/pool"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string `json:"command_ack"`
	RequestID  string `json:"request_id,omitempty"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Callbacks connects commands to the service. A nil callback answers
// "not implemented".
type Callbacks struct {
	OnGetStatus func() any
	OnHealth    func() bool
	OnPredict   func(ctx context.Context, job pool.Job) pool.Result
	OnShutdown  func() error
}

// Handler handles control plane commands
type Handler struct {
	topics    config.MQTTTopics
	qos       byte
	client    mqtt.Client
	callbacks Callbacks

	commands chan Command
	done     chan struct{}
	inflight sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, callbacks Callbacks) *Handler {
	return &Handler{
		topics:    cfg.Topics,
		qos:       cfg.QoS,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
	}
}

// Start processes queued commands until ctx is done or Stop is called.
// Messages arrive once Subscribe has run on a connected client.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.processCommands(ctx)
	slog.Info("control plane handler started", "topic", h.topics.Control)
}

// Subscribe subscribes client to the control topic. Use it as the
// emitter's OnConnect hook so the subscription is renewed on reconnect.
func (h *Handler) Subscribe(client mqtt.Client) {
	h.mu.Lock()
	h.client = client
	h.mu.Unlock()

	slog.Info("subscribing to control plane", "topic", h.topics.Control, "qos", h.qos)

	token := client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		slog.Error("control plane subscription timeout", "topic", h.topics.Control)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control plane subscription failed", "topic", h.topics.Control, "error", err)
	}
}

// Stop unsubscribes and waits for running predictions to answer.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	started := h.started
	client := h.client
	h.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Unsubscribe(h.topics.Control).WaitTimeout(2 * time.Second)
	}

	close(h.commands)
	if started {
		<-h.done
	}
	h.inflight.Wait()

	slog.Info("control plane handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)
	h.enqueue(cmd)
}

func (h *Handler) enqueue(cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(ctx, cmd)
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.Status, resp.Error = "error", "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "health":
		if h.callbacks.OnHealth == nil {
			resp.Status, resp.Error = "error", "health not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = map[string]bool{"healthy": h.callbacks.OnHealth()}

	case "predict":
		if h.callbacks.OnPredict == nil {
			resp.Status, resp.Error = "error", "predict not implemented"
			break
		}
		job, err := jobFromParams(cmd.Params)
		if err != nil {
			resp.Status, resp.Error = "error", err.Error()
			resp.RequestID = job.ID
			break
		}
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.sendResponse(predictResponse(job, h.callbacks.OnPredict(ctx, job)))
		}()
		return

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp.Status, resp.Error = "error", "shutdown not implemented"
			break
		}
		resp.Status = "shutting_down"
		h.sendResponse(resp)

		go func() {
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown via control plane failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func jobFromParams(params map[string]any) (pool.Job, error) {
	var job pool.Job
	if id, ok := params["request_id"].(string); ok {
		job.ID = id
	}

	path, _ := params["image_path"].(string)
	if path == "" {
		return job, fmt.Errorf("predict requires params.image_path")
	}
	job.ImagePath = path

	if raw, ok := params["timeout_ms"]; ok {
		ms, ok := raw.(float64)
		if !ok || ms < 0 {
			return job, fmt.Errorf("params.timeout_ms must be a non-negative number")
		}
		job.Timeout = time.Duration(ms) * time.Millisecond
	}
	return job, nil
}

func predictResponse(job pool.Job, res pool.Result) Response {
	resp := Response{
		CommandAck: "predict",
		RequestID:  job.ID,
		Data:       res,
	}
	if resp.RequestID == "" {
		resp.RequestID = res.RequestID
	}
	if res.Success {
		resp.Status = "success"
	} else {
		resp.Status = "error"
		resp.Error = res.Error
	}
	return resp
}

// sendResponse publishes resp on the responses topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		slog.Warn("control response dropped, no mqtt client", "command_ack", resp.CommandAck)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := client.Publish(h.topics.Responses, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
