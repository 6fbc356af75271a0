package emitter

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-classifier/internal/config"
	"github.com/e7canasta/orion-care-classifier/internal/events"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes. Methods the emitter never calls panic
// through the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu   sync.Mutex
	msgs []message
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.msgs...)
}

func newTestEmitter(t *testing.T, format string) (*MQTTEmitter, *fakeClient) {
	t.Helper()

	e, err := NewMQTTEmitter(config.MQTTConfig{
		PayloadFormat:  format,
		QoS:            1,
		StatsIntervalS: 1,
		Topics: config.MQTTTopics{
			Events: "care/classifier/test/events",
			Stats:  "care/classifier/test/stats",
		},
	}, "test")
	require.NoError(t, err)

	client := &fakeClient{}
	e.Client = client
	e.setConnected(true)
	return e, client
}

func TestPublishEventJSON(t *testing.T) {
	e, client := newTestEmitter(t, "json")

	require.NoError(t, e.PublishEvent(events.Event{Kind: events.WorkerRestarted, WorkerID: 1, PID: 99, Reason: "crashed"}))

	msgs := client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "care/classifier/test/events/worker_restarted", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "worker_restarted", got["kind"])
	assert.Equal(t, "crashed", got["reason"])

	assert.Equal(t, uint64(1), e.Stats().Published["care/classifier/test/events/worker_restarted"])
}

func TestPublishStatsMsgpackUsesJSONKeys(t *testing.T) {
	e, client := newTestEmitter(t, "msgpack")

	type snapshot struct {
		ReadyWorkers int `json:"ready_workers"`
	}
	require.NoError(t, e.PublishStats(snapshot{ReadyWorkers: 2}))

	msgs := client.messages()
	require.Len(t, msgs, 1)

	var got map[string]any
	require.NoError(t, msgpack.Unmarshal(msgs[0].payload, &got))
	assert.EqualValues(t, 2, got["ready_workers"])
}

func TestPublishWhenDisconnected(t *testing.T) {
	e, client := newTestEmitter(t, "json")
	e.setConnected(false)

	assert.Error(t, e.PublishStats(map[string]int{"x": 1}))
	assert.Empty(t, client.messages())
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestRunForwardsEventsAndStats(t *testing.T) {
	e, client := newTestEmitter(t, "json")

	ch := make(chan events.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, ch, func() any { return map[string]int{"ready_workers": 1} })
		close(done)
	}()

	ch <- events.Event{Kind: events.PoolReady, WorkerID: -1}

	require.Eventually(t, func() bool {
		var sawEvent, sawStats bool
		for _, m := range client.messages() {
			sawEvent = sawEvent || m.topic == "care/classifier/test/events/pool_ready"
			sawStats = sawStats || m.topic == "care/classifier/test/stats"
		}
		return sawEvent && sawStats
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("xml")
	assert.Error(t, err)
}
