package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	err          error
	messages     []published
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &doneToken{err: c.err}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestPublisher_Forward(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "hydro/", 1, logger.Discard())

	t.Run("should retain relay states", func(t *testing.T) {
		require.NoError(t, p.Forward(events.Message{Type: events.TypeRelayState, Class: "relay", DeviceID: 3}))
		sent := client.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "hydro/relay/3/relay_state", sent[0].topic)
		assert.True(t, sent[0].retained)
	})

	t.Run("should not retain job updates", func(t *testing.T) {
		msg := events.Message{
			Type:     events.TypePumpJob,
			Class:    "pump",
			DeviceID: 1,
			Payload:  json.RawMessage(`{"state":"dispensing"}`),
		}
		require.NoError(t, p.Forward(msg))
		sent := client.sent()
		last := sent[len(sent)-1]
		assert.Equal(t, "hydro/pump/1/pump_job", last.topic)
		assert.False(t, last.retained)

		var decoded events.Message
		require.NoError(t, json.Unmarshal(last.payload, &decoded))
		assert.JSONEq(t, `{"state":"dispensing"}`, string(decoded.Payload))
	})

	t.Run("should report broker errors", func(t *testing.T) {
		client.err = errors.New("not authorized")
		defer func() { client.err = nil }()
		assert.EqualError(t, p.Forward(events.Message{Type: events.TypeFlowJob, Class: "flow", DeviceID: 1}), "not authorized")
	})

	t.Run("should refuse while disconnected", func(t *testing.T) {
		offline := NewPublisher(&fakeClient{}, "", 0, logger.Discard())
		assert.Error(t, offline.Forward(events.Message{Type: events.TypeFlowJob}))
	})
}

func TestPublisher_Run(t *testing.T) {
	hub := events.NewHub(logger.Discard())
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "farm", 0, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, hub)
		close(done)
	}()

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		hub.Publish(events.TypeSensorReading, "sensor", 2, map[string]float64{"value": 6.1})
		return len(client.sent()) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "farm/sensor/2/sensor_reading", client.sent()[0].topic)
	assert.True(t, client.disconnected)
}
