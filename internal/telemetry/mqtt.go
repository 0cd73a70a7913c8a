// Package telemetry forwards controller events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dsyorkd/hydro-controller/internal/config"
	"github.com/dsyorkd/hydro-controller/internal/events"
	"github.com/dsyorkd/hydro-controller/internal/logger"
)

const (
	publishTimeout  = 5 * time.Second
	subscribeBuffer = 256
)

// Client is the part of the paho client the publisher needs
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Connect dials the configured broker
func Connect(cfg config.MQTTConfig, log logger.Interface) (mqtt.Client, error) {
	log = log.WithField("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("Connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return client, nil
}

// Publisher copies hub messages to <prefix>/<class>/<id>/<type>. Relay
// states are retained so new subscribers see current valve positions.
type Publisher struct {
	client Client
	prefix string
	qos    byte
	logger logger.Interface
}

// NewPublisher creates a publisher over client
func NewPublisher(client Client, prefix string, qos byte, log logger.Interface) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		logger: log.WithField("component", "telemetry"),
	}
}

// Run forwards messages from hub until ctx is done, then disconnects
func (p *Publisher) Run(ctx context.Context, hub *events.Hub) {
	messages, cancel := hub.Subscribe(subscribeBuffer)
	defer cancel()
	defer p.client.Disconnect(250)

	p.logger.Info("Telemetry publisher started", "prefix", p.prefix)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Telemetry publisher stopped")
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := p.Forward(msg); err != nil {
				p.logger.WithError(err).Warn("Failed to publish event", "topic", msg.Topic())
			}
		}
	}
}

// Topic returns the broker topic for msg
func (p *Publisher) Topic(msg events.Message) string {
	if p.prefix == "" {
		return msg.Topic()
	}
	return p.prefix + "/" + msg.Topic()
}

// Forward publishes one message and waits for the broker to accept it
func (p *Publisher) Forward(msg events.Message) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	retained := msg.Type == events.TypeRelayState
	token := p.client.Publish(p.Topic(msg), p.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", p.Topic(msg))
	}
	return token.Error()
}
