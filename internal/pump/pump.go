// Package pump publishes the pump-request flag for the independent pump
// controller. The pump hardware polls the daemon's HTTP surface on its own;
// when an MQTT broker is configured the flag is also published as a retained
// message so subscribers see the current value as soon as they connect.
package pump

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
)

// Payloads published on the pump topic.
const (
	PayloadOn  = "on"
	PayloadOff = "off"
)

// Config locates the broker.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// Connect dials the broker, retrying with exponential backoff.
func Connect(ctx context.Context, cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			monitoring.Logf("pump: failed to connect to MQTT broker %s: %v", cfg.Broker, token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	monitoring.Logf("pump: connected to MQTT broker %s", cfg.Broker)
	return client, nil
}

// Publisher is the part of mqtt.Client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes the latest requested pump state. Only the newest
// value matters, so updates that arrive while a publish is in flight
// replace each other.
type MQTTPublisher struct {
	client  Publisher
	topic   string
	timeout time.Duration
	latest  chan bool
}

// NewMQTTPublisher returns a publisher for topic. Call Run to start it.
func NewMQTTPublisher(client Publisher, topic string) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		latest:  make(chan bool, 1),
	}
}

// SetPumpRequested queues on for publishing. It never blocks.
func (p *MQTTPublisher) SetPumpRequested(on bool) {
	for {
		select {
		case p.latest <- on:
			return
		default:
		}
		select {
		case <-p.latest:
		default:
		}
	}
}

// Run publishes queued values until ctx is done.
func (p *MQTTPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case on := <-p.latest:
			if err := p.publish(on); err != nil {
				monitoring.Logf("pump: %v", err)
			}
		}
	}
}

func (p *MQTTPublisher) publish(on bool) error {
	payload := PayloadOff
	if on {
		payload = PayloadOn
	}
	token := p.client.Publish(p.topic, 1, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publishing %q to %s timed out", payload, p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing %q to %s: %w", payload, p.topic, err)
	}
	monitoring.Debugf("pump: published %q to %s", payload, p.topic)
	return nil
}
