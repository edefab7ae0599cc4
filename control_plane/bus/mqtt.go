package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/quaywise/shuttlecore/control_plane/observability"
)

// MQTTBus connects the control plane to the shuttle broker. QoS 1 both ways:
// the mission retry machinery above tolerates duplicates, lost messages it
// does not.
type MQTTBus struct {
	client mqtt.Client
}

type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

func NewMQTTBus(cfg MQTTConfig) (*MQTTBus, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("⚠️ MQTT connection lost: %v", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		log.Printf("✅ MQTT connected to %s", cfg.BrokerURL)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout to %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTBus{client: client}, nil
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		observability.BrokerPublishFailures.WithLabelValues(topicClass(topic)).Inc()
		return err
	}
	return nil
}

func (b *MQTTBus) Subscribe(topic string, handler Handler) error {
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe timeout on %s", topic)
	}
	return token.Error()
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}

// topicClass strips per-shuttle suffixes so the metric cardinality stays flat.
func topicClass(topic string) string {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return topic
}
