package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Will-Luck/Docker-Warden/internal/logging"
	"github.com/Will-Luck/Docker-Warden/internal/store"
)

// mqttPublisher lazily maintains one broker connection, reconnecting
// when the broker address changes.
type mqttPublisher struct {
	mu     sync.Mutex
	log    *logging.Logger
	client mqtt.Client
	broker string
}

func newMQTTPublisher(log *logging.Logger) *mqttPublisher {
	return &mqttPublisher{log: log}
}

func (p *mqttPublisher) publish(cfg store.MQTTConfig, e store.Event) error {
	client, err := p.connect(cfg)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"kind":         e.Kind,
		"status":       e.Status,
		"container":    e.StableID,
		"container_id": e.ContainerID,
		"message":      e.Message,
		"ts":           e.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "docker-warden/events"
	}
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

func (p *mqttPublisher) connect(cfg store.MQTTConfig) (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.broker == cfg.Broker && p.client.IsConnectionOpen() {
		return p.client, nil
	}
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "docker-warden"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	p.client = client
	p.broker = cfg.Broker
	return client, nil
}

func (p *mqttPublisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}
