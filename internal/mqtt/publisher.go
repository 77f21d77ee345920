package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Publisher mirrors lounge status transitions to an MQTT broker so other
// home systems can react to them
type Publisher struct {
	client      paho.Client
	topicPrefix string
	mu          sync.RWMutex
	connected   bool
}

// Config holds MQTT connection settings
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string // defaults to "songify/lounge"
}

// NewPublisher creates a new MQTT status publisher
func NewPublisher(cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "songify/lounge"
	}
	p := &Publisher{topicPrefix: cfg.TopicPrefix}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client paho.Client) {
		log.Println("MQTT connected")
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
	})

	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	})

	p.client = paho.NewClient(opts)
	return p
}

// Connect starts the MQTT connection
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect failed: %w", err)
	}
	return nil
}

// PublishStatus publishes a room's TV connection state, retained so late
// subscribers see the latest value. Publishing while disconnected is
// silently skipped.
func (p *Publisher) PublishStatus(room, status, screenName, errMsg string) {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"room":       room,
		"status":     status,
		"screenName": screenName,
		"error":      errMsg,
	})
	if err != nil {
		return
	}

	topic := fmt.Sprintf("%s/%s/status", p.topicPrefix, room)
	token := p.client.Publish(topic, 0, true, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("MQTT publish failed for %s: %v", topic, err)
		}
	}()
}

// Disconnect closes the MQTT connection
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
}
