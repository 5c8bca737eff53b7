package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/invigilator/internal/types"
)

// MQTTConfig describes the broker violations are mirrored to.
type MQTTConfig struct {
	Broker      string // host:port or a full tcp:// / ssl:// URL
	ClientID    string
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
}

// MQTTPublisher publishes each violation as JSON to <prefix>/<exam_id>.
type MQTTPublisher struct {
	cfg       MQTTConfig
	client    mqtt.Client
	logger    *slog.Logger
	connected atomic.Bool
	published atomic.Uint64
}

func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "invigilator/violations"
	}
	return &MQTTPublisher{cfg: cfg, logger: logger.With("component", "mqtt")}
}

func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://"} {
		if len(broker) >= len(scheme) && broker[:len(scheme)] == scheme {
			return broker
		}
	}
	return "tcp://" + broker
}

// Topic returns the topic an exam's violations go to.
func (p *MQTTPublisher) Topic(examID int64) string {
	return fmt.Sprintf("%s/%d", p.cfg.TopicPrefix, examID)
}

// Connect establishes the broker connection with auto-reconnect enabled.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.connected.Store(true)
		p.logger.Info("mqtt connection established", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", p.cfg.Broker, "err", err)
	}

	p.client = mqtt.NewClient(opts)
	p.logger.Info("connecting to mqtt broker", "broker", p.cfg.Broker)

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.connected.Store(true)
	return nil
}

// Deliver publishes ev. It makes MQTTPublisher a dispatcher Sink.
func (p *MQTTPublisher) Deliver(ctx context.Context, ev types.ViolationEvent) error {
	if p.client == nil || !p.connected.Load() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}

	token := p.client.Publish(p.Topic(ev.ExamID), p.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	p.published.Add(1)
	p.logger.Debug("violation published", "topic", p.Topic(ev.ExamID), "size", len(payload))
	return nil
}

// Published counts successful publishes.
func (p *MQTTPublisher) Published() uint64 { return p.published.Load() }

// Disconnect waits up to quiesce for in-flight publishes.
func (p *MQTTPublisher) Disconnect(quiesce time.Duration) {
	if p.client != nil {
		p.client.Disconnect(uint(quiesce.Milliseconds()))
		p.connected.Store(false)
	}
}
