package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"telemetry-bridge/bridge/internal/config"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/metrics"
)

const SourceMQTT = "mqtt"

var ErrConnect = errors.New("mqtt connect failed")

// Subscriber receives telemetry from the broker and forwards each payload,
// in arrival order, to the inbound stream. Delivery blocks while the stream
// is full so the broker client applies backpressure instead of reordering.
type Subscriber struct {
	broker   string
	topic    string
	qos      byte
	opts     *paho.ClientOptions
	client   paho.Client
	out      chan<- domain.RawMessage
	metrics  *metrics.Metrics
	logger   *slog.Logger
	ctx      context.Context
	timeout  time.Duration
	newPaho  func(*paho.ClientOptions) paho.Client
	received func() time.Time
}

func NewSubscriber(cfg *config.Config, out chan<- domain.RawMessage, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		broker:   "tcp://" + net.JoinHostPort(cfg.MQTTHost, cfg.MQTTPort),
		topic:    cfg.MQTTTopic,
		qos:      byte(cfg.MQTTQoS),
		out:      out,
		metrics:  m,
		logger:   logger.With("component", "mqtt-subscriber"),
		ctx:      context.Background(),
		timeout:  10 * time.Second,
		newPaho:  paho.NewClient,
		received: time.Now,
	}

	opts := paho.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(cfg.MQTTClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(s.timeout).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			s.logger.Info("Reconnecting to broker", "broker", s.broker)
		})
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	s.opts = opts
	return s
}

// Start connects to the broker. A failed initial connection is returned as
// an error wrapping ErrConnect; later disconnects are retried in the
// background. ctx bounds how long a delivery may wait for the stream.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	s.client = s.newPaho(s.opts)

	token := s.client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("%w: %s: timed out after %s", ErrConnect, s.broker, s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, s.broker, err)
	}
	return nil
}

// Stop disconnects from the broker, letting in-flight work finish.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.logger.Info("Disconnected from broker")
}

// Connected reports the broker connection state for health checks.
func (s *Subscriber) Connected() error {
	if s.client == nil || !s.client.IsConnectionOpen() {
		return errors.New("not connected")
	}
	return nil
}

func (s *Subscriber) onConnect(c paho.Client) {
	s.logger.Info("Connected to broker", "broker", s.broker)
	token := c.Subscribe(s.topic, s.qos, s.handle)
	if token.WaitTimeout(s.timeout) && token.Error() == nil {
		s.logger.Info("Subscribed", "topic", s.topic, "qos", s.qos)
		return
	}
	s.logger.Error("Subscribe failed", "topic", s.topic, "error", token.Error())
}

func (s *Subscriber) onConnectionLost(_ paho.Client, err error) {
	s.logger.Warn("Broker connection lost", "broker", s.broker, "error", err)
}

func (s *Subscriber) handle(_ paho.Client, m paho.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	msg := domain.RawMessage{
		Source:     SourceMQTT,
		Topic:      m.Topic(),
		Payload:    payload,
		ReceivedAt: s.received(),
	}

	select {
	case s.out <- msg:
		s.metrics.MessagesReceived.WithLabelValues(SourceMQTT).Inc()
	case <-s.ctx.Done():
		s.logger.Debug("Dropping message received during shutdown", "topic", msg.Topic)
	}
}
