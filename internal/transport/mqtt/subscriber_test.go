package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-bridge/bridge/internal/config"
	"telemetry-bridge/bridge/internal/domain"
	"telemetry-bridge/bridge/internal/metrics"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestSubscriber(out chan domain.RawMessage) (*Subscriber, *metrics.Metrics) {
	m := metrics.NewWith(prometheus.NewRegistry())
	cfg := &config.Config{
		MQTTHost:     "127.0.0.1",
		MQTTPort:     "1",
		MQTTTopic:    "v1/devices/me/telemetry",
		MQTTClientID: "test",
		MQTTQoS:      1,
	}
	return NewSubscriber(cfg, out, m, slog.New(slog.NewTextHandler(io.Discard, nil))), m
}

func TestSubscriber_Broker(t *testing.T) {
	s, _ := newTestSubscriber(nil)
	assert.Equal(t, "tcp://127.0.0.1:1", s.broker)
	assert.Equal(t, byte(1), s.qos)
}

func TestSubscriber_HandleForwardsInOrder(t *testing.T) {
	out := make(chan domain.RawMessage, 4)
	s, m := newTestSubscriber(out)

	buf := []byte(`{"status":"running"}`)
	s.handle(nil, &fakeMessage{topic: "t", payload: buf})
	s.handle(nil, &fakeMessage{topic: "t", payload: []byte(`{"woodCount":1}`)})
	buf[2] = 'X'

	first := <-out
	assert.Equal(t, `{"status":"running"}`, string(first.Payload), "payload is copied")
	assert.Equal(t, SourceMQTT, first.Source)
	assert.Equal(t, "t", first.Topic)
	assert.Equal(t, `{"woodCount":1}`, string((<-out).Payload))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues(SourceMQTT)))
}

func TestSubscriber_HandleBlocksUntilShutdown(t *testing.T) {
	out := make(chan domain.RawMessage)
	s, m := newTestSubscriber(out)
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx

	done := make(chan struct{})
	go func() {
		s.handle(nil, &fakeMessage{topic: "t", payload: []byte(`{}`)})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("handle returned while the stream was full")
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after shutdown")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues(SourceMQTT)))
}

func TestSubscriber_StartFailsWithoutBroker(t *testing.T) {
	s, _ := newTestSubscriber(make(chan domain.RawMessage))
	s.timeout = 2 * time.Second
	s.opts.SetConnectTimeout(s.timeout)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Error(t, s.Connected())
}

func TestSubscriber_StopBeforeStart(t *testing.T) {
	s, _ := newTestSubscriber(nil)
	assert.NotPanics(t, s.Stop)
}
