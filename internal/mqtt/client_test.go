package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// fakeToken завершенная или зависшая операция paho
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeTransport реализует только используемые методы mqtt.Client
type fakeTransport struct {
	mqtt.Client
	connected bool
	token     mqtt.Token
	messages  []published
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.messages = append(f.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return f.token
}

func testConfig() *config.MQTTConfig {
	return &config.MQTTConfig{URL: "tcp://localhost:1883", ClientID: "test", TopicPrefix: "anticheat/reports/", QoS: 1}
}

func testReport() *models.SuspiciousActivityReport {
	return &models.SuspiciousActivityReport{
		ID:               "r1",
		UserID:           "runner-1",
		Kind:             models.ReportKindTeleport,
		Severity:         models.SeverityCritical,
		Source:           models.SourcePresence,
		ReportedSpeedKmh: 900,
	}
}

func TestClient_PublishesReport(t *testing.T) {
	transport := &fakeTransport{connected: true, token: completedToken(nil)}
	c := newClientWithTransport(testConfig(), utils.NewLogger("error", "text"), transport)

	require.NoError(t, c.RecordSuspiciousActivity(context.Background(), testReport()))

	require.Len(t, transport.messages, 1)
	msg := transport.messages[0]
	assert.Equal(t, "anticheat/reports/teleport", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var decoded models.SuspiciousActivityReport
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, "runner-1", decoded.UserID)
}

func TestClient_PublishErrors(t *testing.T) {
	logger := utils.NewLogger("error", "text")

	t.Run("Disconnected", func(t *testing.T) {
		c := newClientWithTransport(testConfig(), logger, &fakeTransport{connected: false})
		assert.Error(t, c.RecordSuspiciousActivity(context.Background(), testReport()))
	})

	t.Run("Broker error", func(t *testing.T) {
		transport := &fakeTransport{connected: true, token: completedToken(errors.New("not authorized"))}
		c := newClientWithTransport(testConfig(), logger, transport)
		err := c.RecordSuspiciousActivity(context.Background(), testReport())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not authorized")
	})

	t.Run("Context deadline", func(t *testing.T) {
		transport := &fakeTransport{connected: true, token: &fakeToken{done: make(chan struct{})}}
		c := newClientWithTransport(testConfig(), logger, transport)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.RecordSuspiciousActivity(ctx, testReport()), context.DeadlineExceeded)
	})
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, utils.NewLogger("error", "text"))
	assert.Error(t, err)

	_, err = NewClient(testConfig(), nil)
	assert.Error(t, err)

	c, err := NewClient(testConfig(), utils.NewLogger("error", "text"))
	require.NoError(t, err)
	assert.False(t, c.IsConnected())
}
