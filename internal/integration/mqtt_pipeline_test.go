package integration

import (
	"context"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/internal/mqtt"
	"github.com/citylord/trajectory-engine/internal/service"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

const topicPrefix = "test/anticheat/reports"

// MQTTPipelineTestSuite проверяет доставку отчетов через брокер
type MQTTPipelineTestSuite struct {
	suite.Suite
	publisher  *mqtt.Client
	subscriber paho.Client
	received   chan paho.Message
}

func (suite *MQTTPipelineTestSuite) SetupSuite() {
	broker := os.Getenv("MQTT_TEST_URL")
	if broker == "" {
		broker = "tcp://localhost:1883"
	}
	logger := utils.NewLogger("error", "text")

	var err error
	suite.publisher, err = mqtt.NewClient(&config.MQTTConfig{
		URL:         broker,
		ClientID:    "trajectory-test-pub-" + uuid.NewString()[:8],
		TopicPrefix: topicPrefix,
		QoS:         1,
	}, logger)
	require.NoError(suite.T(), err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := suite.publisher.Connect(ctx); err != nil {
		suite.publisher.Disconnect()
		suite.T().Skip("MQTT broker not available for integration testing: " + err.Error())
	}

	suite.received = make(chan paho.Message, 10)
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("trajectory-test-sub-" + uuid.NewString()[:8])
	suite.subscriber = paho.NewClient(opts)
	token := suite.subscriber.Connect()
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		suite.T().Skip("MQTT subscriber could not connect")
	}

	token = suite.subscriber.Subscribe(topicPrefix+"/#", 1, func(_ paho.Client, msg paho.Message) {
		suite.received <- msg
	})
	require.True(suite.T(), token.WaitTimeout(3*time.Second))
	require.NoError(suite.T(), token.Error())
}

func (suite *MQTTPipelineTestSuite) TearDownSuite() {
	if suite.subscriber != nil && suite.subscriber.IsConnected() {
		suite.subscriber.Disconnect(250)
	}
	if suite.publisher != nil {
		suite.publisher.Disconnect()
	}
}

func (suite *MQTTPipelineTestSuite) TestReporterPublishesToKindTopic() {
	t := suite.T()
	reporter := service.NewReporter(suite.publisher, service.DefaultReporterConfig(), utils.NewLogger("error", "text"))

	reporter.Report(&models.SuspiciousActivityReport{
		ID:               uuid.NewString(),
		UserID:           "mqtt-runner",
		Kind:             models.ReportKindSegmentSpeedViolation,
		Severity:         models.SeverityWarning,
		Source:           models.SourceBatchSync,
		Location:         models.GeoPoint{Latitude: 55.75, Longitude: 37.61},
		ReportedSpeedKmh: 45,
		CreatedAt:        time.Now().UTC(),
	})
	reporter.Wait()

	select {
	case msg := <-suite.received:
		require.Equal(t, topicPrefix+"/segment_speed_violation", msg.Topic())

		var report models.SuspiciousActivityReport
		require.NoError(t, json.Unmarshal(msg.Payload(), &report))
		require.Equal(t, "mqtt-runner", report.UserID)
		require.InDelta(t, 45, report.ReportedSpeedKmh, 0.001)
	case <-time.After(5 * time.Second):
		t.Fatal("report was not delivered to MQTT subscriber")
	}
}

func TestMQTTPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(MQTTPipelineTestSuite))
}
