// Package mqtt публикует отчеты античита в MQTT брокер.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// Client MQTT клиент, публикующий отчеты в топики {prefix}/{kind}
type Client struct {
	client    mqtt.Client
	config    *config.MQTTConfig
	logger    *utils.Logger
	connected bool
	mu        sync.RWMutex
}

// NewClient создает новый MQTT клиент
func NewClient(cfg *config.MQTTConfig, logger *utils.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := &Client{
		config: cfg,
		logger: logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		c.logger.WithField("broker", cfg.URL).Info("Connected to MQTT broker")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.WithError(err).Warn("Lost connection to MQTT broker")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newClientWithTransport используется в тестах
func newClientWithTransport(cfg *config.MQTTConfig, logger *utils.Logger, transport mqtt.Client) *Client {
	return &Client{client: transport, config: cfg, logger: logger, connected: true}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	if v {
		metrics.MQTTConnectionStatus.Set(1)
	} else {
		metrics.MQTTConnectionStatus.Set(0)
	}
}

// Connect подключается к MQTT брокеру
func (c *Client) Connect(ctx context.Context) error {
	c.logger.WithField("broker", c.config.URL).Info("Connecting to MQTT broker")

	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	c.setConnected(true)
	return nil
}

// Disconnect отключается от MQTT брокера
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")
	// Также прерывает незавершенные попытки подключения
	c.client.Disconnect(1000)
	c.setConnected(false)
}

// IsConnected проверяет статус подключения
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Topic возвращает топик для типа отчета
func (c *Client) Topic(kind models.ReportKind) string {
	return strings.TrimRight(c.config.TopicPrefix, "/") + "/" + string(kind)
}

// RecordSuspiciousActivity публикует отчет
func (c *Client) RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	topic := c.Topic(report.Kind)
	if err := waitToken(ctx, c.client.Publish(topic, byte(c.config.QoS), false, payload)); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"topic":        topic,
		"payload_size": len(payload),
		"report_id":    report.ID,
	}).Debug("Published report to MQTT")
	return nil
}

// waitToken ждет завершения операции paho с учетом контекста
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
