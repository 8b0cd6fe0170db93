// Package reward доставляет завершенные пробежки во внешний сервис наград и заданий.
package reward

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// SignatureHeader HMAC-SHA256 тела запроса в hex
const SignatureHeader = "X-Signature-SHA256"

// RunFinalizedEvent тело вебхука
type RunFinalizedEvent struct {
	Event          string    `json:"event"`
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	DistanceMeters float64   `json:"distanceMeters"`
	PointCount     int       `json:"pointCount"`
	StartedAt      time.Time `json:"startedAt"`
	FinalizedAt    time.Time `json:"finalizedAt"`
}

// WebhookClient отправляет событие завершения пробежки по HTTP
type WebhookClient struct {
	url        string
	secret     []byte
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *utils.Logger
}

const rewardBreakerName = "reward-webhook"

// NewWebhookClient создает клиент вебхука
func NewWebhookClient(cfg config.RewardConfig, logger *utils.Logger) (*WebhookClient, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("reward webhook URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	metrics.BreakerStateChanged(rewardBreakerName, gobreaker.StateClosed)
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        rewardBreakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("breaker", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("Reward webhook circuit breaker state changed")
			metrics.BreakerStateChanged(name, to)
		},
	})

	return &WebhookClient{
		url:        cfg.WebhookURL,
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// OnRunFinalized отправляет событие. Идемпотентность на стороне получателя
// обеспечивается заголовком Idempotency-Key с id сессии.
func (w *WebhookClient) OnRunFinalized(ctx context.Context, session *models.RunSession) error {
	event := RunFinalizedEvent{
		Event:          "run.finalized",
		SessionID:      session.ID,
		UserID:         session.UserID,
		DistanceMeters: session.CumulativeDistanceMeters,
		PointCount:     session.PointCount,
		StartedAt:      session.CreatedAt,
	}
	if session.FinalizedAt != nil {
		event.FinalizedAt = *session.FinalizedAt
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode reward event: %w", err)
	}

	_, err = w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, session.ID, body)
	})
	return err
}

func (w *WebhookClient) post(ctx context.Context, sessionID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sessionID)
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reward webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reward webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign вычисляет подпись тела
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Noop сервис наград, который только пишет в лог
type Noop struct {
	logger *utils.Logger
}

// NewNoop создает заглушку наград
func NewNoop(logger *utils.Logger) *Noop {
	return &Noop{logger: logger}
}

// OnRunFinalized логирует завершение
func (n *Noop) OnRunFinalized(ctx context.Context, session *models.RunSession) error {
	n.logger.WithField("session_id", session.ID).
		WithField("user_id", session.UserID).
		WithField("distance_m", session.CumulativeDistanceMeters).
		Info("Run finalized, no reward service configured")
	return nil
}
