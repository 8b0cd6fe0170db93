package reward

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

func finalizedSession() *models.RunSession {
	finalized := time.UnixMilli(1_700_000_600_000).UTC()
	return &models.RunSession{
		ID:                       "0b6c1d2e-3f40-4a51-8b62-7c83d94e0f15",
		UserID:                   "runner-1",
		Status:                   models.SessionStatusCompleted,
		PointCount:               120,
		CumulativeDistanceMeters: 5230.5,
		CreatedAt:                time.UnixMilli(1_700_000_000_000).UTC(),
		FinalizedAt:              &finalized,
	}
}

func TestWebhookClient_PostsSignedEvent(t *testing.T) {
	var received RunFinalizedEvent
	var signature, idempotency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		idempotency = r.Header.Get("Idempotency-Key")
		assert.Equal(t, Sign([]byte("s3cret"), body), signature)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewWebhookClient(config.RewardConfig{WebhookURL: server.URL, Secret: "s3cret", Timeout: time.Second}, utils.NewLogger("error", "text"))
	require.NoError(t, err)

	session := finalizedSession()
	require.NoError(t, client.OnRunFinalized(context.Background(), session))

	assert.Equal(t, "run.finalized", received.Event)
	assert.Equal(t, session.ID, received.SessionID)
	assert.Equal(t, session.ID, idempotency)
	assert.InDelta(t, 5230.5, received.DistanceMeters, 1e-9)
	assert.Equal(t, 120, received.PointCount)
	assert.NotEmpty(t, signature)
}

func TestWebhookClient_ErrorStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewWebhookClient(config.RewardConfig{WebhookURL: server.URL}, utils.NewLogger("error", "text"))
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		assert.Error(t, client.OnRunFinalized(context.Background(), finalizedSession()))
	}
	// После пяти отказов подряд breaker перестает вызывать сервис
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestNewWebhookClient_RequiresURL(t *testing.T) {
	_, err := NewWebhookClient(config.RewardConfig{}, utils.NewLogger("error", "text"))
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	assert.NoError(t, NewNoop(utils.NewLogger("error", "text")).OnRunFinalized(context.Background(), finalizedSession()))
}
