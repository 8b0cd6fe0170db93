package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citylord/trajectory-engine/internal/models"
)

func TestMemoryStore_Contract(t *testing.T) {
	runSessionStoreContract(t, func(t *testing.T) SessionStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.AtomicUpdateSession(ctx, "u1", appendPoints(5, trackPoint(1000, 55.75)))
	require.NoError(t, err)

	// Изменение возвращенного значения не затрагивает хранилище
	s.LastPoint.TimestampMs = 99
	s.PointCount = 100

	stored, err := store.GetActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.LastPoint.TimestampMs)
	assert.Equal(t, 1, stored.PointCount)
}

func TestMemoryStore_Reports(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	report := &models.SuspiciousActivityReport{
		ID:               "r1",
		UserID:           "u1",
		Kind:             models.ReportKindTeleport,
		Severity:         models.SeverityCritical,
		Source:           models.SourceBatchSync,
		ReportedSpeedKmh: 1800,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, store.RecordSuspiciousActivity(ctx, report))
	report.UserID = "mutated"

	reports := store.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "u1", reports[0].UserID)
	assert.Equal(t, models.ReportKindTeleport, reports[0].Kind)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().AtomicUpdateSession(ctx, "u1", appendPoints(0, trackPoint(1, 0)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		name                  string
		offset, limit         int
		wantOffset, wantLimit int
	}{
		{"Defaults", 0, 0, 0, DefaultPathPageSize},
		{"Negative offset", -5, 10, 0, 10},
		{"Clamp limit", 3, MaxPathPageSize + 1, 3, MaxPathPageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, limit := NormalizePage(tt.offset, tt.limit)
			assert.Equal(t, tt.wantOffset, offset)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}

func TestApplyAppend_CreatedAtFollowsFirstPoint(t *testing.T) {
	started := time.UnixMilli(50_000).UTC()
	now := time.UnixMilli(90_000).UTC()

	t.Run("Earlier offline point", func(t *testing.T) {
		session := &models.RunSession{ID: "s", CreatedAt: started, UpdatedAt: started}
		next := applyAppend(session, &models.SessionAppend{Points: []models.TrackPoint{trackPoint(10_000, 55.75)}}, now)
		assert.True(t, time.UnixMilli(10_000).Equal(next.CreatedAt))
		assert.True(t, started.Equal(session.CreatedAt))
	})

	t.Run("Point after explicit start", func(t *testing.T) {
		session := &models.RunSession{ID: "s", CreatedAt: started, UpdatedAt: started}
		next := applyAppend(session, &models.SessionAppend{Points: []models.TrackPoint{trackPoint(60_000, 55.75)}}, now)
		assert.True(t, started.Equal(next.CreatedAt))
	})

	t.Run("Session already has points", func(t *testing.T) {
		last := trackPoint(70_000, 55.75)
		session := &models.RunSession{ID: "s", CreatedAt: started, PointCount: 1, LastPoint: &last}
		next := applyAppend(session, &models.SessionAppend{Points: []models.TrackPoint{trackPoint(80_000, 55.7501)}}, now)
		assert.True(t, started.Equal(next.CreatedAt))
	})
}
