package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/citylord/trajectory-engine/internal/filter"
	"github.com/citylord/trajectory-engine/internal/ingest"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/internal/repository"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

var metersPerDegree = models.EarthRadiusKm * 1000 * math.Pi / 180

const (
	baseLat, baseLng = 55.75, 37.61
	testUser         = "runner-1"
)

// wirePoint точка в формате клиента
type wirePoint struct {
	ID             interface{} `json:"id,omitempty"`
	Lat            float64     `json:"lat"`
	Lng            float64     `json:"lng"`
	TimestampMs    int64       `json:"timestampMs"`
	AccuracyMeters float64     `json:"accuracyMeters"`
}

func north(meters float64, ts int64) wirePoint {
	return wirePoint{Lat: baseLat + meters/metersPerDegree, Lng: baseLng, TimestampMs: ts, AccuracyMeters: 5}
}

func batch(t *testing.T, points ...wirePoint) []byte {
	t.Helper()
	data, err := json.Marshal(points)
	require.NoError(t, err)
	return data
}

// mockReward мок сервиса наград
type mockReward struct {
	mock.Mock
}

func (m *mockReward) OnRunFinalized(ctx context.Context, session *models.RunSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

type fixture struct {
	store    *repository.MemoryStore
	reporter *Reporter
	ingest   *IngestService
	guard    *IdempotencyGuard
	reward   *mockReward
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := utils.NewLogger("error", "text")
	store := repository.NewMemoryStore()
	reporter := NewReporter(store, DefaultReporterConfig(), logger)
	svc := NewIngestService(store, reporter, filter.DefaultPolicy(), 5000, logger)
	reward := &mockReward{}
	guard := NewIdempotencyGuard(store, svc, reward, time.Second, logger)
	return &fixture{store: store, reporter: reporter, ingest: svc, guard: guard, reward: reward}
}

func (f *fixture) sync(t *testing.T, points ...wirePoint) *SyncResult {
	t.Helper()
	res, err := f.ingest.SyncBatch(context.Background(), testUser, batch(t, points...))
	require.NoError(t, err)
	return res
}

func (f *fixture) path(t *testing.T, sessionID string) []models.TrackPoint {
	t.Helper()
	page, err := f.ingest.SessionPath(context.Background(), testUser, sessionID, 0, repository.MaxPathPageSize)
	require.NoError(t, err)
	return page.Points
}

func (f *fixture) reports() []models.SuspiciousActivityReport {
	f.reporter.Wait()
	return f.store.Reports()
}

func idStrings(ids []models.PointID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func TestSyncBatch_OutOfOrderBatch(t *testing.T) {
	f := newFixture(t)
	first := f.sync(t, north(0, 1000))

	res := f.sync(t, north(0, 1005), north(0, 998), north(0, 1010))

	assert.Equal(t, []string{"1005", "998", "1010"}, idStrings(res.SyncedIDs))
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Stale)

	path := f.path(t, first.SessionID)
	require.Len(t, path, 3)
	assert.Equal(t, []int64{1000, 1005, 1010},
		[]int64{path[0].TimestampMs, path[1].TimestampMs, path[2].TimestampMs})
}

func TestSyncBatch_ImplausibleSpeed(t *testing.T) {
	f := newFixture(t)

	res := f.sync(t, north(0, 10_000), north(1000, 12_000))

	assert.Len(t, res.SyncedIDs, 2)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.SpeedViolations)
	assert.Zero(t, res.ServerDistanceMeters)

	reports := f.reports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.ReportKindTeleport, reports[0].Kind)
	assert.Equal(t, models.SeverityCritical, reports[0].Severity)
	assert.Equal(t, models.SourceBatchSync, reports[0].Source)
	assert.Equal(t, res.SessionID, reports[0].SessionID)
	assert.InDelta(t, 1800, reports[0].ReportedSpeedKmh, 5)
}

func TestSyncBatch_NormalSegment(t *testing.T) {
	f := newFixture(t)

	res := f.sync(t, north(0, 10_000), north(50, 20_000))

	assert.InDelta(t, 50, res.ServerDistanceMeters, 0.5)
	assert.Empty(t, f.reports())
}

func TestSyncBatch_EmptyBatch(t *testing.T) {
	f := newFixture(t)

	res, err := f.ingest.SyncBatch(context.Background(), testUser, []byte(`[]`))
	require.NoError(t, err)
	require.NotNil(t, res.SyncedIDs)
	assert.Empty(t, res.SyncedIDs)
	assert.False(t, res.HasSession())

	_, err = f.ingest.CurrentSession(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSyncBatch_LowAccuracyBetweenValidPoints(t *testing.T) {
	f := newFixture(t)

	noisy := north(300, 15_000)
	noisy.AccuracyMeters = 999

	res := f.sync(t, north(0, 10_000), noisy, north(50, 20_000))

	assert.Equal(t, []string{"10000", "15000", "20000"}, idStrings(res.SyncedIDs))
	assert.Equal(t, 1, res.LowAccuracy)
	assert.InDelta(t, 50, res.ServerDistanceMeters, 0.5)
	assert.Len(t, f.path(t, res.SessionID), 2)
	assert.Empty(t, f.reports())
}

func TestSyncBatch_SoftViolationKeepsPointWithoutDistance(t *testing.T) {
	f := newFixture(t)

	// 100 м за 6 с = 60 км/ч
	res := f.sync(t, north(0, 10_000), north(100, 16_000), north(150, 26_000))

	assert.Equal(t, 1, res.SpeedViolations)
	assert.InDelta(t, 50, res.ServerDistanceMeters, 0.5)
	assert.Len(t, f.path(t, res.SessionID), 3)

	reports := f.reports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.ReportKindSegmentSpeedViolation, reports[0].Kind)
	assert.Equal(t, models.SeverityWarning, reports[0].Severity)
}

func TestSyncBatch_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	points := []wirePoint{north(0, 10_000), north(50, 20_000), north(100, 30_000)}

	first := f.sync(t, points...)
	second := f.sync(t, points...)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.ServerDistanceMeters, second.ServerDistanceMeters)
	assert.Equal(t, idStrings(first.SyncedIDs), idStrings(second.SyncedIDs))
	assert.Zero(t, second.Accepted)
	assert.Equal(t, 3, second.Stale)
	assert.Len(t, f.path(t, first.SessionID), 3)
}

func TestSyncBatch_DistanceIsMonotoneAndPathOrdered(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))

	var all []wirePoint
	for i := 0; i < 60; i++ {
		all = append(all, north(float64(i)*20, int64(10_000+i*5_000)))
	}

	var last float64
	var sessionID string
	for start := 0; start < len(all); start += 7 {
		end := start + 10
		if end > len(all) {
			end = len(all)
		}
		chunk := append([]wirePoint(nil), all[start:end]...)
		rng.Shuffle(len(chunk), func(i, j int) { chunk[i], chunk[j] = chunk[j], chunk[i] })

		res := f.sync(t, chunk...)
		assert.GreaterOrEqual(t, res.ServerDistanceMeters, last)
		last = res.ServerDistanceMeters
		sessionID = res.SessionID
	}

	path := f.path(t, sessionID)
	for i := 1; i < len(path); i++ {
		assert.Greater(t, path[i].TimestampMs, path[i-1].TimestampMs)
	}
	assert.InDelta(t, 59*20, last, 1)
}

func TestSyncBatch_MalformedPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingest.SyncBatch(context.Background(), testUser, []byte(`[{"lat": 55.75}]`))
	assert.ErrorIs(t, err, ingest.ErrMalformedPayload)

	_, err = f.ingest.CurrentSession(context.Background(), testUser)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSyncBatch_CrossSessionTeleport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	_, err := f.ingest.UpdatePresence(ctx, testUser, []byte(`{"lat": 55.75, "lng": 37.61, "accuracy": 10}`), now)
	require.NoError(t, err)

	// 100 км за минуту
	res := f.sync(t, north(100_000, now.Add(time.Minute).UnixMilli()))
	assert.Equal(t, 1, res.Accepted)

	reports := f.reports()
	require.Len(t, reports, 1)
	assert.Equal(t, models.SourceCrossSession, reports[0].Source)
	assert.Equal(t, models.ReportKindTeleport, reports[0].Kind)
}

func TestSyncBatch_CompletedRunDoesNotAbsorbLateReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	points := []wirePoint{north(0, 10_000), north(50, 20_000)}
	f.sync(t, points...)
	f.reward.On("OnRunFinalized", mock.Anything, mock.Anything).Return(nil)
	_, err := f.guard.Finalize(ctx, FinalizeRequest{UserID: testUser, IdempotencyKey: "run-1"})
	require.NoError(t, err)
	f.guard.Wait()

	res := f.sync(t, points...)
	assert.False(t, res.HasSession())
	assert.Len(t, res.SyncedIDs, 2)

	_, err = f.ingest.CurrentSession(ctx, testUser)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestUpdatePresence(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	t.Run("Stores plausible ping with server time", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.ingest.UpdatePresence(ctx, testUser, []byte(`{"lat": 55.75, "lng": 37.61, "accuracy": 10, "timestamp": 1}`), now)
		require.NoError(t, err)
		require.True(t, res.Stored)
		assert.Equal(t, now, res.Ping.UpdatedAt)
		assert.Len(t, res.Ping.Geohash, PresenceGeohashPrecision)

		stored, err := f.store.GetLastLocationPing(ctx, testUser)
		require.NoError(t, err)
		assert.Equal(t, res.Ping.Geohash, stored.Geohash)
	})

	t.Run("Ignores low accuracy", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.ingest.UpdatePresence(ctx, testUser, []byte(`{"lat": 55.75, "lng": 37.61, "accuracy": 500}`), now)
		require.NoError(t, err)
		assert.False(t, res.Stored)

		stored, err := f.store.GetLastLocationPing(ctx, testUser)
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("Rejects teleport", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.ingest.UpdatePresence(ctx, testUser, []byte(`{"lat": 55.75, "lng": 37.61, "accuracy": 10}`), now)
		require.NoError(t, err)

		_, err = f.ingest.UpdatePresence(ctx, testUser, []byte(`{"lat": 56.75, "lng": 37.61, "accuracy": 10}`), now.Add(time.Minute))
		assert.ErrorIs(t, err, ErrVelocityExceeded)

		stored, err := f.store.GetLastLocationPing(ctx, testUser)
		require.NoError(t, err)
		assert.InDelta(t, 55.75, stored.Position.Latitude, 1e-9)

		reports := f.reports()
		require.Len(t, reports, 1)
		assert.Equal(t, models.SourcePresence, reports[0].Source)
		assert.Empty(t, reports[0].SessionID)
	})

	t.Run("Rejects batches", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.ingest.UpdatePresence(ctx, testUser, []byte(`[{"lat": 1, "lng": 1}, {"lat": 2, "lng": 2}]`), now)
		assert.ErrorIs(t, err, ingest.ErrMalformedPayload)

		_, err = f.ingest.UpdatePresence(ctx, testUser, []byte(`[]`), now)
		assert.ErrorIs(t, err, ingest.ErrMalformedPayload)
	})
}

func TestStartSessionAndPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, created, err := f.ingest.StartSession(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.ingest.StartSession(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, started.ID, again.ID)

	res := f.sync(t, north(0, 10_000), north(10, 15_000), north(20, 20_000))
	assert.Equal(t, started.ID, res.SessionID)

	page, err := f.ingest.SessionPath(ctx, testUser, started.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Points, 1)
	assert.Equal(t, int64(15_000), page.Points[0].TimestampMs)

	_, err = f.ingest.SessionPath(ctx, "someone-else", started.ID, 0, 10)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestFilterRejectionsByFilterName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	names := make([]string, 0, 4)
	for _, flt := range f.ingest.Filters() {
		names = append(names, flt.Name())
		assert.NotEmpty(t, flt.Description())
	}
	require.Equal(t, []string{"ClockSkewGate", "AccuracyGate", "SegmentClassifier", "TeleportDetector"}, names)

	counter := func(filterName string, source models.ReportSource) float64 {
		return testutil.ToFloat64(metrics.FilterRejections.WithLabelValues(filterName, string(source)))
	}
	gateBefore := counter("AccuracyGate", models.SourceBatchSync)
	speedBefore := counter("SegmentClassifier", models.SourceBatchSync)
	presenceBefore := counter("AccuracyGate", models.SourcePresence)

	noisy := north(100, 15_000)
	noisy.AccuracyMeters = 999
	// 300 м за 10 с превышает мягкий порог
	f.sync(t, north(0, 10_000), noisy, north(300, 20_000))

	_, err := f.ingest.UpdatePresence(ctx, testUser, []byte(`{"lat": 55.75, "lng": 37.61, "accuracy": 500}`), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1.0, counter("AccuracyGate", models.SourceBatchSync)-gateBefore)
	assert.Equal(t, 1.0, counter("SegmentClassifier", models.SourceBatchSync)-speedBefore)
	assert.Equal(t, 1.0, counter("AccuracyGate", models.SourcePresence)-presenceBefore)
	f.reporter.Wait()
}

func TestSyncBatch_FutureTimestampDoesNotLockSession(t *testing.T) {
	f := newFixture(t)
	now := time.UnixMilli(1_700_000_000_000).UTC()
	f.ingest.now = func() time.Time { return now }

	base := now.Add(-time.Hour).UnixMilli()
	future := north(100, now.Add(24*time.Hour).UnixMilli())

	res := f.sync(t, north(0, base), north(50, base+10_000), future)
	assert.Equal(t, []string{fmt.Sprint(base), fmt.Sprint(base + 10_000), fmt.Sprint(future.TimestampMs)}, idStrings(res.SyncedIDs))
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Future)

	// Следующая настоящая точка принимается
	res = f.sync(t, north(100, base+20_000))
	assert.Equal(t, 1, res.Accepted)
	assert.InDelta(t, 100, res.ServerDistanceMeters, 0.5)
	assert.Len(t, f.path(t, res.SessionID), 3)
}
