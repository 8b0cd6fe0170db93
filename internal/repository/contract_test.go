package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citylord/trajectory-engine/internal/models"
)

func trackPoint(ts int64, lat float64) models.TrackPoint {
	return models.TrackPoint{Lat: lat, Lng: 37.61, TimestampMs: ts, AccuracyMeters: 5}
}

// appendPoints мутатор, добавляющий точки новее курсора
func appendPoints(distance float64, points ...models.TrackPoint) SessionMutator {
	return func(snapshot models.SessionSnapshot) (*models.SessionAppend, error) {
		cursor := snapshot.Cursor()
		var fresh []models.TrackPoint
		for _, p := range points {
			if cursor != nil && p.TimestampMs <= cursor.TimestampMs {
				continue
			}
			fresh = append(fresh, p)
		}
		if len(fresh) == 0 {
			return nil, nil
		}
		return &models.SessionAppend{Points: fresh, DistanceMeters: distance}, nil
	}
}

// runSessionStoreContract общие проверки для всех реализаций SessionStore
func runSessionStoreContract(t *testing.T, newStore func(t *testing.T) SessionStore) {
	ctx := context.Background()

	t.Run("NoActiveSession", func(t *testing.T) {
		store := newStore(t)

		_, err := store.GetActiveSession(ctx, "u-none")
		assert.ErrorIs(t, err, ErrNotFound)

		ping, err := store.GetLastLocationPing(ctx, "u-none")
		require.NoError(t, err)
		assert.Nil(t, ping)
	})

	t.Run("EmptyAppendCreatesNothing", func(t *testing.T) {
		store := newStore(t)

		s, err := store.AtomicUpdateSession(ctx, "u-empty", func(models.SessionSnapshot) (*models.SessionAppend, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, s)

		_, err = store.GetActiveSession(ctx, "u-empty")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LazyCreateAndAppend", func(t *testing.T) {
		store := newStore(t)

		s, err := store.AtomicUpdateSession(ctx, "u-lazy", appendPoints(12.5, trackPoint(1000, 55.75), trackPoint(2000, 55.7501)))
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, models.SessionStatusActive, s.Status)
		assert.Equal(t, 2, s.PointCount)
		assert.InDelta(t, 12.5, s.CumulativeDistanceMeters, 1e-9)
		require.NotNil(t, s.LastPoint)
		assert.Equal(t, int64(2000), s.LastPoint.TimestampMs)

		// Начало пробежки берется из первой точки, а не из времени выгрузки
		assert.True(t, time.UnixMilli(1000).Equal(s.CreatedAt), "created at %s", s.CreatedAt)
		assert.Equal(t, time.Second, s.Duration())
		stored, err := store.GetActiveSession(ctx, "u-lazy")
		require.NoError(t, err)
		assert.True(t, time.UnixMilli(1000).Equal(stored.CreatedAt), "stored created at %s", stored.CreatedAt)

		s2, err := store.AtomicUpdateSession(ctx, "u-lazy", appendPoints(7.5, trackPoint(3000, 55.7502)))
		require.NoError(t, err)
		assert.Equal(t, s.ID, s2.ID)
		assert.Equal(t, 3, s2.PointCount)
		assert.InDelta(t, 20.0, s2.CumulativeDistanceMeters, 1e-9)

		path, err := store.GetSessionPath(ctx, s.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, path, 3)
		assert.Equal(t, []int64{1000, 2000, 3000},
			[]int64{path[0].TimestampMs, path[1].TimestampMs, path[2].TimestampMs})

		page, err := store.GetSessionPath(ctx, s.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(2000), page[0].TimestampMs)

		_, err = store.GetSessionPath(ctx, "missing", 0, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MutatorErrorLeavesStateUntouched", func(t *testing.T) {
		store := newStore(t)
		boom := errors.New("boom")

		_, err := store.AtomicUpdateSession(ctx, "u-err", func(models.SessionSnapshot) (*models.SessionAppend, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetActiveSession(ctx, "u-err")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RejectsNonMonotonicAppend", func(t *testing.T) {
		store := newStore(t)

		_, err := store.AtomicUpdateSession(ctx, "u-mono", appendPoints(0, trackPoint(5000, 55.75)))
		require.NoError(t, err)

		_, err = store.AtomicUpdateSession(ctx, "u-mono", func(models.SessionSnapshot) (*models.SessionAppend, error) {
			return &models.SessionAppend{Points: []models.TrackPoint{trackPoint(4000, 55.75)}}, nil
		})
		require.Error(t, err)

		s, err := store.GetActiveSession(ctx, "u-mono")
		require.NoError(t, err)
		assert.Equal(t, 1, s.PointCount)
	})

	t.Run("StartSessionIsIdempotent", func(t *testing.T) {
		store := newStore(t)

		s1, created, err := store.StartSession(ctx, "u-start")
		require.NoError(t, err)
		assert.True(t, created)

		s2, created, err := store.StartSession(ctx, "u-start")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, s1.ID, s2.ID)
	})

	t.Run("FinalizeLifecycle", func(t *testing.T) {
		store := newStore(t)

		_, err := store.FinalizeSession(ctx, "u-fin", "", "key-1")
		assert.ErrorIs(t, err, ErrNotFound)

		active, err := store.AtomicUpdateSession(ctx, "u-fin", appendPoints(100, trackPoint(1000, 55.75)))
		require.NoError(t, err)

		done, err := store.FinalizeSession(ctx, "u-fin", "", "key-1")
		require.NoError(t, err)
		assert.Equal(t, active.ID, done.ID)
		assert.Equal(t, models.SessionStatusCompleted, done.Status)
		require.NotNil(t, done.IdempotencyKey)
		assert.Equal(t, "key-1", *done.IdempotencyKey)
		assert.NotNil(t, done.FinalizedAt)

		found, err := store.FindFinalizedSession(ctx, "u-fin", "key-1")
		require.NoError(t, err)
		assert.Equal(t, done.ID, found.ID)
		assert.InDelta(t, 100.0, found.CumulativeDistanceMeters, 1e-9)

		_, err = store.FindFinalizedSession(ctx, "u-fin", "key-2")
		assert.ErrorIs(t, err, ErrNotFound)

		// Ключ другого пользователя не пересекается
		_, err = store.FindFinalizedSession(ctx, "u-other", "key-1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.FinalizeSession(ctx, "u-fin", "", "key-1")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)

		// Использованный ключ важнее статуса сессии, даже если она уже закрыта
		_, err = store.FinalizeSession(ctx, "u-fin", done.ID, "key-1")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)

		_, err = store.FinalizeSession(ctx, "u-fin", done.ID, "key-2")
		assert.ErrorIs(t, err, ErrSessionCompleted)

		_, err = store.FinalizeSession(ctx, "u-intruder", done.ID, "key-3")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetActiveSession(ctx, "u-fin")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PreviousCursorGuardsNextSession", func(t *testing.T) {
		store := newStore(t)

		_, err := store.AtomicUpdateSession(ctx, "u-prev", appendPoints(0, trackPoint(1000, 55.75), trackPoint(2000, 55.75)))
		require.NoError(t, err)
		_, err = store.FinalizeSession(ctx, "u-prev", "", "key-prev")
		require.NoError(t, err)

		var seen models.SessionSnapshot
		s, err := store.AtomicUpdateSession(ctx, "u-prev", func(snapshot models.SessionSnapshot) (*models.SessionAppend, error) {
			seen = snapshot
			return appendPoints(0, trackPoint(1500, 55.75), trackPoint(3000, 55.76))(snapshot)
		})
		require.NoError(t, err)

		assert.Nil(t, seen.Session)
		require.NotNil(t, seen.PreviousCursor)
		assert.Equal(t, int64(2000), seen.PreviousCursor.TimestampMs)
		require.NotNil(t, s)
		assert.Equal(t, 1, s.PointCount)
	})

	t.Run("ConcurrentAppendsSerialize", func(t *testing.T) {
		store := newStore(t)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.AtomicUpdateSession(ctx, "u-race", func(snapshot models.SessionSnapshot) (*models.SessionAppend, error) {
					var next int64 = 1000
					if c := snapshot.Cursor(); c != nil {
						next = c.TimestampMs + 1000
					}
					return &models.SessionAppend{Points: []models.TrackPoint{trackPoint(next, 55.75)}, DistanceMeters: 10}, nil
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrConcurrentUpdate)
		}

		s, err := store.GetActiveSession(ctx, "u-race")
		require.NoError(t, err)
		assert.Equal(t, succeeded, s.PointCount)
		assert.InDelta(t, float64(succeeded)*10, s.CumulativeDistanceMeters, 1e-9)
	})

	t.Run("LocationPingUpsert", func(t *testing.T) {
		store := newStore(t)
		at := time.UnixMilli(1_700_000_000_000).UTC()

		ping := &models.LocationPing{
			UserID:         "u-ping",
			Position:       models.GeoPoint{Latitude: 55.75, Longitude: 37.61},
			AccuracyMeters: 8,
			Geohash:        "ucfv0j8",
			UpdatedAt:      at,
		}
		require.NoError(t, store.UpsertLocationPing(ctx, ping))

		ping.Position.Latitude = 55.76
		ping.UpdatedAt = at.Add(time.Minute)
		require.NoError(t, store.UpsertLocationPing(ctx, ping))

		got, err := store.GetLastLocationPing(ctx, "u-ping")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.InDelta(t, 55.76, got.Position.Latitude, 1e-9)
		assert.Equal(t, at.Add(time.Minute), got.UpdatedAt)
		assert.Equal(t, "ucfv0j8", got.Geohash)
	})
}
