package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoPoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		point   GeoPoint
		wantErr bool
		errMsg  string
	}{
		{
			name:    "Valid coordinates - Shanghai",
			point:   GeoPoint{Latitude: 31.23, Longitude: 121.47},
			wantErr: false,
		},
		{
			name:    "Valid coordinates - Equator",
			point:   GeoPoint{Latitude: 0.0, Longitude: 0.0},
			wantErr: false,
		},
		{
			name:    "Valid coordinates - Date line",
			point:   GeoPoint{Latitude: 0.0, Longitude: 180.0},
			wantErr: false,
		},
		{
			name:    "Invalid latitude - too high",
			point:   GeoPoint{Latitude: 91.0, Longitude: 0.0},
			wantErr: true,
			errMsg:  "invalid latitude",
		},
		{
			name:    "Invalid longitude - too low",
			point:   GeoPoint{Latitude: 0.0, Longitude: -181.0},
			wantErr: true,
			errMsg:  "invalid longitude",
		},
		{
			name:    "NaN latitude",
			point:   GeoPoint{Latitude: math.NaN(), Longitude: 0.0},
			wantErr: true,
			errMsg:  "finite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.point.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGeoPoint_DistanceMeters(t *testing.T) {
	// Один градус широты по меридиану = R * pi / 180
	metersPerDegree := EarthRadiusKm * 1000 * math.Pi / 180

	origin := GeoPoint{Latitude: 31.0, Longitude: 121.0}

	t.Run("Same point", func(t *testing.T) {
		assert.Equal(t, 0.0, origin.DistanceMeters(origin))
	})

	t.Run("Fifty meters north", func(t *testing.T) {
		north := GeoPoint{Latitude: 31.0 + 50/metersPerDegree, Longitude: 121.0}
		assert.InDelta(t, 50.0, origin.DistanceMeters(north), 0.01)
	})

	t.Run("Symmetric", func(t *testing.T) {
		other := GeoPoint{Latitude: 31.01, Longitude: 121.02}
		assert.InDelta(t, origin.DistanceMeters(other), other.DistanceMeters(origin), 1e-9)
	})

	t.Run("Kilometers and meters agree", func(t *testing.T) {
		other := GeoPoint{Latitude: 31.5, Longitude: 121.5}
		assert.InDelta(t, origin.DistanceTo(other)*1000, origin.DistanceMeters(other), 1e-6)
	})
}

func TestGeoPoint_Geohash(t *testing.T) {
	p := GeoPoint{Latitude: 31.2304, Longitude: 121.4737}

	assert.Len(t, p.Geohash(7), 7)
	assert.Len(t, p.Geohash(5), 5)
	// Некорректная точность заменяется на 7
	assert.Len(t, p.Geohash(0), 7)
	assert.Equal(t, p.Geohash(7)[:5], p.Geohash(5))
}

func TestSpeedKmh(t *testing.T) {
	// 1000 м за 2 с = 1800 км/ч
	assert.InDelta(t, 1800.0, SpeedKmh(1000, 2000), 1e-9)
	// 50 м за 10 с = 18 км/ч
	assert.InDelta(t, 18.0, SpeedKmh(50, 10_000), 1e-9)
	assert.True(t, math.IsInf(SpeedKmh(10, 0), 1))
	assert.Equal(t, 0.0, SpeedKmh(0, 0))
}

func TestPointID_JSON(t *testing.T) {
	var payload struct {
		IDs []PointID `json:"ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"ids":[17,"abc-1"]}`), &payload))
	require.Len(t, payload.IDs, 2)
	assert.Equal(t, PointID("17"), payload.IDs[0])
	assert.Equal(t, PointID(`"abc-1"`), payload.IDs[1])

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":[17,"abc-1"]}`, string(out))

	assert.Equal(t, PointID("1000"), PointIDFromTimestamp(1000))
}

func TestRunSession_Clone(t *testing.T) {
	key := "k1"
	s := &RunSession{
		ID:             "s1",
		Status:         SessionStatusActive,
		Path:           []TrackPoint{{Lat: 1, Lng: 2, TimestampMs: 10}},
		LastPoint:      &TrackPoint{Lat: 1, Lng: 2, TimestampMs: 10},
		IdempotencyKey: &key,
	}

	c := s.Clone()
	c.Path[0].Lat = 99
	c.LastPoint.TimestampMs = 99
	*c.IdempotencyKey = "changed"

	assert.Equal(t, 1.0, s.Path[0].Lat)
	assert.Equal(t, int64(10), s.LastPoint.TimestampMs)
	assert.Equal(t, "k1", *s.IdempotencyKey)
	assert.True(t, s.IsActive())
	assert.Equal(t, int64(10), s.Cursor().TimestampMs)

	var nilSession *RunSession
	assert.Nil(t, nilSession.Cursor())
	assert.False(t, nilSession.IsActive())
}
