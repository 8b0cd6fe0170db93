package models

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusKm средний радиус Земли для формулы Haversine
const EarthRadiusKm = 6371.0

// GeoPoint представляет географическую точку
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Validate проверяет корректность координат
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
		math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return fmt.Errorf("coordinates must be finite")
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// DistanceTo вычисляет расстояние до другой точки в километрах (формула Haversine)
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	lat1Rad := p.Latitude * math.Pi / 180
	lat2Rad := other.Latitude * math.Pi / 180
	deltaLat := (other.Latitude - p.Latitude) * math.Pi / 180
	deltaLon := (other.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// DistanceMeters расстояние до другой точки в метрах
func (p GeoPoint) DistanceMeters(other GeoPoint) float64 {
	return p.DistanceTo(other) * 1000
}

// Geohash возвращает geohash для точки с заданной точностью
func (p GeoPoint) Geohash(precision int) string {
	if precision < 1 || precision > 12 {
		precision = 7
	}
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, uint(precision))
}

// SpeedKmh вычисляет скорость в км/ч по расстоянию в метрах и интервалу в миллисекундах
// Нулевой или отрицательный интервал дает +Inf для ненулевого расстояния
func SpeedKmh(distanceMeters float64, elapsedMs int64) float64 {
	if elapsedMs <= 0 {
		if distanceMeters > 0 {
			return math.Inf(1)
		}
		return 0
	}
	hours := float64(elapsedMs) / 3_600_000
	return (distanceMeters / 1000) / hours
}
