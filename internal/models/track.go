package models

import (
	"math"
	"strconv"
	"time"
)

// UnknownAccuracy значение точности для точек без accuracy
// Всегда больше любого порога, поэтому такие точки не проходят фильтр точности
const UnknownAccuracy = math.MaxFloat64

// TrackPoint представляет точку трека пробежки
type TrackPoint struct {
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	TimestampMs    int64    `json:"timestampMs"`
	AccuracyMeters float64  `json:"accuracyMeters"`
	SpeedMps       *float64 `json:"speedMps,omitempty"`
	HeadingDeg     *float64 `json:"headingDeg,omitempty"`
}

// Position возвращает координаты точки
func (tp TrackPoint) Position() GeoPoint {
	return GeoPoint{Latitude: tp.Lat, Longitude: tp.Lng}
}

// Time возвращает время точки
func (tp TrackPoint) Time() time.Time {
	return time.UnixMilli(tp.TimestampMs).UTC()
}

// HasKnownAccuracy сообщает, прислал ли клиент точность
func (tp TrackPoint) HasKnownAccuracy() bool {
	return tp.AccuracyMeters != UnknownAccuracy
}

// PointID идентификатор точки в исходящей очереди клиента.
// Хранит сырой JSON токен (число или строку) и возвращается клиенту без изменений.
type PointID string

// PointIDFromTimestamp идентификатор по умолчанию для точек без id
func PointIDFromTimestamp(ts int64) PointID {
	return PointID(strconv.FormatInt(ts, 10))
}

// MarshalJSON возвращает исходный JSON токен
func (id PointID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON сохраняет JSON токен как есть
func (id *PointID) UnmarshalJSON(data []byte) error {
	*id = PointID(append([]byte(nil), data...))
	return nil
}

// NormalizedPoint точка после нормализации входного запроса
type NormalizedPoint struct {
	ID PointID `json:"id"`
	TrackPoint
}
