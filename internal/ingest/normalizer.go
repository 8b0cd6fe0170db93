// Package ingest приводит входящие запросы клиента к единому виду
// и сверяет их с курсором сохраненного трека.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/citylord/trajectory-engine/internal/models"
)

// ErrMalformedPayload запрос не удалось разобрать, весь пакет отклоняется
var ErrMalformedPayload = errors.New("malformed payload")

// NormalizeOptions параметры нормализации
type NormalizeOptions struct {
	// Время для точек без timestamp. Нулевое значение делает timestamp обязательным.
	DefaultTimestamp time.Time

	// Максимальное число точек в запросе, 0 без ограничения
	MaxPoints int
}

// Синонимы полей от разных клиентов
var (
	latKeys      = []string{"lat", "latitude"}
	lngKeys      = []string{"lng", "lon", "longitude"}
	timeKeys     = []string{"timestampMs", "timestamp", "time"}
	accuracyKeys = []string{"accuracyMeters", "accuracy"}
	speedKeys    = []string{"speedMps", "speed"}
	headingKeys  = []string{"headingDeg", "heading", "bearing"}
)

// Normalize разбирает тело запроса: массив точек, {"points": [...]},
// {"locations": [...]} нативного плагина или одну точку.
// Любая точка без координат отклоняет весь запрос.
func Normalize(body []byte, opts NormalizeOptions) ([]models.NormalizedPoint, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	items, err := unwrap(raw)
	if err != nil {
		return nil, err
	}

	if opts.MaxPoints > 0 && len(items) > opts.MaxPoints {
		return nil, fmt.Errorf("%w: batch of %d points exceeds limit %d", ErrMalformedPayload, len(items), opts.MaxPoints)
	}

	points := make([]models.NormalizedPoint, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: point %d is not an object", ErrMalformedPayload, i)
		}
		p, err := normalizePoint(obj, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %v", ErrMalformedPayload, i, err)
		}
		points = append(points, p)
	}

	return points, nil
}

func unwrap(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case map[string]interface{}:
		for _, key := range []string{"points", "locations"} {
			wrapped, ok := v[key]
			if !ok {
				continue
			}
			list, ok := wrapped.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: %q must be an array", ErrMalformedPayload, key)
			}
			return list, nil
		}
		return []interface{}{v}, nil
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrMalformedPayload)
	}
}

func normalizePoint(obj map[string]interface{}, opts NormalizeOptions) (models.NormalizedPoint, error) {
	// Плагин фоновой геолокации кладет координаты во вложенный coords
	if coords, ok := obj["coords"].(map[string]interface{}); ok {
		merged := make(map[string]interface{}, len(obj)+len(coords))
		for k, v := range obj {
			merged[k] = v
		}
		for k, v := range coords {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
		obj = merged
	}

	lat, ok, err := numberField(obj, latKeys)
	if err != nil {
		return models.NormalizedPoint{}, err
	}
	if !ok {
		return models.NormalizedPoint{}, errors.New("missing latitude")
	}
	lng, ok, err := numberField(obj, lngKeys)
	if err != nil {
		return models.NormalizedPoint{}, err
	}
	if !ok {
		return models.NormalizedPoint{}, errors.New("missing longitude")
	}

	position := models.GeoPoint{Latitude: lat, Longitude: lng}
	if err := position.Validate(); err != nil {
		return models.NormalizedPoint{}, err
	}

	ts, ok, err := timestampField(obj)
	if err != nil {
		return models.NormalizedPoint{}, err
	}
	if !ok {
		if opts.DefaultTimestamp.IsZero() {
			return models.NormalizedPoint{}, errors.New("missing timestamp")
		}
		ts = opts.DefaultTimestamp.UnixMilli()
	}

	point := models.TrackPoint{
		Lat:            lat,
		Lng:            lng,
		TimestampMs:    ts,
		AccuracyMeters: models.UnknownAccuracy,
	}

	if acc, ok, err := numberField(obj, accuracyKeys); err != nil {
		return models.NormalizedPoint{}, err
	} else if ok && acc >= 0 {
		point.AccuracyMeters = acc
	}
	if speed, ok, err := numberField(obj, speedKeys); err != nil {
		return models.NormalizedPoint{}, err
	} else if ok && speed >= 0 {
		point.SpeedMps = &speed
	}
	if heading, ok, err := numberField(obj, headingKeys); err != nil {
		return models.NormalizedPoint{}, err
	} else if ok && heading >= 0 {
		point.HeadingDeg = &heading
	}

	id, err := pointID(obj["id"], ts)
	if err != nil {
		return models.NormalizedPoint{}, err
	}

	return models.NormalizedPoint{ID: id, TrackPoint: point}, nil
}

// numberField возвращает первое найденное поле из keys. null считается отсутствием.
func numberField(obj map[string]interface{}, keys []string) (float64, bool, error) {
	for _, key := range keys {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return 0, false, fmt.Errorf("field %q: %v", key, err)
		}
		return f, true, nil
	}
	return 0, false, nil
}

func toFloat(v interface{}) (float64, error) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("number must be finite")
	}
	return f, nil
}

// timestampField поддерживает epoch ms числом или строкой и RFC3339
func timestampField(obj map[string]interface{}) (int64, bool, error) {
	for _, key := range timeKeys {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case json.Number:
			if ms, err := t.Int64(); err == nil {
				return ms, true, nil
			}
			f, err := t.Float64()
			if err != nil {
				return 0, false, fmt.Errorf("field %q: %v", key, err)
			}
			// float64(math.MaxInt64) округляется до 2^63, поэтому граница включается
			if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
				return 0, false, fmt.Errorf("field %q: timestamp %s out of range", key, t)
			}
			return int64(f), true, nil
		case string:
			s := strings.TrimSpace(t)
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return ms, true, nil
			}
			parsed, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return 0, false, fmt.Errorf("field %q: unsupported time format %q", key, s)
			}
			return parsed.UnixMilli(), true, nil
		default:
			return 0, false, fmt.Errorf("field %q: unexpected type %T", key, v)
		}
	}
	return 0, false, nil
}

// pointID сохраняет id клиента как JSON токен, без id используется timestamp
func pointID(v interface{}, ts int64) (models.PointID, error) {
	switch id := v.(type) {
	case nil:
		return models.PointIDFromTimestamp(ts), nil
	case json.Number:
		return models.PointID(id.String()), nil
	case string:
		quoted, err := json.Marshal(id)
		if err != nil {
			return "", fmt.Errorf("field \"id\": %v", err)
		}
		return models.PointID(quoted), nil
	default:
		return "", fmt.Errorf("field \"id\": unexpected type %T", v)
	}
}
