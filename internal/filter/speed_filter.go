package filter

import (
	"time"

	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// SegmentClassifier считает сегменты между соседними точками и проверяет скорость
type SegmentClassifier struct {
	policy Policy
	logger *utils.Logger
}

// NewSegmentClassifier создает классификатор сегментов
func NewSegmentClassifier(policy Policy, logger *utils.Logger) *SegmentClassifier {
	return &SegmentClassifier{
		policy: policy,
		logger: logger,
	}
}

// Classify строит сегменты от prev (последняя сохраненная точка, может быть nil)
// через все points. Точки должны идти по возрастанию времени.
func (c *SegmentClassifier) Classify(prev *models.TrackPoint, points []models.TrackPoint) []Segment {
	if len(points) == 0 {
		return nil
	}

	segments := make([]Segment, 0, len(points))
	var from models.TrackPoint
	start := 0
	if prev != nil {
		from = *prev
	} else {
		// Новая сессия: первая точка открывает трек без сегмента
		from = points[0]
		start = 1
	}

	for i := start; i < len(points); i++ {
		to := points[i]
		seg := c.classifyPair(from, to)

		if seg.IsViolation() {
			c.logger.WithField("verdict", seg.Verdict).
				WithField("speed_kmh", seg.SpeedKmh).
				WithField("distance_m", seg.DistanceMeters).
				WithField("elapsed_sec", seg.Elapsed.Seconds()).
				WithField("lat", to.Lat).
				WithField("lng", to.Lng).
				Debug("Segment excluded due to speed violation")
		}

		segments = append(segments, seg)
		// Точка остается в треке даже при нарушении
		from = to
	}

	return segments
}

func (c *SegmentClassifier) classifyPair(from, to models.TrackPoint) Segment {
	elapsedMs := to.TimestampMs - from.TimestampMs
	distance := from.Position().DistanceMeters(to.Position())
	speed := models.SpeedKmh(distance, elapsedMs)
	elapsed := time.Duration(elapsedMs) * time.Millisecond

	seg := Segment{
		From:           from,
		To:             to,
		DistanceMeters: distance,
		Elapsed:        elapsed,
		SpeedKmh:       speed,
		Gap:            elapsed > c.policy.GapMaxInterval || distance > c.policy.GapMaxDistanceMeters,
		Verdict:        VerdictNormal,
	}

	switch {
	case speed > c.policy.HardMaxSpeedKmh:
		seg.Verdict = VerdictHardViolation
	case speed > c.policy.SoftMaxSpeedKmh:
		seg.Verdict = VerdictSoftViolation
	}

	return seg
}

// Name возвращает имя фильтра
func (c *SegmentClassifier) Name() string {
	return "SegmentClassifier"
}

// Description возвращает описание фильтра
func (c *SegmentClassifier) Description() string {
	return "Classifies consecutive point pairs by implied speed and marks time/distance gaps"
}
