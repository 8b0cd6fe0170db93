package filter

import (
	"time"

	"github.com/citylord/trajectory-engine/internal/models"
)

// Verdict результат проверки сегмента по скорости
type Verdict string

const (
	VerdictNormal        Verdict = "normal"
	VerdictSoftViolation Verdict = "soft_violation"
	VerdictHardViolation Verdict = "hard_violation"
)

// Segment пара соседних точек после фильтра точности
type Segment struct {
	From           models.TrackPoint `json:"from"`
	To             models.TrackPoint `json:"to"`
	DistanceMeters float64           `json:"distance_meters"`
	Elapsed        time.Duration     `json:"elapsed"`
	SpeedKmh       float64           `json:"speed_kmh"`
	Gap            bool              `json:"gap,omitempty"` // Большой интервал по времени или расстоянию
	Verdict        Verdict           `json:"verdict"`
}

// IsViolation сообщает, что сегмент не добавляет дистанцию
func (s Segment) IsViolation() bool {
	return s.Verdict == VerdictSoftViolation || s.Verdict == VerdictHardViolation
}

// Finding возвращает находку для отчета или nil для нормального сегмента
func (s Segment) Finding() *Finding {
	switch s.Verdict {
	case VerdictSoftViolation:
		return &Finding{
			Kind:     models.ReportKindSegmentSpeedViolation,
			Severity: models.SeverityWarning,
			Location: s.To.Position(),
			SpeedKmh: s.SpeedKmh,
			At:       s.To.Time(),
		}
	case VerdictHardViolation:
		return &Finding{
			Kind:     models.ReportKindTeleport,
			Severity: models.SeverityCritical,
			Location: s.To.Position(),
			SpeedKmh: s.SpeedKmh,
			At:       s.To.Time(),
		}
	}
	return nil
}

// Finding нарушение, которое нужно отправить в аудит
type Finding struct {
	Kind     models.ReportKind
	Severity models.ReportSeverity
	Location models.GeoPoint
	SpeedKmh float64
	At       time.Time
}

// Filter общий интерфейс проверок
type Filter interface {
	// Name возвращает имя фильтра
	Name() string

	// Description возвращает описание фильтра
	Description() string
}

var (
	_ Filter = (*ClockSkewGate)(nil)
	_ Filter = (*AccuracyGate)(nil)
	_ Filter = (*SegmentClassifier)(nil)
	_ Filter = (*TeleportDetector)(nil)
)
