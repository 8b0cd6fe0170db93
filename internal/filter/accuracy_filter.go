package filter

import (
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// AccuracyGate отбрасывает точки с большой погрешностью GPS
type AccuracyGate struct {
	maxAccuracy float64
	logger      *utils.Logger
}

// NewAccuracyGate создает фильтр точности
func NewAccuracyGate(policy Policy, logger *utils.Logger) *AccuracyGate {
	return &AccuracyGate{
		maxAccuracy: policy.MaxAccuracyMeters,
		logger:      logger,
	}
}

// Allows проверяет одну точку
func (g *AccuracyGate) Allows(accuracyMeters float64) bool {
	return accuracyMeters <= g.maxAccuracy
}

// Filter делит точки на прошедшие и отброшенные, порядок сохраняется
func (g *AccuracyGate) Filter(points []models.TrackPoint) (kept, dropped []models.TrackPoint) {
	kept = make([]models.TrackPoint, 0, len(points))
	for _, p := range points {
		if g.Allows(p.AccuracyMeters) {
			kept = append(kept, p)
			continue
		}
		dropped = append(dropped, p)
	}

	if len(dropped) > 0 {
		g.logger.WithField("dropped", len(dropped)).
			WithField("kept", len(kept)).
			WithField("max_accuracy_m", g.maxAccuracy).
			Debug("Points dropped by accuracy gate")
	}

	return kept, dropped
}

// Name возвращает имя фильтра
func (g *AccuracyGate) Name() string {
	return "AccuracyGate"
}

// Description возвращает описание фильтра
func (g *AccuracyGate) Description() string {
	return "Drops points whose reported GPS accuracy exceeds the configured ceiling"
}
