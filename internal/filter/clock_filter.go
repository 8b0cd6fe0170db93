package filter

import (
	"time"

	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// ClockSkewGate отбрасывает точки из будущего относительно серверного времени.
// Такая точка стала бы курсором и закрыла сессию для всех последующих точек.
type ClockSkewGate struct {
	maxSkew time.Duration
	logger  *utils.Logger
}

// NewClockSkewGate создает фильтр времени, нулевой допуск отключает проверку
func NewClockSkewGate(policy Policy, logger *utils.Logger) *ClockSkewGate {
	return &ClockSkewGate{
		maxSkew: policy.MaxFutureSkew,
		logger:  logger,
	}
}

// Filter делит точки на прошедшие и отброшенные, порядок сохраняется
func (g *ClockSkewGate) Filter(points []models.TrackPoint, now time.Time) (kept, dropped []models.TrackPoint) {
	if g.maxSkew <= 0 {
		return points, nil
	}

	limit := now.Add(g.maxSkew).UnixMilli()
	kept = make([]models.TrackPoint, 0, len(points))
	for _, p := range points {
		if p.TimestampMs > limit {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}

	if len(dropped) > 0 {
		g.logger.WithField("dropped", len(dropped)).
			WithField("max_skew", g.maxSkew.String()).
			WithField("first_dropped_ts", dropped[0].TimestampMs).
			Warn("Points from the future dropped")
	}
	return kept, dropped
}

// Name возвращает имя фильтра
func (g *ClockSkewGate) Name() string {
	return "ClockSkewGate"
}

// Description возвращает описание фильтра
func (g *ClockSkewGate) Description() string {
	return "Drops points timestamped further ahead of server time than the allowed skew"
}
