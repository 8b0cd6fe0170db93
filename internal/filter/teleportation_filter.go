package filter

import (
	"time"

	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// TeleportDetector сравнивает новую позицию с последним presence пингом пользователя.
// Только наблюдает: решение о блокировке принимает вызывающий код.
type TeleportDetector struct {
	policy Policy
	logger *utils.Logger
}

// NewTeleportDetector создает детектор телепортаций
func NewTeleportDetector(policy Policy, logger *utils.Logger) *TeleportDetector {
	return &TeleportDetector{
		policy: policy,
		logger: logger,
	}
}

// Check проверяет первую принятую точку пакета относительно пинга.
// Пинг может быть устаревшим или из другого контекста, поэтому берется модуль интервала.
func (d *TeleportDetector) Check(ping *models.LocationPing, first models.TrackPoint) *Finding {
	if ping == nil {
		return nil
	}
	return d.evaluate(ping, first.Position(), first.Time())
}

// CheckPresence проверяет новый presence пинг, время берется серверное
func (d *TeleportDetector) CheckPresence(ping *models.LocationPing, next models.GeoPoint, now time.Time) *Finding {
	if ping == nil {
		return nil
	}
	return d.evaluate(ping, next, now)
}

func (d *TeleportDetector) evaluate(ping *models.LocationPing, next models.GeoPoint, at time.Time) *Finding {
	elapsed := at.Sub(ping.UpdatedAt)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed < d.policy.MinTeleportInterval {
		elapsed = d.policy.MinTeleportInterval
	}

	distance := ping.Position.DistanceMeters(next)
	speed := models.SpeedKmh(distance, elapsed.Milliseconds())
	if speed <= d.policy.HardMaxSpeedKmh {
		return nil
	}

	d.logger.WithFields(map[string]interface{}{
		"user_id":     ping.UserID,
		"distance_m":  distance,
		"elapsed_sec": elapsed.Seconds(),
		"speed_kmh":   speed,
		"from_lat":    ping.Position.Latitude,
		"from_lng":    ping.Position.Longitude,
		"to_lat":      next.Latitude,
		"to_lng":      next.Longitude,
	}).Warn("Teleportation detected")

	return &Finding{
		Kind:     models.ReportKindTeleport,
		Severity: models.SeverityCritical,
		Location: next,
		SpeedKmh: speed,
		At:       at,
	}
}

// Name возвращает имя фильтра
func (d *TeleportDetector) Name() string {
	return "TeleportDetector"
}

// Description возвращает описание фильтра
func (d *TeleportDetector) Description() string {
	return "Flags position jumps from the last known location that no travel mode can explain"
}
