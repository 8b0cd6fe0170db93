package filter

import (
	"fmt"
	"time"
)

// Policy пороги античита и классификации разрывов.
// Одна структура для всех точек входа: пакетная синхронизация, presence пинг, финализация.
type Policy struct {
	// Точки с погрешностью выше порога отбрасываются
	MaxAccuracyMeters float64

	// Сегменты быстрее не добавляют дистанцию (бег/велосипед)
	SoftMaxSpeedKmh float64

	// Сегменты быстрее считаются телепортацией
	HardMaxSpeedKmh float64

	// Сегмент считается разрывом, если превышен хотя бы один из порогов
	GapMaxInterval       time.Duration
	GapMaxDistanceMeters float64

	// Нижняя граница интервала для межсессионной проверки
	MinTeleportInterval time.Duration

	// Допустимое опережение серверного времени, 0 отключает проверку
	MaxFutureSkew time.Duration
}

// DefaultPolicy возвращает значения по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		MaxAccuracyMeters:    40,
		SoftMaxSpeedKmh:      30,
		HardMaxSpeedKmh:      300,
		GapMaxInterval:       30 * time.Second,
		GapMaxDistanceMeters: 500,
		MinTeleportInterval:  time.Second,
		MaxFutureSkew:        5 * time.Minute,
	}
}

// Validate проверяет согласованность порогов
func (p Policy) Validate() error {
	if p.MaxAccuracyMeters <= 0 {
		return fmt.Errorf("max accuracy must be positive, got %.1f", p.MaxAccuracyMeters)
	}
	if p.SoftMaxSpeedKmh <= 0 {
		return fmt.Errorf("soft max speed must be positive, got %.1f", p.SoftMaxSpeedKmh)
	}
	if p.HardMaxSpeedKmh < p.SoftMaxSpeedKmh {
		return fmt.Errorf("hard max speed %.1f is below soft max speed %.1f", p.HardMaxSpeedKmh, p.SoftMaxSpeedKmh)
	}
	if p.GapMaxInterval <= 0 {
		return fmt.Errorf("gap interval must be positive, got %s", p.GapMaxInterval)
	}
	if p.GapMaxDistanceMeters <= 0 {
		return fmt.Errorf("gap distance must be positive, got %.1f", p.GapMaxDistanceMeters)
	}
	if p.MinTeleportInterval <= 0 {
		return fmt.Errorf("min teleport interval must be positive, got %s", p.MinTeleportInterval)
	}
	if p.MaxFutureSkew < 0 {
		return fmt.Errorf("max future skew cannot be negative, got %s", p.MaxFutureSkew)
	}
	return nil
}
