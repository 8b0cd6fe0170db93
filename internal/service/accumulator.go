package service

import (
	"github.com/citylord/trajectory-engine/internal/filter"
)

// Accumulation итог суммирования сегментов пакета
type Accumulation struct {
	AddedMeters  float64
	Contributing int // Сегменты, добавившие дистанцию
	Gaps         int // Из них с разрывом, засчитанным по прямой
	Excluded     int // Сегменты с нарушением скорости
}

// Accumulate суммирует дистанцию сегментов.
// Нормальные сегменты и правдоподобные разрывы добавляют расстояние по прямой,
// нарушения скорости не добавляют ничего. Результат никогда не отрицателен.
func Accumulate(segments []filter.Segment) Accumulation {
	var acc Accumulation
	for _, seg := range segments {
		if seg.IsViolation() {
			acc.Excluded++
			continue
		}
		if seg.DistanceMeters <= 0 {
			continue
		}
		acc.AddedMeters += seg.DistanceMeters
		acc.Contributing++
		if seg.Gap {
			acc.Gaps++
		}
	}
	return acc
}
