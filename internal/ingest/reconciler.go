package ingest

import (
	"sort"

	"github.com/citylord/trajectory-engine/internal/models"
)

// ReconcileResult результат сверки пакета с курсором
type ReconcileResult struct {
	// Принятые точки по возрастанию времени
	Accepted []models.TrackPoint

	// Все id из запроса в исходном порядке, клиент очищает по ним очередь
	Acknowledged []models.PointID

	// Дубликаты и точки не новее курсора
	Stale int
}

// Reconcile сортирует кандидатов по времени и отбрасывает точки не новее курсора.
// cursor == nil означает новую сессию. Повторная отправка уже примененного пакета
// дает пустой Accepted.
func Reconcile(candidates []models.NormalizedPoint, cursor *models.TrackPoint) ReconcileResult {
	result := ReconcileResult{
		Acknowledged: make([]models.PointID, 0, len(candidates)),
	}
	for _, c := range candidates {
		result.Acknowledged = append(result.Acknowledged, c.ID)
	}

	sorted := make([]models.NormalizedPoint, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	hasCursor := cursor != nil
	var last int64
	if hasCursor {
		last = cursor.TimestampMs
	}

	result.Accepted = make([]models.TrackPoint, 0, len(sorted))
	for _, c := range sorted {
		if hasCursor && c.TimestampMs <= last {
			result.Stale++
			continue
		}
		result.Accepted = append(result.Accepted, c.TrackPoint)
		last = c.TimestampMs
		hasCursor = true
	}

	return result
}
