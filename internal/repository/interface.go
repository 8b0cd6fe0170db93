package repository

import (
	"context"
	"errors"
	"time"

	"github.com/citylord/trajectory-engine/internal/models"
)

var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("not found")

	// ErrSessionCompleted сессия уже завершена и не принимает изменений
	ErrSessionCompleted = errors.New("session already completed")

	// ErrConcurrentUpdate оптимистичная транзакция не удалась после всех повторов
	ErrConcurrentUpdate = errors.New("concurrent session update")

	// ErrIdempotencyConflict ключ уже использован другой финализацией
	ErrIdempotencyConflict = errors.New("idempotency key already used")
)

// SessionMutator вычисляет приращение по свежему снимку.
// Хранилище может вызвать его несколько раз, поэтому функция не должна иметь побочных эффектов.
// Пустое приращение ничего не меняет и не создает сессию.
type SessionMutator func(snapshot models.SessionSnapshot) (*models.SessionAppend, error)

// SessionStore хранилище пробежек и presence пингов с атомарным read-modify-write на пользователя
type SessionStore interface {
	// Проверка соединения
	Ping(ctx context.Context) error
	Close() error

	// GetActiveSession возвращает активную сессию без пути или ErrNotFound
	GetActiveSession(ctx context.Context, userID string) (*models.RunSession, error)

	// StartSession создает активную сессию. Если она уже есть, возвращает ее и created=false.
	StartSession(ctx context.Context, userID string) (session *models.RunSession, created bool, err error)

	// AtomicUpdateSession читает активную сессию, вызывает mutate и применяет приращение
	// одной транзакцией. Если активной сессии нет и приращение не пустое, сессия создается.
	// Возвращает состояние после записи (nil, если сессии нет и ничего не записано).
	AtomicUpdateSession(ctx context.Context, userID string, mutate SessionMutator) (*models.RunSession, error)

	// GetSession возвращает сессию по id без пути
	GetSession(ctx context.Context, sessionID string) (*models.RunSession, error)

	// GetSessionPath возвращает страницу пути в порядке добавления
	GetSessionPath(ctx context.Context, sessionID string, offset, limit int) ([]models.TrackPoint, error)

	// FindFinalizedSession ищет сессию, завершенную с ключом идемпотентности
	FindFinalizedSession(ctx context.Context, userID, idempotencyKey string) (*models.RunSession, error)

	// FinalizeSession переводит сессию в completed и записывает ключ в одной транзакции.
	// sessionID пустой означает текущую активную сессию.
	FinalizeSession(ctx context.Context, userID, sessionID, idempotencyKey string) (*models.RunSession, error)

	// Presence пинги
	GetLastLocationPing(ctx context.Context, userID string) (*models.LocationPing, error)
	UpsertLocationPing(ctx context.Context, ping *models.LocationPing) error
}

// ReportStore хранилище отчетов античита, только добавление
type ReportStore interface {
	RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) error
}

// DefaultPathPageSize размер страницы пути по умолчанию
const DefaultPathPageSize = 500

// MaxPathPageSize максимальный размер страницы пути
const MaxPathPageSize = 5000

// NormalizePage приводит параметры пагинации к допустимым
func NormalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPathPageSize
	}
	if limit > MaxPathPageSize {
		limit = MaxPathPageSize
	}
	return offset, limit
}

// applyAppend применяет приращение к копии сессии
func applyAppend(session *models.RunSession, delta *models.SessionAppend, now time.Time) *models.RunSession {
	next := session.Clone()
	if n := len(delta.Points); n > 0 {
		// Пробежка начинается с первой точки, даже если буфер клиента выгружен позже
		if next.PointCount == 0 {
			if first := delta.Points[0].Time(); first.Before(next.CreatedAt) {
				next.CreatedAt = first
			}
		}
		last := delta.Points[n-1]
		next.LastPoint = &last
		next.PointCount += n
	}
	next.CumulativeDistanceMeters += delta.DistanceMeters
	next.UpdatedAt = now
	next.Path = nil
	return next
}

// validateAppend проверяет, что приращение не нарушает инварианты трека
func validateAppend(session *models.RunSession, delta *models.SessionAppend) error {
	if delta.DistanceMeters < 0 {
		return errors.New("negative distance increment")
	}
	var last int64
	hasLast := false
	if session != nil && session.LastPoint != nil {
		last = session.LastPoint.TimestampMs
		hasLast = true
	}
	for _, p := range delta.Points {
		if hasLast && p.TimestampMs <= last {
			return errors.New("points must be strictly newer than the session cursor")
		}
		last = p.TimestampMs
		hasLast = true
	}
	return nil
}

// Ensure implementations
var (
	_ SessionStore = (*MemoryStore)(nil)
	_ SessionStore = (*RedisRepository)(nil)
	_ SessionStore = (*MySQLRepository)(nil)
	_ ReportStore  = (*MemoryStore)(nil)
	_ ReportStore  = (*RedisRepository)(nil)
	_ ReportStore  = (*MySQLRepository)(nil)
)
