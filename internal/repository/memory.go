package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citylord/trajectory-engine/internal/models"
)

// MemoryStore хранилище в памяти для тестов и локального запуска
type MemoryStore struct {
	mu sync.Mutex

	sessions      map[string]*models.RunSession   // id -> сессия без пути
	paths         map[string][]models.TrackPoint  // id -> путь
	active        map[string]string               // userID -> id активной сессии
	lastCompleted map[string]*models.TrackPoint   // userID -> курсор последней завершенной
	idempotency   map[string]string               // userID + ключ -> id сессии
	pings         map[string]*models.LocationPing // userID -> пинг
	reports       []*models.SuspiciousActivityReport
	now           func() time.Time
}

// NewMemoryStore создает хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*models.RunSession),
		paths:         make(map[string][]models.TrackPoint),
		active:        make(map[string]string),
		lastCompleted: make(map[string]*models.TrackPoint),
		idempotency:   make(map[string]string),
		pings:         make(map[string]*models.LocationPing),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func idempotencyIndexKey(userID, key string) string {
	return userID + "\x00" + key
}

// Ping всегда успешен
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close ничего не освобождает
func (m *MemoryStore) Close() error {
	return nil
}

// GetActiveSession возвращает активную сессию пользователя
func (m *MemoryStore) GetActiveSession(ctx context.Context, userID string) (*models.RunSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.active[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

// StartSession создает активную сессию, если ее нет
func (m *MemoryStore) StartSession(ctx context.Context, userID string) (*models.RunSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.active[userID]; ok {
		return m.sessions[id].Clone(), false, nil
	}
	return m.createLocked(userID).Clone(), true, nil
}

func (m *MemoryStore) createLocked(userID string) *models.RunSession {
	now := m.now()
	s := &models.RunSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s
	m.active[userID] = s.ID
	return s
}

// AtomicUpdateSession применяет приращение под общей блокировкой
func (m *MemoryStore) AtomicUpdateSession(ctx context.Context, userID string, mutate SessionMutator) (*models.RunSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current *models.RunSession
	if id, ok := m.active[userID]; ok {
		current = m.sessions[id]
	}

	snapshot := models.SessionSnapshot{Session: current.Clone()}
	if current == nil {
		if prev := m.lastCompleted[userID]; prev != nil {
			p := *prev
			snapshot.PreviousCursor = &p
		}
	}

	delta, err := mutate(snapshot)
	if err != nil {
		return nil, err
	}
	if delta.IsEmpty() {
		return current.Clone(), nil
	}
	if err := validateAppend(current, delta); err != nil {
		return nil, err
	}

	if current == nil {
		current = m.createLocked(userID)
	}

	next := applyAppend(current, delta, m.now())
	m.sessions[next.ID] = next
	m.paths[next.ID] = append(m.paths[next.ID], delta.Points...)

	return next.Clone(), nil
}

// GetSession возвращает сессию по id
func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.RunSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// GetSessionPath возвращает страницу пути
func (m *MemoryStore) GetSessionPath(ctx context.Context, sessionID string, offset, limit int) ([]models.TrackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}

	offset, limit = NormalizePage(offset, limit)
	path := m.paths[sessionID]
	if offset >= len(path) {
		return []models.TrackPoint{}, nil
	}
	end := offset + limit
	if end > len(path) {
		end = len(path)
	}
	return append([]models.TrackPoint(nil), path[offset:end]...), nil
}

// FindFinalizedSession ищет завершенную сессию по ключу
func (m *MemoryStore) FindFinalizedSession(ctx context.Context, userID, idempotencyKey string) (*models.RunSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.idempotency[idempotencyIndexKey(userID, idempotencyKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

// FinalizeSession завершает сессию и записывает ключ
func (m *MemoryStore) FinalizeSession(ctx context.Context, userID, sessionID, idempotencyKey string) (*models.RunSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, used := m.idempotency[idempotencyIndexKey(userID, idempotencyKey)]; used {
		return nil, ErrIdempotencyConflict
	}

	if sessionID == "" {
		id, ok := m.active[userID]
		if !ok {
			return nil, ErrNotFound
		}
		sessionID = id
	}

	current, ok := m.sessions[sessionID]
	if !ok || current.UserID != userID {
		return nil, ErrNotFound
	}
	if !current.IsActive() {
		return nil, ErrSessionCompleted
	}

	now := m.now()
	next := current.Clone()
	next.Status = models.SessionStatusCompleted
	key := idempotencyKey
	next.IdempotencyKey = &key
	next.FinalizedAt = &now
	next.UpdatedAt = now

	m.sessions[next.ID] = next
	delete(m.active, userID)
	m.idempotency[idempotencyIndexKey(userID, idempotencyKey)] = next.ID
	if next.LastPoint != nil {
		lp := *next.LastPoint
		m.lastCompleted[userID] = &lp
	}

	return next.Clone(), nil
}

// GetLastLocationPing возвращает последний пинг или nil
func (m *MemoryStore) GetLastLocationPing(ctx context.Context, userID string) (*models.LocationPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pings[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// UpsertLocationPing перезаписывает пинг пользователя
func (m *MemoryStore) UpsertLocationPing(ctx context.Context, ping *models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ping
	m.pings[ping.UserID] = &cp
	return nil
}

// RecordSuspiciousActivity добавляет отчет
func (m *MemoryStore) RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *report
	m.reports = append(m.reports, &cp)
	return nil
}

// Reports возвращает копию записанных отчетов
func (m *MemoryStore) Reports() []models.SuspiciousActivityReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.SuspiciousActivityReport, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, *r)
	}
	return out
}
