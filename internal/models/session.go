package models

import "time"

// SessionStatus статус пробежки
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// IsValid проверяет значение статуса
func (s SessionStatus) IsValid() bool {
	return s == SessionStatusActive || s == SessionStatusCompleted
}

// RunSession одна пробежка пользователя.
// Path заполняется только когда путь явно запрошен; LastPoint служит курсором.
type RunSession struct {
	ID                       string        `json:"id"`
	UserID                   string        `json:"userId"`
	Status                   SessionStatus `json:"status"`
	Path                     []TrackPoint  `json:"path,omitempty"`
	PointCount               int           `json:"pointCount"`
	LastPoint                *TrackPoint   `json:"lastPoint,omitempty"`
	CumulativeDistanceMeters float64       `json:"cumulativeDistanceMeters"`
	IdempotencyKey           *string       `json:"idempotencyKey,omitempty"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
	FinalizedAt              *time.Time    `json:"finalizedAt,omitempty"`
}

// IsActive сообщает, принимает ли сессия новые точки
func (s *RunSession) IsActive() bool {
	return s != nil && s.Status == SessionStatusActive
}

// Cursor возвращает последнюю сохраненную точку или nil для новой сессии
func (s *RunSession) Cursor() *TrackPoint {
	if s == nil {
		return nil
	}
	return s.LastPoint
}

// Duration длительность пробежки по первой и последней точке
func (s *RunSession) Duration() time.Duration {
	if s == nil || s.LastPoint == nil {
		return 0
	}
	end := s.LastPoint.Time()
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}

// Clone возвращает копию сессии без общих указателей
func (s *RunSession) Clone() *RunSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Path != nil {
		c.Path = append([]TrackPoint(nil), s.Path...)
	}
	if s.LastPoint != nil {
		lp := *s.LastPoint
		c.LastPoint = &lp
	}
	if s.IdempotencyKey != nil {
		k := *s.IdempotencyKey
		c.IdempotencyKey = &k
	}
	if s.FinalizedAt != nil {
		f := *s.FinalizedAt
		c.FinalizedAt = &f
	}
	return &c
}

// SessionSnapshot состояние сессии, на котором мутатор считает приращение.
// Session == nil означает, что активной сессии нет и она будет создана лениво.
type SessionSnapshot struct {
	Session *RunSession

	// Последняя точка последней завершенной пробежки пользователя.
	// Служит курсором для новой сессии, чтобы запоздалый повтор не попал в следующий забег.
	PreviousCursor *TrackPoint
}

// Cursor возвращает курсор для сверки пакета
func (s SessionSnapshot) Cursor() *TrackPoint {
	if s.Session != nil {
		return s.Session.Cursor()
	}
	return s.PreviousCursor
}

// SessionAppend приращение, которое хранилище применяет атомарно
type SessionAppend struct {
	Points         []TrackPoint
	DistanceMeters float64
}

// IsEmpty сообщает, что применять нечего
func (a *SessionAppend) IsEmpty() bool {
	return a == nil || (len(a.Points) == 0 && a.DistanceMeters == 0)
}
