package models

import "time"

// LocationPing последняя известная позиция пользователя вне пробежки
type LocationPing struct {
	UserID         string    `json:"userId"`
	Position       GeoPoint  `json:"position"`
	AccuracyMeters float64   `json:"accuracyMeters"`
	Geohash        string    `json:"geohash"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ReportKind тип подозрительной активности
type ReportKind string

const (
	ReportKindSegmentSpeedViolation ReportKind = "segment_speed_violation"
	ReportKindTeleport              ReportKind = "teleport"
)

// ReportSeverity важность отчета
type ReportSeverity string

const (
	SeverityWarning  ReportSeverity = "warning"
	SeverityCritical ReportSeverity = "critical"
)

// ReportSource точка входа, на которой обнаружено нарушение
type ReportSource string

const (
	SourceBatchSync    ReportSource = "batch_sync"
	SourceCrossSession ReportSource = "cross_session"
	SourcePresence     ReportSource = "presence"
)

// SuspiciousActivityReport запись аудита античита, только на добавление
type SuspiciousActivityReport struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	SessionID        string         `json:"sessionId,omitempty"`
	Kind             ReportKind     `json:"kind"`
	Severity         ReportSeverity `json:"severity"`
	Source           ReportSource   `json:"source"`
	Location         GeoPoint       `json:"location"`
	ReportedSpeedKmh float64        `json:"reportedSpeedKmh"`
	CreatedAt        time.Time      `json:"createdAt"`
}
