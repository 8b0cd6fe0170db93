package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citylord/trajectory-engine/internal/filter"
	"github.com/citylord/trajectory-engine/internal/ingest"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/internal/repository"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

var (
	// ErrNoActiveSession у пользователя нет активной пробежки
	ErrNoActiveSession = errors.New("no active session")

	// ErrVelocityExceeded presence пинг подразумевает невозможную скорость
	ErrVelocityExceeded = errors.New("location velocity exceeded")
)

// PresenceGeohashPrecision точность geohash ячейки presence пинга (~150 м)
const PresenceGeohashPrecision = 7

// SyncResult ответ на синхронизацию пакета
type SyncResult struct {
	// Все id из запроса, клиент удаляет их из исходящей очереди
	SyncedIDs []models.PointID

	// Пустой, если активной сессии нет и ничего не записано
	SessionID            string
	ServerDistanceMeters float64

	Accepted        int
	Stale           int
	Future          int
	LowAccuracy     int
	SpeedViolations int
	AddedMeters     float64
}

// HasSession сообщает, есть ли в ответе состояние сессии
func (r *SyncResult) HasSession() bool {
	return r != nil && r.SessionID != ""
}

// PresenceResult результат presence пинга
type PresenceResult struct {
	Stored bool
	Ping   *models.LocationPing
}

// PathPage страница пути сессии
type PathPage struct {
	Session *models.RunSession
	Points  []models.TrackPoint
	Offset  int
	Limit   int
}

// IngestService принимает точки, сверяет их с сохраненным курсором и накапливает дистанцию
type IngestService struct {
	store      repository.SessionStore
	reporter   ActivityReporter
	clock      *filter.ClockSkewGate
	gate       *filter.AccuracyGate
	classifier *filter.SegmentClassifier
	detector   *filter.TeleportDetector

	maxBatchPoints int
	logger         *utils.Logger
	now            func() time.Time
}

// NewIngestService создает сервис приема точек
func NewIngestService(store repository.SessionStore, reporter ActivityReporter, policy filter.Policy, maxBatchPoints int, logger *utils.Logger) *IngestService {
	s := &IngestService{
		store:          store,
		reporter:       reporter,
		clock:          filter.NewClockSkewGate(policy, logger),
		gate:           filter.NewAccuracyGate(policy, logger),
		classifier:     filter.NewSegmentClassifier(policy, logger),
		detector:       filter.NewTeleportDetector(policy, logger),
		maxBatchPoints: maxBatchPoints,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}

	for _, f := range s.Filters() {
		logger.WithField("filter", f.Name()).Debug(f.Description())
	}
	return s
}

// Filters возвращает проверки конвейера в порядке применения
func (s *IngestService) Filters() []filter.Filter {
	return []filter.Filter{s.clock, s.gate, s.classifier, s.detector}
}

// batchEvaluation результат оценки пакета на снимке сессии
type batchEvaluation struct {
	reconcile    ingest.ReconcileResult
	path         []models.TrackPoint
	future       int
	lowAccuracy  int
	segments     []filter.Segment
	accumulation Accumulation
	createsRun   bool
}

// evaluate не имеет побочных эффектов: хранилище может вызвать его повторно
func (s *IngestService) evaluate(snapshot models.SessionSnapshot, points []models.NormalizedPoint, now time.Time) batchEvaluation {
	var ev batchEvaluation
	ev.reconcile = ingest.Reconcile(points, snapshot.Cursor())

	// Точки отсортированы, поэтому отброшенные из будущего идут в конце
	// и не влияют на сверку остальных
	current, future := s.clock.Filter(ev.reconcile.Accepted, now)
	ev.future = len(future)

	kept, dropped := s.gate.Filter(current)
	ev.lowAccuracy = len(dropped)
	ev.path = kept

	// Новая пробежка начинается без сегмента от конца предыдущей
	var prev *models.TrackPoint
	if snapshot.Session != nil {
		prev = snapshot.Session.Cursor()
	}
	ev.segments = s.classifier.Classify(prev, kept)
	ev.accumulation = Accumulate(ev.segments)
	ev.createsRun = snapshot.Session == nil && len(kept) > 0
	return ev
}

// SyncBatch применяет пакет точек к активной сессии пользователя.
// Сессия создается лениво при первой принятой точке.
func (s *IngestService) SyncBatch(ctx context.Context, userID string, body []byte) (*SyncResult, error) {
	points, err := ingest.Normalize(body, ingest.NormalizeOptions{MaxPoints: s.maxBatchPoints})
	if err != nil {
		return nil, err
	}
	metrics.SyncBatchSize.Observe(float64(len(points)))

	if len(points) == 0 {
		return &SyncResult{SyncedIDs: []models.PointID{}}, nil
	}

	now := s.now()
	var ev batchEvaluation
	session, err := s.store.AtomicUpdateSession(ctx, userID, func(snapshot models.SessionSnapshot) (*models.SessionAppend, error) {
		ev = s.evaluate(snapshot, points, now)
		if len(ev.path) == 0 {
			return nil, nil
		}
		return &models.SessionAppend{
			Points:         ev.path,
			DistanceMeters: ev.accumulation.AddedMeters,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply batch: %w", err)
	}

	result := &SyncResult{
		SyncedIDs:       ev.reconcile.Acknowledged,
		Accepted:        len(ev.path),
		Stale:           ev.reconcile.Stale,
		Future:          ev.future,
		LowAccuracy:     ev.lowAccuracy,
		SpeedViolations: ev.accumulation.Excluded,
		AddedMeters:     ev.accumulation.AddedMeters,
	}
	if session != nil {
		result.SessionID = session.ID
		result.ServerDistanceMeters = session.CumulativeDistanceMeters
	}

	s.recordBatchMetrics(ev)

	logger := s.logger.WithContext(ctx).
		WithField("user_id", userID).
		WithField("session_id", result.SessionID)
	if ev.createsRun && session != nil {
		metrics.SessionsCreated.WithLabelValues("lazy").Inc()
		logger.Info("Run session created on first sync")
	}

	// Отчеты только после фиксации
	for _, seg := range ev.segments {
		if f := seg.Finding(); f != nil {
			s.reporter.Report(newReport(userID, result.SessionID, models.SourceBatchSync, f, now))
		}
	}
	if len(ev.path) > 0 {
		s.checkCrossSession(ctx, userID, result.SessionID, ev.path[0])
	}

	logger.WithFields(map[string]interface{}{
		"received":         len(points),
		"accepted":         result.Accepted,
		"stale":            result.Stale,
		"future":           result.Future,
		"low_accuracy":     result.LowAccuracy,
		"speed_violations": result.SpeedViolations,
		"added_m":          result.AddedMeters,
	}).Debug("Batch synced")

	return result, nil
}

func (s *IngestService) recordBatchMetrics(ev batchEvaluation) {
	metrics.PointsProcessed.WithLabelValues("accepted").Add(float64(len(ev.path)))
	metrics.PointsProcessed.WithLabelValues("stale").Add(float64(ev.reconcile.Stale))
	metrics.PointsProcessed.WithLabelValues("future").Add(float64(ev.future))
	metrics.PointsProcessed.WithLabelValues("low_accuracy").Add(float64(ev.lowAccuracy))
	metrics.PointsProcessed.WithLabelValues("speed_violation").Add(float64(ev.accumulation.Excluded))
	source := string(models.SourceBatchSync)
	metrics.FilterRejections.WithLabelValues(s.clock.Name(), source).Add(float64(ev.future))
	metrics.FilterRejections.WithLabelValues(s.gate.Name(), source).Add(float64(ev.lowAccuracy))
	metrics.FilterRejections.WithLabelValues(s.classifier.Name(), source).Add(float64(ev.accumulation.Excluded))
	metrics.DistanceAddedMeters.Add(ev.accumulation.AddedMeters)
	for _, seg := range ev.segments {
		metrics.SegmentsClassified.WithLabelValues(string(seg.Verdict), fmt.Sprint(seg.Gap)).Inc()
	}
}

// checkCrossSession сравнивает первую принятую точку с последним presence пингом.
// Ошибки чтения не влияют на ответ.
func (s *IngestService) checkCrossSession(ctx context.Context, userID, sessionID string, first models.TrackPoint) {
	ping, err := s.store.GetLastLocationPing(ctx, userID)
	if err != nil {
		s.logger.WithError(err).
			WithField("user_id", userID).
			Warn("Cross-session check skipped: failed to read last location ping")
		return
	}
	if f := s.detector.Check(ping, first); f != nil {
		metrics.FilterRejections.WithLabelValues(s.detector.Name(), string(models.SourceCrossSession)).Inc()
		s.reporter.Report(newReport(userID, sessionID, models.SourceCrossSession, f, s.now()))
	}
}

// UpdatePresence принимает одиночный пинг вне пробежки.
// Время пинга всегда серверное. Неточный пинг игнорируется, невозможное
// перемещение отклоняется с ErrVelocityExceeded и попадает в аудит.
func (s *IngestService) UpdatePresence(ctx context.Context, userID string, body []byte, now time.Time) (*PresenceResult, error) {
	now = now.UTC()
	points, err := ingest.Normalize(body, ingest.NormalizeOptions{DefaultTimestamp: now, MaxPoints: 1})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty presence ping", ingest.ErrMalformedPayload)
	}
	point := points[0]

	if !s.gate.Allows(point.AccuracyMeters) {
		metrics.PresenceUpdates.WithLabelValues("low_accuracy").Inc()
		metrics.FilterRejections.WithLabelValues(s.gate.Name(), string(models.SourcePresence)).Inc()
		return &PresenceResult{Stored: false}, nil
	}

	prev, err := s.store.GetLastLocationPing(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last location ping: %w", err)
	}

	position := point.Position()
	if f := s.detector.CheckPresence(prev, position, now); f != nil {
		metrics.PresenceUpdates.WithLabelValues("teleport").Inc()
		metrics.FilterRejections.WithLabelValues(s.detector.Name(), string(models.SourcePresence)).Inc()
		s.reporter.Report(newReport(userID, "", models.SourcePresence, f, now))
		return nil, ErrVelocityExceeded
	}

	ping := &models.LocationPing{
		UserID:         userID,
		Position:       position,
		AccuracyMeters: point.AccuracyMeters,
		Geohash:        position.Geohash(PresenceGeohashPrecision),
		UpdatedAt:      now,
	}
	if err := s.store.UpsertLocationPing(ctx, ping); err != nil {
		return nil, fmt.Errorf("failed to store location ping: %w", err)
	}

	metrics.PresenceUpdates.WithLabelValues("stored").Inc()
	return &PresenceResult{Stored: true, Ping: ping}, nil
}

// CurrentSession возвращает активную пробежку без пути
func (s *IngestService) CurrentSession(ctx context.Context, userID string) (*models.RunSession, error) {
	session, err := s.store.GetActiveSession(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}
	return session, nil
}

// StartSession явно начинает пробежку или возвращает уже активную
func (s *IngestService) StartSession(ctx context.Context, userID string) (*models.RunSession, bool, error) {
	session, created, err := s.store.StartSession(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start session: %w", err)
	}
	if created {
		metrics.SessionsCreated.WithLabelValues("explicit").Inc()
		s.logger.WithContext(ctx).
			WithField("session_id", session.ID).
			Info("Run session started")
	}
	return session, created, nil
}

// SessionPath возвращает страницу пути сессии пользователя.
// Чужая сессия неотличима от несуществующей.
func (s *IngestService) SessionPath(ctx context.Context, userID, sessionID string, offset, limit int) (*PathPage, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, repository.ErrNotFound
	}

	offset, limit = repository.NormalizePage(offset, limit)
	points, err := s.store.GetSessionPath(ctx, sessionID, offset, limit)
	if err != nil {
		return nil, err
	}
	return &PathPage{Session: session, Points: points, Offset: offset, Limit: limit}, nil
}
