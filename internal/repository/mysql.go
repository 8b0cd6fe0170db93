package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// Коды ошибок MySQL
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// schemaStatements схема хранилища.
// active_marker = 1 у активной сессии и NULL у завершенной: уникальный ключ
// (user_id, active_marker) допускает только одну активную сессию на пользователя.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS run_sessions (
		id CHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		point_count INT NOT NULL DEFAULT 0,
		last_point JSON NULL,
		distance_m DOUBLE NOT NULL DEFAULT 0,
		idempotency_key VARCHAR(128) NULL,
		active_marker TINYINT NULL,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		finalized_at DATETIME(3) NULL,
		UNIQUE KEY uq_run_sessions_active (user_id, active_marker),
		UNIQUE KEY uq_run_sessions_idempotency (user_id, idempotency_key),
		KEY idx_run_sessions_user_finalized (user_id, finalized_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS run_points (
		session_id CHAR(36) NOT NULL,
		seq INT NOT NULL,
		lat DOUBLE NOT NULL,
		lng DOUBLE NOT NULL,
		ts_ms BIGINT NOT NULL,
		accuracy_m DOUBLE NULL,
		speed_mps DOUBLE NULL,
		heading_deg DOUBLE NULL,
		PRIMARY KEY (session_id, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS location_pings (
		user_id VARCHAR(64) NOT NULL PRIMARY KEY,
		lat DOUBLE NOT NULL,
		lng DOUBLE NOT NULL,
		accuracy_m DOUBLE NOT NULL,
		geohash VARCHAR(12) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		KEY idx_location_pings_geohash (geohash)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS suspicious_activity_reports (
		id CHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		session_id CHAR(36) NULL,
		kind VARCHAR(32) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		source VARCHAR(16) NOT NULL,
		lat DOUBLE NOT NULL,
		lng DOUBLE NOT NULL,
		reported_speed_kmh DOUBLE NOT NULL,
		created_at DATETIME(3) NOT NULL,
		KEY idx_reports_user_created (user_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

const selectSessionColumns = `SELECT id, user_id, status, point_count, last_point, distance_m,
	idempotency_key, created_at, updated_at, finalized_at FROM run_sessions`

// MySQLRepository хранилище пробежек в MySQL, атомарность через SELECT ... FOR UPDATE
type MySQLRepository struct {
	db         *sql.DB
	logger     *utils.Logger
	config     *config.MySQLConfig
	maxRetries int
	now        func() time.Time
}

// NewMySQLRepository создает новый MySQL репозиторий
func NewMySQLRepository(cfg *config.MySQLConfig, maxRetries int, logger *utils.Logger) (*MySQLRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mysql config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required")
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}

	// Время хранится в UTC и сканируется в time.Time
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Настройки connection pool
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &MySQLRepository{
		db:         db,
		logger:     logger,
		config:     cfg,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

// Migrate создает таблицы, если их нет
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	r.logger.WithField("tables", len(schemaStatements)).Info("MySQL schema is up to date")
	return nil
}

// Ping проверяет соединение с MySQL
func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close закрывает соединение с MySQL
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

func (r *MySQLRepository) observe(operation string, start time.Time, errp *error) {
	metrics.StoreOperationDuration.WithLabelValues("mysql", operation).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil && !errors.Is(err, ErrNotFound) {
		metrics.StoreOperationErrors.WithLabelValues("mysql", operation).Inc()
	}
}

// GetActiveSession возвращает активную сессию пользователя
func (r *MySQLRepository) GetActiveSession(ctx context.Context, userID string) (session *models.RunSession, err error) {
	defer r.observe("get_active_session", time.Now(), &err)

	row := r.db.QueryRowContext(ctx, selectSessionColumns+` WHERE user_id = ? AND active_marker = 1`, userID)
	return scanSession(row)
}

// GetSession возвращает сессию по id
func (r *MySQLRepository) GetSession(ctx context.Context, sessionID string) (session *models.RunSession, err error) {
	defer r.observe("get_session", time.Now(), &err)

	row := r.db.QueryRowContext(ctx, selectSessionColumns+` WHERE id = ?`, sessionID)
	return scanSession(row)
}

// StartSession создает активную сессию, если ее нет
func (r *MySQLRepository) StartSession(ctx context.Context, userID string) (session *models.RunSession, created bool, err error) {
	defer r.observe("start_session", time.Now(), &err)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		session, err = r.GetActiveSession(ctx, userID)
		if err == nil {
			return session, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		session = r.newSession(userID)
		_, err = r.db.ExecContext(ctx, `INSERT INTO run_sessions
			(id, user_id, status, point_count, distance_m, active_marker, created_at, updated_at)
			VALUES (?, ?, ?, 0, 0, 1, ?, ?)`,
			session.ID, session.UserID, string(session.Status), session.CreatedAt, session.UpdatedAt)
		if err == nil {
			return session, true, nil
		}
		if !isRetryable(err) {
			return nil, false, fmt.Errorf("failed to create session: %w", err)
		}
		// Параллельный запрос создал сессию первым
		metrics.StoreRetries.WithLabelValues("mysql", "start_session").Inc()
	}
	err = ErrConcurrentUpdate
	return nil, false, err
}

// AtomicUpdateSession применяет приращение в транзакции с блокировкой строки сессии
func (r *MySQLRepository) AtomicUpdateSession(ctx context.Context, userID string, mutate SessionMutator) (result *models.RunSession, err error) {
	defer r.observe("atomic_update_session", time.Now(), &err)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		result, err = r.atomicUpdateOnce(ctx, userID, mutate)
		if err == nil || !isRetryable(err) {
			return result, err
		}
		metrics.StoreRetries.WithLabelValues("mysql", "atomic_update_session").Inc()
		r.logger.WithField("attempt", attempt+1).
			WithError(err).
			Debug("Session update conflict, retrying")
	}
	err = ErrConcurrentUpdate
	return nil, err
}

func (r *MySQLRepository) atomicUpdateOnce(ctx context.Context, userID string, mutate SessionMutator) (*models.RunSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := scanSession(tx.QueryRowContext(ctx,
		selectSessionColumns+` WHERE user_id = ? AND active_marker = 1 FOR UPDATE`, userID))
	if errors.Is(err, ErrNotFound) {
		current = nil
	} else if err != nil {
		return nil, err
	}

	snapshot := models.SessionSnapshot{Session: current.Clone()}
	if current == nil {
		if snapshot.PreviousCursor, err = r.completedCursor(ctx, tx, userID); err != nil {
			return nil, err
		}
	}

	delta, err := mutate(snapshot)
	if err != nil {
		return nil, err
	}
	if delta.IsEmpty() {
		return current, nil
	}
	if err := validateAppend(current, delta); err != nil {
		return nil, err
	}

	if current == nil {
		current = r.newSession(userID)
		_, err = tx.ExecContext(ctx, `INSERT INTO run_sessions
			(id, user_id, status, point_count, distance_m, active_marker, created_at, updated_at)
			VALUES (?, ?, ?, 0, 0, 1, ?, ?)`,
			current.ID, current.UserID, string(current.Status), current.CreatedAt, current.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	next := applyAppend(current, delta, r.now())

	if len(delta.Points) > 0 {
		if err := insertPoints(ctx, tx, current.ID, current.PointCount, delta.Points); err != nil {
			return nil, err
		}
	}

	lastPoint, err := encodeNullJSON(next.LastPoint)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE run_sessions
		SET point_count = ?, last_point = ?, distance_m = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		next.PointCount, lastPoint, next.CumulativeDistanceMeters, next.CreatedAt, next.UpdatedAt, next.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return next, nil
}

func insertPoints(ctx context.Context, tx *sql.Tx, sessionID string, startSeq int, points []models.TrackPoint) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO run_points
		(session_id, seq, lat, lng, ts_ms, accuracy_m, speed_mps, heading_deg) VALUES `)

	args := make([]interface{}, 0, len(points)*8)
	for i, p := range points {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")

		var accuracy interface{}
		if p.HasKnownAccuracy() {
			accuracy = p.AccuracyMeters
		}
		args = append(args, sessionID, startSeq+i, p.Lat, p.Lng, p.TimestampMs,
			accuracy, nullableFloat(p.SpeedMps), nullableFloat(p.HeadingDeg))
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to append %d points: %w", len(points), err)
	}
	return nil
}

// GetSessionPath возвращает страницу пути
func (r *MySQLRepository) GetSessionPath(ctx context.Context, sessionID string, offset, limit int) (points []models.TrackPoint, err error) {
	defer r.observe("get_session_path", time.Now(), &err)

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM run_sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}

	offset, limit = NormalizePage(offset, limit)
	rows, err := r.db.QueryContext(ctx, `SELECT lat, lng, ts_ms, accuracy_m, speed_mps, heading_deg
		FROM run_points WHERE session_id = ? ORDER BY seq LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query path: %w", err)
	}
	defer rows.Close()

	points = make([]models.TrackPoint, 0, limit)
	for rows.Next() {
		var (
			p                        models.TrackPoint
			accuracy, speed, heading sql.NullFloat64
		)
		if err := rows.Scan(&p.Lat, &p.Lng, &p.TimestampMs, &accuracy, &speed, &heading); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		p.AccuracyMeters = models.UnknownAccuracy
		if accuracy.Valid {
			p.AccuracyMeters = accuracy.Float64
		}
		if speed.Valid {
			v := speed.Float64
			p.SpeedMps = &v
		}
		if heading.Valid {
			v := heading.Float64
			p.HeadingDeg = &v
		}
		points = append(points, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate path: %w", err)
	}
	return points, nil
}

// FindFinalizedSession ищет завершенную сессию по ключу идемпотентности
func (r *MySQLRepository) FindFinalizedSession(ctx context.Context, userID, key string) (session *models.RunSession, err error) {
	defer r.observe("find_finalized_session", time.Now(), &err)

	row := r.db.QueryRowContext(ctx,
		selectSessionColumns+` WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	return scanSession(row)
}

// FinalizeSession завершает сессию и записывает ключ в одной транзакции
func (r *MySQLRepository) FinalizeSession(ctx context.Context, userID, sessionID, key string) (result *models.RunSession, err error) {
	defer r.observe("finalize_session", time.Now(), &err)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		result, err = r.finalizeOnce(ctx, userID, sessionID, key)
		if err == nil {
			return result, nil
		}
		if isDuplicate(err) {
			// Уникальный ключ (user_id, idempotency_key) занят параллельной финализацией
			err = ErrIdempotencyConflict
			return nil, err
		}
		if !isRetryable(err) {
			return nil, err
		}
		metrics.StoreRetries.WithLabelValues("mysql", "finalize_session").Inc()
	}
	err = ErrConcurrentUpdate
	return nil, err
}

func (r *MySQLRepository) finalizeOnce(ctx context.Context, userID, sessionID, key string) (*models.RunSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current *models.RunSession
	if sessionID == "" {
		current, err = scanSession(tx.QueryRowContext(ctx,
			selectSessionColumns+` WHERE user_id = ? AND active_marker = 1 FOR UPDATE`, userID))
	} else {
		current, err = scanSession(tx.QueryRowContext(ctx,
			selectSessionColumns+` WHERE id = ? AND user_id = ? FOR UPDATE`, sessionID, userID))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Блокирующее чтение видит фиксацию параллельной финализации,
	// которой нет в снимке REPEATABLE READ
	var used int
	keyErr := tx.QueryRowContext(ctx,
		`SELECT 1 FROM run_sessions WHERE user_id = ? AND idempotency_key = ? FOR UPDATE`, userID, key).Scan(&used)
	if keyErr == nil {
		return nil, ErrIdempotencyConflict
	}
	if !errors.Is(keyErr, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", keyErr)
	}
	if err != nil {
		return nil, err
	}
	if !current.IsActive() {
		return nil, ErrSessionCompleted
	}

	now := r.now()
	next := current.Clone()
	next.Status = models.SessionStatusCompleted
	k := key
	next.IdempotencyKey = &k
	next.FinalizedAt = &now
	next.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `UPDATE run_sessions
		SET status = ?, active_marker = NULL, idempotency_key = ?, finalized_at = ?, updated_at = ?
		WHERE id = ?`,
		string(next.Status), key, now, now, next.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit finalize: %w", err)
	}
	return next, nil
}

// GetLastLocationPing возвращает последний presence пинг или nil
func (r *MySQLRepository) GetLastLocationPing(ctx context.Context, userID string) (ping *models.LocationPing, err error) {
	defer r.observe("get_location_ping", time.Now(), &err)

	ping = &models.LocationPing{UserID: userID}
	err = r.db.QueryRowContext(ctx, `SELECT lat, lng, accuracy_m, geohash, updated_at
		FROM location_pings WHERE user_id = ?`, userID).
		Scan(&ping.Position.Latitude, &ping.Position.Longitude, &ping.AccuracyMeters, &ping.Geohash, &ping.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read location ping: %w", err)
	}
	return ping, nil
}

// UpsertLocationPing перезаписывает пинг пользователя
func (r *MySQLRepository) UpsertLocationPing(ctx context.Context, ping *models.LocationPing) (err error) {
	defer r.observe("upsert_location_ping", time.Now(), &err)

	_, err = r.db.ExecContext(ctx, `INSERT INTO location_pings (user_id, lat, lng, accuracy_m, geohash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE lat = VALUES(lat), lng = VALUES(lng), accuracy_m = VALUES(accuracy_m),
			geohash = VALUES(geohash), updated_at = VALUES(updated_at)`,
		ping.UserID, ping.Position.Latitude, ping.Position.Longitude, ping.AccuracyMeters,
		ping.Geohash, ping.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert location ping: %w", err)
	}
	return nil
}

// RecordSuspiciousActivity добавляет отчет в таблицу аудита
func (r *MySQLRepository) RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) (err error) {
	defer r.observe("record_report", time.Now(), &err)

	var sessionID interface{}
	if report.SessionID != "" {
		sessionID = report.SessionID
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO suspicious_activity_reports
		(id, user_id, session_id, kind, severity, source, lat, lng, reported_speed_kmh, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.UserID, sessionID, string(report.Kind), string(report.Severity), string(report.Source),
		report.Location.Latitude, report.Location.Longitude, report.ReportedSpeedKmh, report.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

func (r *MySQLRepository) completedCursor(ctx context.Context, tx *sql.Tx, userID string) (*models.TrackPoint, error) {
	var raw sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT last_point FROM run_sessions
		WHERE user_id = ? AND status = ? AND last_point IS NOT NULL
		ORDER BY finalized_at DESC LIMIT 1`, userID, string(models.SessionStatusCompleted)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read completed cursor: %w", err)
	}
	return decodeNullJSON(raw)
}

func (r *MySQLRepository) newSession(userID string) *models.RunSession {
	now := r.now()
	return &models.RunSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// rowScanner общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.RunSession, error) {
	var (
		s           models.RunSession
		status      string
		lastPoint   sql.NullString
		key         sql.NullString
		finalizedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &status, &s.PointCount, &lastPoint, &s.CumulativeDistanceMeters,
		&key, &s.CreatedAt, &s.UpdatedAt, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.Status = models.SessionStatus(status)
	if s.LastPoint, err = decodeNullJSON(lastPoint); err != nil {
		return nil, err
	}
	if key.Valid {
		k := key.String
		s.IdempotencyKey = &k
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		s.FinalizedAt = &t
	}
	return &s, nil
}

func encodeNullJSON(p *models.TrackPoint) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode track point: %w", err)
	}
	return string(data), nil
}

func decodeNullJSON(raw sql.NullString) (*models.TrackPoint, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var p models.TrackPoint
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, fmt.Errorf("failed to decode track point: %w", err)
	}
	return &p, nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

// isRetryable конфликт блокировок или гонка создания сессии
func isRetryable(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlErrDuplicateEntry, mysqlErrDeadlock, mysqlErrLockWaitTimeout:
		return true
	}
	return false
}
