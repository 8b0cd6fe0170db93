package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

const (
	// Префиксы ключей
	SessionPrefix         = "run:session:" // run:session:{id} - хеш сессии
	PathPrefix            = "run:path:"    // run:path:{id} - список точек пути
	ActivePrefix          = "run:active:"  // run:active:{user} - id активной сессии
	CompletedCursorPrefix = "run:cursor:"  // run:cursor:{user} - последняя точка завершенной сессии
	IdempotencyPrefix     = "run:idem:"    // run:idem:{user}:{key} - id завершенной сессии, без TTL
	PresencePrefix        = "presence:"    // presence:{user} - хеш последнего пинга

	// GEO индекс presence пингов
	PresenceGeoKey = "presence:geo"

	// TTL для данных
	PresenceTTL = 7 * 24 * time.Hour

	// Ограничения Redis GEO
	redisGeoMaxLat = 85.05112878
)

// RedisRepository хранилище пробежек в Redis с оптимистичными транзакциями
type RedisRepository struct {
	client     *redis.Client
	logger     *utils.Logger
	config     *config.RedisConfig
	maxRetries int
	now        func() time.Time
}

// NewRedisRepository создает новый Redis репозиторий
func NewRedisRepository(cfg *config.RedisConfig, maxRetries int, logger *utils.Logger) (*RedisRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}

	// Парсим Redis URL
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	opt.DB = cfg.DB
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.ConnMaxIdleTime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	return &RedisRepository{
		client:     redis.NewClient(opt),
		logger:     logger,
		config:     cfg,
		maxRetries: maxRetries,
		// Хеш сессии хранит миллисекунды, ответ и повтор должны совпадать
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

// Ping проверяет соединение с Redis
func (r *RedisRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// GetClient возвращает Redis клиент для внешнего использования (кеш аутентификации)
func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

func sessionKey(id string) string      { return SessionPrefix + id }
func pathKey(id string) string         { return PathPrefix + id }
func activeKey(userID string) string   { return ActivePrefix + userID }
func cursorKey(userID string) string   { return CompletedCursorPrefix + userID }
func presenceKey(userID string) string { return PresencePrefix + userID }
func idempotencyKey(userID, key string) string {
	return IdempotencyPrefix + userID + ":" + key
}

// observe записывает длительность и ошибки операции
func (r *RedisRepository) observe(operation string, start time.Time, errp *error) {
	metrics.StoreOperationDuration.WithLabelValues("redis", operation).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil && !errors.Is(err, ErrNotFound) {
		metrics.StoreOperationErrors.WithLabelValues("redis", operation).Inc()
	}
}

// GetActiveSession возвращает активную сессию пользователя
func (r *RedisRepository) GetActiveSession(ctx context.Context, userID string) (session *models.RunSession, err error) {
	defer r.observe("get_active_session", time.Now(), &err)

	id, err := r.client.Get(ctx, activeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session id: %w", err)
	}
	return r.loadSession(ctx, r.client, id)
}

// GetSession возвращает сессию по id
func (r *RedisRepository) GetSession(ctx context.Context, sessionID string) (session *models.RunSession, err error) {
	defer r.observe("get_session", time.Now(), &err)
	return r.loadSession(ctx, r.client, sessionID)
}

// StartSession создает активную сессию, если ее нет
func (r *RedisRepository) StartSession(ctx context.Context, userID string) (session *models.RunSession, created bool, err error) {
	defer r.observe("start_session", time.Now(), &err)

	txf := func(tx *redis.Tx) error {
		current, err := r.activeInTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current != nil {
			session, created = current, false
			return nil
		}

		fresh := r.newSession(userID)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sessionKey(fresh.ID), sessionToHash(fresh))
			pipe.Set(ctx, activeKey(userID), fresh.ID, 0)
			return nil
		})
		if err != nil {
			return err
		}
		session, created = fresh, true
		return nil
	}

	if err = r.withRetries(ctx, "start_session", txf, activeKey(userID)); err != nil {
		return nil, false, err
	}
	return session, created, nil
}

// AtomicUpdateSession применяет приращение через WATCH/MULTI с повторами
func (r *RedisRepository) AtomicUpdateSession(ctx context.Context, userID string, mutate SessionMutator) (result *models.RunSession, err error) {
	defer r.observe("atomic_update_session", time.Now(), &err)

	txf := func(tx *redis.Tx) error {
		current, err := r.activeInTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		snapshot := models.SessionSnapshot{Session: current.Clone()}
		if current == nil {
			prev, err := r.completedCursor(ctx, tx, userID)
			if err != nil {
				return err
			}
			snapshot.PreviousCursor = prev
		}

		delta, err := mutate(snapshot)
		if err != nil {
			return err
		}
		if delta.IsEmpty() {
			result = current
			return nil
		}
		if err := validateAppend(current, delta); err != nil {
			return err
		}

		isNew := current == nil
		if isNew {
			current = r.newSession(userID)
		}
		next := applyAppend(current, delta, r.now())

		encoded := make([]interface{}, 0, len(delta.Points))
		for _, p := range delta.Points {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode track point: %w", err)
			}
			encoded = append(encoded, data)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sessionKey(next.ID), sessionToHash(next))
			if isNew {
				pipe.Set(ctx, activeKey(userID), next.ID, 0)
			}
			if len(encoded) > 0 {
				pipe.RPush(ctx, pathKey(next.ID), encoded...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	if err = r.withRetries(ctx, "atomic_update_session", txf, activeKey(userID)); err != nil {
		return nil, err
	}
	return result, nil
}

// GetSessionPath возвращает страницу пути
func (r *RedisRepository) GetSessionPath(ctx context.Context, sessionID string, offset, limit int) (points []models.TrackPoint, err error) {
	defer r.observe("get_session_path", time.Now(), &err)

	exists, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	offset, limit = NormalizePage(offset, limit)
	raw, err := r.client.LRange(ctx, pathKey(sessionID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read path: %w", err)
	}

	points = make([]models.TrackPoint, 0, len(raw))
	for _, item := range raw {
		var p models.TrackPoint
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("failed to decode track point: %w", err)
		}
		points = append(points, p)
	}
	return points, nil
}

// FindFinalizedSession ищет завершенную сессию по ключу идемпотентности
func (r *RedisRepository) FindFinalizedSession(ctx context.Context, userID, key string) (session *models.RunSession, err error) {
	defer r.observe("find_finalized_session", time.Now(), &err)

	id, err := r.client.Get(ctx, idempotencyKey(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency index: %w", err)
	}
	return r.loadSession(ctx, r.client, id)
}

// FinalizeSession завершает сессию и записывает ключ идемпотентности в одной транзакции
func (r *RedisRepository) FinalizeSession(ctx context.Context, userID, sessionID, key string) (result *models.RunSession, err error) {
	defer r.observe("finalize_session", time.Now(), &err)

	idemKey := idempotencyKey(userID, key)

	txf := func(tx *redis.Tx) error {
		used, err := tx.Exists(ctx, idemKey).Result()
		if err != nil {
			return err
		}
		if used > 0 {
			return ErrIdempotencyConflict
		}

		var current *models.RunSession
		if sessionID == "" {
			current, err = r.activeInTx(ctx, tx, userID)
			if err != nil {
				return err
			}
			if current == nil {
				return ErrNotFound
			}
		} else {
			if err := tx.Watch(ctx, sessionKey(sessionID)).Err(); err != nil {
				return err
			}
			current, err = r.loadSession(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if current.UserID != userID {
				return ErrNotFound
			}
		}
		if !current.IsActive() {
			return ErrSessionCompleted
		}

		now := r.now()
		next := current.Clone()
		next.Status = models.SessionStatusCompleted
		k := key
		next.IdempotencyKey = &k
		next.FinalizedAt = &now
		next.UpdatedAt = now

		var cursor []byte
		if next.LastPoint != nil {
			if cursor, err = json.Marshal(next.LastPoint); err != nil {
				return fmt.Errorf("failed to encode cursor: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sessionKey(next.ID), sessionToHash(next))
			pipe.Del(ctx, activeKey(userID))
			pipe.Set(ctx, idemKey, next.ID, 0)
			if cursor != nil {
				pipe.Set(ctx, cursorKey(userID), cursor, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	if err = r.withRetries(ctx, "finalize_session", txf, activeKey(userID), idemKey); err != nil {
		return nil, err
	}
	return result, nil
}

// GetLastLocationPing возвращает последний presence пинг или nil
func (r *RedisRepository) GetLastLocationPing(ctx context.Context, userID string) (ping *models.LocationPing, err error) {
	defer r.observe("get_location_ping", time.Now(), &err)

	data, err := r.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read location ping: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	ping = &models.LocationPing{UserID: userID, Geohash: data["geohash"]}
	ping.Position.Latitude, _ = strconv.ParseFloat(data["lat"], 64)
	ping.Position.Longitude, _ = strconv.ParseFloat(data["lng"], 64)
	ping.AccuracyMeters, _ = strconv.ParseFloat(data["accuracy"], 64)
	if ms, err := strconv.ParseInt(data["updated_at"], 10, 64); err == nil {
		ping.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return ping, nil
}

// UpsertLocationPing перезаписывает пинг и обновляет GEO индекс
func (r *RedisRepository) UpsertLocationPing(ctx context.Context, ping *models.LocationPing) (err error) {
	defer r.observe("upsert_location_ping", time.Now(), &err)

	pipe := r.client.TxPipeline()
	key := presenceKey(ping.UserID)
	pipe.HSet(ctx, key, map[string]interface{}{
		"lat":        formatFloat(ping.Position.Latitude),
		"lng":        formatFloat(ping.Position.Longitude),
		"accuracy":   formatFloat(ping.AccuracyMeters),
		"geohash":    ping.Geohash,
		"updated_at": ping.UpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, PresenceTTL)

	// Redis GEO не принимает широты у полюсов
	if ping.Position.Latitude >= -redisGeoMaxLat && ping.Position.Latitude <= redisGeoMaxLat {
		pipe.GeoAdd(ctx, PresenceGeoKey, &redis.GeoLocation{
			Name:      ping.UserID,
			Longitude: ping.Position.Longitude,
			Latitude:  ping.Position.Latitude,
		})
	} else {
		pipe.ZRem(ctx, PresenceGeoKey, ping.UserID)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert location ping: %w", err)
	}
	return nil
}

// RecordSuspiciousActivity добавляет отчет в поток
func (r *RedisRepository) RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) (err error) {
	defer r.observe("record_report", time.Now(), &err)

	args := &redis.XAddArgs{
		Stream: r.config.ReportStream,
		Approx: true,
		Values: map[string]interface{}{
			"id":         report.ID,
			"user_id":    report.UserID,
			"session_id": report.SessionID,
			"kind":       string(report.Kind),
			"severity":   string(report.Severity),
			"source":     string(report.Source),
			"lat":        formatFloat(report.Location.Latitude),
			"lng":        formatFloat(report.Location.Longitude),
			"speed_kmh":  formatFloat(report.ReportedSpeedKmh),
			"created_at": report.CreatedAt.UnixMilli(),
		},
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
	}

	if err = r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append report: %w", err)
	}
	return nil
}

// withRetries выполняет транзакцию, повторяя при конфликте WATCH
func (r *RedisRepository) withRetries(ctx context.Context, operation string, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		metrics.StoreRetries.WithLabelValues("redis", operation).Inc()
		r.logger.WithField("operation", operation).
			WithField("attempt", attempt+1).
			Debug("Optimistic transaction conflict, retrying")
	}
	return ErrConcurrentUpdate
}

// activeInTx читает активную сессию и добавляет ее ключ в WATCH
func (r *RedisRepository) activeInTx(ctx context.Context, tx *redis.Tx, userID string) (*models.RunSession, error) {
	id, err := tx.Get(ctx, activeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Watch(ctx, sessionKey(id)).Err(); err != nil {
		return nil, err
	}
	session, err := r.loadSession(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		// Висячий указатель на удаленную сессию
		return nil, nil
	}
	return session, err
}

func (r *RedisRepository) completedCursor(ctx context.Context, tx *redis.Tx, userID string) (*models.TrackPoint, error) {
	raw, err := tx.Get(ctx, cursorKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.TrackPoint
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return &p, nil
}

func (r *RedisRepository) newSession(userID string) *models.RunSession {
	now := r.now()
	return &models.RunSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// hashReader общий метод клиента и транзакции
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (r *RedisRepository) loadSession(ctx context.Context, c hashReader, id string) (*models.RunSession, error) {
	data, err := c.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(data)
}

func sessionToHash(s *models.RunSession) map[string]interface{} {
	h := map[string]interface{}{
		"id":           s.ID,
		"user_id":      s.UserID,
		"status":       string(s.Status),
		"point_count":  s.PointCount,
		"distance_m":   formatFloat(s.CumulativeDistanceMeters),
		"created_at":   s.CreatedAt.UnixMilli(),
		"updated_at":   s.UpdatedAt.UnixMilli(),
		"last_point":   "",
		"idem_key":     "",
		"finalized_at": "",
	}
	if s.LastPoint != nil {
		if data, err := json.Marshal(s.LastPoint); err == nil {
			h["last_point"] = string(data)
		}
	}
	if s.IdempotencyKey != nil {
		h["idem_key"] = *s.IdempotencyKey
	}
	if s.FinalizedAt != nil {
		h["finalized_at"] = s.FinalizedAt.UnixMilli()
	}
	return h
}

func sessionFromHash(h map[string]string) (*models.RunSession, error) {
	s := &models.RunSession{
		ID:     h["id"],
		UserID: h["user_id"],
		Status: models.SessionStatus(h["status"]),
	}
	if !s.Status.IsValid() {
		return nil, fmt.Errorf("session %s has invalid status %q", s.ID, h["status"])
	}

	var err error
	if s.PointCount, err = strconv.Atoi(h["point_count"]); err != nil {
		return nil, fmt.Errorf("session %s: bad point_count: %w", s.ID, err)
	}
	if s.CumulativeDistanceMeters, err = strconv.ParseFloat(h["distance_m"], 64); err != nil {
		return nil, fmt.Errorf("session %s: bad distance: %w", s.ID, err)
	}
	s.CreatedAt = parseMillis(h["created_at"])
	s.UpdatedAt = parseMillis(h["updated_at"])

	if raw := h["last_point"]; raw != "" {
		var p models.TrackPoint
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("session %s: bad last_point: %w", s.ID, err)
		}
		s.LastPoint = &p
	}
	if k := h["idem_key"]; k != "" {
		s.IdempotencyKey = &k
	}
	if raw := h["finalized_at"]; raw != "" {
		t := parseMillis(raw)
		s.FinalizedAt = &t
	}
	return s, nil
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
