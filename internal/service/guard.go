package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/internal/repository"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// ErrMissingIdempotencyKey финализация без ключа идемпотентности
var ErrMissingIdempotencyKey = errors.New("idempotency key is required")

// MaxIdempotencyKeyLength ограничение длины ключа
const MaxIdempotencyKeyLength = 128

// RewardService внешний сервис начисления наград за завершенную пробежку
type RewardService interface {
	OnRunFinalized(ctx context.Context, session *models.RunSession) error
}

// FinalizeRequest запрос на завершение пробежки
type FinalizeRequest struct {
	UserID         string
	IdempotencyKey string

	// Пустой означает текущую активную сессию
	SessionID string

	// Необязательные последние точки, применяются до завершения
	Points []byte
}

// FinalizeResult итог финализации. Повтор с тем же ключом возвращает
// ту же сессию с Replayed=true.
type FinalizeResult struct {
	Session  *models.RunSession
	Replayed bool
	Sync     *SyncResult
}

// IdempotencyGuard завершает пробежку не более одного раза на ключ
type IdempotencyGuard struct {
	store         repository.SessionStore
	ingest        *IngestService
	reward        RewardService
	rewardTimeout time.Duration
	logger        *utils.Logger

	wg sync.WaitGroup
}

// NewIdempotencyGuard создает guard финализации
func NewIdempotencyGuard(store repository.SessionStore, ingest *IngestService, reward RewardService, rewardTimeout time.Duration, logger *utils.Logger) *IdempotencyGuard {
	if rewardTimeout <= 0 {
		rewardTimeout = 5 * time.Second
	}
	return &IdempotencyGuard{
		store:         store,
		ingest:        ingest,
		reward:        reward,
		rewardTimeout: rewardTimeout,
		logger:        logger,
	}
}

// Finalize завершает пробежку.
// Повтор с уже использованным ключом возвращает прежний результат без изменений
// и без повторного вызова наград.
func (g *IdempotencyGuard) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if len(key) > MaxIdempotencyKeyLength {
		return nil, fmt.Errorf("%w: key longer than %d characters", ErrMissingIdempotencyKey, MaxIdempotencyKeyLength)
	}

	logger := g.logger.WithContext(ctx).
		WithField("user_id", req.UserID).
		WithField("idempotency_key", key)

	prior, err := g.store.FindFinalizedSession(ctx, req.UserID, key)
	if err == nil {
		metrics.FinalizeTotal.WithLabelValues("replayed").Inc()
		logger.WithField("session_id", prior.ID).Debug("Finalize replayed")
		return &FinalizeResult{Session: prior, Replayed: true}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		metrics.FinalizeTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	var trailing *SyncResult
	if len(bytes.TrimSpace(req.Points)) > 0 {
		trailing, err = g.ingest.SyncBatch(ctx, req.UserID, req.Points)
		if err != nil {
			metrics.FinalizeTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	session, err := g.store.FinalizeSession(ctx, req.UserID, req.SessionID, key)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrIdempotencyConflict):
		// Параллельный запрос с тем же ключом успел первым
		winner, findErr := g.store.FindFinalizedSession(ctx, req.UserID, key)
		if findErr != nil {
			metrics.FinalizeTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to load finalized session: %w", findErr)
		}
		metrics.FinalizeTotal.WithLabelValues("replayed").Inc()
		return &FinalizeResult{Session: winner, Replayed: true, Sync: trailing}, nil
	case errors.Is(err, repository.ErrNotFound):
		// Сессию мог закрыть параллельный запрос с тем же ключом,
		// чья фиксация не попала в первую проверку
		if res := g.replayFinalized(ctx, req.UserID, key, trailing); res != nil {
			return res, nil
		}
		metrics.FinalizeTotal.WithLabelValues("no_session").Inc()
		if req.SessionID == "" {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("session %s: %w", req.SessionID, repository.ErrNotFound)
	case errors.Is(err, repository.ErrSessionCompleted):
		if res := g.replayFinalized(ctx, req.UserID, key, trailing); res != nil {
			return res, nil
		}
		metrics.FinalizeTotal.WithLabelValues("error").Inc()
		return nil, err
	default:
		metrics.FinalizeTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to finalize session: %w", err)
	}

	metrics.FinalizeTotal.WithLabelValues("committed").Inc()
	logger.WithField("session_id", session.ID).
		WithField("distance_m", session.CumulativeDistanceMeters).
		WithField("points", session.PointCount).
		Info("Run session finalized")

	g.dispatchReward(session)

	return &FinalizeResult{Session: session, Sync: trailing}, nil
}

// replayFinalized повторно ищет сессию по ключу, nil если ключ не использован
func (g *IdempotencyGuard) replayFinalized(ctx context.Context, userID, key string, trailing *SyncResult) *FinalizeResult {
	winner, err := g.store.FindFinalizedSession(ctx, userID, key)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			g.logger.WithContext(ctx).WithError(err).
				WithField("user_id", userID).
				Warn("Failed to recheck idempotency key")
		}
		return nil
	}
	metrics.FinalizeTotal.WithLabelValues("replayed").Inc()
	return &FinalizeResult{Session: winner, Replayed: true, Sync: trailing}
}

// dispatchReward вызывает награды асинхронно с ограничением по времени
func (g *IdempotencyGuard) dispatchReward(session *models.RunSession) {
	if g.reward == nil {
		return
	}

	g.wg.Add(1)
	go func(session *models.RunSession) {
		defer g.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.RewardCalls.WithLabelValues("panic").Inc()
				g.logger.WithField("panic", rec).
					WithField("session_id", session.ID).
					Error("Reward service panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), g.rewardTimeout)
		defer cancel()

		if err := g.reward.OnRunFinalized(ctx, session); err != nil {
			metrics.RewardCalls.WithLabelValues("failed").Inc()
			g.logger.WithError(err).
				WithField("session_id", session.ID).
				WithField("user_id", session.UserID).
				Error("Reward service call failed")
			return
		}
		metrics.RewardCalls.WithLabelValues("ok").Inc()
	}(session.Clone())
}

// Wait ждет завершения вызовов наград
func (g *IdempotencyGuard) Wait() {
	g.wg.Wait()
}
