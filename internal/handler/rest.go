package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/citylord/trajectory-engine/internal/auth"
	"github.com/citylord/trajectory-engine/internal/ingest"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/internal/repository"
	"github.com/citylord/trajectory-engine/internal/service"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

const protobufContentType = "application/x-protobuf"

// Коды ошибок в ответах
const (
	CodeMalformedPayload    = "MALFORMED_PAYLOAD"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeMissingIdempotency  = "MISSING_IDEMPOTENCY_KEY"
	CodeNoActiveSession     = "NO_ACTIVE_SESSION"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionCompleted    = "SESSION_COMPLETED"
	CodeVelocityExceeded    = "LOCATION_VELOCITY_EXCEEDED"
	CodeConcurrentUpdate    = "CONCURRENT_UPDATE"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeSerializationFailed = "SERIALIZATION_FAILED"
)

// RESTHandler обработчик REST API пробежек
type RESTHandler struct {
	ingest *service.IngestService
	guard  *service.IdempotencyGuard
	logger *utils.Logger
	now    func() time.Time
}

// NewRESTHandler создает новый REST handler
func NewRESTHandler(ingest *service.IngestService, guard *service.IdempotencyGuard, logger *utils.Logger) *RESTHandler {
	return &RESTHandler{
		ingest: ingest,
		guard:  guard,
		logger: logger,
		now:    time.Now,
	}
}

// syncResponse ответ синхронизации. При ошибке syncedIds отсутствует.
type syncResponse struct {
	Success              bool             `json:"success"`
	SyncedIDs            []models.PointID `json:"syncedIds"`
	SessionID            string           `json:"sessionId,omitempty"`
	ServerDistanceMeters *float64         `json:"serverDistanceMeters,omitempty"`
}

func newSyncResponse(result *service.SyncResult) syncResponse {
	resp := syncResponse{Success: true, SyncedIDs: result.SyncedIDs}
	if resp.SyncedIDs == nil {
		resp.SyncedIDs = []models.PointID{}
	}
	if result.HasSession() {
		distance := result.ServerDistanceMeters
		resp.SessionID = result.SessionID
		resp.ServerDistanceMeters = &distance
	}
	return resp
}

// SyncRun принимает пакет точек активной пробежки
// POST /api/v1/runs/sync
func (h *RESTHandler) SyncRun(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	body, ok := h.readBody(c)
	if !ok {
		return
	}

	result, err := h.ingest.SyncBatch(c.Request.Context(), userID, body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.respond(c, http.StatusOK, newSyncResponse(result))
}

// StartRun явно начинает пробежку
// POST /api/v1/runs/start
func (h *RESTHandler) StartRun(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	session, created, err := h.ingest.StartSession(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respond(c, status, gin.H{
		"success": true,
		"created": created,
		"session": session,
	})
}

// finalizeRequest тело запроса финализации
type finalizeRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	SessionID      string          `json:"sessionId"`
	Points         json.RawMessage `json:"points"`
	Locations      json.RawMessage `json:"locations"`
}

// FinalizeRun завершает пробежку с ключом идемпотентности
// POST /api/v1/runs/finalize
func (h *RESTHandler) FinalizeRun(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	body, ok := h.readBody(c)
	if !ok {
		return
	}

	var req finalizeRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.abort(c, http.StatusBadRequest, CodeMalformedPayload, "Invalid finalize request body")
			return
		}
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = c.GetHeader("X-Idempotency-Key")
	}
	if key == "" {
		key = req.IdempotencyKey
	}

	points := req.Points
	if isEmptyJSON(points) {
		points = req.Locations
	}
	if isEmptyJSON(points) {
		points = nil
	}

	result, err := h.guard.Finalize(c.Request.Context(), service.FinalizeRequest{
		UserID:         userID,
		IdempotencyKey: key,
		SessionID:      req.SessionID,
		Points:         points,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{
		"success":              true,
		"replayed":             result.Replayed,
		"session":              result.Session,
		"serverDistanceMeters": result.Session.CumulativeDistanceMeters,
	}
	if result.Sync != nil {
		resp["syncedIds"] = newSyncResponse(result.Sync).SyncedIDs
	}
	h.respond(c, http.StatusOK, resp)
}

// CurrentRun возвращает активную пробежку без пути
// GET /api/v1/runs/current
func (h *RESTHandler) CurrentRun(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	session, err := h.ingest.CurrentSession(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.respond(c, http.StatusOK, gin.H{
		"success":  true,
		"session":  session,
		"duration": int64(session.Duration() / time.Second),
	})
}

// RunPath возвращает страницу пути пробежки
// GET /api/v1/runs/:id/path?offset=0&limit=500
func (h *RESTHandler) RunPath(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	offset, err := queryInt(c, "offset")
	if err != nil {
		h.abort(c, http.StatusBadRequest, CodeMalformedPayload, "offset must be an integer")
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.abort(c, http.StatusBadRequest, CodeMalformedPayload, "limit must be an integer")
		return
	}

	page, err := h.ingest.SessionPath(c.Request.Context(), userID, c.Param("id"), offset, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.respond(c, http.StatusOK, gin.H{
		"success":    true,
		"sessionId":  page.Session.ID,
		"status":     page.Session.Status,
		"pointCount": page.Session.PointCount,
		"offset":     page.Offset,
		"limit":      page.Limit,
		"points":     page.Points,
	})
}

// UpdateLocation принимает presence пинг вне пробежки
// POST /api/v1/location
func (h *RESTHandler) UpdateLocation(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	body, ok := h.readBody(c)
	if !ok {
		return
	}

	result, err := h.ingest.UpdatePresence(c.Request.Context(), userID, body, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := gin.H{"success": true, "stored": result.Stored}
	if result.Ping != nil {
		resp["geohash"] = result.Ping.Geohash
	}
	h.respond(c, http.StatusOK, resp)
}

// ==================== Helpers ====================

func (h *RESTHandler) requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		h.abort(c, http.StatusUnauthorized, CodeAuthRequired, "Authentication required")
		return "", false
	}
	return userID, true
}

// readBody читает тело с учетом лимита BodyLimitMiddleware
func (h *RESTHandler) readBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.abort(c, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request body too large")
			return nil, false
		}
		h.abort(c, http.StatusBadRequest, CodeMalformedPayload, "Failed to read request body")
		return nil, false
	}
	return body, true
}

// writeError переводит ошибку сервиса в HTTP ответ
func (h *RESTHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ingest.ErrMalformedPayload):
		h.abort(c, http.StatusBadRequest, CodeMalformedPayload, err.Error())
	case errors.Is(err, service.ErrMissingIdempotencyKey):
		h.abort(c, http.StatusBadRequest, CodeMissingIdempotency, err.Error())
	case errors.Is(err, service.ErrNoActiveSession):
		h.abort(c, http.StatusNotFound, CodeNoActiveSession, "No active run session")
	case errors.Is(err, repository.ErrNotFound):
		h.abort(c, http.StatusNotFound, CodeSessionNotFound, "Run session not found")
	case errors.Is(err, repository.ErrSessionCompleted):
		h.abort(c, http.StatusConflict, CodeSessionCompleted, "Run session already completed")
	case errors.Is(err, service.ErrVelocityExceeded):
		h.abort(c, http.StatusUnprocessableEntity, CodeVelocityExceeded, "Location change implies impossible speed")
	case errors.Is(err, repository.ErrConcurrentUpdate):
		h.logger.WithContext(c.Request.Context()).WithError(err).Warn("Session update contention")
		h.abort(c, http.StatusServiceUnavailable, CodeConcurrentUpdate, "Session is busy, retry later")
	default:
		h.logger.WithContext(c.Request.Context()).
			WithError(err).
			WithField("path", c.FullPath()).
			Error("Request failed")
		h.abort(c, http.StatusInternalServerError, CodeInternalError, "Internal server error")
	}
}

func (h *RESTHandler) abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody(code, message))
}

func errorBody(code, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	}
}

// respond отдает JSON или google.protobuf.Struct по заголовку Accept
func (h *RESTHandler) respond(c *gin.Context, status int, body interface{}) {
	if !wantsProtobuf(c) {
		c.JSON(status, body)
		return
	}

	data, err := encodeStruct(body)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal protobuf")
		c.JSON(http.StatusInternalServerError, errorBody(CodeSerializationFailed, "Failed to serialize response"))
		return
	}
	c.Data(status, protobufContentType, data)
}

func wantsProtobuf(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), protobufContentType)
}

// encodeStruct переводит тело ответа в protobuf Struct через JSON представление
func encodeStruct(body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func queryInt(c *gin.Context, key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
