package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/services"
	pkgerrors "github.com/ioko18/magflow-erp-sub004/pkg/errors"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// SyncHandler обработчик запросов движка синхронизации
type SyncHandler struct {
	orchestrator services.OrchestratorInterface
	tracker      services.TrackerInterface
	logger       interfaces.LoggerPort
}

// NewSyncHandler создает новый обработчик синхронизации
func NewSyncHandler(orchestrator services.OrchestratorInterface, tracker services.TrackerInterface, logger interfaces.LoggerPort) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		tracker:      tracker,
		logger:       logger,
	}
}

// errorResponse представляет структуру ответа с ошибкой
type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// response представляет структуру успешного ответа
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// startSyncRequest - тело запроса на запуск синхронизации
type startSyncRequest struct {
	Account   string `json:"account"`
	Operation string `json:"operation"`
	Strategy  string `json:"strategy,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`
	Wait      bool   `json:"wait,omitempty"` // дождаться завершения вместо фонового запуска
}

// StartSync обрабатывает запрос на запуск сессии синхронизации
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "Некорректное тело запроса",
		})
		return
	}

	session, err := h.orchestrator.StartSync(r.Context(), req.Account, models.SyncOperation(req.Operation), services.SyncOptions{
		Strategy:   models.ConflictStrategy(req.Strategy),
		MaxPages:   req.MaxPages,
		Background: !req.Wait,
	})
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrSyncAlreadyRunning):
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, errorResponse{
				Error:   "sync_already_running",
				Code:    http.StatusConflict,
				Message: "Для этой пары аккаунт/операция уже выполняется синхронизация",
			})
		case errors.Is(err, pkgerrors.ErrInvalidOperation), errors.Is(err, pkgerrors.ErrInvalidStrategy):
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{
				Error:   "bad_request",
				Code:    http.StatusBadRequest,
				Message: err.Error(),
			})
		default:
			h.logger.ErrorWithContext(r.Context(), "Ошибка запуска синхронизации",
				interfaces.LogField{Key: "error", Value: err.Error()})
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, errorResponse{
				Error:   "internal_error",
				Code:    http.StatusInternalServerError,
				Message: "Ошибка запуска синхронизации",
			})
		}
		return
	}

	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	render.Status(r, status)
	render.JSON(w, r, response{
		Success: true,
		Data:    session,
	})
}

// GetSession обрабатывает запрос на получение сессии по ID
func (h *SyncHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "ID сессии не указан",
		})
		return
	}

	session, err := h.orchestrator.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrSessionNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, errorResponse{
				Error:   "not_found",
				Code:    http.StatusNotFound,
				Message: "Сессия не найдена",
			})
			return
		}
		h.logger.ErrorWithContext(r.Context(), "Ошибка получения сессии",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка получения сессии",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    session,
	})
}

// GetProgress обрабатывает запрос на получение снимка прогресса сессии
func (h *SyncHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{
			Error:   "bad_request",
			Code:    http.StatusBadRequest,
			Message: "ID сессии не указан",
		})
		return
	}

	progress, err := h.orchestrator.GetProgress(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrSessionNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, errorResponse{
				Error:   "not_found",
				Code:    http.StatusNotFound,
				Message: "Прогресс для сессии не найден",
			})
			return
		}
		h.logger.ErrorWithContext(r.Context(), "Ошибка получения прогресса",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка получения прогресса",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    progress,
	})
}

// GetStats обрабатывает запрос на получение агрегированной статистики
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracker.Stats(r.Context())
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка получения статистики",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка получения статистики",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    stats,
	})
}

// cleanupRequest - тело запроса на очистку зависших сессий
type cleanupRequest struct {
	OlderThanSeconds int `json:"older_than_seconds,omitempty"`
}

// Cleanup обрабатывает запрос на пометку зависших сессий как failed
func (h *SyncHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{
				Error:   "bad_request",
				Code:    http.StatusBadRequest,
				Message: "Некорректное тело запроса",
			})
			return
		}
	}

	count, err := h.orchestrator.Cleanup(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second)
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "Ошибка очистки зависших сессий",
			interfaces.LogField{Key: "error", Value: err.Error()})
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{
			Error:   "internal_error",
			Code:    http.StatusInternalServerError,
			Message: "Ошибка очистки зависших сессий",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    map[string]int{"marked_failed": count},
	})
}

// HealthCheck возвращает текущее здоровье движка синхронизации.
// 503 отдается только при статусе error: warning - повод для алерта,
// но не для вывода экземпляра из балансировки.
func (h *SyncHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.tracker.Health()

	status := http.StatusOK
	if report.Status == services.HealthError {
		status = http.StatusServiceUnavailable
	}
	render.Status(r, status)
	render.JSON(w, r, report)
}
