package models

import (
	"time"
)

// SyncOperation определяет тип синхронизируемой сущности eMAG
type SyncOperation string

const (
	OperationProducts SyncOperation = "products"
	OperationOffers   SyncOperation = "offers"
	OperationOrders   SyncOperation = "orders"
)

// Valid проверяет, что операция входит в закрытый набор
func (op SyncOperation) Valid() bool {
	switch op {
	case OperationProducts, OperationOffers, OperationOrders:
		return true
	}
	return false
}

// SyncStatus определяет статус сессии синхронизации.
// Переходы монотонны: pending -> running -> {completed, failed, timed_out},
// из терминального статуса выхода нет.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusRunning   SyncStatus = "running"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
	StatusTimedOut  SyncStatus = "timed_out"
)

// Terminal сообщает, является ли статус терминальным
func (s SyncStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// RecordError описывает ошибку обработки одной записи внутри сессии
type RecordError struct {
	RemoteKey string `json:"remote_key"`
	Message   string `json:"message"`
	Page      int    `json:"page"`
}

// SyncSession представляет один запуск синхронизации для пары (аккаунт, операция).
// Сессия никогда не удаляется и служит журналом аудита.
type SyncSession struct {
	ID             string        `json:"id"`
	Account        string        `json:"account"`
	Operation      SyncOperation `json:"operation"`
	Status         SyncStatus    `json:"status"`
	Strategy       string        `json:"strategy"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	PagesProcessed int           `json:"pages_processed"`
	RecordsTotal   int           `json:"records_processed"`
	RecordsCreated int           `json:"records_created"`
	RecordsUpdated int           `json:"records_updated"`
	RecordsSkipped int           `json:"records_skipped"`
	RecordsFailed  int           `json:"records_failed"`
	Errors         []RecordError `json:"errors,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// Transition переводит сессию в новый статус.
// Возвращает false, если переход нарушает монотонность.
// completed_at выставляется ровно один раз - при первом терминальном переходе.
func (s *SyncSession) Transition(next SyncStatus, now time.Time) bool {
	if s.Status.Terminal() {
		return false
	}
	if s.Status == StatusRunning && next == StatusRunning {
		return false
	}
	if s.Status == StatusPending && next.Terminal() && next != StatusFailed {
		// из pending допустим только запуск или отказ
		return false
	}
	s.Status = next
	if next.Terminal() && s.CompletedAt == nil {
		t := now.UTC()
		s.CompletedAt = &t
	}
	return true
}

// AddRecordError добавляет ошибку записи и увеличивает счетчик неудач
func (s *SyncSession) AddRecordError(remoteKey, message string, page int) {
	s.RecordsFailed++
	s.Errors = append(s.Errors, RecordError{
		RemoteKey: remoteKey,
		Message:   message,
		Page:      page,
	})
}

// SyncProgress - живой снимок выполняющейся сессии, ровно одна строка на сессию
type SyncProgress struct {
	SessionID        string    `json:"session_id"`
	CurrentPage      int       `json:"current_page"`
	TotalPages       *int      `json:"total_pages,omitempty"` // nil для неограниченных лент
	RecordsProcessed int       `json:"records_processed"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SyncStats - агрегированная статистика сессий за окно времени
type SyncStats struct {
	Window           time.Duration  `json:"window"`
	SessionsByStatus map[string]int `json:"sessions_by_status"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsFailed    int            `json:"records_failed"`
}
