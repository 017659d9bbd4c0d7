package emag

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// ErrorKind - классификация ошибок внешнего API.
// Классификация закрытая: движок повторов смотрит на тег,
// а не на конкретный механизм сигнализации ошибки.
type ErrorKind int

const (
	// KindRateLimited - HTTP 429, повторяемая
	KindRateLimited ErrorKind = iota
	// KindServerError - 5xx, считаем временной
	KindServerError
	// KindNetwork - сетевая ошибка или таймаут, повторяемая
	KindNetwork
	// KindAuth - 401/403, фатальная: учетные данные неверны или истекли
	KindAuth
	// KindValidation - 400 или документационная ошибка eMAG, фатальная:
	// запрос принят транспортом, но отвергнут бизнес-валидацией
	KindValidation
)

// String возвращает имя класса ошибки
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// APIError - классифицированная ошибка вызова API eMAG
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Attempts   int // число сделанных попыток, проставляется движком повторов
}

func (e *APIError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("emag: %s (status %d) after %d attempts: %s", e.Kind, e.StatusCode, e.Attempts, e.Message)
	}
	return fmt.Sprintf("emag: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Retryable сообщает, имеет ли смысл повторять вызов
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindNetwork:
		return true
	}
	return false
}

// ClassifyStatus преобразует HTTP статус в классифицированную ошибку
func ClassifyStatus(status int, message string) *APIError {
	var kind ErrorKind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusBadRequest:
		kind = KindValidation
	case status >= 500:
		kind = KindServerError
	default:
		kind = KindServerError
	}
	return &APIError{Kind: kind, StatusCode: status, Message: message}
}

// ClassifyTransport преобразует транспортную ошибку http.Client в классифицированную.
// Любая ошибка уровня соединения считается сетевой и повторяемой.
func ClassifyTransport(err error) *APIError {
	msg := err.Error()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: KindNetwork, Message: "timeout: " + msg}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &APIError{Kind: KindNetwork, Message: "deadline exceeded: " + msg}
	}
	return &APIError{Kind: KindNetwork, Message: msg}
}

// AsAPIError извлекает *APIError из цепочки ошибок
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
