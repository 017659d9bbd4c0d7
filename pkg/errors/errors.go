package errors

import "errors"

var (
	// ErrCacheMiss - значение отсутствует в кэше
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrSessionNotFound - сессия синхронизации не найдена
	ErrSessionNotFound = errors.New("sync session not found")

	// ErrSyncAlreadyRunning - для пары (аккаунт, операция) уже выполняется сессия
	ErrSyncAlreadyRunning = errors.New("sync already running for this account and operation")

	// ErrInvalidOperation - неизвестный тип операции синхронизации
	ErrInvalidOperation = errors.New("invalid sync operation")

	// ErrInvalidStrategy - неизвестная стратегия разрешения конфликтов
	ErrInvalidStrategy = errors.New("invalid conflict strategy")
)
