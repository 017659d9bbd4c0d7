package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/pkg/tx"
)

// SyncStorageInterface определяет интерфейс взаимодействия с хранилищем PostgreSQL
type SyncStorageInterface interface {
	// SyncSession методы
	CreateSession(ctx context.Context, session *models.SyncSession) error
	UpdateSession(ctx context.Context, session *models.SyncSession) error
	GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error)
	HasRunningSession(ctx context.Context, account string, operation models.SyncOperation) (bool, error)
	MarkStuckSessionsFailed(ctx context.Context, olderThan time.Duration) (int, error)
	SessionStats(ctx context.Context, window time.Duration) (*models.SyncStats, error)

	// SyncProgress методы
	UpsertProgress(ctx context.Context, progress *models.SyncProgress) error
	GetProgress(ctx context.Context, sessionID string) (*models.SyncProgress, error)

	// MarketplaceOffer методы
	GetOffer(ctx context.Context, remoteKey, account string) (*models.MarketplaceOffer, error)
	SaveOffer(ctx context.Context, offer *models.MarketplaceOffer) error
}

// SyncStoragePort расширяет интерфейс хранилища управлением соединением
type SyncStoragePort interface {
	SyncStorageInterface

	Close() error
}

// SyncStorage реализация хранилища движка синхронизации для PostgreSQL
type SyncStorage struct {
	pool *pgxpool.Pool
}

// NewSyncStorage создает новый экземпляр SyncStorage
func NewSyncStorage(ctx context.Context, connectionString string) (*SyncStorage, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &SyncStorage{pool: pool}, nil
}

// NewSyncStorageWithPool создает хранилище поверх готового пула
func NewSyncStorageWithPool(ctx context.Context, pool *pgxpool.Pool) (*SyncStorage, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &SyncStorage{pool: pool}, nil
}

// Pool возвращает пул соединений для менеджера транзакций
func (r *SyncStorage) Pool() *pgxpool.Pool {
	return r.pool
}

// Close закрывает соединение с БД
func (r *SyncStorage) Close() error {
	r.pool.Close()
	return nil
}

type executor interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// getExecutor возвращает исполнителя запросов (транзакцию из контекста или пул)
func (r *SyncStorage) getExecutor(ctx context.Context) executor {
	if t, ok := tx.FromContext(ctx); ok {
		return t
	}
	return r.pool
}

// CreateSession сохраняет новую сессию синхронизации
func (r *SyncStorage) CreateSession(ctx context.Context, session *models.SyncSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	errorsJSON, err := marshalErrors(session.Errors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync.sessions (id, account, operation, status, strategy, started_at, completed_at,
			pages_processed, records_processed, records_created, records_updated,
			records_skipped, records_failed, errors, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.getExecutor(ctx).Exec(ctx, query,
		session.ID, session.Account, session.Operation, session.Status, session.Strategy,
		session.StartedAt, session.CompletedAt, session.PagesProcessed,
		session.RecordsTotal, session.RecordsCreated, session.RecordsUpdated,
		session.RecordsSkipped, session.RecordsFailed, errorsJSON, session.FailureReason)
	if err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}
	return nil
}

// UpdateSession обновляет состояние сессии.
// Терминальный статус в базе не перезаписывается: условие в WHERE дублирует
// монотонность переходов на случай конкурирующего процесса очистки.
func (r *SyncStorage) UpdateSession(ctx context.Context, session *models.SyncSession) error {
	errorsJSON, err := marshalErrors(session.Errors)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync.sessions SET
			status = $2,
			completed_at = COALESCE(completed_at, $3),
			pages_processed = $4,
			records_processed = $5,
			records_created = $6,
			records_updated = $7,
			records_skipped = $8,
			records_failed = $9,
			errors = $10,
			failure_reason = $11
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'timed_out')
	`

	_, err = r.getExecutor(ctx).Exec(ctx, query,
		session.ID, session.Status, session.CompletedAt, session.PagesProcessed,
		session.RecordsTotal, session.RecordsCreated, session.RecordsUpdated,
		session.RecordsSkipped, session.RecordsFailed, errorsJSON, session.FailureReason)
	if err != nil {
		return fmt.Errorf("failed to update sync session: %w", err)
	}
	return nil
}

// GetSession получает сессию по ID
func (r *SyncStorage) GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	query := `
		SELECT id, account, operation, status, strategy, started_at, completed_at,
			pages_processed, records_processed, records_created, records_updated,
			records_skipped, records_failed, errors, failure_reason
		FROM sync.sessions
		WHERE id = $1
	`

	var session models.SyncSession
	var errorsJSON []byte

	row := r.getExecutor(ctx).QueryRow(ctx, query, sessionID)
	err := row.Scan(&session.ID, &session.Account, &session.Operation, &session.Status,
		&session.Strategy, &session.StartedAt, &session.CompletedAt,
		&session.PagesProcessed, &session.RecordsTotal, &session.RecordsCreated,
		&session.RecordsUpdated, &session.RecordsSkipped, &session.RecordsFailed,
		&errorsJSON, &session.FailureReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Сессия не найдена
		}
		return nil, fmt.Errorf("failed to get sync session: %w", err)
	}

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &session.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session errors: %w", err)
		}
	}

	return &session, nil
}

// HasRunningSession сообщает, выполняется ли уже сессия для пары (аккаунт, операция)
func (r *SyncStorage) HasRunningSession(ctx context.Context, account string, operation models.SyncOperation) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync.sessions
			WHERE account = $1 AND operation = $2 AND status IN ('pending', 'running')
		)
	`

	var exists bool
	err := r.getExecutor(ctx).QueryRow(ctx, query, account, operation).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check running session: %w", err)
	}
	return exists, nil
}

// MarkStuckSessionsFailed помечает зависшие в running сессии как failed.
// Вызывается внешним планировщиком: упавший оркестратор другого сигнала не оставляет.
func (r *SyncStorage) MarkStuckSessionsFailed(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE sync.sessions SET
			status = 'failed',
			completed_at = NOW(),
			failure_reason = 'marked failed: running longer than threshold'
		WHERE status = 'running' AND started_at < NOW() - $1::interval
	`

	tag, err := r.getExecutor(ctx).Exec(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stuck sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SessionStats возвращает агрегаты по сессиям за окно времени
func (r *SyncStorage) SessionStats(ctx context.Context, window time.Duration) (*models.SyncStats, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(SUM(records_processed), 0), COALESCE(SUM(records_failed), 0)
		FROM sync.sessions
		WHERE started_at > NOW() - $1::interval
		GROUP BY status
	`

	rows, err := r.getExecutor(ctx).Query(ctx, query, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}
	defer rows.Close()

	stats := &models.SyncStats{
		Window:           window,
		SessionsByStatus: make(map[string]int),
	}
	for rows.Next() {
		var status string
		var count, processed, failed int
		if err := rows.Scan(&status, &count, &processed, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.SessionsByStatus[status] = count
		stats.RecordsProcessed += processed
		stats.RecordsFailed += failed
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating stats rows: %w", rows.Err())
	}

	return stats, nil
}

// UpsertProgress сохраняет снимок прогресса сессии.
// Ключ конфликта - session_id: повторные вызовы обновляют ту же строку,
// дубликаты не создаются.
func (r *SyncStorage) UpsertProgress(ctx context.Context, progress *models.SyncProgress) error {
	query := `
		INSERT INTO sync.progress (session_id, current_page, total_pages, records_processed, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id)
		DO UPDATE SET
			current_page = $2,
			total_pages = $3,
			records_processed = $4,
			updated_at = $5
	`

	progress.UpdatedAt = time.Now().UTC()

	_, err := r.getExecutor(ctx).Exec(ctx, query,
		progress.SessionID, progress.CurrentPage, progress.TotalPages,
		progress.RecordsProcessed, progress.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert sync progress: %w", err)
	}
	return nil
}

// GetProgress получает снимок прогресса по ID сессии
func (r *SyncStorage) GetProgress(ctx context.Context, sessionID string) (*models.SyncProgress, error) {
	query := `
		SELECT session_id, current_page, total_pages, records_processed, updated_at
		FROM sync.progress
		WHERE session_id = $1
	`

	var progress models.SyncProgress
	row := r.getExecutor(ctx).QueryRow(ctx, query, sessionID)
	err := row.Scan(&progress.SessionID, &progress.CurrentPage, &progress.TotalPages,
		&progress.RecordsProcessed, &progress.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Прогресс не найден
		}
		return nil, fmt.Errorf("failed to get sync progress: %w", err)
	}

	return &progress, nil
}

// GetOffer получает локальную сущность строго по паре (remote_key, account).
// Аккаунт обязан быть частью ключа поиска: один remote_key может законно
// существовать под несколькими аккаунтами, и поиск только по remote_key
// приводит к перетиранию данных чужого аккаунта.
func (r *SyncStorage) GetOffer(ctx context.Context, remoteKey, account string) (*models.MarketplaceOffer, error) {
	query := `
		SELECT id, remote_key, account, name, price, stock, payload,
			remote_modified_at, last_synced_at, sync_status, sync_error, created_at, updated_at
		FROM sync.marketplace_offers
		WHERE remote_key = $1 AND account = $2
	`

	var offer models.MarketplaceOffer
	row := r.getExecutor(ctx).QueryRow(ctx, query, remoteKey, account)
	err := row.Scan(&offer.ID, &offer.RemoteKey, &offer.Account, &offer.Name,
		&offer.Price, &offer.Stock, &offer.Payload, &offer.RemoteModifiedAt,
		&offer.LastSyncedAt, &offer.SyncStatus, &offer.SyncError,
		&offer.CreatedAt, &offer.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Сущность не найдена
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}

	return &offer, nil
}

// SaveOffer сохраняет локальную сущность маркетплейса.
// Конфликтный ключ - (remote_key, account), как и у поиска.
func (r *SyncStorage) SaveOffer(ctx context.Context, offer *models.MarketplaceOffer) error {
	if offer.ID == "" {
		offer.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sync.marketplace_offers (id, remote_key, account, name, price, stock, payload,
			remote_modified_at, last_synced_at, sync_status, sync_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (remote_key, account)
		DO UPDATE SET
			name = $4,
			price = $5,
			stock = $6,
			payload = $7,
			remote_modified_at = $8,
			last_synced_at = $9,
			sync_status = $10,
			sync_error = $11,
			updated_at = $13
	`

	now := time.Now().UTC()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	offer.UpdatedAt = now

	_, err := r.getExecutor(ctx).Exec(ctx, query,
		offer.ID, offer.RemoteKey, offer.Account, offer.Name, offer.Price, offer.Stock,
		offer.Payload, offer.RemoteModifiedAt, offer.LastSyncedAt,
		offer.SyncStatus, offer.SyncError, offer.CreatedAt, offer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save offer: %w", err)
	}
	return nil
}

func marshalErrors(recordErrors []models.RecordError) ([]byte, error) {
	if len(recordErrors) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(recordErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record errors: %w", err)
	}
	return data, nil
}
