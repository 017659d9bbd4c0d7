package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ioko18/magflow-erp-sub004/internal/adapters/messaging"
	postgres "github.com/ioko18/magflow-erp-sub004/internal/adapters/storage"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/internal/emag"
	pkgerrors "github.com/ioko18/magflow-erp-sub004/pkg/errors"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

const sessionSnapshotTTL = 30 * time.Second

// OrchestratorInterface определяет контракт оркестратора для HTTP слоя и воркера
type OrchestratorInterface interface {
	StartSync(ctx context.Context, account string, operation models.SyncOperation, opts SyncOptions) (*models.SyncSession, error)
	GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error)
	GetProgress(ctx context.Context, sessionID string) (*models.SyncProgress, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// SyncOptions - параметры запуска сессии синхронизации
type SyncOptions struct {
	Strategy   models.ConflictStrategy // по умолчанию remote_priority
	MaxPages   int                     // 0 - без ограничения
	Background bool                    // выполнять сессию в фоне
}

// Orchestrator управляет жизненным циклом сессий синхронизации:
// запуск, постраничный цикл, терминальные переходы и события Kafka.
// Для пары (аккаунт, операция) одновременно выполняется не более одной
// сессии; исключение обеспечивается и картой в памяти, и проверкой в базе.
type Orchestrator struct {
	storage    postgres.SyncStorageInterface
	gateway    emag.GatewayPort
	reconciler *Reconciler
	cache      interfaces.CachePort
	messaging  interfaces.MessagingPort
	logger     interfaces.LoggerPort

	sessionTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewOrchestrator создает оркестратор синхронизации
func NewOrchestrator(
	storage postgres.SyncStorageInterface,
	gateway emag.GatewayPort,
	reconciler *Reconciler,
	cache interfaces.CachePort,
	msg interfaces.MessagingPort,
	logger interfaces.LoggerPort,
	sessionTimeout time.Duration,
) *Orchestrator {
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		storage:        storage,
		gateway:        gateway,
		reconciler:     reconciler,
		cache:          cache,
		messaging:      msg,
		logger:         logger,
		sessionTimeout: sessionTimeout,
		now:            time.Now,
		running:        make(map[string]struct{}),
	}
}

// StartSync запускает новую сессию синхронизации для пары (аккаунт, операция).
// Возвращает созданную сессию; при Background=true она возвращается сразу
// в статусе pending, а выполнение продолжается в фоне.
func (o *Orchestrator) StartSync(ctx context.Context, account string, operation models.SyncOperation, opts SyncOptions) (*models.SyncSession, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	if !operation.Valid() {
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrInvalidOperation, operation)
	}
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyRemotePriority
	}
	if !opts.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrInvalidStrategy, opts.Strategy)
	}

	key := runningKey(account, operation)

	o.mu.Lock()
	if _, busy := o.running[key]; busy {
		o.mu.Unlock()
		return nil, pkgerrors.ErrSyncAlreadyRunning
	}
	// Проверка в базе ловит сессии других экземпляров сервиса
	exists, err := o.storage.HasRunningSession(ctx, account, operation)
	if err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("failed to check running sessions: %w", err)
	}
	if exists {
		o.mu.Unlock()
		return nil, pkgerrors.ErrSyncAlreadyRunning
	}
	o.running[key] = struct{}{}
	o.mu.Unlock()

	session := &models.SyncSession{
		ID:        uuid.New().String(),
		Account:   account,
		Operation: operation,
		Status:    models.StatusPending,
		Strategy:  string(opts.Strategy),
		StartedAt: o.now().UTC(),
	}

	if err := o.storage.CreateSession(ctx, session); err != nil {
		o.release(key)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	o.publishEvent(ctx, session)
	o.logger.InfoWithContext(ctx, "Сессия синхронизации создана",
		interfaces.LogField{Key: "session_id", Value: session.ID},
		interfaces.LogField{Key: "account", Value: account},
		interfaces.LogField{Key: "operation", Value: string(operation)},
		interfaces.LogField{Key: "strategy", Value: string(opts.Strategy)},
	)

	if opts.Background {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.release(key)
			// Фоновая сессия переживает HTTP запрос, который её запустил
			o.run(context.Background(), session, opts)
		}()
		return session, nil
	}

	defer o.release(key)
	o.run(ctx, session, opts)
	return session, nil
}

// GetSession возвращает сессию по ID, читая через кэш снимков
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error) {
	cacheKey := sessionCacheKey(sessionID)
	if data, err := o.cache.Get(ctx, cacheKey); err == nil {
		var session models.SyncSession
		if err := json.Unmarshal(data, &session); err == nil {
			return &session, nil
		}
		// Битый снимок выбрасываем и идем в базу
		_ = o.cache.Delete(ctx, cacheKey)
	}

	session, err := o.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, pkgerrors.ErrSessionNotFound
	}

	o.cacheSession(ctx, session)
	return session, nil
}

// GetProgress возвращает живой снимок прогресса сессии
func (o *Orchestrator) GetProgress(ctx context.Context, sessionID string) (*models.SyncProgress, error) {
	progress, err := o.storage.GetProgress(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, pkgerrors.ErrSessionNotFound
	}
	return progress, nil
}

// Cleanup помечает сессии, зависшие в running дольше порога, как failed
func (o *Orchestrator) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = o.sessionTimeout
	}
	count, err := o.storage.MarkStuckSessionsFailed(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		// Снимки помеченных сессий устарели
		if err := o.cache.DeleteByPattern(ctx, "sync:session:*"); err != nil {
			o.logger.WarnWithContext(ctx, "Не удалось сбросить снимки сессий",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		o.logger.InfoWithContext(ctx, "Зависшие сессии помечены как failed",
			interfaces.LogField{Key: "count", Value: count})
	}
	return count, nil
}

// Wait блокируется до завершения всех фоновых сессий. Вызывается при остановке сервиса.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run выполняет постраничный цикл сессии до терминального состояния.
// Ошибки страниц не прерывают цикл выборочно: падение выборки страницы
// завершает сессию, падение отдельных записей учитывается в счетчиках.
func (o *Orchestrator) run(parent context.Context, session *models.SyncSession, opts SyncOptions) {
	ctx, cancel := context.WithTimeout(parent, o.sessionTimeout)
	defer cancel()

	log := o.logger.WithSession(session.ID)

	session.Transition(models.StatusRunning, o.now())
	if err := o.storage.UpdateSession(ctx, session); err != nil {
		log.ErrorWithContext(ctx, "Не удалось перевести сессию в running",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	o.cacheSession(ctx, session)
	o.publishEvent(ctx, session)

	var failure error
	page := 1

	for {
		if ctx.Err() != nil {
			failure = ctx.Err()
			break
		}

		remotePage, err := o.gateway.FetchPage(ctx, session.Account, session.Operation, page)
		if err != nil {
			// Ошибка из-за истекшего дедлайна сессии - это таймаут, а не сбой
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			failure = err
			break
		}

		result, err := o.reconciler.ReconcilePage(ctx, remotePage.Records, models.ConflictStrategy(session.Strategy), page)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			failure = err
			break
		}

		session.PagesProcessed++
		session.RecordsTotal += len(remotePage.Records)
		session.RecordsCreated += result.Created
		session.RecordsUpdated += result.Updated
		session.RecordsSkipped += result.Skipped
		session.RecordsFailed += result.Failed
		session.Errors = append(session.Errors, result.Errors...)

		progress := &models.SyncProgress{
			SessionID:        session.ID,
			CurrentPage:      page,
			TotalPages:       remotePage.TotalPages,
			RecordsProcessed: session.RecordsTotal,
		}
		if err := o.storage.UpsertProgress(ctx, progress); err != nil {
			log.WarnWithContext(ctx, "Не удалось сохранить прогресс",
				interfaces.LogField{Key: "page", Value: page},
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		if err := o.storage.UpdateSession(ctx, session); err != nil {
			log.WarnWithContext(ctx, "Не удалось сохранить счетчики сессии",
				interfaces.LogField{Key: "page", Value: page},
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		o.cacheSession(ctx, session)

		if !remotePage.HasMore {
			break
		}
		if opts.MaxPages > 0 && page >= opts.MaxPages {
			break
		}
		page++
	}

	o.finish(ctx, session, failure, log)
}

// finish переводит сессию в терминальное состояние и публикует событие.
// Обработанные до сбоя страницы остаются зафиксированными: терминальный
// переход не откатывает уже сделанную работу.
func (o *Orchestrator) finish(ctx context.Context, session *models.SyncSession, failure error, log interfaces.LoggerPort) {
	switch {
	case failure == nil:
		session.Transition(models.StatusCompleted, o.now())
	case errors.Is(failure, context.DeadlineExceeded):
		session.FailureReason = fmt.Sprintf("session timeout %s exceeded", o.sessionTimeout)
		session.Transition(models.StatusTimedOut, o.now())
	default:
		session.FailureReason = failure.Error()
		session.Transition(models.StatusFailed, o.now())
	}

	// Терминальная запись идет с отдельным контекстом: рабочий контекст
	// к этому моменту мог истечь
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.storage.UpdateSession(finishCtx, session); err != nil {
		log.ErrorWithContext(finishCtx, "Не удалось сохранить терминальное состояние сессии",
			interfaces.LogField{Key: "status", Value: string(session.Status)},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	o.cacheSession(finishCtx, session)
	o.publishEvent(finishCtx, session)

	log.InfoWithContext(finishCtx, "Сессия синхронизации завершена",
		interfaces.LogField{Key: "status", Value: string(session.Status)},
		interfaces.LogField{Key: "pages", Value: session.PagesProcessed},
		interfaces.LogField{Key: "records", Value: session.RecordsTotal},
		interfaces.LogField{Key: "failed", Value: session.RecordsFailed},
	)
}

// publishEvent отправляет событие жизненного цикла сессии в Kafka.
// Сбой публикации не прерывает синхронизацию
func (o *Orchestrator) publishEvent(ctx context.Context, session *models.SyncSession) {
	event := messaging.SessionEvent{
		SessionID: session.ID,
		Account:   session.Account,
		Operation: string(session.Operation),
		Status:    string(session.Status),
		Timestamp: o.now().Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := o.messaging.Publish(ctx, messaging.TopicSyncSessions, data); err != nil {
		o.logger.WarnWithContext(ctx, "Не удалось опубликовать событие сессии",
			interfaces.LogField{Key: "session_id", Value: session.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// cacheSession сохраняет снимок сессии в кэше. Сбой кэша не критичен.
func (o *Orchestrator) cacheSession(ctx context.Context, session *models.SyncSession) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, sessionCacheKey(session.ID), data, sessionSnapshotTTL); err != nil {
		o.logger.DebugWithContext(ctx, "Не удалось сохранить снимок сессии в кэше",
			interfaces.LogField{Key: "session_id", Value: session.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.running, key)
	o.mu.Unlock()
}

func runningKey(account string, operation models.SyncOperation) string {
	return account + "/" + string(operation)
}

func sessionCacheKey(sessionID string) string {
	return "sync:session:" + sessionID
}
