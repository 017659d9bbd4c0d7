package services

import (
	"context"
	"fmt"
	"time"

	postgres "github.com/ioko18/magflow-erp-sub004/internal/adapters/storage"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
	"github.com/ioko18/magflow-erp-sub004/pkg/tx"
)

// PageResult - итог примирения одной страницы записей
type PageResult struct {
	Created int
	Updated int
	Skipped int
	Failed  int
	Errors  []models.RecordError
}

// Reconciler примиряет страницы удаленных записей с локальным хранилищем.
// Страница обрабатывается в одной транзакции, каждая запись - во вложенной
// (savepoint): падение одной записи откатывает только её, остальные
// записи страницы фиксируются.
type Reconciler struct {
	storage   postgres.SyncStorageInterface
	txManager tx.Manager
	resolver  *ConflictResolver
	logger    interfaces.LoggerPort

	now func() time.Time // подменяется в тестах
}

// NewReconciler создает сервис примирения записей
func NewReconciler(storage postgres.SyncStorageInterface, txManager tx.Manager, resolver *ConflictResolver, logger interfaces.LoggerPort) *Reconciler {
	return &Reconciler{
		storage:   storage,
		txManager: txManager,
		resolver:  resolver,
		logger:    logger,
		now:       time.Now,
	}
}

// ReconcilePage обрабатывает страницу записей для сессии.
// Ошибка возвращается только при падении самой транзакции страницы;
// ошибки отдельных записей собираются в PageResult.
func (r *Reconciler) ReconcilePage(ctx context.Context, records []models.RemoteRecord, strategy models.ConflictStrategy, page int) (*PageResult, error) {
	result := &PageResult{}

	err := r.txManager.Do(ctx, func(txCtx context.Context) error {
		for _, record := range records {
			outcome, recErr := r.reconcileRecord(txCtx, record, strategy)
			if recErr != nil {
				result.Failed++
				result.Errors = append(result.Errors, models.RecordError{
					RemoteKey: record.RemoteKey,
					Message:   recErr.Error(),
					Page:      page,
				})
				r.logger.WarnWithContext(txCtx, "Ошибка примирения записи",
					interfaces.LogField{Key: "remote_key", Value: record.RemoteKey},
					interfaces.LogField{Key: "account", Value: record.Account},
					interfaces.LogField{Key: "page", Value: page},
					interfaces.LogField{Key: "error", Value: recErr.Error()},
				)
				continue
			}
			switch outcome {
			case outcomeCreated:
				result.Created++
			case outcomeUpdated:
				result.Updated++
			case outcomeSkipped:
				result.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("page transaction failed: %w", err)
	}

	return result, nil
}

type recordOutcome int

const (
	outcomeCreated recordOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

// reconcileRecord обрабатывает одну запись во вложенной транзакции.
// Поиск локальной сущности всегда идет по паре (remote_key, account).
func (r *Reconciler) reconcileRecord(ctx context.Context, record models.RemoteRecord, strategy models.ConflictStrategy) (recordOutcome, error) {
	var outcome recordOutcome

	err := r.txManager.DoNested(ctx, func(nestedCtx context.Context) error {
		local, err := r.storage.GetOffer(nestedCtx, record.RemoteKey, record.Account)
		if err != nil {
			return err
		}

		decision, err := r.resolver.Resolve(record, local, strategy)
		if err != nil {
			return err
		}

		syncedAt := r.now().UTC()
		switch decision.Action {
		case models.ActionApplyRemote:
			offer := applyRemote(record, local, syncedAt)
			if err := r.storage.SaveOffer(nestedCtx, offer); err != nil {
				return err
			}
			if local == nil {
				outcome = outcomeCreated
			} else {
				outcome = outcomeUpdated
			}

		case models.ActionKeepLocal:
			if len(decision.ConflictingFields) == 0 {
				outcome = outcomeSkipped
				return nil
			}
			// Локальные значения сохраняются, обновляется только метка синхронизации
			local.RemoteModifiedAt = record.ModifiedAt
			local.LastSyncedAt = syncedAt
			local.SyncStatus = models.OfferSynced
			local.SyncError = ""
			if err := r.storage.SaveOffer(nestedCtx, local); err != nil {
				return err
			}
			outcome = outcomeSkipped

		case models.ActionFlagManual:
			// Значения не применяются, сущность помечается для ручного разбора
			local.SyncStatus = models.OfferPending
			local.SyncError = fmt.Sprintf("manual review required, conflicting fields: %v", decision.ConflictingFields)
			if err := r.storage.SaveOffer(nestedCtx, local); err != nil {
				return err
			}
			outcome = outcomeSkipped
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return outcome, nil
}

// applyRemote строит локальную сущность из удаленной записи,
// сохраняя идентичность существующей локальной строки
func applyRemote(record models.RemoteRecord, local *models.MarketplaceOffer, syncedAt time.Time) *models.MarketplaceOffer {
	offer := &models.MarketplaceOffer{
		RemoteKey:        record.RemoteKey,
		Account:          record.Account,
		Name:             record.Name,
		Price:            record.Price,
		Stock:            record.Stock,
		Payload:          record.Payload,
		RemoteModifiedAt: record.ModifiedAt,
		LastSyncedAt:     syncedAt,
		SyncStatus:       models.OfferSynced,
	}
	if local != nil {
		offer.ID = local.ID
		offer.CreatedAt = local.CreatedAt
	}
	return offer
}
