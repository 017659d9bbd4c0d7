package services

import (
	"bytes"
	"fmt"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/pkg/errors"
)

// ConflictResolver разрешает расхождения между удаленной записью и локальной
// сущностью. Резолвер не трогает хранилище: он только принимает решение,
// применение остается за слоем персистентности.
type ConflictResolver struct{}

// NewConflictResolver создает резолвер конфликтов
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve принимает решение для одной пары (удаленная запись, локальная сущность).
// local == nil означает создание - конфликта нет, удаленные значения применяются.
// Пустой ConflictingFields при ActionKeepLocal означает, что расхождений нет
// и запись можно пропустить.
func (r *ConflictResolver) Resolve(remote models.RemoteRecord, local *models.MarketplaceOffer, strategy models.ConflictStrategy) (models.ConflictDecision, error) {
	if !strategy.Valid() {
		return models.ConflictDecision{}, fmt.Errorf("%w: %q", errors.ErrInvalidStrategy, strategy)
	}

	if local == nil {
		return models.ConflictDecision{Action: models.ActionApplyRemote}, nil
	}

	fields := conflictingFields(remote, local)
	if len(fields) == 0 {
		// Значения совпадают, стратегия значения не имеет
		return models.ConflictDecision{Action: models.ActionKeepLocal}, nil
	}

	switch strategy {
	case models.StrategyRemotePriority:
		return models.ConflictDecision{Action: models.ActionApplyRemote, ConflictingFields: fields}, nil
	case models.StrategyLocalPriority:
		return models.ConflictDecision{Action: models.ActionKeepLocal, ConflictingFields: fields}, nil
	case models.StrategyNewestWins:
		// Сравнение по каждой записи отдельно: метка удаленного изменения
		// против момента последней локальной синхронизации. При равенстве
		// побеждает удаленная сторона как источник истины маркетплейса.
		if remote.ModifiedAt.Before(local.LastSyncedAt) {
			return models.ConflictDecision{Action: models.ActionKeepLocal, ConflictingFields: fields}, nil
		}
		return models.ConflictDecision{Action: models.ActionApplyRemote, ConflictingFields: fields}, nil
	case models.StrategyManual:
		return models.ConflictDecision{Action: models.ActionFlagManual, ConflictingFields: fields}, nil
	}

	return models.ConflictDecision{}, fmt.Errorf("%w: %q", errors.ErrInvalidStrategy, strategy)
}

func conflictingFields(remote models.RemoteRecord, local *models.MarketplaceOffer) []string {
	var fields []string
	if remote.Name != local.Name {
		fields = append(fields, "name")
	}
	if remote.Price != local.Price {
		fields = append(fields, "price")
	}
	if remote.Stock != local.Stock {
		fields = append(fields, "stock")
	}
	if !bytes.Equal(remote.Payload, local.Payload) {
		fields = append(fields, "payload")
	}
	return fields
}
