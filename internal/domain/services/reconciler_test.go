package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
)

func newTestReconciler(storage *memStorage) *Reconciler {
	return NewReconciler(storage, &memTxManager{storage: storage}, NewConflictResolver(), nopLogger{})
}

func makeRecords(account string, n int) []models.RemoteRecord {
	records := make([]models.RemoteRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, models.RemoteRecord{
			RemoteKey:  fmt.Sprintf("SKU-%d", i),
			Account:    account,
			Name:       fmt.Sprintf("Item %d", i),
			Price:      float64(i) * 10,
			Stock:      i,
			ModifiedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return records
}

func TestReconcilePageCreatesRecords(t *testing.T) {
	storage := newMemStorage()
	reconciler := newTestReconciler(storage)

	result, err := reconciler.ReconcilePage(context.Background(), makeRecords("main", 3), models.StrategyRemotePriority, 1)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Created)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Failed)

	offer, err := storage.GetOffer(context.Background(), "SKU-2", "main")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, "Item 2", offer.Name)
	assert.Equal(t, models.OfferSynced, offer.SyncStatus)
}

func TestReconcilePageRecordIsolation(t *testing.T) {
	storage := newMemStorage()
	storage.failSaveKeys["SKU-3"] = true
	reconciler := newTestReconciler(storage)

	result, err := reconciler.ReconcilePage(context.Background(), makeRecords("main", 5), models.StrategyRemotePriority, 2)
	require.NoError(t, err)

	// Падение одной записи не трогает остальные четыре
	assert.Equal(t, 4, result.Created)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "SKU-3", result.Errors[0].RemoteKey)
	assert.Equal(t, 2, result.Errors[0].Page)

	for _, key := range []string{"SKU-1", "SKU-2", "SKU-4", "SKU-5"} {
		offer, err := storage.GetOffer(context.Background(), key, "main")
		require.NoError(t, err)
		assert.NotNil(t, offer, "record %s must survive the failure of SKU-3", key)
	}
	missing, err := storage.GetOffer(context.Background(), "SKU-3", "main")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReconcilePageUpdatesExisting(t *testing.T) {
	storage := newMemStorage()
	reconciler := newTestReconciler(storage)
	ctx := context.Background()

	_, err := reconciler.ReconcilePage(ctx, makeRecords("main", 1), models.StrategyRemotePriority, 1)
	require.NoError(t, err)

	changed := makeRecords("main", 1)
	changed[0].Price = 555

	result, err := reconciler.ReconcilePage(ctx, changed, models.StrategyRemotePriority, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	offer, err := storage.GetOffer(ctx, "SKU-1", "main")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, 555.0, offer.Price)
}

func TestReconcilePageSkipsUnchanged(t *testing.T) {
	storage := newMemStorage()
	reconciler := newTestReconciler(storage)
	ctx := context.Background()

	records := makeRecords("main", 2)
	_, err := reconciler.ReconcilePage(ctx, records, models.StrategyRemotePriority, 1)
	require.NoError(t, err)

	result, err := reconciler.ReconcilePage(ctx, records, models.StrategyRemotePriority, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.Created)
	assert.Zero(t, result.Updated)
}

func TestReconcilePageAccountIsolation(t *testing.T) {
	storage := newMemStorage()
	reconciler := newTestReconciler(storage)
	ctx := context.Background()

	// Один и тот же remote_key под двумя аккаунтами - две независимые сущности
	_, err := reconciler.ReconcilePage(ctx, makeRecords("main", 1), models.StrategyRemotePriority, 1)
	require.NoError(t, err)

	second := makeRecords("fbe", 1)
	second[0].Price = 777

	result, err := reconciler.ReconcilePage(ctx, second, models.StrategyRemotePriority, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created, "record under another account must be created, not updated")

	mainOffer, err := storage.GetOffer(ctx, "SKU-1", "main")
	require.NoError(t, err)
	require.NotNil(t, mainOffer)
	assert.Equal(t, 10.0, mainOffer.Price)

	fbeOffer, err := storage.GetOffer(ctx, "SKU-1", "fbe")
	require.NoError(t, err)
	require.NotNil(t, fbeOffer)
	assert.Equal(t, 777.0, fbeOffer.Price)
}

func TestReconcilePageManualFlagsConflict(t *testing.T) {
	storage := newMemStorage()
	reconciler := newTestReconciler(storage)
	ctx := context.Background()

	_, err := reconciler.ReconcilePage(ctx, makeRecords("main", 1), models.StrategyManual, 1)
	require.NoError(t, err)

	changed := makeRecords("main", 1)
	changed[0].Stock = 42

	result, err := reconciler.ReconcilePage(ctx, changed, models.StrategyManual, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	offer, err := storage.GetOffer(ctx, "SKU-1", "main")
	require.NoError(t, err)
	require.NotNil(t, offer)
	// Значения не применены, сущность помечена для ручного разбора
	assert.Equal(t, 1, offer.Stock)
	assert.Equal(t, models.OfferPending, offer.SyncStatus)
	assert.Contains(t, offer.SyncError, "stock")
}

func TestReconcilePageLocalPriorityKeepsValues(t *testing.T) {
	storage := newMemStorage()
	reconciler := newTestReconciler(storage)
	ctx := context.Background()

	_, err := reconciler.ReconcilePage(ctx, makeRecords("main", 1), models.StrategyRemotePriority, 1)
	require.NoError(t, err)

	before, err := storage.GetOffer(ctx, "SKU-1", "main")
	require.NoError(t, err)

	changed := makeRecords("main", 1)
	changed[0].Price = 1000

	result, err := reconciler.ReconcilePage(ctx, changed, models.StrategyLocalPriority, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	after, err := storage.GetOffer(ctx, "SKU-1", "main")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.Price, after.Price)
	// Метка синхронизации при этом обновляется
	assert.True(t, after.LastSyncedAt.After(before.LastSyncedAt) || after.LastSyncedAt.Equal(before.LastSyncedAt))
	assert.Equal(t, models.OfferSynced, after.SyncStatus)
}
