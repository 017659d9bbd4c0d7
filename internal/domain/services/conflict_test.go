package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
)

func baseRemote() models.RemoteRecord {
	return models.RemoteRecord{
		RemoteKey:  "SKU-1",
		Account:    "main",
		Name:       "Widget",
		Price:      10.5,
		Stock:      3,
		Payload:    json.RawMessage(`{"color":"red"}`),
		ModifiedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func baseLocal() *models.MarketplaceOffer {
	return &models.MarketplaceOffer{
		ID:           "local-1",
		RemoteKey:    "SKU-1",
		Account:      "main",
		Name:         "Widget",
		Price:        10.5,
		Stock:        3,
		Payload:      json.RawMessage(`{"color":"red"}`),
		LastSyncedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestResolveCreation(t *testing.T) {
	resolver := NewConflictResolver()

	decision, err := resolver.Resolve(baseRemote(), nil, models.StrategyManual)
	require.NoError(t, err)

	assert.Equal(t, models.ActionApplyRemote, decision.Action)
	assert.Empty(t, decision.ConflictingFields)
}

func TestResolveNoDifferences(t *testing.T) {
	resolver := NewConflictResolver()

	for _, strategy := range []models.ConflictStrategy{
		models.StrategyRemotePriority,
		models.StrategyLocalPriority,
		models.StrategyNewestWins,
		models.StrategyManual,
	} {
		decision, err := resolver.Resolve(baseRemote(), baseLocal(), strategy)
		require.NoError(t, err)
		assert.Equal(t, models.ActionKeepLocal, decision.Action, "strategy %s", strategy)
		assert.Empty(t, decision.ConflictingFields, "strategy %s", strategy)
	}
}

func TestResolveRemotePriority(t *testing.T) {
	resolver := NewConflictResolver()
	remote := baseRemote()
	remote.Price = 12.0
	remote.Stock = 7

	decision, err := resolver.Resolve(remote, baseLocal(), models.StrategyRemotePriority)
	require.NoError(t, err)

	assert.Equal(t, models.ActionApplyRemote, decision.Action)
	assert.ElementsMatch(t, []string{"price", "stock"}, decision.ConflictingFields)
}

func TestResolveLocalPriority(t *testing.T) {
	resolver := NewConflictResolver()
	remote := baseRemote()
	remote.Name = "Widget v2"

	decision, err := resolver.Resolve(remote, baseLocal(), models.StrategyLocalPriority)
	require.NoError(t, err)

	assert.Equal(t, models.ActionKeepLocal, decision.Action)
	assert.Equal(t, []string{"name"}, decision.ConflictingFields)
}

func TestResolveNewestWins(t *testing.T) {
	resolver := NewConflictResolver()

	t.Run("удаленная запись новее", func(t *testing.T) {
		remote := baseRemote()
		remote.Price = 99.0
		local := baseLocal()
		local.LastSyncedAt = remote.ModifiedAt.Add(-time.Hour)

		decision, err := resolver.Resolve(remote, local, models.StrategyNewestWins)
		require.NoError(t, err)
		assert.Equal(t, models.ActionApplyRemote, decision.Action)
	})

	t.Run("локальная сущность новее", func(t *testing.T) {
		remote := baseRemote()
		remote.Price = 99.0
		local := baseLocal()
		local.LastSyncedAt = remote.ModifiedAt.Add(time.Hour)

		decision, err := resolver.Resolve(remote, local, models.StrategyNewestWins)
		require.NoError(t, err)
		assert.Equal(t, models.ActionKeepLocal, decision.Action)
	})

	t.Run("при равенстве побеждает удаленная", func(t *testing.T) {
		remote := baseRemote()
		remote.Price = 99.0
		local := baseLocal()
		local.LastSyncedAt = remote.ModifiedAt

		decision, err := resolver.Resolve(remote, local, models.StrategyNewestWins)
		require.NoError(t, err)
		assert.Equal(t, models.ActionApplyRemote, decision.Action)
	})
}

func TestResolveManual(t *testing.T) {
	resolver := NewConflictResolver()
	remote := baseRemote()
	remote.Payload = json.RawMessage(`{"color":"blue"}`)

	decision, err := resolver.Resolve(remote, baseLocal(), models.StrategyManual)
	require.NoError(t, err)

	assert.Equal(t, models.ActionFlagManual, decision.Action)
	assert.Equal(t, []string{"payload"}, decision.ConflictingFields)
}

func TestResolveInvalidStrategy(t *testing.T) {
	resolver := NewConflictResolver()

	_, err := resolver.Resolve(baseRemote(), baseLocal(), models.ConflictStrategy("whatever"))
	assert.Error(t, err)
}
