package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
)

type fixedUtilization float64

func (f fixedUtilization) MaxUtilization() float64 { return float64(f) }

func newTestTracker(storage *memStorage, util float64) *Tracker {
	return NewTracker(storage, fixedUtilization(util), nopLogger{}, TrackerOptions{})
}

func TestHealthEmptyWindow(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.1)

	report := tracker.Health()

	// Отсутствие трафика - не деградация
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, 100, report.Score)
	assert.Zero(t, report.WindowRequests)
	assert.Zero(t, report.ErrorRate)
}

func TestHealthErrorRateThreshold(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.1)

	for i := 0; i < 90; i++ {
		tracker.RecordRequest("other", 100*time.Millisecond, true)
	}
	for i := 0; i < 10; i++ {
		tracker.RecordRequest("other", 100*time.Millisecond, false)
	}

	report := tracker.Health()
	assert.NotEqual(t, HealthHealthy, report.Status)
	assert.Less(t, report.Score, 100)
	assert.InDelta(t, 0.1, report.ErrorRate, 0.001)
	require.NotEmpty(t, report.Reasons)
	assert.Contains(t, report.Reasons[0], "error rate")
}

func TestHealthLatencyThreshold(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.1)

	for i := 0; i < 10; i++ {
		tracker.RecordRequest("orders", 3*time.Second, true)
	}

	report := tracker.Health()
	assert.NotEqual(t, HealthHealthy, report.Status)
	assert.Greater(t, report.AvgLatencyMs, 2000.0)
}

func TestHealthUtilizationThreshold(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.95)

	tracker.RecordRequest("orders", 10*time.Millisecond, true)

	report := tracker.Health()
	assert.NotEqual(t, HealthHealthy, report.Status)
	assert.InDelta(t, 0.95, report.LimiterUtilization, 0.001)
}

func TestHealthWarningOnMildDegradation(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.1)

	// 6% ошибок при пороге 5%: один слегка пробитый порог
	for i := 0; i < 94; i++ {
		tracker.RecordRequest("other", 100*time.Millisecond, true)
	}
	for i := 0; i < 6; i++ {
		tracker.RecordRequest("other", 100*time.Millisecond, false)
	}

	report := tracker.Health()
	assert.Equal(t, HealthWarning, report.Status)
	assert.Less(t, report.Score, 100)
	assert.GreaterOrEqual(t, report.Score, healthErrorFloor)
	assert.Len(t, report.Reasons, 1)
}

func TestHealthErrorOnSevereDegradation(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.99)

	// Все запросы падают с десятикратным превышением задержки
	for i := 0; i < 20; i++ {
		tracker.RecordRequest("other", 10*time.Second, false)
	}

	report := tracker.Health()
	assert.Equal(t, HealthError, report.Status)
	assert.Less(t, report.Score, healthErrorFloor)
	assert.Len(t, report.Reasons, 3)
}

func TestHealthScoreSeparatesTiers(t *testing.T) {
	mild := newTestTracker(newMemStorage(), 0.1)
	for i := 0; i < 94; i++ {
		mild.RecordRequest("other", 100*time.Millisecond, true)
	}
	for i := 0; i < 6; i++ {
		mild.RecordRequest("other", 100*time.Millisecond, false)
	}

	severe := newTestTracker(newMemStorage(), 0.99)
	for i := 0; i < 20; i++ {
		severe.RecordRequest("other", 10*time.Second, false)
	}

	assert.Greater(t, mild.Health().Score, severe.Health().Score)
}

func TestHealthWindowTrimsOldSamples(t *testing.T) {
	tracker := newTestTracker(newMemStorage(), 0.1)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	tracker.now = func() time.Time { return current }

	// Всплеск ошибок, который должен выпасть из окна
	for i := 0; i < 20; i++ {
		tracker.RecordRequest("other", 100*time.Millisecond, false)
	}
	report := tracker.Health()
	assert.NotEqual(t, HealthHealthy, report.Status)

	current = base.Add(10 * time.Minute)
	tracker.RecordRequest("other", 100*time.Millisecond, true)

	report = tracker.Health()
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, 1, report.WindowRequests)
}

func TestStatsMemoized(t *testing.T) {
	storage := newMemStorage()
	require.NoError(t, storage.CreateSession(context.Background(), &models.SyncSession{
		ID:           "s1",
		Account:      "main",
		Operation:    models.OperationOffers,
		Status:       models.StatusCompleted,
		RecordsTotal: 42,
	}))
	tracker := newTestTracker(storage, 0.1)

	first, err := tracker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, first.RecordsProcessed)
	assert.Equal(t, 1, first.SessionsByStatus["completed"])

	// Повторный опрос в пределах TTL не ходит в хранилище
	second, err := tracker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, storage.statsCalls)
}
