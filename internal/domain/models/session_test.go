package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOperationValid(t *testing.T) {
	assert.True(t, OperationProducts.Valid())
	assert.True(t, OperationOffers.Valid())
	assert.True(t, OperationOrders.Valid())
	assert.False(t, SyncOperation("invoices").Valid())
	assert.False(t, SyncOperation("").Valid())
}

func TestSyncStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
}

func TestTransitionHappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &SyncSession{Status: StatusPending}

	require.True(t, s.Transition(StatusRunning, now))
	assert.Equal(t, StatusRunning, s.Status)
	assert.Nil(t, s.CompletedAt)

	require.True(t, s.Transition(StatusCompleted, now))
	assert.Equal(t, StatusCompleted, s.Status)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, now, *s.CompletedAt)
}

func TestTransitionTerminalIsImmutable(t *testing.T) {
	now := time.Now()
	s := &SyncSession{Status: StatusPending}
	require.True(t, s.Transition(StatusRunning, now))
	require.True(t, s.Transition(StatusFailed, now))
	completedAt := *s.CompletedAt

	assert.False(t, s.Transition(StatusRunning, now.Add(time.Hour)))
	assert.False(t, s.Transition(StatusCompleted, now.Add(time.Hour)))
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, completedAt, *s.CompletedAt, "completed_at is written exactly once")
}

func TestTransitionPendingCannotComplete(t *testing.T) {
	s := &SyncSession{Status: StatusPending}
	assert.False(t, s.Transition(StatusCompleted, time.Now()))
	assert.False(t, s.Transition(StatusTimedOut, time.Now()))
	assert.Equal(t, StatusPending, s.Status)
}

func TestTransitionPendingCanFail(t *testing.T) {
	// Отказ до запуска: не удалось создать сессию в хранилище и т.п.
	s := &SyncSession{Status: StatusPending}
	require.True(t, s.Transition(StatusFailed, time.Now()))
	assert.Equal(t, StatusFailed, s.Status)
	assert.NotNil(t, s.CompletedAt)
}

func TestTransitionRunningTwiceRejected(t *testing.T) {
	s := &SyncSession{Status: StatusPending}
	require.True(t, s.Transition(StatusRunning, time.Now()))
	assert.False(t, s.Transition(StatusRunning, time.Now()))
}

func TestAddRecordError(t *testing.T) {
	s := &SyncSession{}
	s.AddRecordError("SKU-1", "price must be positive", 2)
	s.AddRecordError("SKU-2", "stock missing", 2)

	assert.Equal(t, 2, s.RecordsFailed)
	require.Len(t, s.Errors, 2)
	assert.Equal(t, RecordError{RemoteKey: "SKU-1", Message: "price must be positive", Page: 2}, s.Errors[0])
	assert.Equal(t, RecordError{RemoteKey: "SKU-2", Message: "stock missing", Page: 2}, s.Errors[1])
}
