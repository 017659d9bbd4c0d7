package tx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// txKey - ключ для хранения транзакции в контексте. Используем приватный тип, чтобы избежать коллизий.
type txKeyType struct{}

var txKey = txKeyType{}

// Manager управляет жизненным циклом транзакций БД.
type Manager interface {
	// Do выполняет переданную функцию `fn` внутри транзакции.
	// Если `fn` возвращает ошибку, транзакция откатывается (Rollback).
	// Если `fn` завершается успешно (возвращает nil), транзакция фиксируется (Commit).
	// Контекст, передаваемый в `fn`, будет содержать саму транзакцию.
	Do(ctx context.Context, fn func(ctx context.Context) error) error

	// DoNested выполняет `fn` во вложенной транзакции (savepoint) внутри
	// уже открытой транзакции из контекста. Ошибка `fn` откатывает только
	// savepoint: внешняя транзакция остается чистой и продолжает работу.
	// Это несущее свойство изоляции записей: одна битая запись не должна
	// уронить всю страницу.
	DoNested(ctx context.Context, fn func(ctx context.Context) error) error
}

// pgxManager - реализация Manager для pgx.
type pgxManager struct {
	pool   *pgxpool.Pool
	logger interfaces.LoggerPort
}

// NewManager создает новый менеджер транзакций.
func NewManager(pool *pgxpool.Pool, logger interfaces.LoggerPort) Manager {
	return &pgxManager{pool: pool, logger: logger}
}

// Do реализует метод интерфейса Manager.
func (m *pgxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx.Begin failed: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey, tx)

	// Rollback в defer нужен для случаев паники или ошибки при Commit;
	// если транзакция уже завершена, он вернет безобидную ошибку.
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(txCtx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			m.logger.Warn("Откат транзакции после ошибки не удался",
				interfaces.LogField{Key: "rollback_error", Value: rollbackErr.Error()},
				interfaces.LogField{Key: "original_error", Value: err.Error()},
			)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx.Commit failed: %w", err)
	}
	return nil
}

// DoNested реализует метод интерфейса Manager.
// pgx реализует вложенный Begin поверх SAVEPOINT, поэтому откат затрагивает
// только работу, сделанную внутри `fn`.
func (m *pgxManager) DoNested(ctx context.Context, fn func(ctx context.Context) error) error {
	outer, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("tx.DoNested: no outer transaction in context")
	}

	nested, err := outer.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx.Begin (savepoint) failed: %w", err)
	}

	nestedCtx := context.WithValue(ctx, txKey, nested)

	if err := fn(nestedCtx); err != nil {
		if rollbackErr := nested.Rollback(ctx); rollbackErr != nil {
			m.logger.Warn("Откат savepoint после ошибки не удался",
				interfaces.LogField{Key: "rollback_error", Value: rollbackErr.Error()},
				interfaces.LogField{Key: "original_error", Value: err.Error()},
			)
		}
		return err
	}

	if err := nested.Commit(ctx); err != nil {
		return fmt.Errorf("tx.Commit (savepoint) failed: %w", err)
	}
	return nil
}

// FromContext извлекает транзакцию из контекста.
// Используется хранилищем, чтобы выполнять запросы в рамках открытой
// транзакции, когда она есть.
func FromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}
