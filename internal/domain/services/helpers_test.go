package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/internal/emag"
	"github.com/ioko18/magflow-erp-sub004/pkg/errors"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// nopLogger - логгер-заглушка для тестов
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                            {}
func (nopLogger) Info(string, ...interface{})                             {}
func (nopLogger) Warn(string, ...interface{})                             {}
func (nopLogger) Error(string, ...interface{})                            {}
func (nopLogger) Fatal(string, ...interface{})                            {}
func (nopLogger) DebugWithContext(context.Context, string, ...interface{}) {}
func (nopLogger) InfoWithContext(context.Context, string, ...interface{})  {}
func (nopLogger) WarnWithContext(context.Context, string, ...interface{})  {}
func (nopLogger) ErrorWithContext(context.Context, string, ...interface{}) {}
func (n nopLogger) WithFields(...interfaces.LogField) interfaces.LoggerPort { return n }
func (n nopLogger) WithField(string, interface{}) interfaces.LoggerPort     { return n }
func (n nopLogger) WithSession(string) interfaces.LoggerPort                { return n }
func (nopLogger) Sync() error                                               { return nil }

// memStorage - хранилище в памяти с теми же контрактами, что у PostgreSQL
// реализации: поиск сущностей строго по паре (remote_key, account),
// прогресс - одна строка на сессию.
type memStorage struct {
	mu       sync.Mutex
	sessions map[string]*models.SyncSession
	progress map[string]*models.SyncProgress
	offers   map[string]*models.MarketplaceOffer

	failSaveKeys map[string]bool // SaveOffer для этих remote_key возвращает ошибку
	statsCalls   int
}

func newMemStorage() *memStorage {
	return &memStorage{
		sessions:     make(map[string]*models.SyncSession),
		progress:     make(map[string]*models.SyncProgress),
		offers:       make(map[string]*models.MarketplaceOffer),
		failSaveKeys: make(map[string]bool),
	}
}

func offerKey(remoteKey, account string) string {
	return remoteKey + "/" + account
}

func (m *memStorage) CreateSession(_ context.Context, s *models.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStorage) UpdateSession(_ context.Context, s *models.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.ID]; ok && existing.Status.Terminal() {
		return nil
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStorage) GetSession(_ context.Context, id string) (*models.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStorage) HasRunningSession(_ context.Context, account string, op models.SyncOperation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Account == account && s.Operation == op && !s.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStorage) MarkStuckSessionsFailed(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, s := range m.sessions {
		if s.Status == models.StatusRunning && s.StartedAt.Before(cutoff) {
			s.Status = models.StatusFailed
			now := time.Now()
			s.CompletedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *memStorage) SessionStats(_ context.Context, window time.Duration) (*models.SyncStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsCalls++
	stats := &models.SyncStats{Window: window, SessionsByStatus: make(map[string]int)}
	for _, s := range m.sessions {
		stats.SessionsByStatus[string(s.Status)]++
		stats.RecordsProcessed += s.RecordsTotal
		stats.RecordsFailed += s.RecordsFailed
	}
	return stats, nil
}

func (m *memStorage) UpsertProgress(_ context.Context, p *models.SyncProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.progress[p.SessionID] = &cp
	return nil
}

func (m *memStorage) GetProgress(_ context.Context, sessionID string) (*models.SyncProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStorage) GetOffer(_ context.Context, remoteKey, account string) (*models.MarketplaceOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerKey(remoteKey, account)]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStorage) SaveOffer(_ context.Context, o *models.MarketplaceOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveKeys[o.RemoteKey] {
		return fmt.Errorf("storage failure injected for %s", o.RemoteKey)
	}
	cp := *o
	m.offers[offerKey(o.RemoteKey, o.Account)] = &cp
	return nil
}

// snapshotOffers возвращает копию состояния сущностей для отката
func (m *memStorage) snapshotOffers() map[string]*models.MarketplaceOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]*models.MarketplaceOffer, len(m.offers))
	for k, v := range m.offers {
		cp := *v
		snap[k] = &cp
	}
	return snap
}

func (m *memStorage) restoreOffers(snap map[string]*models.MarketplaceOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = snap
}

// memTxManager имитирует транзакции поверх memStorage: снимок состояния
// при входе, восстановление при ошибке. Вложенный уровень ведет себя
// как savepoint - откатывает только свою работу.
type memTxManager struct {
	storage *memStorage
}

func (m *memTxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := m.storage.snapshotOffers()
	if err := fn(ctx); err != nil {
		m.storage.restoreOffers(snap)
		return err
	}
	return nil
}

func (m *memTxManager) DoNested(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := m.storage.snapshotOffers()
	if err := fn(ctx); err != nil {
		m.storage.restoreOffers(snap)
		return err
	}
	return nil
}

// memCache - кэш в памяти для тестов
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, errors.ErrCacheMiss
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) DeleteByPattern(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string][]byte)
	return nil
}

func (c *memCache) Close() error { return nil }

// memMessaging записывает опубликованные события
type memMessaging struct {
	mu        sync.Mutex
	published []publishedMessage
}

type publishedMessage struct {
	topic   string
	payload []byte
}

func (m *memMessaging) Publish(_ context.Context, topic string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{topic: topic, payload: message})
	return nil
}

func (m *memMessaging) Subscribe(context.Context, string, interfaces.MessageHandler) (func() error, error) {
	return func() error { return nil }, nil
}

func (m *memMessaging) Close() error { return nil }

func (m *memMessaging) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.published))
	for _, p := range m.published {
		out = append(out, p.topic)
	}
	return out
}

// fakeGateway отдает заранее подготовленные страницы
type fakeGateway struct {
	pages   []*emag.Page
	fetchFn func(ctx context.Context, account string, op models.SyncOperation, page int) (*emag.Page, error)
}

func (g *fakeGateway) FetchPage(ctx context.Context, account string, op models.SyncOperation, page int) (*emag.Page, error) {
	if g.fetchFn != nil {
		return g.fetchFn(ctx, account, op, page)
	}
	if page < 1 || page > len(g.pages) {
		return nil, fmt.Errorf("page %d out of range", page)
	}
	return g.pages[page-1], nil
}

func (g *fakeGateway) PushRecord(context.Context, string, models.SyncOperation, json.RawMessage) error {
	return nil
}
