package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	postgres "github.com/ioko18/magflow-erp-sub004/internal/adapters/storage"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

const statsCacheKey = "sync:stats"

// TrackerInterface определяет контракт трекера для HTTP слоя
type TrackerInterface interface {
	Health() HealthReport
	Stats(ctx context.Context) (*models.SyncStats, error)
}

// utilizationSource отдает пиковую загрузку лимитера по всем классам ресурсов
type utilizationSource interface {
	MaxUtilization() float64
}

// HealthThresholds - пороги деградации движка синхронизации
type HealthThresholds struct {
	MaxErrorRate   float64       // доля неуспешных запросов, 0..1
	MaxAvgLatency  time.Duration // средняя длительность запроса к шлюзу
	MaxUtilization float64       // загрузка лимитера, 0..1
}

// HealthStatus - трехзначный статус здоровья движка
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// Граница между warning и error по шкале score
const healthErrorFloor = 60

// HealthReport - снимок здоровья движка на момент опроса.
// Score - шкала 0-100: каждый пробитый порог снимает от 10 до 35 очков
// пропорционально превышению, так что легкая деградация и полный отказ
// различимы не только списком причин.
type HealthReport struct {
	Status             HealthStatus `json:"status"`
	Score              int          `json:"score"`
	Reasons            []string     `json:"reasons,omitempty"`
	ErrorRate          float64      `json:"error_rate"`
	AvgLatencyMs       float64      `json:"avg_latency_ms"`
	LimiterUtilization float64      `json:"limiter_utilization"`
	WindowRequests     int          `json:"window_requests"`
}

type requestSample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// TrackerOptions - настройки трекера
type TrackerOptions struct {
	Window      time.Duration // окно наблюдения за запросами к шлюзу
	StatsTTL    time.Duration // время жизни кэшированной статистики сессий
	StatsWindow time.Duration // окно агрегации статистики сессий
	Thresholds  HealthThresholds
}

// Tracker наблюдает за запросами к шлюзу eMAG и считает здоровье движка.
// Реализует emag.RequestObserver: клиент отчитывается о каждой попытке запроса.
type Tracker struct {
	storage   postgres.SyncStorageInterface
	limiter   utilizationSource
	logger    interfaces.LoggerPort
	opts      TrackerOptions
	stats     *gocache.Cache
	now       func() time.Time

	mu      sync.Mutex
	samples []requestSample
}

// NewTracker создает трекер прогресса и здоровья
func NewTracker(storage postgres.SyncStorageInterface, limiter utilizationSource, logger interfaces.LoggerPort, opts TrackerOptions) *Tracker {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = 5 * time.Second
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 24 * time.Hour
	}
	if opts.Thresholds.MaxErrorRate <= 0 {
		opts.Thresholds.MaxErrorRate = 0.05
	}
	if opts.Thresholds.MaxAvgLatency <= 0 {
		opts.Thresholds.MaxAvgLatency = 2 * time.Second
	}
	if opts.Thresholds.MaxUtilization <= 0 {
		opts.Thresholds.MaxUtilization = 0.8
	}
	return &Tracker{
		storage: storage,
		limiter: limiter,
		logger:  logger,
		opts:    opts,
		stats:   gocache.New(opts.StatsTTL, time.Minute),
		now:     time.Now,
	}
}

// RecordRequest фиксирует одну попытку запроса к шлюзу.
// Вызывается клиентом на каждую попытку, включая повторы.
func (t *Tracker) RecordRequest(class string, latency time.Duration, success bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, requestSample{at: now, latency: latency, success: success})
	t.trimLocked(now)
}

// Health возвращает снимок здоровья движка.
// Пустое окно наблюдения считается здоровым: отсутствие трафика не деградация.
func (t *Tracker) Health() HealthReport {
	now := t.now()

	t.mu.Lock()
	t.trimLocked(now)
	var failed int
	var totalLatency time.Duration
	total := len(t.samples)
	for _, s := range t.samples {
		if !s.success {
			failed++
		}
		totalLatency += s.latency
	}
	t.mu.Unlock()

	report := HealthReport{
		Status:         HealthHealthy,
		Score:          100,
		WindowRequests: total,
	}
	if t.limiter != nil {
		report.LimiterUtilization = t.limiter.MaxUtilization()
	}
	if total > 0 {
		report.ErrorRate = float64(failed) / float64(total)
		report.AvgLatencyMs = float64(totalLatency.Milliseconds()) / float64(total)
	}

	maxLatencyMs := float64(t.opts.Thresholds.MaxAvgLatency.Milliseconds())
	if report.ErrorRate > t.opts.Thresholds.MaxErrorRate {
		report.Score -= breachPenalty(report.ErrorRate, t.opts.Thresholds.MaxErrorRate)
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", report.ErrorRate*100, t.opts.Thresholds.MaxErrorRate*100))
	}
	if total > 0 && report.AvgLatencyMs > maxLatencyMs {
		report.Score -= breachPenalty(report.AvgLatencyMs, maxLatencyMs)
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("avg latency %.0fms exceeds %dms", report.AvgLatencyMs, t.opts.Thresholds.MaxAvgLatency.Milliseconds()))
	}
	if report.LimiterUtilization > t.opts.Thresholds.MaxUtilization {
		report.Score -= breachPenalty(report.LimiterUtilization, t.opts.Thresholds.MaxUtilization)
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("limiter utilization %.0f%% exceeds %.0f%%", report.LimiterUtilization*100, t.opts.Thresholds.MaxUtilization*100))
	}

	if report.Score < 0 {
		report.Score = 0
	}
	switch {
	case len(report.Reasons) == 0:
		report.Status = HealthHealthy
	case report.Score >= healthErrorFloor:
		report.Status = HealthWarning
	default:
		report.Status = HealthError
	}

	return report
}

// breachPenalty возвращает штраф 10-35 очков за пробитый порог,
// пропорционально превышению (двукратное и выше дает максимум).
func breachPenalty(observed, limit float64) int {
	over := (observed - limit) / limit
	if over > 1 {
		over = 1
	}
	return 10 + int(25*over)
}

// Stats возвращает агрегированную статистику сессий.
// Результат мемоизируется на StatsTTL: частые опросы эндпоинта статистики
// не превращаются в частые агрегирующие запросы к базе.
func (t *Tracker) Stats(ctx context.Context) (*models.SyncStats, error) {
	if cached, ok := t.stats.Get(statsCacheKey); ok {
		return cached.(*models.SyncStats), nil
	}

	stats, err := t.storage.SessionStats(ctx, t.opts.StatsWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load session stats: %w", err)
	}

	t.stats.Set(statsCacheKey, stats, gocache.DefaultExpiration)
	return stats, nil
}

// trimLocked выбрасывает замеры старше окна наблюдения. Вызывать под мьютексом.
func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.opts.Window)
	i := 0
	for ; i < len(t.samples); i++ {
		if t.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}
