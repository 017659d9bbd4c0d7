package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ioko18/magflow-erp-sub004/config"
	"github.com/ioko18/magflow-erp-sub004/internal/adapters/cache"
	"github.com/ioko18/magflow-erp-sub004/internal/adapters/logger"
	"github.com/ioko18/magflow-erp-sub004/internal/adapters/messaging"
	postgres "github.com/ioko18/magflow-erp-sub004/internal/adapters/storage"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/services"
	"github.com/ioko18/magflow-erp-sub004/internal/emag"
	"github.com/ioko18/magflow-erp-sub004/internal/emag/ratelimit"
	"github.com/ioko18/magflow-erp-sub004/internal/emag/retry"
	"github.com/ioko18/magflow-erp-sub004/internal/utils"
	pkgerrors "github.com/ioko18/magflow-erp-sub004/pkg/errors"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
	"github.com/ioko18/magflow-erp-sub004/pkg/tx"
)

// Метрики для Prometheus
var (
	requestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_sync_requests_total",
		Help: "Общее количество обработанных команд синхронизации",
	}, []string{"status"})

	requestProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_sync_request_duration_seconds",
		Help:    "Длительность выполнения команд синхронизации",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	stuckSessionsMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_stuck_sessions_marked_total",
		Help: "Количество зависших сессий, помеченных как failed",
	})
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	log.Info("Инициализация воркера",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName + "-worker"},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	// HTTP сервер для метрик и health-проверки
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("Запуск HTTP сервера для метрик",
			interfaces.LogField{Key: "addr", Value: addr})

		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("Ошибка запуска HTTP сервера для метрик",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}()

	connectionStr, err := utils.GenerateConnectionString(
		cfg.Postgres.Host,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
		cfg.Postgres.Port,
		cfg.Postgres.PoolSize,
		cfg.Postgres.Timeout,
	)
	if err != nil {
		log.Fatal("Ошибка генерации строки подключения к PostgreSQL",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	db, err := postgres.NewSyncStorage(ctx, connectionStr)
	if err != nil {
		log.Fatal("Ошибка инициализации хранилища",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer db.Close()
	log.Info("Хранилище инициализировано")

	txManager := tx.NewManager(db.Pool(), log)

	cacheClient, err := cache.NewRedisCache(
		ctx,
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Fatal("Ошибка инициализации кэша",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer cacheClient.Close()
	log.Info("Кэш инициализирован")

	messagingClient, err := messaging.NewKafkaMessaging(
		cfg.Kafka.Brokers,
		cfg.Kafka.GroupID,
		cfg.Kafka.DeadLetterTopic,
		log,
	)
	if err != nil {
		log.Fatal("Ошибка инициализации системы обмена сообщениями",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer messagingClient.Close()
	log.Info("Система обмена сообщениями инициализирована")

	limiter := ratelimit.NewLimiter(map[ratelimit.ResourceClass]ratelimit.Budget{
		ratelimit.ClassOrders: {PerSecond: cfg.RateLimit.OrdersPerSecond, PerMinute: cfg.RateLimit.OrdersPerMinute},
		ratelimit.ClassOther:  {PerSecond: cfg.RateLimit.OtherPerSecond, PerMinute: cfg.RateLimit.OtherPerMinute},
	})

	tracker := services.NewTracker(db, limiter, log, services.TrackerOptions{
		Window:      cfg.Health.Window,
		StatsWindow: cfg.Sync.StatsWindow,
		Thresholds: services.HealthThresholds{
			MaxErrorRate:   cfg.Health.MaxErrorRate,
			MaxAvgLatency:  cfg.Health.MaxAvgLatency,
			MaxUtilization: cfg.Health.MaxUtilization,
		},
	})

	accounts := make(map[string]emag.Credentials, len(cfg.Emag.Accounts))
	for name, acc := range cfg.Emag.Accounts {
		accounts[name] = emag.Credentials{Username: acc.Username, Password: acc.Password}
	}

	gateway := emag.NewClient(emag.ClientOptions{
		BaseURL:      cfg.Emag.BaseURL,
		Accounts:     accounts,
		Limiter:      limiter,
		OrderRetrier: retry.NewRetrier(cfg.Retry.Orders.MaxRetries, cfg.Retry.Orders.BaseDelay, cfg.Retry.Orders.MaxDelay),
		BulkRetrier:  retry.NewRetrier(cfg.Retry.Bulk.MaxRetries, cfg.Retry.Bulk.BaseDelay, cfg.Retry.Bulk.MaxDelay),
		Observer:     tracker,
		Logger:       log,
		Timeout:      cfg.Emag.Timeout,
		PageSize:     cfg.Emag.PageSize,
	})

	reconciler := services.NewReconciler(db, txManager, services.NewConflictResolver(), log)
	orchestrator := services.NewOrchestrator(db, gateway, reconciler, cacheClient, messagingClient, log, cfg.Sync.SessionTimeout)
	log.Info("Движок синхронизации инициализирован")

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	subscribeToSyncRequests(ctx, messagingClient, orchestrator, log, &wg)
	startCleanupLoop(ctx, orchestrator, cfg.Sync.CleanupInterval, cfg.Sync.SessionTimeout, log, &wg)

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")
		cancel()
		wg.Wait()
		orchestrator.Wait()
		close(done)
	}()

	log.Info("Воркер запущен и готов к обработке команд")
	<-done
	log.Info("Воркер корректно завершил работу")
}

// Подписка на команды синхронизации
func subscribeToSyncRequests(ctx context.Context, messagingClient interfaces.MessagingPort,
	orchestrator services.OrchestratorInterface,
	logger interfaces.LoggerPort, wg *sync.WaitGroup) {

	requestHandler := func(ctx context.Context, msg *interfaces.Message) error {
		startTime := time.Now()

		logger.InfoWithContext(ctx, "Получена команда синхронизации",
			interfaces.LogField{Key: "message_id", Value: msg.ID},
			interfaces.LogField{Key: "topic", Value: msg.Topic},
		)

		var request messaging.SyncRequest
		if err := json.Unmarshal(msg.Value, &request); err != nil {
			logger.ErrorWithContext(ctx, "Ошибка декодирования команды",
				interfaces.LogField{Key: "error", Value: err.Error()})
			requestsProcessed.WithLabelValues("error").Inc()
			return err
		}

		// Команда выполняется синхронно: следующая команда из партиции
		// не начнется, пока эта сессия не завершится
		session, err := orchestrator.StartSync(ctx, request.Account, models.SyncOperation(request.Operation), services.SyncOptions{
			Strategy: models.ConflictStrategy(request.Strategy),
			MaxPages: request.MaxPages,
		})
		if err != nil {
			// Повторная доставка команды для уже идущей сессии не ошибка обработки
			if errors.Is(err, pkgerrors.ErrSyncAlreadyRunning) {
				logger.WarnWithContext(ctx, "Синхронизация уже выполняется, команда пропущена",
					interfaces.LogField{Key: "account", Value: request.Account},
					interfaces.LogField{Key: "operation", Value: request.Operation},
				)
				requestsProcessed.WithLabelValues("skipped").Inc()
				return nil
			}
			logger.ErrorWithContext(ctx, "Ошибка выполнения команды синхронизации",
				interfaces.LogField{Key: "error", Value: err.Error()})
			requestsProcessed.WithLabelValues("error").Inc()
			return err
		}

		duration := time.Since(startTime).Seconds()
		requestProcessingDuration.WithLabelValues(request.Operation).Observe(duration)
		requestsProcessed.WithLabelValues("success").Inc()

		logger.InfoWithContext(ctx, "Команда синхронизации выполнена",
			interfaces.LogField{Key: "session_id", Value: session.ID},
			interfaces.LogField{Key: "status", Value: string(session.Status)},
			interfaces.LogField{Key: "duration", Value: duration},
		)

		return nil
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		unsubscribe, err := messagingClient.Subscribe(ctx, messaging.TopicSyncRequests, requestHandler)
		if err != nil {
			logger.Error("Ошибка подписки на команды синхронизации",
				interfaces.LogField{Key: "error", Value: err.Error()})
			return
		}
		defer unsubscribe()

		logger.Info("Подписка на команды синхронизации установлена")

		<-ctx.Done()
		logger.Info("Отмена подписки на команды синхронизации")
	}()
}

// Периодическая пометка зависших сессий
func startCleanupLoop(ctx context.Context, orchestrator services.OrchestratorInterface,
	interval, olderThan time.Duration,
	logger interfaces.LoggerPort, wg *sync.WaitGroup) {

	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := orchestrator.Cleanup(ctx, olderThan)
				if err != nil {
					logger.Error("Ошибка пометки зависших сессий",
						interfaces.LogField{Key: "error", Value: err.Error()})
					continue
				}
				if count > 0 {
					stuckSessionsMarked.Add(float64(count))
				}
			}
		}
	}()
}
