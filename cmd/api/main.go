package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ioko18/magflow-erp-sub004/config"
	"github.com/ioko18/magflow-erp-sub004/internal/adapters/cache"
	"github.com/ioko18/magflow-erp-sub004/internal/adapters/logger"
	"github.com/ioko18/magflow-erp-sub004/internal/adapters/messaging"
	postgres "github.com/ioko18/magflow-erp-sub004/internal/adapters/storage"
	"github.com/ioko18/magflow-erp-sub004/internal/api"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/services"
	"github.com/ioko18/magflow-erp-sub004/internal/emag"
	"github.com/ioko18/magflow-erp-sub004/internal/emag/ratelimit"
	"github.com/ioko18/magflow-erp-sub004/internal/emag/retry"
	"github.com/ioko18/magflow-erp-sub004/internal/utils"
	"github.com/ioko18/magflow-erp-sub004/migrations"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
	"github.com/ioko18/magflow-erp-sub004/pkg/tx"
)

// метрики для Prometheus
var (
	gatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emag_gateway_requests_total",
		Help: "Общее количество запросов к шлюзу eMAG",
	}, []string{"class", "status"})

	gatewayDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emag_gateway_request_duration_seconds",
		Help:    "Длительность запросов к шлюзу eMAG",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	limiterUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emag_limiter_utilization",
		Help: "Пиковая загрузка минутного бюджета лимитера",
	})
)

// metricsObserver пробрасывает исходы запросов в трекер и метрики Prometheus
type metricsObserver struct {
	tracker *services.Tracker
	limiter *ratelimit.Limiter
}

func (m *metricsObserver) RecordRequest(class string, latency time.Duration, success bool) {
	m.tracker.RecordRequest(class, latency, success)

	status := "ok"
	if !success {
		status = "error"
	}
	gatewayRequests.WithLabelValues(class, status).Inc()
	gatewayDurations.WithLabelValues(class).Observe(latency.Seconds())
	limiterUtilization.Set(m.limiter.MaxUtilization())
}

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
	log.Info("Инициализация сервиса",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	postgresCon, err := utils.GenerateConnectionString(
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
		fmt.Printf("Ошибка инициализации строки подключения базы: %v\n", err)
		os.Exit(1)
	}

	db, err := postgres.NewSyncStorage(ctx, postgresCon)
	if err != nil {
		log.Fatal("Ошибка инициализации хранилища", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer db.Close()
	log.Info("Хранилище инициализировано")

	testCtx, testCancel := context.WithTimeout(ctx, 5*time.Second)
	defer testCancel()

	if err := db.Pool().Ping(testCtx); err != nil {
		log.Fatal("Ошибка подключения к PostgreSQL",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	log.Info("Соединение с PostgreSQL проверено")

	if err := migrations.Apply(ctx, db.Pool(), log); err != nil {
		log.Fatal("Ошибка применения миграций",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	log.Info("Схема базы данных актуальна")

	txManager := tx.NewManager(db.Pool(), log)

	cacheClient, err := cache.NewRedisCache(
		ctx,
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Fatal("Ошибка инициализации кэша", interfaces.LogField{Key: "error", Value: err.Error()})
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
		log.Fatal("Ошибка инициализации системы обмена сообщениями", interfaces.LogField{Key: "error", Value: err.Error()})
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
		Observer:     &metricsObserver{tracker: tracker, limiter: limiter},
		Logger:       log,
		Timeout:      cfg.Emag.Timeout,
		PageSize:     cfg.Emag.PageSize,
	})

	reconciler := services.NewReconciler(db, txManager, services.NewConflictResolver(), log)
	orchestrator := services.NewOrchestrator(db, gateway, reconciler, cacheClient, messagingClient, log, cfg.Sync.SessionTimeout)
	log.Info("Движок синхронизации инициализирован")

	router := api.SetupRouter(orchestrator, tracker, log, cfg.Security.CORSAllowOrigins)
	log.Info("Маршрутизатор настроен")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Сервер запущен", interfaces.LogField{Key: "address", Value: server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Ошибка запуска сервера", interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}()

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatal("Ошибка при graceful shutdown", interfaces.LogField{Key: "error", Value: err.Error()})
		}

		log.Info("HTTP сервер остановлен")

		// Дожидаемся фоновых сессий синхронизации
		orchestrator.Wait()
		log.Info("Фоновые сессии завершены")

		log.Info("Закрытие соединений с зависимостями...")

		if err := messagingClient.Close(); err != nil {
			log.Error("Ошибка при закрытии Kafka",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		if err := cacheClient.Close(); err != nil {
			log.Error("Ошибка при закрытии Redis",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		if err := db.Close(); err != nil {
			log.Error("Ошибка при закрытии БД",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		close(done)
	}()

	// Ожидаем завершения работы
	<-done
	log.Info("Сервер корректно завершил работу")
}
