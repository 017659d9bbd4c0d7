package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/ioko18/magflow-erp-sub004/internal/api/handlers"
	"github.com/ioko18/magflow-erp-sub004/internal/api/middleware"
	"github.com/ioko18/magflow-erp-sub004/internal/domain/services"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// SetupRouter настраивает маршрутизатор
func SetupRouter(
	orchestrator services.OrchestratorInterface,
	tracker services.TrackerInterface,
	logger interfaces.LoggerPort,
	corsAllowedOrigins []string,
) *chi.Mux {
	r := chi.NewRouter()

	// Глобальные middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.CORS(corsAllowedOrigins))

	syncHandler := handlers.NewSyncHandler(orchestrator, tracker, logger)

	r.Method(http.MethodGet, "/health", http.HandlerFunc(syncHandler.HealthCheck))
	r.Method(http.MethodHead, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Маршруты движка синхронизации
		r.Route("/sync", func(r chi.Router) {
			// Запуск сессии синхронизации
			r.Post("/", syncHandler.StartSync)

			// Агрегированная статистика сессий
			r.Get("/stats", syncHandler.GetStats)

			// Пометка зависших сессий
			r.Post("/cleanup", syncHandler.Cleanup)

			// Операции с конкретной сессией
			r.Route("/{id}", func(r chi.Router) {
				// Получение сессии по ID
				r.Get("/", syncHandler.GetSession)

				// Живой снимок прогресса
				r.Get("/progress", syncHandler.GetProgress)
			})
		})
	})

	return r
}
