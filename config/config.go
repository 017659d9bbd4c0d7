package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EmagAccount - учетные данные одного аккаунта продавца eMAG
type EmagAccount struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config содержит все настройки сервиса
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string

	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
	}

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int // размер пула соединений
	}

	Redis struct {
		Host     string
		Port     int
		Password string
		DB       int
	}

	Kafka struct {
		Brokers         []string `mapstructure:"brokers"`
		GroupID         string   `mapstructure:"group_id"`
		DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	}

	Emag struct {
		BaseURL  string                 `mapstructure:"base_url"`
		Timeout  time.Duration          `mapstructure:"timeout"`
		PageSize int                    `mapstructure:"page_size"`
		Accounts map[string]EmagAccount `mapstructure:"accounts"`
	}

	RateLimit struct {
		OrdersPerSecond int // бюджет класса заказов
		OrdersPerMinute int
		OtherPerSecond  int // бюджет всех остальных ресурсов
		OtherPerMinute  int
	}

	Retry struct {
		Orders struct {
			MaxRetries int
			BaseDelay  time.Duration
			MaxDelay   time.Duration
		}
		Bulk struct {
			MaxRetries int
			BaseDelay  time.Duration
			MaxDelay   time.Duration
		}
	}

	Sync struct {
		SessionTimeout  time.Duration // жесткий потолок длительности сессии
		CleanupInterval time.Duration // период пометки зависших сессий воркером
		StatsWindow     time.Duration // окно агрегации статистики
	}

	Health struct {
		Window         time.Duration // окно наблюдения за запросами к шлюзу
		MaxErrorRate   float64
		MaxAvgLatency  time.Duration
		MaxUtilization float64
	}

	Security struct {
		CORSAllowOrigins []string
	}
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	var cfg Config

	// Настройка Viper
	viper.SetConfigName(configFile)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("../config")
	viper.AddConfigPath("../../config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Чтение конфигурационного файла
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
		// Продолжаем, если файл не найден, будем использовать только переменные окружения
	}

	// Установка значений по умолчанию
	setDefaults()

	// Привязка переменных окружения
	bindEnvVariables()

	// Чтение конфигурации в структуру
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации конфигурации: %w", err)
	}

	// Получаем окружение
	cfg.ENV = viper.GetString("env")
	if cfg.ENV == "" {
		cfg.ENV = "development"
		if envVar := os.Getenv("APP_ENV"); envVar != "" {
			cfg.ENV = envVar
		}
	}

	return &cfg, nil
}

// setDefaults устанавливает значения по умолчанию
func setDefaults() {
	// Основные настройки
	viper.SetDefault("appName", "emag-sync-service")
	viper.SetDefault("version", "1.0.0")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("env", "development")

	// Настройки сервера
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", "10s")
	viper.SetDefault("server.writeTimeout", "10s")
	viper.SetDefault("server.shutdownTimeout", "5s")

	// Настройки Postgres
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.dbname", "postgres")
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("postgres.timeout", "5s")
	viper.SetDefault("postgres.poolSize", 10)

	// Настройки Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Настройки Kafka
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "emag-sync-service")
	viper.SetDefault("kafka.dead_letter_topic", "sync.dead-letter")

	// Настройки шлюза eMAG
	viper.SetDefault("emag.base_url", "https://marketplace-api.emag.ro/api-3")
	viper.SetDefault("emag.timeout", "30s")
	viper.SetDefault("emag.page_size", 100)

	// Бюджеты лимитера: заказы 12 запросов в секунду и 720 в минуту,
	// остальные ресурсы 3 в секунду и 180 в минуту
	viper.SetDefault("ratelimit.ordersPerSecond", 12)
	viper.SetDefault("ratelimit.ordersPerMinute", 720)
	viper.SetDefault("ratelimit.otherPerSecond", 3)
	viper.SetDefault("ratelimit.otherPerMinute", 180)

	// Профили повторов
	viper.SetDefault("retry.orders.maxRetries", 3)
	viper.SetDefault("retry.orders.baseDelay", "1s")
	viper.SetDefault("retry.orders.maxDelay", "10s")
	viper.SetDefault("retry.bulk.maxRetries", 5)
	viper.SetDefault("retry.bulk.baseDelay", "2s")
	viper.SetDefault("retry.bulk.maxDelay", "30s")

	// Настройки синхронизации
	viper.SetDefault("sync.sessionTimeout", "600s")
	viper.SetDefault("sync.cleanupInterval", "60s")
	viper.SetDefault("sync.statsWindow", "24h")

	// Пороги здоровья
	viper.SetDefault("health.window", "5m")
	viper.SetDefault("health.maxErrorRate", 0.05)
	viper.SetDefault("health.maxAvgLatency", "2s")
	viper.SetDefault("health.maxUtilization", 0.8)

	// Настройки безопасности
	viper.SetDefault("security.corsAllowOrigins", []string{"*"})
}

// bindEnvVariables привязывает переменные окружения к конфигурации
func bindEnvVariables() {
	// Основные настройки
	viper.BindEnv("appName", "APP_NAME")
	viper.BindEnv("version", "APP_VERSION")
	viper.BindEnv("logLevel", "LOG_LEVEL")
	viper.BindEnv("env", "APP_ENV")

	// Настройки сервера
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.readTimeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.writeTimeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.shutdownTimeout", "SERVER_SHUTDOWN_TIMEOUT")

	// Настройки Postgres
	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.dbname", "POSTGRES_DBNAME")
	viper.BindEnv("postgres.sslmode", "POSTGRES_SSLMODE")
	viper.BindEnv("postgres.timeout", "POSTGRES_TIMEOUT")
	viper.BindEnv("postgres.poolSize", "POSTGRES_POOL_SIZE")

	// Настройки Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Настройки Kafka
	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	viper.BindEnv("kafka.dead_letter_topic", "KAFKA_DEAD_LETTER_TOPIC")

	// Настройки шлюза eMAG
	viper.BindEnv("emag.base_url", "EMAG_BASE_URL")
	viper.BindEnv("emag.timeout", "EMAG_TIMEOUT")
	viper.BindEnv("emag.page_size", "EMAG_PAGE_SIZE")

	// Бюджеты лимитера
	viper.BindEnv("ratelimit.ordersPerSecond", "RATELIMIT_ORDERS_PER_SECOND")
	viper.BindEnv("ratelimit.ordersPerMinute", "RATELIMIT_ORDERS_PER_MINUTE")
	viper.BindEnv("ratelimit.otherPerSecond", "RATELIMIT_OTHER_PER_SECOND")
	viper.BindEnv("ratelimit.otherPerMinute", "RATELIMIT_OTHER_PER_MINUTE")

	// Профили повторов
	viper.BindEnv("retry.orders.maxRetries", "RETRY_ORDERS_MAX_RETRIES")
	viper.BindEnv("retry.orders.baseDelay", "RETRY_ORDERS_BASE_DELAY")
	viper.BindEnv("retry.orders.maxDelay", "RETRY_ORDERS_MAX_DELAY")
	viper.BindEnv("retry.bulk.maxRetries", "RETRY_BULK_MAX_RETRIES")
	viper.BindEnv("retry.bulk.baseDelay", "RETRY_BULK_BASE_DELAY")
	viper.BindEnv("retry.bulk.maxDelay", "RETRY_BULK_MAX_DELAY")

	// Настройки синхронизации
	viper.BindEnv("sync.sessionTimeout", "SYNC_SESSION_TIMEOUT")
	viper.BindEnv("sync.cleanupInterval", "SYNC_CLEANUP_INTERVAL")
	viper.BindEnv("sync.statsWindow", "SYNC_STATS_WINDOW")

	// Пороги здоровья
	viper.BindEnv("health.window", "HEALTH_WINDOW")
	viper.BindEnv("health.maxErrorRate", "HEALTH_MAX_ERROR_RATE")
	viper.BindEnv("health.maxAvgLatency", "HEALTH_MAX_AVG_LATENCY")
	viper.BindEnv("health.maxUtilization", "HEALTH_MAX_UTILIZATION")

	// Настройки безопасности
	viper.BindEnv("security.corsAllowOrigins", "CORS_ALLOW_ORIGINS")
}
