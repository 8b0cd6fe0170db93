package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/citylord/trajectory-engine/internal/filter"
)

// Config содержит конфигурацию приложения
type Config struct {
	Environment string
	Server      ServerConfig
	Store       StoreConfig
	Redis       RedisConfig
	MySQL       MySQLConfig
	MQTT        MQTTConfig
	Auth        AuthConfig
	Reward      RewardConfig
	Reporter    ReporterConfig
	Policy      filter.Policy
	Monitoring  MonitoringConfig
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	MaxBatchPoints int
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

// Поддерживаемые хранилища
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMySQL  = "mysql"
)

// StoreConfig выбор хранилища сессий
type StoreConfig struct {
	Backend    string
	MaxRetries int
}

// RedisConfig конфигурация Redis
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	ReportStream string
	StreamMaxLen int64
}

// MySQLConfig конфигурация MySQL
type MySQLConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// MQTTConfig конфигурация публикации отчетов в MQTT
type MQTTConfig struct {
	Enabled     bool
	URL         string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
}

// Режимы аутентификации
const (
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"
)

// AuthConfig конфигурация аутентификации
type AuthConfig struct {
	Mode      string
	JWTSecret string
	JWTIssuer string
	Endpoint  string
	CacheTTL  time.Duration
}

// RewardConfig конфигурация вызова сервиса наград
type RewardConfig struct {
	WebhookURL string
	Secret     string
	Timeout    time.Duration
}

// ReporterConfig конфигурация отправки отчетов античита
type ReporterConfig struct {
	Sinks              []string // log, redis, mysql, mqtt
	MaxInFlight        int
	Timeout            time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// MonitoringConfig конфигурация мониторинга
type MonitoringConfig struct {
	MetricsEnabled bool
	LogLevel       string
	LogFormat      string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	defaults := filter.DefaultPolicy()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:        getEnv("SERVER_ADDRESS", ":8090"),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RequestTimeout: getDuration("SERVER_REQUEST_TIMEOUT", 15*time.Second),
			MaxBodyBytes:   int64(getInt("SERVER_MAX_BODY_BYTES", 2<<20)),
			MaxBatchPoints: getInt("SYNC_MAX_BATCH_POINTS", 5000),
			RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getInt("RATE_LIMIT_BURST", 40),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			MaxRetries: getInt("STORE_MAX_RETRIES", 5),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getInt("REDIS_DB", 0),
			PoolSize:     getInt("REDIS_POOL_SIZE", 50),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 5),
			ReportStream: getEnv("REDIS_REPORT_STREAM", "reports:suspicious"),
			StreamMaxLen: int64(getInt("REDIS_REPORT_STREAM_MAXLEN", 100000)),
		},
		MySQL: MySQLConfig{
			DSN:             getEnv("MYSQL_DSN", ""),
			MaxIdleConns:    getInt("MYSQL_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getInt("MYSQL_MAX_OPEN_CONNS", 50),
			ConnMaxLifetime: getDuration("MYSQL_CONN_MAX_LIFETIME", time.Hour),
			AutoMigrate:     getBool("MYSQL_AUTO_MIGRATE", true),
		},
		MQTT: MQTTConfig{
			Enabled:     getBool("MQTT_ENABLED", false),
			URL:         getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:    getEnv("MQTT_CLIENT_ID", "trajectory-api"),
			Username:    getEnv("MQTT_USERNAME", ""),
			Password:    getEnv("MQTT_PASSWORD", ""),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "anticheat/reports"),
			QoS:         getInt("MQTT_QOS", 1),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(getEnv("AUTH_MODE", AuthModeJWT)),
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer: getEnv("AUTH_JWT_ISSUER", ""),
			Endpoint:  getEnv("AUTH_ENDPOINT", ""),
			CacheTTL:  getDuration("AUTH_CACHE_TTL", 5*time.Minute),
		},
		Reward: RewardConfig{
			WebhookURL: getEnv("REWARD_WEBHOOK_URL", ""),
			Secret:     getEnv("REWARD_WEBHOOK_SECRET", ""),
			Timeout:    getDuration("REWARD_TIMEOUT", 5*time.Second),
		},
		Reporter: ReporterConfig{
			Sinks:              lowerAll(getList("REPORT_SINKS", []string{"log"})),
			MaxInFlight:        getInt("REPORT_MAX_IN_FLIGHT", 64),
			Timeout:            getDuration("REPORT_TIMEOUT", 3*time.Second),
			BreakerFailures:    uint32(getInt("REPORT_BREAKER_FAILURES", 5)),
			BreakerOpenTimeout: getDuration("REPORT_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Policy: filter.Policy{
			MaxAccuracyMeters:    getFloat("POLICY_MAX_ACCURACY_METERS", defaults.MaxAccuracyMeters),
			SoftMaxSpeedKmh:      getFloat("POLICY_SOFT_MAX_SPEED_KMH", defaults.SoftMaxSpeedKmh),
			HardMaxSpeedKmh:      getFloat("POLICY_HARD_MAX_SPEED_KMH", defaults.HardMaxSpeedKmh),
			GapMaxInterval:       getDuration("POLICY_GAP_MAX_INTERVAL", defaults.GapMaxInterval),
			GapMaxDistanceMeters: getFloat("POLICY_GAP_MAX_DISTANCE_METERS", defaults.GapMaxDistanceMeters),
			MinTeleportInterval:  getDuration("POLICY_MIN_TELEPORT_INTERVAL", defaults.MinTeleportInterval),
			MaxFutureSkew:        getDuration("POLICY_MAX_FUTURE_SKEW", defaults.MaxFutureSkew),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("SERVER_REQUEST_TIMEOUT must be positive")
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	// Проверка хранилища
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for redis store")
		}
	case StoreMySQL:
		if c.MySQL.DSN == "" {
			return fmt.Errorf("MYSQL_DSN is required for mysql store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	if c.Store.MaxRetries <= 0 {
		return fmt.Errorf("STORE_MAX_RETRIES must be positive")
	}

	// Проверка аутентификации
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required for jwt auth")
		}
	case AuthModeRemote:
		if c.Auth.Endpoint == "" {
			return fmt.Errorf("AUTH_ENDPOINT is required for remote auth")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}

	// Проверка приемников отчетов
	for _, sink := range c.Reporter.Sinks {
		switch sink {
		case "log":
		case "redis":
			if c.Redis.URL == "" {
				return fmt.Errorf("REDIS_URL is required for redis report sink")
			}
		case "mysql":
			if c.MySQL.DSN == "" {
				return fmt.Errorf("MYSQL_DSN is required for mysql report sink")
			}
		case "mqtt":
			if !c.MQTT.Enabled {
				return fmt.Errorf("MQTT_ENABLED must be true for mqtt report sink")
			}
		default:
			return fmt.Errorf("unknown report sink %q", sink)
		}
	}
	if c.Reporter.MaxInFlight <= 0 {
		return fmt.Errorf("REPORT_MAX_IN_FLIGHT must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid anti-cheat policy: %w", err)
	}

	return nil
}

// IsProduction проверяет, запущено ли приложение в production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getList читает список через запятую
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func lowerAll(items []string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = strings.ToLower(item)
	}
	return out
}
