package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"leadnurture/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RunnerConfig drives the periodic runner and its retry policy
type RunnerConfig struct {
	Schedule        string        `json:"schedule"` // cron spec, e.g. "@every 1m"
	BatchSize       int           `json:"batch_size"`
	Concurrency     int           `json:"concurrency"`
	SendTimeout     time.Duration `json:"send_timeout"`
	MaxAttempts     int           `json:"max_attempts"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	MaxRetryBackoff time.Duration `json:"max_retry_backoff"`
	ClaimTTL        time.Duration `json:"claim_ttl"`
}

// DeliveryConfig selects how steps leave the system. Mode "log" only logs
// messages; "live" posts to the gateway and sends email over SMTP.
type DeliveryConfig struct {
	Mode           string        `json:"mode"`
	GatewayURL     string        `json:"gateway_url"`
	GatewayToken   string        `json:"-"`
	GatewayTimeout time.Duration `json:"gateway_timeout"`
	SMTPHost       string        `json:"smtp_host"`
	SMTPPort       int           `json:"smtp_port"`
	SMTPUsername   string        `json:"smtp_username"`
	SMTPPassword   string        `json:"-"`
	FromEmail      string        `json:"from_email"`
	FromName       string        `json:"from_name"`
	EmailSubject   string        `json:"email_subject"`
}

type Config struct {
	Environment    string         `json:"environment"`
	LogLevel       string         `json:"log_level"`
	SentryDSN      string         `json:"-"`
	JWTSecret      string         `json:"-"`
	ServerPort     string         `json:"server_port"`
	CORSOrigins    []string       `json:"cors_origins"`
	DBHost         string         `json:"db_host"`
	DBPort         string         `json:"db_port"`
	DBUser         string         `json:"db_user"`
	DBPassword     string         `json:"-"`
	DBName         string         `json:"db_name"`
	DBSSLMode      string         `json:"db_ssl_mode"`
	DBMaxIdleConns int            `json:"db_max_idle_conns"`
	DBMaxOpenConns int            `json:"db_max_open_conns"`
	RateLimitRun   int            `json:"rate_limit_run"` // manual runs per creator per minute
	Redis          RedisConfig    `json:"redis"`
	Runner         RunnerConfig   `json:"runner"`
	Delivery       DeliveryConfig `json:"delivery"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadnurture"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
		RateLimitRun:   getEnvAsInt("RATE_LIMIT_RUN", 6),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Runner: RunnerConfig{
			Schedule:        getEnv("RUNNER_SCHEDULE", "@every 1m"),
			BatchSize:       getEnvAsInt("RUNNER_BATCH_SIZE", 100),
			Concurrency:     getEnvAsInt("RUNNER_CONCURRENCY", 4),
			SendTimeout:     getEnvAsDuration("RUNNER_SEND_TIMEOUT", 30*time.Second),
			MaxAttempts:     getEnvAsInt("RUNNER_MAX_ATTEMPTS", 5),
			RetryBackoff:    getEnvAsDuration("RUNNER_RETRY_BACKOFF", 5*time.Minute),
			MaxRetryBackoff: getEnvAsDuration("RUNNER_MAX_RETRY_BACKOFF", 6*time.Hour),
			ClaimTTL:        getEnvAsDuration("RUNNER_CLAIM_TTL", 5*time.Minute),
		},
		Delivery: DeliveryConfig{
			Mode:           strings.ToLower(getEnv("DELIVERY_MODE", "log")),
			GatewayURL:     getEnv("GATEWAY_URL", ""),
			GatewayToken:   getEnv("GATEWAY_TOKEN", ""),
			GatewayTimeout: getEnvAsDuration("GATEWAY_TIMEOUT", 15*time.Second),
			SMTPHost:       getEnv("SMTP_HOST", ""),
			SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername:   getEnv("SMTP_USERNAME", ""),
			SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
			FromEmail:      getEnv("SMTP_FROM_EMAIL", ""),
			FromName:       getEnv("SMTP_FROM_NAME", ""),
			EmailSubject:   getEnv("EMAIL_SUBJECT", ""),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch AppConfig.Delivery.Mode {
	case "log":
		if AppConfig.Environment == "production" {
			return fmt.Errorf("DELIVERY_MODE=log is not allowed in production")
		}
	case "live":
		if AppConfig.Delivery.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required when DELIVERY_MODE=live")
		}
	default:
		return fmt.Errorf("unknown DELIVERY_MODE %q", AppConfig.Delivery.Mode)
	}
	if AppConfig.Runner.ClaimTTL <= AppConfig.Runner.SendTimeout {
		return fmt.Errorf("RUNNER_CLAIM_TTL (%s) must be longer than RUNNER_SEND_TIMEOUT (%s)",
			AppConfig.Runner.ClaimTTL, AppConfig.Runner.SendTimeout)
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	logLevel := gormlogger.Warn
	if AppConfig.Environment == "development" {
		logLevel = gormlogger.Info
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":     AppConfig.Environment,
		"server_port":     AppConfig.ServerPort,
		"database":        fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":           AppConfig.Redis.Enabled,
		"runner_schedule": AppConfig.Runner.Schedule,
		"delivery_mode":   AppConfig.Delivery.Mode,
		"sentry":          AppConfig.SentryDSN != "",
	}).Info("Loaded configuration")
}
