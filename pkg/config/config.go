package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	TelegramToken      string
	TelegramUseWebhook bool
	TelegramWebhookURL string
	AdminUserIDs       []int64

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LLMBaseURL         string
	LLMModel           string
	LLMAPIKey          string
	LLMTemperature     float64
	LLMMaxTokens       int
	LLMRequestTimeout  time.Duration
	LLMRetryAttempts   int
	LLMRetryMinWait    time.Duration
	LLMRetryMaxWait    time.Duration
	LLMBreakerFailures int
	LLMBreakerCooldown time.Duration

	RateLimitUserRequests   int
	RateLimitUserWindow     time.Duration
	RateLimitGlobalRequests int
	RateLimitGlobalWindow   time.Duration
	RateLimitFailOpen       bool

	MaxContextTokens   int
	MaxHistoryMessages int
	SessionCacheTTL    time.Duration

	ToolTimeout        time.Duration
	MaxToolDepth       int
	FallbackText       string
	EnabledTools       []string
	FilesystemBasePath string

	ServerHost        string
	ServerPort        string
	JWTSigningKey     string
	AdminLogin        string
	AdminPasswordHash string
	LogLevel          string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Warn("Не найден файл .env")
	}

	return &Config{
		TelegramToken:      getEnv("TELEGRAM_TOKEN", ""),
		TelegramUseWebhook: getEnvBool("TELEGRAM_USE_WEBHOOK", false),
		TelegramWebhookURL: getEnv("TELEGRAM_WEBHOOK_URL", ""),
		AdminUserIDs:       getEnvInt64List("ADMIN_USER_IDS", nil),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "postgres"),
		PostgresDB:       getEnv("POSTGRES_DB", "leobot"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		LLMBaseURL:         getEnv("LLM_BASE_URL", "https://ollama.com/v1"),
		LLMModel:           getEnv("LLM_MODEL", "gpt-oss:120b-cloud"),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMTemperature:     getEnvFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:       getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMRequestTimeout:  getEnvDuration("LLM_REQUEST_TIMEOUT", 30*time.Second),
		LLMRetryAttempts:   getEnvInt("LLM_RETRY_ATTEMPTS", 3),
		LLMRetryMinWait:    getEnvDuration("LLM_RETRY_MIN_WAIT", 2*time.Second),
		LLMRetryMaxWait:    getEnvDuration("LLM_RETRY_MAX_WAIT", 10*time.Second),
		LLMBreakerFailures: getEnvInt("LLM_BREAKER_FAILURES", 5),
		LLMBreakerCooldown: getEnvDuration("LLM_BREAKER_COOLDOWN", 60*time.Second),

		RateLimitUserRequests:   getEnvInt("RATE_LIMIT_USER_REQUESTS", 20),
		RateLimitUserWindow:     getEnvDuration("RATE_LIMIT_USER_WINDOW", 60*time.Second),
		RateLimitGlobalRequests: getEnvInt("RATE_LIMIT_GLOBAL_REQUESTS", 100),
		RateLimitGlobalWindow:   getEnvDuration("RATE_LIMIT_GLOBAL_WINDOW", 60*time.Second),
		RateLimitFailOpen:       getEnvBool("RATE_LIMIT_FAIL_OPEN", true),

		MaxContextTokens:   getEnvInt("MAX_CONTEXT_TOKENS", 8000),
		MaxHistoryMessages: getEnvInt("MAX_HISTORY_MESSAGES", 50),
		SessionCacheTTL:    getEnvDuration("SESSION_CACHE_TTL", 300*time.Second),

		ToolTimeout:        getEnvDuration("TOOL_TIMEOUT", 15*time.Second),
		MaxToolDepth:       getEnvInt("MAX_TOOL_DEPTH", 5),
		FallbackText:       getEnv("FALLBACK_TEXT", "🤔 Я получил пустой ответ. Попробуйте переформулировать вопрос."),
		EnabledTools:       getEnvList("ENABLED_TOOLS", []string{"web", "news"}),
		FilesystemBasePath: getEnv("FILESYSTEM_BASE_PATH", "./data"),

		ServerHost:        getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		JWTSigningKey:     getEnv("JWT_SIGNING_KEY", "your-secret-signing-key"),
		AdminLogin:        getEnv("ADMIN_LOGIN", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("Некорректное значение %s=%q, используется %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logrus.Warnf("Некорректное значение %s=%q, используется %g", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logrus.Warnf("Некорректное значение %s=%q, используется %t", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration принимает либо Go-длительность ("30s"), либо число секунд ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	logrus.Warnf("Некорректное значение %s=%q, используется %s", key, value, defaultValue)
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnvInt64List(key string, defaultValue []int64) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []int64
	for _, p := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			logrus.Warnf("Некорректный идентификатор в %s: %q", key, trimmed)
			continue
		}
		result = append(result, id)
	}
	return result
}
