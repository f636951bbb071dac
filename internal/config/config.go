// Пакет config — загрузка и валидация конфигурации VitaVault
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации VitaVault.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// URL шлюза сети порогового шифрования (handshake endpoint)
	LitGatewayURL string
	// Имя сети шифрования (для handshake)
	LitNetwork string
	// Таймаут запросов к сети шифрования
	LitTimeout time.Duration

	// Базовый URL pinning-сервиса IPFS
	PinURL string
	// URL публичного IPFS-шлюза для чтения блобов
	PinGatewayURL string
	// JWT для авторизации на pinning-сервисе
	PinJWT string
	// Таймаут запросов к pinning-сервису и шлюзу
	PinTimeout time.Duration

	// API-ключ Gemini (пустая строка — извлечение недоступно)
	GeminiAPIKey string
	// Модель Gemini для извлечения структурированных данных
	GeminiModel string
	// Максимальный размер исходного документа в байтах
	MaxDocumentSize int64

	// URL JWKS endpoint провайдера идентичности (пустая строка — без аутентификации)
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string

	// Размер LRU-кэша метаданных записей
	CacheSize int
	// TTL записи в кэше метаданных
	CacheTTL time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics
	DephealthName string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// VV_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("VV_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("VV_PORT: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("VV_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// VV_TLS_CERT / VV_TLS_KEY — TLS (опционально, но только парой)
	cfg.TLSCert = getEnvDefault("VV_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("VV_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("VV_TLS_CERT и VV_TLS_KEY должны быть заданы вместе")
	}

	// VV_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("VV_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("VV_LOG_LEVEL: %w", err)
	}

	// VV_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("VV_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("VV_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("VV_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("VV_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("VV_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("VV_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("VV_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("VV_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("VV_DB_SSL_MODE", "disable")

	// --- Сеть шифрования ---

	// VV_LIT_GATEWAY_URL — обязательный
	cfg.LitGatewayURL, err = getEnvRequired("VV_LIT_GATEWAY_URL")
	if err != nil {
		return nil, err
	}
	cfg.LitNetwork = getEnvDefault("VV_LIT_NETWORK", "datil-test")
	cfg.LitTimeout, err = getEnvDuration("VV_LIT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VV_LIT_TIMEOUT: %w", err)
	}

	// --- Pinning-сервис IPFS ---

	cfg.PinURL = getEnvDefault("VV_PIN_URL", "https://api.pinata.cloud")
	cfg.PinGatewayURL = getEnvDefault("VV_PIN_GATEWAY_URL", "https://gateway.pinata.cloud")
	// VV_PIN_JWT — обязательный
	cfg.PinJWT, err = getEnvRequired("VV_PIN_JWT")
	if err != nil {
		return nil, err
	}
	cfg.PinTimeout, err = getEnvDuration("VV_PIN_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VV_PIN_TIMEOUT: %w", err)
	}

	// --- Извлечение данных (Gemini) ---

	// VV_GEMINI_API_KEY — опционально: без ключа сервис работает только
	// с уже созданными записями, новые документы не обрабатываются.
	cfg.GeminiAPIKey = getEnvDefault("VV_GEMINI_API_KEY", "")
	cfg.GeminiModel = getEnvDefault("VV_GEMINI_MODEL", "gemini-2.5-flash")

	// VV_MAX_DOCUMENT_SIZE — максимальный размер документа (по умолчанию 10 MB)
	cfg.MaxDocumentSize, err = getEnvInt64("VV_MAX_DOCUMENT_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("VV_MAX_DOCUMENT_SIZE: %w", err)
	}
	if cfg.MaxDocumentSize <= 0 {
		return nil, fmt.Errorf("VV_MAX_DOCUMENT_SIZE: значение должно быть положительным")
	}

	// --- Аутентификация ---

	// VV_JWKS_URL — опционально: без него API работает без аутентификации (dev-режим)
	cfg.JWKSUrl = getEnvDefault("VV_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("VV_JWKS_CA_CERT", "")

	// --- Кэш метаданных ---

	cfg.CacheSize, err = getEnvInt("VV_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("VV_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("VV_CACHE_SIZE: значение должно быть положительным")
	}
	cfg.CacheTTL, err = getEnvDuration("VV_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("VV_CACHE_TTL: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthCheckInterval, err = getEnvDuration("VV_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VV_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("VV_DEPHEALTH_GROUP", "vitavault")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// VV_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("VV_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VV_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
