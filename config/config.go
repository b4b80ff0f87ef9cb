package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config хранит все конфигурационные параметры приложения.
type Config struct {
	DatabaseURL  string
	JWTSecretKey string
	ServerPort   int

	// Внешний расчётный леджер (блокчейн-шлюз).
	LedgerBaseURL string
	LedgerAPIKey  string
	LedgerTimeout time.Duration

	// Интервал планировщика автоматической смены статусов турниров.
	SchedulerInterval time.Duration

	// Cloudflare R2 для архива отчётов о расчётах. Опционально:
	// если поля пустые, архив отключён.
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicBaseURL   string
}

// ReportArchiveEnabled сообщает, настроено ли хранилище отчётов.
func (c *Config) ReportArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

// Load загружает конфигурацию из переменных окружения.
// Опционально подгружает .env файл (полезно для локальной разработки).
func Load() (*Config, error) {
	// Загружаем .env файл, если он есть. Ошибку не считаем фатальной.
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	jwtKey := os.Getenv("JWT_SECRET_KEY")
	if jwtKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is not set")
	}

	ledgerURL := os.Getenv("LEDGER_BASE_URL")
	if ledgerURL == "" {
		return nil, fmt.Errorf("LEDGER_BASE_URL environment variable is not set")
	}
	ledgerKey := os.Getenv("LEDGER_API_KEY")
	if ledgerKey == "" {
		return nil, fmt.Errorf("LEDGER_API_KEY environment variable is not set")
	}

	port, err := intFromEnv("SERVER_PORT", 8080)
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", port)
	}

	// Таймаут внешнего вызова ограничен сверху: по его истечении исход
	// считается неопределённым, зависший маркер "in progress" недопустим.
	ledgerTimeoutSec, err := intFromEnv("LEDGER_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	if ledgerTimeoutSec <= 0 {
		return nil, fmt.Errorf("LEDGER_TIMEOUT_SECONDS must be positive, got %d", ledgerTimeoutSec)
	}

	schedulerSec, err := intFromEnv("STATUS_SCHEDULER_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	if schedulerSec <= 0 {
		return nil, fmt.Errorf("STATUS_SCHEDULER_SECONDS must be positive, got %d", schedulerSec)
	}

	cfg := &Config{
		DatabaseURL:       dbURL,
		JWTSecretKey:      jwtKey,
		ServerPort:        port,
		LedgerBaseURL:     ledgerURL,
		LedgerAPIKey:      ledgerKey,
		LedgerTimeout:     time.Duration(ledgerTimeoutSec) * time.Second,
		SchedulerInterval: time.Duration(schedulerSec) * time.Second,
		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2BucketName:      os.Getenv("R2_BUCKET_NAME"),
		R2PublicBaseURL:   os.Getenv("R2_PUBLIC_BASE_URL"),
	}

	return cfg, nil
}

func intFromEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s environment variable: %w", name, err)
	}
	return v, nil
}
