package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	// Server
	Port           string
	TrustedProxies []string
	AdminAPIToken  string

	// SendGrid
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	// RabbitMQ (completion event publishing)
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	// Page-scanning engine
	ScannerURL     string
	ScannerTimeout time.Duration

	// Worker
	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	ScanClaimLimit     int
	StaleBatchCutoff   time.Duration

	// Notification dispatcher
	NotifyPollInterval time.Duration
	NotifyMaxAttempts  int

	// Campaign ledger
	ReserveMaxAttempts      int
	DefaultAvgTokensPerScan int64
}

func Load() *Config {
	cfg := &Config{
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBName:     getEnv("DB_NAME", "scanservice"),

		Port:          getEnv("PORT", "8080"),
		AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", "reports@example.com"),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Accessibility Reports"),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "scan-events"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "scan.completed"),

		ScannerURL:     getEnv("SCANNER_URL", "http://localhost:9000"),
		ScannerTimeout: getEnvDuration("SCANNER_TIMEOUT", 90*time.Second),

		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		ScanClaimLimit:     getEnvInt("SCAN_CLAIM_LIMIT", 10),
		StaleBatchCutoff:   getEnvDuration("STALE_BATCH_CUTOFF", 24*time.Hour),

		NotifyPollInterval: getEnvDuration("NOTIFY_POLL_INTERVAL", 30*time.Second),
		NotifyMaxAttempts:  getEnvInt("NOTIFY_MAX_ATTEMPTS", 5),

		ReserveMaxAttempts:      getEnvInt("RESERVE_MAX_ATTEMPTS", 3),
		DefaultAvgTokensPerScan: int64(getEnvInt("DEFAULT_AVG_TOKENS_PER_SCAN", 100)),
	}

	// Handle trusted proxies
	trustedProxies := os.Getenv("TRUSTED_PROXIES")
	if trustedProxies == "" {
		cfg.TrustedProxies = []string{"127.0.0.1", "::1"}
	} else {
		proxies := strings.Split(trustedProxies, ",")
		cfg.TrustedProxies = make([]string, 0, len(proxies))
		for _, proxy := range proxies {
			if trimmed := strings.TrimSpace(proxy); trimmed != "" {
				cfg.TrustedProxies = append(cfg.TrustedProxies, trimmed)
			}
		}
	}

	if cfg.SendGridAPIKey == "" {
		log.Printf("WARNING: SENDGRID_API_KEY not configured. Email notifications will fail.")
	}
	if cfg.AMQPURL == "" {
		log.Printf("WARNING: AMQP_URL not configured. Completion events will not be published.")
	}
	if cfg.AdminAPIToken == "" {
		log.Printf("WARNING: ADMIN_API_TOKEN not configured. Admin endpoints will reject all requests.")
	}

	return cfg
}

// DSN returns the MySQL connection string.
func (c *Config) DSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("WARNING: invalid value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("WARNING: invalid value for %s, using default %v", key, defaultValue)
	}
	return defaultValue
}
