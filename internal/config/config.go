package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at process start and passed down to every component.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate limit windows + enqueue locks)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS job queue (optional; in-process dispatch when unset)
	SQSRegion   string
	SQSQueueURL string

	// AWS region for the SES transport
	AWSRegion string

	// Recipient resolution
	AdminEmails     []string
	UserEmailFields []string

	// Queue behavior
	MaxAttempts     int
	RetentionDays   int
	DrainInterval   time.Duration
	DrainBatchSize  int
	DeliveryTimeout time.Duration

	// Retry backoff: "exponential" doubles BackoffBase per attempt,
	// "fixed" always waits BackoffBase.
	BackoffMode string
	BackoffBase time.Duration

	// CredentialKey seals sender service_config at rest (32 bytes, hex).
	CredentialKey [32]byte
	HasCredKey    bool
}

// defaultUserEmailFields is the ordered candidate list for extracting the
// triggering user's address from an event payload.
var defaultUserEmailFields = []string{
	"email", "user_email", "customer_email", "contact_email", "recipient_email",
}

// Load reads configuration from environment variables with sensible defaults.
// A local .env file is honored in development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "courier",
		DBName:    "courier",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		UserEmailFields: defaultUserEmailFields,

		MaxAttempts:     3,
		RetentionDays:   90,
		DrainInterval:   5 * time.Second,
		DrainBatchSize:  100,
		DeliveryTimeout: 90 * time.Second,
		BackoffMode:     "exponential",
		BackoffBase:     1 * time.Minute,
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	// Database
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Recipients
	if admins := os.Getenv("ADMIN_EMAILS"); admins != "" {
		cfg.AdminEmails = splitList(admins)
	}
	if fields := os.Getenv("USER_EMAIL_FIELDS"); fields != "" {
		cfg.UserEmailFields = splitList(fields)
	}

	// Queue tuning
	if cfg.MaxAttempts, err = intEnv("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = intEnv("RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, err
	}
	if cfg.DrainBatchSize, err = intEnv("DRAIN_BATCH_SIZE", cfg.DrainBatchSize); err != nil {
		return nil, err
	}
	if cfg.DrainInterval, err = durationEnv("DRAIN_INTERVAL", cfg.DrainInterval); err != nil {
		return nil, err
	}
	if cfg.DeliveryTimeout, err = durationEnv("DELIVERY_TIMEOUT", cfg.DeliveryTimeout); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = durationEnv("BACKOFF_BASE", cfg.BackoffBase); err != nil {
		return nil, err
	}
	if mode := os.Getenv("BACKOFF_MODE"); mode != "" {
		if mode != "exponential" && mode != "fixed" {
			return nil, fmt.Errorf("invalid BACKOFF_MODE: %s", mode)
		}
		cfg.BackoffMode = mode
	}

	// Credential sealing key
	if keyHex := os.Getenv("CREDENTIAL_KEY"); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid CREDENTIAL_KEY: %w", err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("CREDENTIAL_KEY must be 32 bytes, got %d", len(raw))
		}
		copy(cfg.CredentialKey[:], raw)
		cfg.HasCredKey = true
	}

	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	val := os.Getenv(name)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(name)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
