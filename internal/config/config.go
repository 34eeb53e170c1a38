package config

import (
	"fmt"
	"os"
	"strconv"
)

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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Push transport (Expo-compatible batch API)
	ExpoBaseURL     string
	ExpoAccessToken string

	// SQS config for deferred receipt reconciliation
	SQSRegion        string
	SQSQueueURL      string
	ReceiptDelaySecs int // delivery delay before receipts are polled

	// Auth
	JWTSecret string

	// Fundraising totals feed
	FundsFeedURL   string
	FundsAuthToken string
	FundsCronSpec  string

	// Account sweep
	SweepCronSpec string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "pulse",
		DBName:    "pulse",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		ExpoBaseURL:      "https://exp.host/--/api/v2",
		ReceiptDelaySecs: 900,

		FundsCronSpec: "@every 24h",
		SweepCronSpec: "@every 24h",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
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

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Push transport
	if url := os.Getenv("EXPO_BASE_URL"); url != "" {
		cfg.ExpoBaseURL = url
	}

	if token := os.Getenv("EXPO_ACCESS_TOKEN"); token != "" {
		cfg.ExpoAccessToken = token
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = "us-east-1"
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if delay := os.Getenv("RECEIPT_DELAY_SECS"); delay != "" {
		d, err := strconv.Atoi(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid RECEIPT_DELAY_SECS: %w", err)
		}
		cfg.ReceiptDelaySecs = d
	}

	// Auth
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	// Fundraising totals feed
	if url := os.Getenv("FUNDS_FEED_URL"); url != "" {
		cfg.FundsFeedURL = url
	}

	if token := os.Getenv("FUNDS_AUTH_TOKEN"); token != "" {
		cfg.FundsAuthToken = token
	}

	if spec := os.Getenv("FUNDS_CRON_SPEC"); spec != "" {
		cfg.FundsCronSpec = spec
	}

	if spec := os.Getenv("SWEEP_CRON_SPEC"); spec != "" {
		cfg.SweepCronSpec = spec
	}

	return cfg, nil
}
