package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env         string `env:"ENV,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	DatabaseUrl string `env:"DATABASE_URL,required"`
	DBMaxConns  int    `env:"DB_MAX_CONNS,default=10"`

	// Storage Configuration
	StorageProvider string             `env:"STORAGE_PROVIDER,default=local"` // "local" or "r2"
	Local           LocalStorageConfig `env:",prefix=LOCAL_STORAGE_"`
	R2              R2Config           `env:",prefix=R2_"`

	// Optional campaign read cache; disabled when empty
	RedisURL         string        `env:"REDIS_URL"`
	CampaignCacheTTL time.Duration `env:"CAMPAIGN_CACHE_TTL,default=5m"`

	// Code images
	QRSize        int    `env:"QR_SIZE,default=512"`
	CodeURLPrefix string `env:"CODE_URL_PREFIX"` // encoded before the token when set

	// Quotas
	QuotaPolicyFile string  `env:"QUOTA_POLICY_FILE"`
	RecountRate     float64 `env:"RECOUNT_RATE,default=20"` // accounts per second

	MetricsPushgatewayURL string `env:"METRICS_PUSHGATEWAY_URL"`
}

type LocalStorageConfig struct {
	Path string `env:"PATH,default=./storage"`
	URL  string `env:"URL,default=http://localhost:8080/files"`
}

type R2Config struct {
	AccountID       string `env:"ACCOUNT_ID"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	BucketName      string `env:"BUCKET_NAME"`
	PublicURL       string `env:"PUBLIC_URL"` // optional custom domain
}

func NewConfig(ctx context.Context) (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks rules that span more than one field.
func (c *Config) Validate() error {
	switch c.StorageProvider {
	case "local":
	case "r2":
		if c.R2.AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2.AccessKeyID == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2.SecretAccessKey == "" {
			return fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2.BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	default:
		return fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", c.StorageProvider)
	}

	if c.QRSize < 64 {
		return fmt.Errorf("QR_SIZE must be at least 64, got: %d", c.QRSize)
	}
	if c.RecountRate <= 0 {
		return fmt.Errorf("RECOUNT_RATE must be positive, got: %v", c.RecountRate)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got: %d", c.DBMaxConns)
	}
	return nil
}
