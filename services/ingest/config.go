package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the ingest receiver.
type Config struct {
	Addr           string        `env:"INGEST_ADDR,default=:8000"`
	DBDSN          string        `env:"DB_DSN,required"`
	NATSURL        string        `env:"NATS_URL"`
	NATSStream     string        `env:"NATS_STREAM,default=RANSOMEYE_EVENTS"`
	S3Endpoint     string        `env:"S3_ENDPOINT"`
	S3Bucket       string        `env:"S3_BUCKET"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MaxBodyBytes   int64         `env:"INGEST_MAX_BODY_BYTES,default=1048576"`
	RateLimit      int           `env:"INGEST_RATE_LIMIT,default=600"`
	RequestTimeout time.Duration `env:"INGEST_REQUEST_TIMEOUT,default=30s"`
}

// ArchiveEnabled reports whether accepted envelopes are copied to object storage.
func (c Config) ArchiveEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// LoadConfig decodes Config from l. A nil lookuper reads the process environment.
func LoadConfig(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("INGEST_MAX_BODY_BYTES must be positive, got %d", cfg.MaxBodyBytes)
	}
	if cfg.RateLimit < 0 {
		return Config{}, fmt.Errorf("INGEST_RATE_LIMIT must not be negative, got %d", cfg.RateLimit)
	}
	return cfg, nil
}
