package linux

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	// DefaultIngestURL is used when RANSOMEYE_INGEST_URL is not set.
	DefaultIngestURL = "http://localhost:8000/events"

	// DefaultIngestTimeout bounds the single delivery attempt.
	DefaultIngestTimeout = 30 * time.Second

	envComponentInstanceID = "RANSOMEYE_COMPONENT_INSTANCE_ID"
	envVersion             = "RANSOMEYE_VERSION"
	envIngestURL           = "RANSOMEYE_INGEST_URL"
	envIngestTimeout       = "RANSOMEYE_INGEST_TIMEOUT"
)

// Config holds the deployment parameters of a single agent run.
type Config struct {
	ComponentInstanceID string        `env:"RANSOMEYE_COMPONENT_INSTANCE_ID"`
	AgentVersion        string        `env:"RANSOMEYE_VERSION"`
	IngestURL           string        `env:"RANSOMEYE_INGEST_URL"`
	IngestTimeout       time.Duration `env:"RANSOMEYE_INGEST_TIMEOUT"`
}

// Requirement describes one environment input and whether the run may start
// without it. Default is decoded into Config when an optional input is unset.
type Requirement struct {
	Key      string
	Purpose  string
	Required bool
	Default  string
}

func (r Requirement) String() string {
	if r.Default == "" {
		return fmt.Sprintf("%s (%s)", r.Key, r.Purpose)
	}
	return fmt.Sprintf("%s (%s, default %s)", r.Key, r.Purpose, r.Default)
}

// Requirements lists every input the agent reads, in resolution order.
var Requirements = []Requirement{
	{Key: envComponentInstanceID, Purpose: "component instance identifier (UUID recommended)", Required: true},
	{Key: envVersion, Purpose: "agent version string, e.g. 1.0.0", Required: true},
	{Key: envIngestURL, Purpose: "ingest endpoint", Default: DefaultIngestURL},
	{Key: envIngestTimeout, Purpose: "delivery timeout", Default: DefaultIngestTimeout.String()},
}

func defaultsLookuper() envconfig.Lookuper {
	defaults := make(map[string]string, len(Requirements))
	for _, r := range Requirements {
		if !r.Required && r.Default != "" {
			defaults[r.Key] = r.Default
		}
	}
	return envconfig.MapLookuper(defaults)
}

// MissingInputError reports required inputs that were absent or blank.
type MissingInputError struct {
	Missing []Requirement
}

func (e *MissingInputError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		parts = append(parts, r.String())
	}
	return "missing required environment variable: " + strings.Join(parts, ", ")
}

// LoadConfig resolves Config from l, failing closed when a required input is
// missing. A nil lookuper reads the process environment.
func LoadConfig(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}

	var missing []Requirement
	for _, r := range Requirements {
		if !r.Required {
			continue
		}
		if v, ok := l.Lookup(r.Key); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingInputError{Missing: missing}
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MultiLookuper(l, defaultsLookuper()),
	}); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	// Present values are used verbatim; only an absent key gets the default.
	if strings.TrimSpace(cfg.IngestURL) == "" {
		return Config{}, fmt.Errorf("%s is set but empty", envIngestURL)
	}
	if cfg.IngestTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %s", envIngestTimeout, cfg.IngestTimeout)
	}

	parsed, err := url.Parse(cfg.IngestURL)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envIngestURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Config{}, fmt.Errorf("%s must use http or https: %s", envIngestURL, cfg.IngestURL)
	}
	if parsed.Host == "" {
		return Config{}, fmt.Errorf("%s is missing a host: %s", envIngestURL, cfg.IngestURL)
	}

	return cfg, nil
}
