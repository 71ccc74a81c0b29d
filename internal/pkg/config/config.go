package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

// EnvPrefix is the prefix for environment overrides. LISTING_RATE_LIMIT__RATE
// maps to rate_limit.rate.
const EnvPrefix = "LISTING_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Jobs        JobsConfig        `koanf:"jobs"`
	Storage     StorageConfig     `koanf:"storage"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment"`
	Marketplace MarketplaceConfig `koanf:"marketplace"`
	Transcripts TranscriptsConfig `koanf:"transcripts"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Auth        AuthConfig        `koanf:"auth"`
	Tenants     []TenantConfig    `koanf:"tenants"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type PipelineConfig struct {
	MaxImages            int      `koanf:"max_images"`
	ImageDomainAllowlist []string `koanf:"image_domain_allowlist"`
}

type RateLimitConfig struct {
	Enabled  bool    `koanf:"enabled"`
	Rate     float64 `koanf:"rate"`     // tokens per second
	Capacity float64 `koanf:"capacity"` // burst size
}

type IdempotencyConfig struct {
	TTL         time.Duration `koanf:"ttl"`
	InFlightTTL time.Duration `koanf:"in_flight_ttl"`
	// SweepInterval is how often expired entries are deleted. Zero means a
	// quarter of TTL.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type JobsConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
	// InstanceID names this process on the jobs it runs. Instances sharing a
	// postgres store need distinct ids; empty picks a random one.
	InstanceID        string        `koanf:"instance_id"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	StaleAfter        time.Duration `koanf:"stale_after"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, postgres
	SQLite SQLiteConfig `koanf:"sqlite"`
	// Database is the generic database configuration for multi-dialect support
	Database DatabaseConfig `koanf:"database"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type EnrichmentConfig struct {
	Enabled           bool          `koanf:"enabled"`
	GatewayURL        string        `koanf:"gateway_url"`
	APIKey            string        `koanf:"api_key"`
	FunctionName      string        `koanf:"function_name"`
	Model             string        `koanf:"model"`
	Timeout           time.Duration `koanf:"timeout"`
	PromptTokenBudget int           `koanf:"prompt_token_budget"`
}

type MarketplaceConfig struct {
	Mode              string        `koanf:"mode"`        // stub, live
	Environment       string        `koanf:"environment"` // sandbox, production
	BaseURL           string        `koanf:"base_url"`    // overrides the environment root
	AppID             string        `koanf:"app_id"`
	CertID            string        `koanf:"cert_id"`
	RefreshToken      string        `koanf:"refresh_token"`
	CategoryTreeID    string        `koanf:"category_tree_id"`
	TaxonomyCacheSize int           `koanf:"taxonomy_cache_size"`
	TaxonomyCacheTTL  time.Duration `koanf:"taxonomy_cache_ttl"`
	Timeout           time.Duration `koanf:"timeout"`
}

type TranscriptsConfig struct {
	Log     bool          `koanf:"log"`
	Metrics bool          `koanf:"metrics"`
	Archive ArchiveConfig `koanf:"archive"`
}

// ArchiveConfig points at S3-compatible object storage for transcript archival.
type ArchiveConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
	Prefix    string `koanf:"prefix"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type AuthConfig struct {
	Mode string     `koanf:"mode"` // apikey, oidc, none
	OIDC OIDCConfig `koanf:"oidc"`
}

type OIDCConfig struct {
	Issuer      string `koanf:"issuer"`
	ClientID    string `koanf:"client_id"`
	TenantClaim string `koanf:"tenant_claim"`
}

type TenantConfig struct {
	ID       string                  `koanf:"id"`
	Name     string                  `koanf:"name"`
	APIKeys  []APIKeyConfig          `koanf:"api_keys"`
	Defaults *domain.ChannelDefaults `koanf:"defaults"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                     8080,
	"server.max_body_bytes":           256 * 1024,
	"server.request_timeout":          "60s",
	"server.shutdown_timeout":         "30s",
	"pipeline.max_images":             6,
	"rate_limit.enabled":              true,
	"rate_limit.rate":                 5.0,
	"rate_limit.capacity":             10.0,
	"idempotency.ttl":                 "1h",
	"idempotency.in_flight_ttl":       "5m",
	"jobs.workers":                    4,
	"jobs.queue_size":                 64,
	"jobs.heartbeat_interval":         "10s",
	"jobs.stale_after":                "1m",
	"storage.type":                    "memory",
	"enrichment.function_name":        "hsuf_enrichment",
	"enrichment.timeout":              "30s",
	"enrichment.prompt_token_budget":  2048,
	"marketplace.mode":                "stub",
	"marketplace.environment":         "sandbox",
	"marketplace.category_tree_id":    "0",
	"marketplace.taxonomy_cache_size": 256,
	"marketplace.taxonomy_cache_ttl":  "1h",
	"marketplace.timeout":             "30s",
	"transcripts.log":                 true,
	"transcripts.archive.prefix":      "transcripts",
	"telemetry.service_name":          "listing-gateway",
	"auth.mode":                       "apikey",
	"auth.oidc.tenant_claim":          "tenant_id",
}

// Load reads the YAML file at path (DefaultPath when empty), applies
// LISTING_ environment overrides and fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.type %q: must be memory, sqlite or postgres", c.Storage.Type)
	}
	switch c.Auth.Mode {
	case "apikey", "oidc", "none":
	default:
		return fmt.Errorf("auth.mode %q: must be apikey, oidc or none", c.Auth.Mode)
	}
	switch c.Marketplace.Mode {
	case "stub", "live":
	default:
		return fmt.Errorf("marketplace.mode %q: must be stub or live", c.Marketplace.Mode)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Capacity < 1) {
		return fmt.Errorf("rate_limit: rate must be positive and capacity at least 1")
	}
	if c.Pipeline.MaxImages < 1 {
		return fmt.Errorf("pipeline.max_images must be at least 1")
	}
	if c.Jobs.Workers < 1 || c.Jobs.QueueSize < 1 {
		return fmt.Errorf("jobs: workers and queue_size must be at least 1")
	}
	if c.Jobs.StaleAfter > 0 && c.Jobs.StaleAfter <= c.Jobs.HeartbeatInterval {
		return fmt.Errorf("jobs.stale_after must exceed jobs.heartbeat_interval")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func (c *Config) expandSecrets() {
	c.Enrichment.APIKey = substituteEnvVars(c.Enrichment.APIKey)
	c.Marketplace.AppID = substituteEnvVars(c.Marketplace.AppID)
	c.Marketplace.CertID = substituteEnvVars(c.Marketplace.CertID)
	c.Marketplace.RefreshToken = substituteEnvVars(c.Marketplace.RefreshToken)
	c.Transcripts.Archive.AccessKey = substituteEnvVars(c.Transcripts.Archive.AccessKey)
	c.Transcripts.Archive.SecretKey = substituteEnvVars(c.Transcripts.Archive.SecretKey)
	c.Storage.Database.DSN = substituteEnvVars(c.Storage.Database.DSN)
}

// Tenant returns the tenant with the given id.
func (c *Config) Tenant(id string) (*TenantConfig, bool) {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i], true
		}
	}
	return nil, false
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
