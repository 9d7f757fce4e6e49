package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for pulse-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (database password) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8086"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Sync engine configuration
	Sync SyncConfig `yaml:"sync"`

	// Metrics computation configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// OAuth app credentials, one client per OAuth service
	OAuth OAuthConfig `yaml:"oauth"`
}

// OAuthClient holds the app credentials registered with one service.
// Secrets come from environment variables only.
type OAuthClient struct {
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `yaml:"-" env:"CLIENT_SECRET"` // Secret - not in YAML
}

// OAuthConfig holds per-service OAuth app credentials. API-key services
// (odoo, activecampaign, monday) have no entry here.
type OAuthConfig struct {
	Jira      OAuthClient `yaml:"jira" env-prefix:"JIRA_"`
	Hubspot   OAuthClient `yaml:"hubspot" env-prefix:"HUBSPOT_"`
	Zoho      OAuthClient `yaml:"zoho" env-prefix:"ZOHO_"`
	Mailchimp OAuthClient `yaml:"mailchimp" env-prefix:"MAILCHIMP_"`
	Asana     OAuthClient `yaml:"asana" env-prefix:"ASANA_"`
}

// ClientFor returns the OAuth app credentials for a service type.
func (o *OAuthConfig) ClientFor(serviceType string) (OAuthClient, bool) {
	switch serviceType {
	case "jira":
		return o.Jira, true
	case "hubspot":
		return o.Hubspot, true
	case "zoho":
		return o.Zoho, true
	case "mailchimp":
		return o.Mailchimp, true
	case "asana":
		return o.Asana, true
	}
	return OAuthClient{}, false
}

// DatabaseConfig holds PostgreSQL database configuration. The same cluster
// hosts the engine catalog tables and the per-tenant warehouse schemas.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"pulse"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"pulse_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// SyncConfig holds sync orchestration settings.
type SyncConfig struct {
	// MaxConcurrentSyncs bounds how many connector syncs run in parallel
	// across all tenants.
	MaxConcurrentSyncs int `yaml:"max_concurrent_syncs" env:"SYNC_MAX_CONCURRENT" env-default:"4"`
	// RequestTimeoutSeconds is the per-request timeout for outbound API calls.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" env:"SYNC_REQUEST_TIMEOUT_SECONDS" env-default:"30"`
	// RunTimeoutMinutes caps one connector's full sync attempt.
	RunTimeoutMinutes int `yaml:"run_timeout_minutes" env:"SYNC_RUN_TIMEOUT_MINUTES" env-default:"15"`
	// TokenSkewSeconds treats tokens expiring within this margin as already
	// expired, so a request never starts with a token that dies mid-flight.
	TokenSkewSeconds int `yaml:"token_skew_seconds" env:"SYNC_TOKEN_SKEW_SECONDS" env-default:"60"`
	// ShutdownGraceSeconds is how long in-flight syncs get to drain on shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" env:"SYNC_SHUTDOWN_GRACE_SECONDS" env-default:"30"`
}

// MetricsConfig holds metric computation settings.
type MetricsConfig struct {
	// QueryTimeoutSeconds caps a single warehouse query.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"METRICS_QUERY_TIMEOUT_SECONDS" env-default:"60"`
	// Definitions is the static metric registry, seeded at startup.
	// Registration is fail-fast: an invalid template aborts boot.
	Definitions []MetricDefinitionConfig `yaml:"definitions"`
}

// MetricDefinitionConfig is one metric registry entry from config.yaml.
type MetricDefinitionConfig struct {
	Key         string `yaml:"key"`
	DisplayName string `yaml:"display_name"`
	Query       string `yaml:"query"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD) must come from environment variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate rejects configurations the engine cannot run with. Configuration
// errors are process-fatal at startup only, never mid-run.
func (c *Config) validate() error {
	if c.Sync.MaxConcurrentSyncs < 1 {
		return fmt.Errorf("sync.max_concurrent_syncs must be at least 1, got %d", c.Sync.MaxConcurrentSyncs)
	}
	if c.Sync.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("sync.request_timeout_seconds must be at least 1, got %d", c.Sync.RequestTimeoutSeconds)
	}
	if c.Sync.TokenSkewSeconds < 0 {
		return fmt.Errorf("sync.token_skew_seconds must not be negative, got %d", c.Sync.TokenSkewSeconds)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
