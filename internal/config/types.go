package config

import "time"

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Tenancy       TenancyConfig       `mapstructure:"tenancy"`
	Lock          LockConfig          `mapstructure:"lock"`
	Repair        RepairConfig        `mapstructure:"repair"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// DatabaseConfig holds the process-wide connection parameters. Every tenant
// database lives on the server named by BaseURL.
type DatabaseConfig struct {
	// BaseURL is a postgres://, postgresql:// or mysql:// URL. Its database
	// path, when present, names the control-plane database.
	// Configured via "base_url" in YAML or TENANTDB_DATABASE_BASE_URL env var.
	BaseURL string `mapstructure:"base_url"`
	// BaseURLFile is a path to a file containing the base URL. Supports "@-"
	// to read from stdin.
	BaseURLFile string `mapstructure:"base_url_file"`

	// Password overrides the password embedded in BaseURL.
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`

	// Driver selects the PostgreSQL driver ("postgres" for lib/pq, "pgx").
	// Ignored for MySQL.
	Driver string `mapstructure:"driver"`
	// MainDatabase names the control-plane database when BaseURL has none.
	MainDatabase string `mapstructure:"main_database"`
	// TenantDatabasePrefix is prepended to tenant names.
	TenantDatabasePrefix string `mapstructure:"tenant_database_prefix"`

	// Main pool settings.
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`

	// TLSMode is one of off, skip-verify, verify-ca, verify-full. Empty keeps
	// whatever the base URL query carries.
	TLSMode string `mapstructure:"tls_mode"`
}

// TenancyConfig bounds the per-tenant pool cache and tunes readiness checks.
type TenancyConfig struct {
	MaxPools           int           `mapstructure:"max_pools"`
	TenantMaxOpenConns int           `mapstructure:"tenant_max_open_conns"`
	TenantMaxIdleConns int           `mapstructure:"tenant_max_idle_conns"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	PingOnCreate       bool          `mapstructure:"ping_on_create"`
	ReadyCacheTTL      time.Duration `mapstructure:"ready_cache_ttl"`
	LockPollInterval   time.Duration `mapstructure:"lock_poll_interval"`
	LockWaitBudget     time.Duration `mapstructure:"lock_wait_budget"`
}

// Lock backends.
const (
	LockBackendDatabase = "database"
	LockBackendRedis    = "redis"
)

// LockConfig selects the cross-process schema lock.
type LockConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// RepairConfig controls schema drift repair in the executor.
type RepairConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// AdminConfig controls administrative endpoint authentication.
type AdminConfig struct {
	AuthToken     string `mapstructure:"auth_token"`
	AuthTokenFile string `mapstructure:"auth_token_file"`
	// AuthHeader names the request header carrying the token.
	AuthHeader string `mapstructure:"auth_header"`
}

// ServerConfig holds ops HTTP server parameters.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	Admin              AdminConfig   `mapstructure:"admin"`
	TenantHeader       string        `mapstructure:"tenant_header"`
	ActorHeader        string        `mapstructure:"actor_header"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
	EnsureTimeout      time.Duration `mapstructure:"ensure_timeout"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// Global OTLP settings (defaults for all signals)
	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides (optional)
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs lays a signal-specific config over the global one.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	// Insecure cannot be told apart from an unset false; a present override wins.
	result.Insecure = override.Insecure
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
