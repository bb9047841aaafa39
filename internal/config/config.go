// Package config loads the coordinator configuration from a YAML file,
// GRID_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/koprogo/greengrid/pkg/cleanup"
	"github.com/koprogo/greengrid/pkg/ledger"
	"github.com/koprogo/greengrid/pkg/models"
	"github.com/koprogo/greengrid/pkg/registry"
	"github.com/koprogo/greengrid/pkg/scheduler"
	"github.com/koprogo/greengrid/pkg/store"
	tlsutil "github.com/koprogo/greengrid/pkg/tls"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. GRID_SERVER_ADDR
const EnvPrefix = "GRID"

// Config is the full coordinator configuration
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Storage   StorageConfig         `yaml:"storage"`
	Ledger    LedgerConfig          `yaml:"ledger"`
	Credits   CreditsConfig         `yaml:"credits"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Cleanup   cleanup.CleanupConfig `yaml:"cleanup"`
	Logging   LoggingConfig         `yaml:"logging"`
	Tracing   tracing.Config        `yaml:"tracing"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Auth      AuthConfig            `yaml:"auth"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string         `yaml:"addr"`
	ReadTimeout     time.Duration  `yaml:"read_timeout"`
	WriteTimeout    time.Duration  `yaml:"write_timeout"`
	IdleTimeout     time.Duration  `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	TLS             tlsutil.Config `yaml:"tls"`
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Type            string        `yaml:"type"` // memory, sqlite or postgres
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ProofBackend    string        `yaml:"proof_backend"` // empty or leveldb
	ProofPath       string        `yaml:"proof_path"`
}

// LedgerConfig configures the green proof chain
type LedgerConfig struct {
	CarbonIntensity float64 `yaml:"carbon_intensity_kg_per_kwh"`
	HeadRetries     int     `yaml:"head_retries"`
}

// CreditsConfig configures carbon credit valuation
type CreditsConfig struct {
	PricePerKgEUR    float64 `yaml:"price_per_kg_eur"`
	CooperativeShare float64 `yaml:"cooperative_share"`
}

// SchedulerConfig configures liveness and the periodic sweep
type SchedulerConfig struct {
	LivenessWindow   time.Duration `yaml:"liveness_window"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	AssignPending    bool          `yaml:"assign_pending"`
	ReconcileCredits bool          `yaml:"reconcile_credits"`
}

// LoggingConfig configures the coordinator logger
type LoggingConfig struct {
	Level     string `yaml:"level"`
	JSON      bool   `yaml:"json"`
	Dir       string `yaml:"dir"` // enables file output under <dir>/gridd/
	MaxSizeMB int64  `yaml:"max_size_mb"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIKey is a named bcrypt hash of an operator key
type APIKey struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// AuthConfig configures operator keys and node tokens. Authentication is
// off when no key is configured.
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys,omitempty"`
	// BootstrapKey is a plaintext operator key, usually set through
	// GRID_AUTH_BOOTSTRAP_KEY, hashed at startup
	BootstrapKey string        `yaml:"bootstrap_key,omitempty"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// Enabled reports whether any operator key is configured
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.BootstrapKey != ""
}

// RateLimitConfig configures the per-node limiter on node routes
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RPS             float64       `yaml:"rps"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
}

// Default returns the built-in configuration
func Default() *Config {
	sweeper := scheduler.DefaultSweeperConfig()
	policy := models.DefaultCreditPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:            "sqlite",
			Path:            "greengrid.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Ledger: LedgerConfig{
			CarbonIntensity: models.GridCarbonIntensityKgPerKWh,
			HeadRetries:     3,
		},
		Credits: CreditsConfig{
			PricePerKgEUR:    policy.PricePerKgEUR,
			CooperativeShare: policy.CooperativeShare,
		},
		Scheduler: SchedulerConfig{
			LivenessWindow:   models.LivenessWindow,
			SweepInterval:    sweeper.Interval,
			AssignPending:    sweeper.AssignPending,
			ReconcileCredits: sweeper.ReconcileCredits,
		},
		Cleanup: cleanup.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100},
		Tracing: tracing.Config{ServiceName: "gridd", ServiceVersion: "dev", Environment: "production"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RPS:             5,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
			MaxAge:          30 * time.Minute,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and the GRID_
// environment binding. Flags can be bound to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	for key, value := range map[string]interface{}{
		"server.addr":                        d.Server.Addr,
		"server.read_timeout":                d.Server.ReadTimeout,
		"server.write_timeout":               d.Server.WriteTimeout,
		"server.idle_timeout":                d.Server.IdleTimeout,
		"server.shutdown_timeout":            d.Server.ShutdownTimeout,
		"server.tls.enabled":                 d.Server.TLS.Enabled,
		"server.tls.cert_file":               d.Server.TLS.CertFile,
		"server.tls.key_file":                d.Server.TLS.KeyFile,
		"server.tls.ca_file":                 d.Server.TLS.CAFile,
		"server.tls.require_client_cert":     d.Server.TLS.RequireClientCert,
		"storage.type":                       d.Storage.Type,
		"storage.dsn":                        d.Storage.DSN,
		"storage.path":                       d.Storage.Path,
		"storage.max_open_conns":             d.Storage.MaxOpenConns,
		"storage.max_idle_conns":             d.Storage.MaxIdleConns,
		"storage.conn_max_lifetime":          d.Storage.ConnMaxLifetime,
		"storage.conn_max_idle_time":         d.Storage.ConnMaxIdleTime,
		"storage.proof_backend":              d.Storage.ProofBackend,
		"storage.proof_path":                 d.Storage.ProofPath,
		"ledger.carbon_intensity_kg_per_kwh": d.Ledger.CarbonIntensity,
		"ledger.head_retries":                d.Ledger.HeadRetries,
		"credits.price_per_kg_eur":           d.Credits.PricePerKgEUR,
		"credits.cooperative_share":          d.Credits.CooperativeShare,
		"scheduler.liveness_window":          d.Scheduler.LivenessWindow,
		"scheduler.sweep_interval":           d.Scheduler.SweepInterval,
		"scheduler.assign_pending":           d.Scheduler.AssignPending,
		"scheduler.reconcile_credits":        d.Scheduler.ReconcileCredits,
		"cleanup.enabled":                    d.Cleanup.Enabled,
		"cleanup.node_retention":             d.Cleanup.NodeRetention,
		"cleanup.cleanup_interval":           d.Cleanup.CleanupInterval,
		"logging.level":                      d.Logging.Level,
		"logging.json":                       d.Logging.JSON,
		"logging.dir":                        d.Logging.Dir,
		"logging.max_size_mb":                d.Logging.MaxSizeMB,
		"tracing.service_name":               d.Tracing.ServiceName,
		"tracing.service_version":            d.Tracing.ServiceVersion,
		"tracing.environment":                d.Tracing.Environment,
		"tracing.otlp_endpoint":              d.Tracing.OTLPEndpoint,
		"tracing.enabled":                    d.Tracing.Enabled,
		"metrics.enabled":                    d.Metrics.Enabled,
		"metrics.path":                       d.Metrics.Path,
		"auth.bootstrap_key":                 d.Auth.BootstrapKey,
		"auth.token_ttl":                     d.Auth.TokenTTL,
		"rate_limit.enabled":                 d.RateLimit.Enabled,
		"rate_limit.rps":                     d.RateLimit.RPS,
		"rate_limit.burst":                   d.RateLimit.Burst,
		"rate_limit.cleanup_interval":        d.RateLimit.CleanupInterval,
		"rate_limit.max_age":                 d.RateLimit.MaxAge,
	} {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads path (optional) into v and decodes the effective configuration
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the components cannot default themselves
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unsupported %q", c.Storage.Type))
	}
	if (c.Storage.Type == "postgres" || c.Storage.Type == "postgresql") && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn: required for postgres"))
	}
	switch c.Storage.ProofBackend {
	case "", "default", "leveldb":
	default:
		errs = append(errs, fmt.Errorf("storage.proof_backend: unsupported %q", c.Storage.ProofBackend))
	}
	if c.Ledger.CarbonIntensity < 0 {
		errs = append(errs, errors.New("ledger.carbon_intensity_kg_per_kwh: cannot be negative"))
	}
	if err := c.CreditPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("credits: %w", err))
	}
	if c.Scheduler.LivenessWindow <= 0 {
		errs = append(errs, errors.New("scheduler.liveness_window: must be positive"))
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("scheduler.sweep_interval: must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit: rps and burst must be positive"))
	}
	for i, k := range c.Auth.APIKeys {
		if k.Name == "" || k.Hash == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d]: name and hash are required", i))
		}
	}
	return errors.Join(errs...)
}

// StoreConfig maps the storage section onto store.Config
func (c *Config) StoreConfig() store.Config {
	s := c.Storage
	return store.Config{
		Type:            s.Type,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		ConnMaxIdleTime: s.ConnMaxIdleTime,
		Path:            s.Path,
		ProofBackend:    s.ProofBackend,
		ProofPath:       s.ProofPath,
	}
}

// RegistryConfig returns the node registry settings
func (c *Config) RegistryConfig() registry.Config {
	rc := registry.DefaultConfig()
	rc.LivenessWindow = c.Scheduler.LivenessWindow
	return rc
}

// ProofConfig returns the green proof ledger settings
func (c *Config) ProofConfig() ledger.ProofConfig {
	pc := ledger.DefaultProofConfig()
	pc.CarbonIntensity = c.Ledger.CarbonIntensity
	if c.Ledger.HeadRetries > 0 {
		pc.HeadRetries = c.Ledger.HeadRetries
	}
	return pc
}

// CreditPolicy returns the configured valuation policy
func (c *Config) CreditPolicy() models.CreditPolicy {
	return models.CreditPolicy{
		PricePerKgEUR:    c.Credits.PricePerKgEUR,
		CooperativeShare: c.Credits.CooperativeShare,
	}
}

// CreditConfig returns the carbon credit ledger settings
func (c *Config) CreditConfig() ledger.CreditConfig {
	cc := ledger.DefaultCreditConfig()
	cc.Policy = c.CreditPolicy()
	return cc
}

// SweeperConfig returns the periodic sweep settings
func (c *Config) SweeperConfig() scheduler.SweeperConfig {
	return scheduler.SweeperConfig{
		Interval:         c.Scheduler.SweepInterval,
		AssignPending:    c.Scheduler.AssignPending,
		ReconcileCredits: c.Scheduler.ReconcileCredits,
	}
}
