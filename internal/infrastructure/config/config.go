package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultHashSalt is the development salt; production must override it
const DefaultHashSalt = "clinicdesk-dev-salt"

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Numbering NumberingConfig
	Draft     DraftConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	SlowThreshold   time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	CORSAllowOrigins []string
	PublicRateLimit  int // public lookups per client per window, negative disables
	PublicRateWindow time.Duration
}

// NumberingConfig holds sequence allocation and hash codec settings
type NumberingConfig struct {
	HashSalt              string
	HashMinLength         int
	Width                 int
	Prefixes              map[string]string            // document type -> prefix
	TenantPrefixes        map[string]map[string]string // tenant id -> document type -> prefix
	MaxAllocationAttempts int
	RetryInitialInterval  time.Duration
	RetryMaxInterval      time.Duration
	MaxRepairAttempts     int
	RepairLockTTL         time.Duration
	AuditInterval         time.Duration // background audit in the API server, zero disables
}

// DraftConfig holds wizard draft cache settings
type DraftConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration. The metrics, logs and
// database tracing switches only take effect when Enabled is set; left unset
// they follow it.
type TelemetryConfig struct {
	Enabled               bool
	CollectorEndpoint     string  // OTLP gRPC endpoint, e.g. "localhost:4317"
	SamplingRatio         float64 // 0.0-1.0
	ServiceName           string
	Insecure              bool
	MetricsEnabled        bool
	MetricsExportInterval time.Duration
	LogsEnabled           bool
	DBTraceEnabled        bool
	DBLogFullSQL          bool // include query variables in spans, dev only
}

// MetricsOn reports whether metrics are exported
func (t *TelemetryConfig) MetricsOn() bool { return t.Enabled && t.MetricsEnabled }

// LogsOn reports whether zap entries are bridged to the collector
func (t *TelemetryConfig) LogsOn() bool { return t.Enabled && t.LogsEnabled }

// DBTraceOn reports whether gorm statements get spans
func (t *TelemetryConfig) DBTraceOn() bool { return t.Enabled && t.DBTraceEnabled }

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CLINIC_ prefix (e.g., CLINIC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path; an empty path searches
// the default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CLINIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			SQLitePath:      v.GetString("database.sqlite_path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			PublicRateLimit:  v.GetInt("http.public_rate_limit"),
			PublicRateWindow: v.GetDuration("http.public_rate_window"),
		},
		Numbering: NumberingConfig{
			HashSalt:              v.GetString("numbering.hash_salt"),
			HashMinLength:         v.GetInt("numbering.hash_min_length"),
			Width:                 v.GetInt("numbering.width"),
			Prefixes:              v.GetStringMapString("numbering.prefixes"),
			MaxAllocationAttempts: v.GetInt("numbering.max_allocation_attempts"),
			RetryInitialInterval:  v.GetDuration("numbering.retry_initial_interval"),
			RetryMaxInterval:      v.GetDuration("numbering.retry_max_interval"),
			MaxRepairAttempts:     v.GetInt("numbering.max_repair_attempts"),
			RepairLockTTL:         v.GetDuration("numbering.repair_lock_ttl"),
			AuditInterval:         v.GetDuration("numbering.audit_interval"),
		},
		Draft: DraftConfig{
			TTL:             v.GetDuration("draft.ttl"),
			CleanupInterval: v.GetDuration("draft.cleanup_interval"),
		},
	}

	cfg.Telemetry = TelemetryConfig{
		Enabled:               v.GetBool("telemetry.enabled"),
		CollectorEndpoint:     v.GetString("telemetry.collector_endpoint"),
		SamplingRatio:         v.GetFloat64("telemetry.sampling_ratio"),
		ServiceName:           v.GetString("telemetry.service_name"),
		Insecure:              v.GetBool("telemetry.insecure"),
		MetricsEnabled:        boolOr(v, "telemetry.metrics_enabled", true),
		MetricsExportInterval: v.GetDuration("telemetry.metrics_export_interval"),
		LogsEnabled:           boolOr(v, "telemetry.logs_enabled", true),
		DBTraceEnabled:        boolOr(v, "telemetry.db_trace_enabled", true),
		DBLogFullSQL:          v.GetBool("telemetry.db_log_full_sql"),
	}
	if !v.IsSet("telemetry.sampling_ratio") {
		cfg.Telemetry.SamplingRatio = 1.0
	}

	if v.IsSet("numbering.tenant_prefixes") {
		if err := v.UnmarshalKey("numbering.tenant_prefixes", &cfg.Numbering.TenantPrefixes); err != nil {
			return nil, fmt.Errorf("invalid numbering.tenant_prefixes: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func boolOr(v *viper.Viper, key string, def bool) bool {
	if !v.IsSet(key) {
		return def
	}
	return v.GetBool(key)
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "clinicdesk"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "clinicdesk"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "clinicdesk.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = 200 * time.Millisecond
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.PublicRateLimit == 0 {
		cfg.HTTP.PublicRateLimit = 60
	}
	if cfg.HTTP.PublicRateWindow == 0 {
		cfg.HTTP.PublicRateWindow = time.Minute
	}
	if cfg.Numbering.HashSalt == "" {
		cfg.Numbering.HashSalt = DefaultHashSalt
	}
	if cfg.Numbering.HashMinLength == 0 {
		cfg.Numbering.HashMinLength = 20
	}
	if cfg.Numbering.Width == 0 {
		cfg.Numbering.Width = 6
	}
	if cfg.Numbering.Prefixes == nil {
		cfg.Numbering.Prefixes = map[string]string{}
	}
	if cfg.Numbering.TenantPrefixes == nil {
		cfg.Numbering.TenantPrefixes = map[string]map[string]string{}
	}
	// 100 matches the collision retry ceiling of the historical repair tooling
	if cfg.Numbering.MaxAllocationAttempts == 0 {
		cfg.Numbering.MaxAllocationAttempts = 100
	}
	if cfg.Numbering.RetryInitialInterval == 0 {
		cfg.Numbering.RetryInitialInterval = 5 * time.Millisecond
	}
	if cfg.Numbering.RetryMaxInterval == 0 {
		cfg.Numbering.RetryMaxInterval = 250 * time.Millisecond
	}
	if cfg.Numbering.MaxRepairAttempts == 0 {
		cfg.Numbering.MaxRepairAttempts = 100
	}
	if cfg.Numbering.RepairLockTTL == 0 {
		cfg.Numbering.RepairLockTTL = 30 * time.Minute
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsExportInterval == 0 {
		cfg.Telemetry.MetricsExportInterval = 60 * time.Second
	}
	if cfg.Draft.TTL == 0 {
		cfg.Draft.TTL = 24 * time.Hour
	}
	if cfg.Draft.CleanupInterval == 0 {
		cfg.Draft.CleanupInterval = time.Hour
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Numbering.Width < 1 || c.Numbering.Width > 18 {
		return fmt.Errorf("numbering.width must be between 1 and 18, got %d", c.Numbering.Width)
	}
	if c.Numbering.MaxAllocationAttempts < 1 {
		return fmt.Errorf("numbering.max_allocation_attempts must be positive")
	}
	if c.Numbering.MaxRepairAttempts < 1 {
		return fmt.Errorf("numbering.max_repair_attempts must be positive")
	}
	if c.Numbering.AuditInterval < 0 {
		return fmt.Errorf("numbering.audit_interval cannot be negative")
	}
	if c.Numbering.RetryMaxInterval < c.Numbering.RetryInitialInterval {
		return fmt.Errorf("numbering.retry_max_interval cannot be below numbering.retry_initial_interval")
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Telemetry.MetricsExportInterval < 0 {
		return fmt.Errorf("telemetry.metrics_export_interval cannot be negative")
	}

	if c.App.Env == "production" {
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
		if c.Numbering.HashSalt == DefaultHashSalt {
			return fmt.Errorf("numbering.hash_salt must be set in production")
		}
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("database.driver must be postgres in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}

	return nil
}

// IsPostgres reports whether the configured driver is postgres
func (d *DatabaseConfig) IsPostgres() bool {
	return d.Driver == "postgres"
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.SQLitePath
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
